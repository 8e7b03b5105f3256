// Package config loads PeerLinks' ambient runtime settings: logging,
// metrics, sync timeouts, and storage backend selection. It never touches
// channel/identity/trust-chain state — those are created programmatically
// through the protocol package.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Environment string         `yaml:"environment"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Sync        SyncConfig     `yaml:"sync"`
	Storage     StorageConfig  `yaml:"storage"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type SyncConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxQueryLimit  int           `yaml:"max_query_limit"`
	MaxUnresolved  int           `yaml:"max_unresolved"`
}

type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`
	// DSN is the postgres connection string, used when Backend == "postgres".
	DSN string `yaml:"dsn"`
}

// defaults returns a Config pre-populated with the protocol's defaults.
func defaults() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Sync: SyncConfig{
			Timeout:       15 * time.Second,
			MaxQueryLimit: 1024,
			MaxUnresolved: 262144,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
	}
}

// LoaderOptions configures Load.
type LoaderOptions struct {
	// ConfigDir is the directory containing <env>.yaml/default.yaml/config.yaml.
	ConfigDir string
	// Environment overrides automatic environment detection.
	Environment string
	// EnvFile is a dotenv file loaded before os.Getenv is consulted; empty
	// skips loading one.
	EnvFile string
	// SkipEnvOverrides disables PEERLINKS_* environment variable overrides.
	SkipEnvOverrides bool
}

// DefaultLoaderOptions returns the default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{ConfigDir: "config", EnvFile: ".env"}
}

// Load loads configuration from YAML files under opts.ConfigDir, falling
// back through <env>.yaml, default.yaml, config.yaml, and finally built-in
// defaults, then applies PEERLINKS_* environment variable overrides.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.EnvFile != "" {
		// Best-effort: a missing .env file is not an error.
		_ = godotenv.Load(options.EnvFile)
	}

	env := options.Environment
	if env == "" {
		env = Environment()
	}

	cfg := defaults()
	cfg.Environment = env

	candidates := []string{
		filepath.Join(options.ConfigDir, env+".yaml"),
		filepath.Join(options.ConfigDir, "default.yaml"),
		filepath.Join(options.ConfigDir, "config.yaml"),
	}
	for _, path := range candidates {
		if loaded, err := loadFile(path); err == nil {
			mergeInto(cfg, loaded)
			break
		}
	}

	if !options.SkipEnvOverrides {
		applyEnvOverrides(cfg)
	}

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeInto overlays non-zero fields of loaded onto base.
func mergeInto(base, loaded *Config) {
	if loaded.Environment != "" {
		base.Environment = loaded.Environment
	}
	if loaded.Logging.Level != "" {
		base.Logging.Level = loaded.Logging.Level
	}
	base.Logging.Pretty = base.Logging.Pretty || loaded.Logging.Pretty
	if loaded.Metrics.Addr != "" {
		base.Metrics.Addr = loaded.Metrics.Addr
	}
	base.Metrics.Enabled = base.Metrics.Enabled || loaded.Metrics.Enabled
	if loaded.Sync.Timeout != 0 {
		base.Sync.Timeout = loaded.Sync.Timeout
	}
	if loaded.Sync.MaxQueryLimit != 0 {
		base.Sync.MaxQueryLimit = loaded.Sync.MaxQueryLimit
	}
	if loaded.Sync.MaxUnresolved != 0 {
		base.Sync.MaxUnresolved = loaded.Sync.MaxUnresolved
	}
	if loaded.Storage.Backend != "" {
		base.Storage.Backend = loaded.Storage.Backend
	}
	if loaded.Storage.DSN != "" {
		base.Storage.DSN = loaded.Storage.DSN
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PEERLINKS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PEERLINKS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PEERLINKS_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PEERLINKS_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PEERLINKS_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// Environment returns PEERLINKS_ENV, falling back to ENVIRONMENT, defaulting
// to "development".
func Environment() string {
	env := os.Getenv("PEERLINKS_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}
