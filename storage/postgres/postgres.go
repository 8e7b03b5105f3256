// Package postgres is a durable Store adapter backed by PostgreSQL via
// pgx/v5's connection pool, in the same Config/NewStore(ctx, cfg) shape the
// teacher's pkg/storage/postgres adapter uses.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store implements storage.Store on top of a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// Schema is the DDL NewStore expects to already exist (migrations are an
// operational concern left to the embedder, matching the teacher's
// pkg/storage/postgres, which also assumes pre-provisioned tables).
const Schema = `
CREATE TABLE IF NOT EXISTS pl_messages (
	channel_id BYTEA NOT NULL,
	hash BYTEA NOT NULL,
	parents BYTEA[] NOT NULL,
	height BIGINT NOT NULL,
	nonce BYTEA NOT NULL,
	encrypted_content BYTEA NOT NULL,
	PRIMARY KEY (channel_id, hash)
);
CREATE INDEX IF NOT EXISTS pl_messages_order ON pl_messages (channel_id, height, hash);

CREATE TABLE IF NOT EXISTS pl_leaves (
	channel_id BYTEA NOT NULL,
	hash BYTEA NOT NULL,
	PRIMARY KEY (channel_id, hash)
);

CREATE TABLE IF NOT EXISTS pl_entities (
	prefix TEXT NOT NULL,
	id TEXT NOT NULL,
	data BYTEA NOT NULL,
	PRIMARY KEY (prefix, id)
);
`

// NewStore opens a connection pool and verifies connectivity with a ping.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies Schema. Call once at startup; it is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func byteSlices(vs [][]byte) [][]byte {
	out := make([][]byte, len(vs))
	copy(out, vs)
	return out
}

func (s *Store) AddMessage(ctx context.Context, channelID []byte, msg *message.Message) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pl_messages (channel_id, hash, parents, height, nonce, encrypted_content)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, hash) DO NOTHING
	`, channelID, msg.Hash[:], byteSlices(msg.Parents), msg.Height, msg.Nonce[:], msg.EncryptedContent)
	if err != nil {
		return false, fmt.Errorf("postgres: add message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM pl_leaves WHERE channel_id = $1 AND hash = ANY($2)`,
		channelID, byteSlices(msg.Parents)); err != nil {
		return false, fmt.Errorf("postgres: prune leaves: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO pl_leaves (channel_id, hash) VALUES ($1, $2)`,
		channelID, msg.Hash[:]); err != nil {
		return false, fmt.Errorf("postgres: add leaf: %w", err)
	}
	return true, nil
}

func (s *Store) GetMessageCount(ctx context.Context, channelID []byte) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pl_messages WHERE channel_id = $1`, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count messages: %w", err)
	}
	return count, nil
}

func (s *Store) HasMessage(ctx context.Context, channelID []byte, hash [32]byte) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pl_messages WHERE channel_id = $1 AND hash = $2)`,
		channelID, hash[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has message: %w", err)
	}
	return exists, nil
}

func scanMessage(row pgx.Row, channelID []byte) (*message.Message, error) {
	var hash, nonce, content []byte
	var parents [][]byte
	var height int64
	if err := row.Scan(&hash, &parents, &height, &nonce, &content); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: scan message: %w", err)
	}
	m := &message.Message{ChannelID: channelID, Parents: parents, Height: height, EncryptedContent: content}
	copy(m.Hash[:], hash)
	copy(m.Nonce[:], nonce)
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, channelID []byte, hash [32]byte) (*message.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT hash, parents, height, nonce, encrypted_content FROM pl_messages WHERE channel_id = $1 AND hash = $2`,
		channelID, hash[:])
	return scanMessage(row, channelID)
}

func (s *Store) GetMessages(ctx context.Context, channelID []byte, hashes [][32]byte) ([]*message.Message, error) {
	out := make([]*message.Message, len(hashes))
	for i, h := range hashes {
		m, err := s.GetMessage(ctx, channelID, h)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (s *Store) GetMessageAtOffset(ctx context.Context, channelID []byte, offset int) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT hash, parents, height, nonce, encrypted_content FROM pl_messages
		WHERE channel_id = $1 ORDER BY height ASC, hash ASC OFFSET $2 LIMIT 1
	`, channelID, offset)
	return scanMessage(row, channelID)
}

func (s *Store) GetLeaves(ctx context.Context, channelID []byte) ([]*message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.hash, m.parents, m.height, m.nonce, m.encrypted_content
		FROM pl_messages m JOIN pl_leaves l ON l.channel_id = m.channel_id AND l.hash = m.hash
		WHERE m.channel_id = $1
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get leaves: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows, channelID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Query(ctx context.Context, channelID []byte, cursor storage.Cursor, isBackward bool, limit int) (storage.QueryResult, error) {
	index, found, err := s.resolveCursorIndex(ctx, channelID, cursor)
	if err != nil {
		return storage.QueryResult{}, err
	}
	if !found {
		return storage.QueryResult{}, nil
	}

	total, err := s.GetMessageCount(ctx, channelID)
	if err != nil {
		return storage.QueryResult{}, err
	}

	var start, end int
	if isBackward {
		start, end = index-limit, index
		if start < 0 {
			start = 0
		}
	} else {
		start, end = index, index+limit
		if end > total {
			end = total
		}
	}
	if start > end {
		start = end
	}

	rows, err := s.pool.Query(ctx, `
		SELECT hash, parents, height, nonce, encrypted_content FROM pl_messages
		WHERE channel_id = $1 ORDER BY height ASC, hash ASC OFFSET $2 LIMIT $3
	`, channelID, start, end-start)
	if err != nil {
		return storage.QueryResult{}, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	result := storage.QueryResult{}
	for rows.Next() {
		m, err := scanMessage(rows, channelID)
		if err != nil {
			return storage.QueryResult{}, err
		}
		result.Messages = append(result.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return storage.QueryResult{}, err
	}

	if end < total {
		if m, err := s.GetMessageAtOffset(ctx, channelID, end); err == nil && m != nil {
			result.ForwardHash = append([]byte(nil), m.Hash[:]...)
		}
	}
	if start > 0 {
		if m, err := s.GetMessageAtOffset(ctx, channelID, start); err == nil && m != nil {
			result.BackwardHash = append([]byte(nil), m.Hash[:]...)
		}
	}
	return result, nil
}

func (s *Store) resolveCursorIndex(ctx context.Context, channelID []byte, cursor storage.Cursor) (int, bool, error) {
	if cursor.Height != nil {
		var index int
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM pl_messages WHERE channel_id = $1 AND height < $2
		`, channelID, *cursor.Height).Scan(&index)
		if err != nil {
			return 0, false, fmt.Errorf("postgres: resolve height cursor: %w", err)
		}
		return index, true, nil
	}
	if cursor.Hash != nil {
		var height int64
		var hash []byte
		err := s.pool.QueryRow(ctx,
			`SELECT height, hash FROM pl_messages WHERE channel_id = $1 AND hash = $2`,
			channelID, cursor.Hash).Scan(&height, &hash)
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("postgres: resolve hash cursor: %w", err)
		}
		var index int
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM pl_messages
			WHERE channel_id = $1 AND (height < $2 OR (height = $2 AND hash < $3))
		`, channelID, height, hash).Scan(&index)
		if err != nil {
			return 0, false, fmt.Errorf("postgres: resolve hash cursor offset: %w", err)
		}
		return index, true, nil
	}
	return 0, false, nil
}

func (s *Store) StoreEntity(ctx context.Context, prefix, id string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pl_entities (prefix, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (prefix, id) DO UPDATE SET data = EXCLUDED.data
	`, prefix, id, data)
	if err != nil {
		return fmt.Errorf("postgres: store entity: %w", err)
	}
	return nil
}

func (s *Store) RetrieveEntity(ctx context.Context, prefix, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM pl_entities WHERE prefix = $1 AND id = $2`, prefix, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: retrieve entity: %w", err)
	}
	return data, nil
}

func (s *Store) RemoveEntity(ctx context.Context, prefix, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pl_entities WHERE prefix = $1 AND id = $2`, prefix, id)
	if err != nil {
		return fmt.Errorf("postgres: remove entity: %w", err)
	}
	return nil
}

func (s *Store) GetEntityKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM pl_entities WHERE prefix = $1 ORDER BY id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

var _ storage.Store = (*Store)(nil)
