// Package metrics exposes Prometheus instrumentation for PeerLinks: crypto
// operations, channel DAG acceptance/rejection, sync requests, and peer
// session lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerlinks"

// Registry is a private registry so importing this package never pollutes
// the global Prometheus default registry of an embedding application.
var Registry = prometheus.NewRegistry()

var (
	// CryptoOperations counts sign/verify/encrypt/decrypt/seal/open calls.
	CryptoOperations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "operations_total",
			Help:      "Total number of cryptographic operations.",
		},
		[]string{"operation"}, // sign, verify, seal, open, secretbox_seal, secretbox_open, hash
	)

	// CryptoErrors counts cryptographic operation failures.
	CryptoErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "errors_total",
			Help:      "Total number of cryptographic operation failures.",
		},
		[]string{"operation"},
	)

	// ChannelMessagesAccepted counts messages accepted into a channel's DAG.
	ChannelMessagesAccepted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "messages_accepted_total",
			Help:      "Total number of messages accepted into a channel by Channel.Receive, Channel.Post or Channel.CreateRoot.",
		},
	)

	// ChannelMessagesRejected counts messages rejected by Channel.Receive,
	// labeled by rejection reason.
	ChannelMessagesRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "messages_rejected_total",
			Help:      "Total number of messages rejected by Channel.Receive.",
		},
		[]string{"reason"},
	)

	// ChannelLeavesGauge tracks the current leaf-set size of a channel.
	ChannelLeavesGauge = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "leaves",
			Help:      "Current number of leaves in a channel's DAG.",
		},
		[]string{"channel_id"},
	)

	// SyncRequests counts outgoing Query/Bulk requests issued by SyncAgents.
	SyncRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Total number of sync requests issued.",
		},
		[]string{"type"}, // query, bulk
	)

	// SyncUnresolvedCount tracks a SyncAgent's current unresolved-parent set
	// size.
	SyncUnresolvedCount = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "unresolved_count",
			Help:      "Current size of a sync agent's unresolved parent set.",
		},
		[]string{"channel_id"},
	)

	// SyncFullSyncFallbacks counts transitions into full-sync mode.
	SyncFullSyncFallbacks = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "full_sync_fallbacks_total",
			Help:      "Total number of times a sync agent fell back to full sync.",
		},
	)

	// SyncRequestDuration tracks request/response round-trip durations.
	SyncRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "request_duration_seconds",
			Help:      "Sync request round-trip duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms..8s
		},
		[]string{"type"},
	)

	// PeerSessionsActive tracks the current number of connected peers.
	PeerSessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "sessions_active",
			Help:      "Current number of active peer sessions.",
		},
	)

	// PeerBans counts sessions terminated due to a BanError, labeled by
	// reason.
	PeerBans = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "bans_total",
			Help:      "Total number of peer sessions terminated by a ban.",
		},
		[]string{"reason"},
	)
)

// Handler returns the HTTP handler serving the Prometheus exposition format
// for this package's private Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer starts a standalone metrics HTTP server on addr, serving
// Handler() at /metrics. It blocks until the listener fails.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
