package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounters_Increment(t *testing.T) {
	CryptoOperations.WithLabelValues("sign").Inc()
	ChannelMessagesRejected.WithLabelValues("invalid_signature").Inc()
	SyncRequests.WithLabelValues("query").Inc()
	PeerBans.WithLabelValues("invalid_signature").Inc()

	families, err := Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestHandler_ServesExpositionFormat(t *testing.T) {
	h := Handler()
	require.NotNil(t, h)
}
