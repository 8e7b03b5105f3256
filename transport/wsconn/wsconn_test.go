package wsconn

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/protocol"
	"github.com/heapwolf/peerlinks/storage/memory"
)

// wsPair dials a local httptest WebSocket server and returns both ends of
// the resulting connection.
func wsPair(t *testing.T) (client, server io.ReadWriteCloser) {
	t.Helper()

	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL)
	require.NoError(t, err)

	select {
	case s := <-accepted:
		return c, s
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the WebSocket")
		return nil, nil
	}
}

func TestConn_ReadWriteRoundTrip(t *testing.T) {
	client, server := wsPair(t)
	defer client.Close()
	defer server.Close()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = client.Write([]byte(" world"))
	require.NoError(t, err)

	// Reads span WebSocket message boundaries.
	buf := make([]byte, 11)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
}

func newTestProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	id, err := pcrypto.RandomBytes(32)
	require.NoError(t, err)
	return protocol.New(memory.New(), id)
}

// TestTwoProtocolsGossipOverWebSocket wires two full Protocol instances
// together over a real WebSocket and checks they converge on the channel
// contents, the same way protocol's own tests do over a net.Pipe.
func TestTwoProtocolsGossipOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pa := newTestProtocol(t)
	pb := newTestProtocol(t)

	idA, chA, err := pa.CreateIdentity(ctx, "shared")
	require.NoError(t, err)
	_, err = chA.Post(ctx, idA, message.Body{JSON: `{"text":"ohai"}`}, time.Now())
	require.NoError(t, err)

	idB, err := identity.New("b")
	require.NoError(t, err)
	req, err := idB.RequestInvite(pb.LocalPeerID())
	require.NoError(t, err)
	issued, err := idA.IssueInvite(chA.ChannelID, chA.PublicKey, chA.Name, req.Wire, "b")
	require.NoError(t, err)
	invite, err := req.Decrypt(issued.Encrypted)
	require.NoError(t, err)
	chB, err := pb.ChannelFromInvite(ctx, invite, idB)
	require.NoError(t, err)

	client, server := wsPair(t)
	defer pa.Close()
	defer pb.Close()

	// Connect performs a blocking handshake on each side, so both ends must
	// be driven concurrently.
	serverErr := make(chan error, 1)
	go func() {
		_, err := pa.Connect(ctx, server)
		serverErr <- err
	}()
	_, err = pb.Connect(ctx, client)
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	require.Eventually(t, func() bool {
		count, err := chB.MessageCount(ctx)
		return err == nil && count == 2
	}, 5*time.Second, 20*time.Millisecond)
}
