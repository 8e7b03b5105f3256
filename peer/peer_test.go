package peer

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/channel"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/wire"
)

// fakeHost is the minimal peer.Host: a fixed peer id, no channels, and a
// buffered sink for routed invites.
type fakeHost struct {
	peerID  []byte
	invites chan *wire.EncryptedInvite
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	id, err := pcrypto.RandomBytes(peerlinks.IDLength)
	require.NoError(t, err)
	return &fakeHost{peerID: id, invites: make(chan *wire.EncryptedInvite, 1)}
}

func (h *fakeHost) LocalPeerID() []byte          { return h.peerID }
func (h *fakeHost) Channels() []*channel.Channel { return nil }
func (h *fakeHost) ChannelByID([]byte) (*channel.Channel, bool) {
	return nil, false
}
func (h *fakeHost) IdentityForChannel([]byte) (*identity.Identity, bool) {
	return nil, false
}
func (h *fakeHost) ResolveInvite(enc *wire.EncryptedInvite) {
	h.invites <- enc
}

// rawEnd drives one end of a net.Pipe as a hand-rolled remote: it answers
// the Peer's handshake and then exchanges Packets directly.
type rawEnd struct {
	conn   net.Conn
	reader *bufio.Reader
	peerID []byte
}

func newRawEnd(t *testing.T, conn net.Conn) *rawEnd {
	t.Helper()
	id, err := pcrypto.RandomBytes(peerlinks.IDLength)
	require.NoError(t, err)
	return &rawEnd{conn: conn, reader: bufio.NewReader(conn), peerID: id}
}

func (r *rawEnd) handshake(t *testing.T) {
	t.Helper()
	frame, err := wire.ReadFrame(r.reader)
	require.NoError(t, err)
	var hello wire.Hello
	require.NoError(t, hello.Unmarshal(frame))
	require.Equal(t, uint32(peerlinks.Version), hello.Version)

	reply := &wire.Hello{Version: peerlinks.Version, PeerID: r.peerID}
	require.NoError(t, wire.WriteFrame(r.conn, reply.Marshal()))
}

func TestHandshake_ExchangesPeerIDs(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	host := newFakeHost(t)
	p := New(connA, host)
	remote := newRawEnd(t, connB)

	done := make(chan error, 1)
	go func() { done <- p.Handshake() }()
	remote.handshake(t)

	require.NoError(t, <-done)
	require.Equal(t, remote.peerID, p.RemoteID)
}

func TestHandshake_RejectsWrongVersion(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)

	done := make(chan error, 1)
	go func() { done <- p.Handshake() }()

	frame, err := wire.ReadFrame(remote.reader)
	require.NoError(t, err)
	var hello wire.Hello
	require.NoError(t, hello.Unmarshal(frame))

	bad := &wire.Hello{Version: 2, PeerID: remote.peerID}
	require.NoError(t, wire.WriteFrame(connB, bad.Marshal()))

	var banErr *peerlinks.BanError
	require.ErrorAs(t, <-done, &banErr)
}

func TestHandshake_RejectsShortPeerID(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)

	done := make(chan error, 1)
	go func() { done <- p.Handshake() }()

	_, err := wire.ReadFrame(remote.reader)
	require.NoError(t, err)

	bad := &wire.Hello{Version: peerlinks.Version, PeerID: []byte{1, 2, 3}}
	require.NoError(t, wire.WriteFrame(connB, bad.Marshal()))

	var banErr *peerlinks.BanError
	require.ErrorAs(t, <-done, &banErr)
}

// runPeer performs the handshake from both ends and starts p.Run, returning
// a channel carrying Run's exit error.
func runPeer(t *testing.T, p *Peer, remote *rawEnd) chan error {
	t.Helper()
	hsDone := make(chan error, 1)
	go func() { hsDone <- p.Handshake() }()
	remote.handshake(t)
	require.NoError(t, <-hsDone)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()
	return runDone
}

func TestRun_AnswersPingWithPong(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)
	runDone := runPeer(t, p, remote)

	require.NoError(t, wire.WritePacket(connB, &wire.Packet{Ping: &wire.Ping{Seq: 7}}))
	pkt, err := wire.ReadPacket(remote.reader)
	require.NoError(t, err)
	require.NotNil(t, pkt.Pong)
	require.Equal(t, uint32(7), pkt.Pong.Seq)

	// Close the raw end first so Close's best-effort goodbye can't block on
	// the unbuffered pipe.
	require.NoError(t, connB.Close())
	require.NoError(t, p.Close())
	<-runDone
}

func TestRun_RoutesInviteToHost(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	host := newFakeHost(t)
	p := New(connA, host)
	remote := newRawEnd(t, connB)
	runDone := runPeer(t, p, remote)

	enc := &wire.EncryptedInvite{RequestID: make([]byte, 32), Box: []byte("sealed")}
	require.NoError(t, wire.WritePacket(connB, &wire.Packet{EncryptedInvite: enc}))

	select {
	case got := <-host.invites:
		require.Equal(t, enc.Box, got.Box)
	case <-time.After(2 * time.Second):
		t.Fatal("invite was not routed to the host")
	}

	require.NoError(t, connB.Close())
	require.NoError(t, p.Close())
	<-runDone
}

// A protocol violation makes the Peer send Error{reason} and terminate the
// session.
func TestRun_BansOnEmptyPacket(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)
	runDone := runPeer(t, p, remote)

	require.NoError(t, wire.WritePacket(connB, &wire.Packet{}))

	pkt, err := wire.ReadPacket(remote.reader)
	require.NoError(t, err)
	require.NotNil(t, pkt.Error)
	require.NotEmpty(t, pkt.Error.Reason)

	var banErr *peerlinks.BanError
	require.ErrorAs(t, <-runDone, &banErr)
}

// TestRun_RemoteErrorEndsSessionWithoutEcho covers the error packet case: the
// session terminates with the remote's reason and no Error is echoed back.
func TestRun_RemoteErrorEndsSessionWithoutEcho(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)
	runDone := runPeer(t, p, remote)

	require.NoError(t, wire.WritePacket(connB, &wire.Packet{Error: &wire.Error{Reason: "goodbye"}}))

	err := <-runDone
	require.Error(t, err)
	require.Contains(t, err.Error(), "goodbye")

	// The peer's socket closed without writing anything further.
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(time.Second)))
	_, readErr := remote.reader.ReadByte()
	require.Error(t, readErr)
}

func TestRun_SyncRequestForUnknownChannelIsIgnored(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	p := New(connA, newFakeHost(t))
	remote := newRawEnd(t, connB)
	runDone := runPeer(t, p, remote)

	req := &wire.SyncRequest{ChannelID: make([]byte, 32), Seq: 1, Nonce: make([]byte, 24), Box: []byte("x")}
	require.NoError(t, wire.WritePacket(connB, &wire.Packet{SyncRequest: req}))

	// The session stays up: a ping still gets answered.
	require.NoError(t, wire.WritePacket(connB, &wire.Packet{Ping: &wire.Ping{Seq: 1}}))
	pkt, err := wire.ReadPacket(remote.reader)
	require.NoError(t, err)
	require.NotNil(t, pkt.Pong)

	require.NoError(t, connB.Close())
	require.NoError(t, p.Close())
	<-runDone
}
