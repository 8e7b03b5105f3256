// Package peer implements the one-object-per-socket session lifecycle: the
// Hello handshake, the packet dispatch loop, per-channel SyncAgents, and
// ban-on-protocol-violation termination.
package peer

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/channel"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/internal/metrics"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/storage"
	"github.com/heapwolf/peerlinks/syncagent"
	"github.com/heapwolf/peerlinks/wire"
)

// Host is the narrow view of Protocol a Peer needs: channel/identity lookup,
// the local peer id, and where to route a resolved invite.
type Host interface {
	LocalPeerID() []byte
	Channels() []*channel.Channel
	ChannelByID(channelID []byte) (*channel.Channel, bool)
	IdentityForChannel(channelID []byte) (*identity.Identity, bool)
	ResolveInvite(enc *wire.EncryptedInvite)
}

// Peer is one bidirectional socket's session: handshake state, one SyncAgent
// per channel it has synchronized, and the dispatch loop driving both.
type Peer struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex

	host Host

	// DebugID never travels on the wire; it exists purely to correlate log
	// lines and metrics for one connection across its lifetime.
	DebugID  uuid.UUID
	RemoteID []byte

	agentMu sync.Mutex
	agents  map[string]*syncagent.Agent

	closeOnce sync.Once
	errOnce   sync.Once
	done      chan struct{}
}

// New wraps conn, without yet performing the handshake.
func New(conn io.ReadWriteCloser, host Host) *Peer {
	return &Peer{
		conn:   conn,
		reader: bufio.NewReader(conn),
		host:   host,
		DebugID: uuid.New(),
		agents: make(map[string]*syncagent.Agent),
		done:   make(chan struct{}),
	}
}

// Handshake exchanges Hello messages and validates the remote's. Hello is
// framed directly, outside the Packet oneof. The local Hello is written while
// the remote's is read, so two ends of an unbuffered connection handshaking
// at once do not block each other.
func (p *Peer) Handshake() error {
	hello := &wire.Hello{Version: peerlinks.Version, PeerID: p.host.LocalPeerID()}
	sent := make(chan error, 1)
	go func() { sent <- wire.WriteFrame(p.conn, hello.Marshal()) }()

	frame, err := wire.ReadFrame(p.reader)
	if err != nil {
		return err
	}
	if err := <-sent; err != nil {
		return err
	}
	var remoteHello wire.Hello
	if err := remoteHello.Unmarshal(frame); err != nil {
		return peerlinks.NewBanError("peer: malformed hello: %s", err)
	}
	if remoteHello.Version != peerlinks.Version {
		return peerlinks.NewBanError("peer: unsupported hello version %d", remoteHello.Version)
	}
	if len(remoteHello.PeerID) != peerlinks.IDLength {
		return peerlinks.NewBanError("peer: hello peer_id is %d bytes, want %d", len(remoteHello.PeerID), peerlinks.IDLength)
	}
	p.RemoteID = remoteHello.PeerID
	logger.Debug("peer: handshake complete",
		logger.String("debug_id", p.DebugID.String()),
		logger.PeerID(p.RemoteID),
	)
	return nil
}

// Run performs the initial implicit subscribe (one sync per locally known
// channel) and then dispatches inbound packets until the connection closes
// or a ban-worthy violation terminates the session.
func (p *Peer) Run(ctx context.Context) error {
	metrics.PeerSessionsActive.Inc()
	defer metrics.PeerSessionsActive.Dec()
	defer p.Close()

	for _, ch := range p.host.Channels() {
		if agent, err := p.agentFor(ch); err == nil {
			agent.Synchronize(ctx)
		}
	}

	for {
		pkt, err := wire.ReadPacket(p.reader)
		if err != nil {
			return err
		}
		if err := p.dispatch(ctx, pkt); err != nil {
			if errors.Is(err, errRemoteClosed) {
				// The remote already said goodbye; suppress Close's own
				// goodbye rather than echoing an Error at a dead session.
				p.errOnce.Do(func() {})
				return err
			}
			var banErr *peerlinks.BanError
			if errors.As(err, &banErr) {
				metrics.PeerBans.WithLabelValues("protocol_violation").Inc()
				p.sendError(banErr.Error())
				return banErr
			}
			logger.Warn("peer: packet handling error",
				logger.String("debug_id", p.DebugID.String()),
				logger.Error(err),
			)
		}
	}
}

// errRemoteClosed wraps the remote's own Error packet: it ends the session
// without echoing another Error packet back at a peer that already said
// goodbye.
var errRemoteClosed = errors.New("peer: remote closed the session")

func (p *Peer) dispatch(ctx context.Context, pkt *wire.Packet) error {
	switch {
	case pkt.Error != nil:
		return fmt.Errorf("%w: %s", errRemoteClosed, pkt.Error.Reason)
	case pkt.EncryptedInvite != nil:
		p.host.ResolveInvite(pkt.EncryptedInvite)
		return nil
	case pkt.SyncRequest != nil:
		return p.handleSyncRequest(ctx, pkt.SyncRequest)
	case pkt.SyncResponse != nil:
		return p.handleSyncResponse(pkt.SyncResponse)
	case pkt.Notification != nil:
		return p.handleNotification(ctx, pkt.Notification)
	case pkt.Ping != nil:
		return p.writePacket(&wire.Packet{Pong: &wire.Pong{Seq: pkt.Ping.Seq}})
	case pkt.Pong != nil:
		return nil
	default:
		return peerlinks.NewBanError("peer: empty packet")
	}
}

// handleSyncRequest answers an inbound Query/Bulk after authenticating the
// requester's chain against the channel's root key.
func (p *Peer) handleSyncRequest(ctx context.Context, req *wire.SyncRequest) error {
	ch, ok := p.host.ChannelByID(req.ChannelID)
	if !ok {
		logger.Debug("peer: sync_request for unknown channel",
			logger.ChannelID(req.ChannelID))
		return nil
	}

	var nonce [24]byte
	if len(req.Nonce) != 24 {
		return peerlinks.NewBanError("peer: sync_request nonce is %d bytes", len(req.Nonce))
	}
	copy(nonce[:], req.Nonce)

	plaintext, err := ch.Decrypt(req.Box, nonce)
	if err != nil {
		return err
	}
	var content wire.SyncRequestContent
	if err := content.Unmarshal(plaintext); err != nil {
		return peerlinks.NewBanError("peer: malformed sync_request content: %s", err)
	}

	requesterChain := chain.FromWire(content.RequesterChain)
	leafPub, err := requesterChain.Verify(ch.PublicKey, ch.ChannelID, time.Now())
	if err != nil {
		return peerlinks.NewBanError("peer: sync_request chain invalid: %s", err)
	}
	if !pcrypto.Verify(leafPub, content.SigningBytes(), content.RequesterSignature) {
		return peerlinks.NewBanError("peer: sync_request signature invalid")
	}

	var respContent wire.SyncResponseContent
	switch {
	case content.Query != nil:
		qr, err := ch.Query(ctx, storage.Cursor{Height: content.Query.CursorHeight, Hash: content.Query.CursorHash}, content.Query.IsBackward, int(content.Query.Limit))
		if err != nil {
			return err
		}
		respContent.QueryResponse = &qr
	case content.Bulk != nil:
		br, err := ch.Bulk(ctx, content.Bulk.Hashes)
		if err != nil {
			return err
		}
		respContent.BulkResponse = &br
	default:
		return peerlinks.NewBanError("peer: sync_request carries neither query nor bulk")
	}

	outNonce, box, err := ch.Encrypt(respContent.Marshal())
	if err != nil {
		return err
	}
	return p.writePacket(&wire.Packet{SyncResponse: &wire.SyncResponse{
		ChannelID: req.ChannelID,
		Seq:       req.Seq,
		Box:       append(outNonce[:], box...),
	}})
}

func (p *Peer) handleSyncResponse(resp *wire.SyncResponse) error {
	ch, ok := p.host.ChannelByID(resp.ChannelID)
	if !ok {
		return nil
	}
	if len(resp.Box) < 24 {
		return peerlinks.NewBanError("peer: sync_response box is %d bytes, too short for its nonce prefix", len(resp.Box))
	}
	var nonce [24]byte
	copy(nonce[:], resp.Box[:24])

	plaintext, err := ch.Decrypt(resp.Box[24:], nonce)
	if err != nil {
		return err
	}
	var content wire.SyncResponseContent
	if err := content.Unmarshal(plaintext); err != nil {
		return peerlinks.NewBanError("peer: malformed sync_response content: %s", err)
	}

	p.agentMu.Lock()
	agent, ok := p.agents[hex.EncodeToString(ch.ChannelID)]
	p.agentMu.Unlock()
	if !ok {
		return peerlinks.NewBanError("peer: sync_response for channel with no active sync agent")
	}
	return agent.HandleResponse(resp.Seq, content)
}

func (p *Peer) handleNotification(ctx context.Context, n *wire.Notification) error {
	ch, ok := p.host.ChannelByID(n.ChannelID)
	if !ok {
		return nil
	}
	agent, err := p.agentFor(ch)
	if err != nil {
		return nil
	}
	agent.Synchronize(ctx)
	return nil
}

// agentFor returns this peer's SyncAgent for ch, creating one the first time
// it's needed using whichever identity the host has bound to ch.
func (p *Peer) agentFor(ch *channel.Channel) (*syncagent.Agent, error) {
	key := hex.EncodeToString(ch.ChannelID)

	p.agentMu.Lock()
	defer p.agentMu.Unlock()
	if agent, ok := p.agents[key]; ok {
		return agent, nil
	}

	id, ok := p.host.IdentityForChannel(ch.ChannelID)
	if !ok {
		return nil, peerlinks.ErrNoChain
	}
	agent, err := syncagent.New(ch, id, p)
	if err != nil {
		return nil, err
	}
	p.agents[key] = agent
	return agent, nil
}

// SendSyncRequest implements syncagent.Sender.
func (p *Peer) SendSyncRequest(req *wire.SyncRequest) error {
	return p.writePacket(&wire.Packet{SyncRequest: req})
}

// SendNotification tells this peer to re-synchronize channelID.
func (p *Peer) SendNotification(channelID []byte) error {
	return p.writePacket(&wire.Packet{Notification: &wire.Notification{ChannelID: channelID}})
}

// sendError emits at most one Error packet per session: the ban path's
// reason when one fired, otherwise Close's generic goodbye.
func (p *Peer) sendError(reason string) {
	p.errOnce.Do(func() {
		if len(reason) > peerlinks.MaxErrorReasonLen {
			reason = reason[:peerlinks.MaxErrorReasonLen]
		}
		_ = p.writePacket(&wire.Packet{Error: &wire.Error{Reason: reason}})
	})
}

func (p *Peer) writePacket(pkt *wire.Packet) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WritePacket(p.conn, pkt)
}

// Close sends a best-effort error, closes the socket, and fails every
// pending request on every SyncAgent this peer owns.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.sendError("closing")
		close(p.done)
		p.agentMu.Lock()
		agents := make([]*syncagent.Agent, 0, len(p.agents))
		for _, a := range p.agents {
			agents = append(agents, a)
		}
		p.agentMu.Unlock()
		for _, a := range agents {
			a.Close()
		}
		err = p.conn.Close()
	})
	return err
}

// Done is closed once this peer's session has ended.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}
