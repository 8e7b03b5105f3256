// Package syncagent implements the per (Peer, Channel) synchronization
// client: request sequence allocation, response demultiplexing, timeouts,
// and the idle/active/pending re-entry state machine.
package syncagent

import (
	"context"
	"sync"
	"time"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/channel"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/internal/metrics"
	"github.com/heapwolf/peerlinks/storage"
	"github.com/heapwolf/peerlinks/wire"
)

// Sender transmits a SyncRequest packet to the remote peer this agent
// synchronizes with. Peer implements this.
type Sender interface {
	SendSyncRequest(req *wire.SyncRequest) error
}

// state is the agent's position in the idle/active/pending machine.
type state int

const (
	idle state = iota
	active
	pending
)

type pendingRequest struct {
	isQuery bool
	respCh  chan wire.SyncResponseContent
	errCh   chan error
}

// Agent drives Channel.Sync against one remote peer, over one Sender, for
// one Channel. It owns request/response matching by sequence number and the
// coalescing idle/active/pending re-entry machine.
type Agent struct {
	channel   *channel.Channel
	channelID []byte
	sender    Sender
	timeout   time.Duration

	// signIdentity/signChain are the identity and chain used to sign each
	// outgoing request's content. For a feed, these are an ephemeral
	// identity holding a one-hop extension of the real identity's chain, so
	// requests are signed by the ephemeral key. The real identity's public
	// key still travels inside that chain, as the trustee of its last link
	// (or as the channel root key when the real chain is empty).
	signIdentity *identity.Identity
	signChain    chain.Chain

	mu      sync.Mutex
	st      state
	seq     uint32
	pending map[uint32]*pendingRequest
	closed  bool
}

// New builds a sync agent for ch, authenticating outgoing requests under
// realIdentity's chain (or an ephemeral one-hop extension of it, for feeds).
func New(ch *channel.Channel, realIdentity *identity.Identity, sender Sender) (*Agent, error) {
	signIdentity, signChain, err := requesterIdentity(ch, realIdentity)
	if err != nil {
		return nil, err
	}
	return &Agent{
		channel:      ch,
		channelID:    ch.ChannelID,
		sender:       sender,
		timeout:      peerlinks.DefaultSyncTimeout,
		signIdentity: signIdentity,
		signChain:    signChain,
		pending:      make(map[uint32]*pendingRequest),
	}, nil
}

// requesterIdentity returns the identity and chain an agent should sign
// requests with. Non-feed channels use the real identity directly; feeds
// mint a fresh ephemeral identity and self-extend the real chain by one
// link to it, so long as the real chain has a spare hop. A real chain
// already at MaxChainLength falls back to signing directly — still
// functional, just without the extra ephemeral hop.
func requesterIdentity(ch *channel.Channel, real *identity.Identity) (*identity.Identity, chain.Chain, error) {
	realChain, ok := real.GetChain(ch.ChannelID)
	if !ok {
		return nil, chain.Chain{}, peerlinks.ErrNoChain
	}
	if !ch.IsFeed || len(realChain.Links) >= peerlinks.MaxChainLength {
		return real, realChain, nil
	}

	ephemeral, err := identity.New("ephemeral-feed-sync")
	if err != nil {
		return nil, chain.Chain{}, err
	}
	link, err := real.IssueLink(ch.ChannelID, ephemeral.Public, "feed-sync", time.Time{}, time.Time{})
	if err != nil {
		return nil, chain.Chain{}, err
	}
	ephemeralChain := realChain.Append(*link)
	ephemeral.AddChain(ch.ChannelID, ephemeralChain)
	return ephemeral, ephemeralChain, nil
}

func (a *Agent) nextSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

// signedContent stamps the requester's chain, a timestamp, and a signature
// over both onto content before it's encrypted and sent; the responder uses
// them to authenticate the request against the channel's root key.
func (a *Agent) signedContent(content *wire.SyncRequestContent) {
	content.RequesterChain = a.signChain.ToWire()
	content.RequesterTimestamp = peerlinks.TimeToUnixSeconds(time.Now())
	content.RequesterSignature = nil
	content.RequesterSignature = a.sign(content.SigningBytes())
}

func (a *Agent) sign(tbs []byte) []byte {
	return a.signIdentity.SignRaw(tbs)
}

// send seals content under the channel key, issues it as a SyncRequest with
// a fresh seq, and waits for the matching SyncResponse (or timeout).
func (a *Agent) send(ctx context.Context, content *wire.SyncRequestContent, isQuery bool) (*wire.SyncResponseContent, error) {
	a.signedContent(content)

	nonce, box, err := a.channel.Encrypt(content.Marshal())
	if err != nil {
		return nil, err
	}

	seq := a.nextSeq()
	pr := &pendingRequest{isQuery: isQuery, respCh: make(chan wire.SyncResponseContent, 1), errCh: make(chan error, 1)}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, peerlinks.ErrClosed
	}
	a.pending[seq] = pr
	a.mu.Unlock()

	kind := "bulk"
	if isQuery {
		kind = "query"
	}
	metrics.SyncRequests.WithLabelValues(kind).Inc()
	start := time.Now()

	req := &wire.SyncRequest{ChannelID: a.channelID, Seq: seq, Nonce: nonce[:], Box: box}
	if err := a.sender.SendSyncRequest(req); err != nil {
		a.dropPending(seq)
		return nil, err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.respCh:
		metrics.SyncRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		return &resp, nil
	case err := <-pr.errCh:
		return nil, err
	case <-timer.C:
		// A slow remote is not ban-worthy; treat as an empty response and
		// let the next synchronize() retry.
		logger.Debug("sync request timed out",
			logger.ChannelID(a.channelID),
			logger.Seq(seq),
		)
		a.dropPending(seq)
		return nil, nil
	case <-ctx.Done():
		a.dropPending(seq)
		return nil, ctx.Err()
	}
}

func (a *Agent) dropPending(seq uint32) {
	a.mu.Lock()
	delete(a.pending, seq)
	a.mu.Unlock()
}

// Query implements channel.RemoteChannel by issuing a sealed Query request
// and awaiting its QueryResponse.
func (a *Agent) Query(ctx context.Context, cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error) {
	content := &wire.SyncRequestContent{Query: &wire.Query{
		CursorHeight: cursor.Height,
		CursorHash:   cursor.Hash,
		IsBackward:   isBackward,
		Limit:        uint32(limit),
	}}
	resp, err := a.send(ctx, content, true)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	if resp == nil || resp.QueryResponse == nil {
		return wire.QueryResponse{}, nil
	}
	return *resp.QueryResponse, nil
}

// Bulk implements channel.RemoteChannel by issuing a sealed Bulk request and
// awaiting its BulkResponse.
func (a *Agent) Bulk(ctx context.Context, hashes [][]byte) (wire.BulkResponse, error) {
	content := &wire.SyncRequestContent{Bulk: &wire.Bulk{Hashes: hashes}}
	resp, err := a.send(ctx, content, false)
	if err != nil {
		return wire.BulkResponse{}, err
	}
	if resp == nil || resp.BulkResponse == nil {
		return wire.BulkResponse{}, nil
	}
	return *resp.BulkResponse, nil
}

// HandleResponse demultiplexes an incoming SyncResponse to its pending
// request by seq. An unknown seq, or a seq whose response shape doesn't
// match what was requested, is a ban-worthy protocol violation.
func (a *Agent) HandleResponse(seq uint32, content wire.SyncResponseContent) error {
	a.mu.Lock()
	pr, ok := a.pending[seq]
	if ok {
		delete(a.pending, seq)
	}
	a.mu.Unlock()

	if !ok {
		return peerlinks.NewBanError("sync response with unknown seq %d", seq)
	}
	if pr.isQuery && content.QueryResponse == nil {
		err := peerlinks.NewBanError("expected QueryResponse for seq %d", seq)
		pr.errCh <- err
		return err
	}
	if !pr.isQuery && content.BulkResponse == nil {
		err := peerlinks.NewBanError("expected BulkResponse for seq %d", seq)
		pr.errCh <- err
		return err
	}
	pr.respCh <- content
	return nil
}

// HandleQuery answers an inbound sync_request carrying a Query, on behalf of
// the channel this agent is paired with.
func (a *Agent) HandleQuery(ctx context.Context, q *wire.Query) (*wire.QueryResponse, error) {
	resp, err := a.channel.Query(ctx, storage.Cursor{Height: q.CursorHeight, Hash: q.CursorHash}, q.IsBackward, int(q.Limit))
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// HandleBulk answers an inbound sync_request carrying a Bulk.
func (a *Agent) HandleBulk(ctx context.Context, b *wire.Bulk) (*wire.BulkResponse, error) {
	resp, err := a.channel.Bulk(ctx, b.Hashes)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Synchronize triggers (or schedules) a sync run. idle starts one
// immediately; active marks one pending, coalescing any further calls that
// arrive before the current run finishes; pending is a no-op.
func (a *Agent) Synchronize(ctx context.Context) {
	a.mu.Lock()
	switch a.st {
	case idle:
		a.st = active
		a.mu.Unlock()
		go a.runLoop(ctx)
		return
	case active:
		a.st = pending
	case pending:
		// already coalesced
	}
	a.mu.Unlock()
}

func (a *Agent) runLoop(ctx context.Context) {
	for {
		n, err := a.channel.Sync(ctx, a)
		if err != nil {
			logger.Warn("sync run failed",
				logger.ChannelID(a.channelID),
				logger.Error(err),
			)
		} else if n > 0 {
			logger.Debug("sync run completed",
				logger.ChannelID(a.channelID),
				logger.Int("received", n),
			)
		}

		a.mu.Lock()
		if a.st == pending {
			a.st = active
			a.mu.Unlock()
			continue
		}
		a.st = idle
		a.mu.Unlock()
		return
	}
}

// Close fails every pending request and prevents further ones from being
// issued.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	pending := a.pending
	a.pending = make(map[uint32]*pendingRequest)
	a.mu.Unlock()

	for _, pr := range pending {
		pr.errCh <- peerlinks.ErrClosed
	}
}
