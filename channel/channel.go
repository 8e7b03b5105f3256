// Package channel implements the DAG acceptance rules, posting, leaf
// maintenance, query/bulk services, and the sync discovery driver that
// together make up a PeerLinks channel.
package channel

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/internal/metrics"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/storage"
	"github.com/heapwolf/peerlinks/wire"
)

// Channel is a single causally-ordered, encrypted channel DAG and the
// services that let peers converge on it.
type Channel struct {
	PublicKey []byte // 32B Ed25519 root key
	ChannelID []byte // BLAKE2b(public_key, "peerlinks-channel-id")
	Name      string
	IsFeed    bool
	Metadata  []byte

	encKey   [32]byte
	encKeySet bool
	store    storage.Store

	// mu serializes Receive: "Channel acceptance is serialized by Channel
	// (one receive at a time per channel)".
	mu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]struct{} // peer ids subscribed to this channel

	hookMu   sync.RWMutex
	onAccept []func(msg *message.Message)
}

// New derives a channel's id and symmetric encryption key from publicKey and
// binds it to store.
func New(store storage.Store, publicKey []byte, name string, isFeed bool, metadata []byte) (*Channel, error) {
	channelID, err := pcrypto.KeyedHash(publicKey, "peerlinks-channel-id", 32)
	if err != nil {
		return nil, err
	}
	encKey, err := pcrypto.KeyedHash(publicKey, "peerlinks-symmetric", 32)
	if err != nil {
		return nil, err
	}
	return &Channel{
		PublicKey:   append([]byte(nil), publicKey...),
		ChannelID:   channelID[:],
		Name:        name,
		IsFeed:      isFeed,
		Metadata:    metadata,
		encKey:      encKey,
		encKeySet:   true,
		store:       store,
		subscribers: make(map[string]struct{}),
	}, nil
}

// Clear wipes the channel's symmetric encryption key. The Channel is the
// key's sole owner, so after Clear no copy of it remains in memory.
func (c *Channel) Clear() {
	for i := range c.encKey {
		c.encKey[i] = 0
	}
	c.encKeySet = false
}

// Encrypt seals data under the channel's symmetric key.
func (c *Channel) Encrypt(data []byte) (nonce [24]byte, box []byte, err error) {
	return pcrypto.EncryptSecretbox(c.encKey, data)
}

// Decrypt opens box under the channel's symmetric key. A MAC failure is
// always ban-worthy.
func (c *Channel) Decrypt(box []byte, nonce [24]byte) ([]byte, error) {
	plaintext, err := pcrypto.DecryptSecretbox(c.encKey, nonce, box)
	if err != nil {
		return nil, peerlinks.NewBanError("channel: decryption failed")
	}
	return plaintext, nil
}

// OnAccept registers a hook invoked, outside any internal lock, every time
// Receive or Post adds a new message. Peer uses this to broadcast
// notification{channel_id} to subscribers.
func (c *Channel) OnAccept(fn func(msg *message.Message)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onAccept = append(c.onAccept, fn)
}

func (c *Channel) fireOnAccept(msg *message.Message) {
	c.hookMu.RLock()
	hooks := append([]func(msg *message.Message){}, c.onAccept...)
	c.hookMu.RUnlock()
	for _, h := range hooks {
		h(msg)
	}
}

// Subscribe adds peerID to this channel's subscriber set.
func (c *Channel) Subscribe(peerID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[peerID] = struct{}{}
}

// Unsubscribe removes peerID from this channel's subscriber set.
func (c *Channel) Unsubscribe(peerID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribers, peerID)
}

// Subscribers returns the current subscriber peer ids.
func (c *Channel) Subscribers() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		out = append(out, id)
	}
	return out
}

// MessageCount returns the number of messages stored for this channel.
func (c *Channel) MessageCount(ctx context.Context) (int, error) {
	return c.store.GetMessageCount(ctx, c.ChannelID)
}

// minLeafHeight returns the smallest height among current leaves, or 0 if
// the channel has no messages yet.
func (c *Channel) minLeafHeight(ctx context.Context) (int64, error) {
	leaves, err := c.store.GetLeaves(ctx, c.ChannelID)
	if err != nil {
		return 0, err
	}
	if len(leaves) == 0 {
		return 0, nil
	}
	min := leaves[0].Height
	for _, l := range leaves[1:] {
		if l.Height < min {
			min = l.Height
		}
	}
	return min, nil
}

func (c *Channel) updateLeavesGauge(ctx context.Context) {
	leaves, err := c.store.GetLeaves(ctx, c.ChannelID)
	if err != nil {
		return
	}
	metrics.ChannelLeavesGauge.WithLabelValues(hex.EncodeToString(c.ChannelID)).Set(float64(len(leaves)))
}

// CreateRoot signs and stores the channel's unique root message on behalf of
// creator, whose chain for this channel must be the empty chain (the
// channel root key signing directly). Used only by the channel's creator
//.
func (c *Channel) CreateRoot(ctx context.Context, creator *identity.Identity) (*message.Message, error) {
	if exists, err := c.hasRoot(ctx); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("channel: root message already exists")
	}
	content, err := creator.SignMessageBody(c.ChannelID, message.RootBody(), nil, 0, time.Now())
	if err != nil {
		return nil, err
	}
	msg, err := message.Encrypt(c.encKey, c.ChannelID, nil, 0, content)
	if err != nil {
		return nil, err
	}
	added, err := c.store.AddMessage(ctx, c.ChannelID, msg)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, fmt.Errorf("channel: root message already exists")
	}
	metrics.ChannelMessagesAccepted.Inc()
	c.updateLeavesGauge(ctx)
	c.fireOnAccept(msg)
	return msg, nil
}

// hasRoot reports whether the channel already stores a root (parents=[])
// message, used to enforce root uniqueness.
func (c *Channel) hasRoot(ctx context.Context) (bool, error) {
	first, err := c.store.GetMessageAtOffset(ctx, c.ChannelID, 0)
	if err != nil {
		return false, err
	}
	return first != nil && len(first.Parents) == 0, nil
}

// Receive runs the full acceptance protocol against msg, its checks in
// strict order. Every rejection is a *peerlinks.BanError except a duplicate hash
// or a second root-shaped message, both of which are silently ignored
// (added=false, err=nil).
func (c *Channel) Receive(ctx context.Context, msg *message.Message) (added bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: duplicate hash is a silent no-op.
	has, err := c.store.HasMessage(ctx, c.ChannelID, msg.Hash)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	// Root uniqueness: a second root-shaped message is ignored,
	// not banned — it is merely redundant, not an attack signal on its own.
	if len(msg.Parents) == 0 {
		already, err := c.hasRoot(ctx)
		if err != nil {
			return false, err
		}
		if already {
			return false, nil
		}
	}

	// Step 2: signature/chain verification.
	ok, content, err := msg.Verify(c.encKey, c.PublicKey)
	if err != nil {
		metrics.ChannelMessagesRejected.WithLabelValues("decrypt_or_parse").Inc()
		return false, err
	}
	if !ok {
		metrics.ChannelMessagesRejected.WithLabelValues("bad_signature").Inc()
		return false, peerlinks.NewBanError("invalid signature or chain")
	}

	// Step 3: parent count bound.
	if len(msg.Parents) > peerlinks.MaxParents {
		metrics.ChannelMessagesRejected.WithLabelValues("too_many_parents").Inc()
		return false, peerlinks.NewBanError("message has %d parents, exceeding MaxParents", len(msg.Parents))
	}

	// Step 4: every parent must resolve locally.
	parentHashes := make([][32]byte, len(msg.Parents))
	for i, p := range msg.Parents {
		copy(parentHashes[i][:], p)
	}
	parents, err := c.store.GetMessages(ctx, c.ChannelID, parentHashes)
	if err != nil {
		return false, err
	}
	parentContents := make([]*message.Content, len(parents))
	maxParentHeight := int64(-1)
	var maxParentTimestamp time.Time
	for i, p := range parents {
		if p == nil {
			metrics.ChannelMessagesRejected.WithLabelValues("parent_not_found").Inc()
			return false, peerlinks.NewBanError("parent not found: %s", hex.EncodeToString(msg.Parents[i]))
		}
		pc, err := p.Decrypt(c.encKey)
		if err != nil {
			return false, err
		}
		parentContents[i] = pc
		if p.Height > maxParentHeight {
			maxParentHeight = p.Height
		}
		if pc.Timestamp.After(maxParentTimestamp) {
			maxParentTimestamp = pc.Timestamp
		}
	}

	// Step 5: parent-delta — no parent may be more than MaxParentDelta older
	// than the newest parent.
	if len(parents) > 0 {
		cutoff := maxParentTimestamp.Add(-peerlinks.MaxParentDelta)
		for i, pc := range parentContents {
			if pc.Timestamp.Before(cutoff) {
				metrics.ChannelMessagesRejected.WithLabelValues("parent_delta").Inc()
				return false, peerlinks.NewBanError("parent %s older than max parent delta", hex.EncodeToString(msg.Parents[i]))
			}
		}
	}

	// Step 6: height is exactly 1 + max(parent height), or 0 with no parents.
	wantHeight := int64(0)
	if maxParentHeight >= 0 {
		wantHeight = maxParentHeight + 1
	}
	if msg.Height != wantHeight {
		metrics.ChannelMessagesRejected.WithLabelValues("bad_height").Inc()
		return false, peerlinks.NewBanError("height %d, expected %d", msg.Height, wantHeight)
	}

	// Step 7: future bound.
	if content.Timestamp.After(time.Now().Add(peerlinks.Future)) {
		metrics.ChannelMessagesRejected.WithLabelValues("future_timestamp").Inc()
		return false, peerlinks.NewBanError("message timestamp too far in the future")
	}

	// Step 8: monotone timestamp along causal paths.
	if len(parents) > 0 && content.Timestamp.Before(maxParentTimestamp) {
		metrics.ChannelMessagesRejected.WithLabelValues("timestamp_regression").Inc()
		return false, peerlinks.NewBanError("message timestamp precedes a parent's")
	}

	// Step 9: body shape matches parents.
	if len(msg.Parents) == 0 {
		if !content.Body.IsRoot {
			metrics.ChannelMessagesRejected.WithLabelValues("root_shape").Inc()
			return false, peerlinks.NewBanError("root message body must be Root{}")
		}
	} else if content.Body.IsRoot {
		metrics.ChannelMessagesRejected.WithLabelValues("root_shape").Inc()
		return false, peerlinks.NewBanError("non-root message body must be json")
	}

	// Step 10: JSON size bound, keyed by chain length.
	if err := message.ValidateBodySize(content.Body, len(content.Chain.Links)); err != nil {
		metrics.ChannelMessagesRejected.WithLabelValues("body_too_large").Inc()
		return false, peerlinks.NewBanError("%s", err)
	}

	added, err = c.store.AddMessage(ctx, c.ChannelID, msg)
	if err != nil {
		return false, err
	}
	if added {
		metrics.ChannelMessagesAccepted.Inc()
		c.updateLeavesGauge(ctx)
		logger.Debug("channel accepted message",
			logger.ChannelID(c.ChannelID),
			logger.MessageHash(msg.Hash),
			logger.Int("height", int(msg.Height)),
		)
		c.fireOnAccept(msg)
	}
	return added, nil
}

// Post signs, encrypts and stores a new message authored by id, parented on
// the channel's current eligible leaves. Root bodies are
// refused; use CreateRoot for channel genesis.
func (c *Channel) Post(ctx context.Context, id *identity.Identity, body message.Body, timestamp time.Time) (*message.Message, error) {
	if body.IsRoot {
		return nil, peerlinks.ErrRootBody
	}

	count, err := c.store.GetMessageCount(ctx, c.ChannelID)
	if err != nil {
		return nil, err
	}
	leaves, err := c.store.GetLeaves(ctx, c.ChannelID)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		if count == 0 {
			return nil, peerlinks.ErrNotSynchronized
		}
		return nil, peerlinks.ErrNoLeaves
	}

	type leafInfo struct {
		msg     *message.Message
		content *message.Content
	}
	infos := make([]leafInfo, len(leaves))
	var maxLeafTimestamp time.Time
	for i, l := range leaves {
		lc, err := l.Decrypt(c.encKey)
		if err != nil {
			return nil, err
		}
		infos[i] = leafInfo{msg: l, content: lc}
		if lc.Timestamp.After(maxLeafTimestamp) {
			maxLeafTimestamp = lc.Timestamp
		}
	}

	cutoff := maxLeafTimestamp.Add(-peerlinks.MaxParentDelta)
	var parents [][]byte
	var maxHeight int64
	haveAny := false
	for _, inf := range infos {
		if inf.content.Timestamp.Before(cutoff) {
			continue
		}
		h := inf.msg.Hash
		parents = append(parents, append([]byte(nil), h[:]...))
		if !haveAny || inf.msg.Height > maxHeight {
			maxHeight = inf.msg.Height
			haveAny = true
		}
	}
	if len(parents) == 0 {
		return nil, peerlinks.ErrNoLeaves
	}
	// Leaves are bounded at MaxLeavesCount when read; parents past
	// the bound stay leaves and get merged by a later post.
	if len(parents) > peerlinks.MaxLeavesCount {
		parents = parents[:peerlinks.MaxLeavesCount]
		maxHeight = 0
		for _, p := range parents {
			var ph [32]byte
			copy(ph[:], p)
			for _, inf := range infos {
				if inf.msg.Hash == ph && inf.msg.Height > maxHeight {
					maxHeight = inf.msg.Height
				}
			}
		}
	}
	height := maxHeight + 1

	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	if maxLeafTimestamp.After(timestamp) {
		timestamp = maxLeafTimestamp
	}

	content, err := id.SignMessageBody(c.ChannelID, body, parents, height, timestamp)
	if err != nil {
		return nil, err
	}
	msg, err := message.Encrypt(c.encKey, c.ChannelID, parents, height, content)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.AddMessage(ctx, c.ChannelID, msg); err != nil {
		return nil, err
	}
	metrics.ChannelMessagesAccepted.Inc()
	c.updateLeavesGauge(ctx)
	c.fireOnAccept(msg)
	return msg, nil
}

// Query answers an abbreviated-DAG discovery request.
func (c *Channel) Query(ctx context.Context, cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error) {
	// limit = min(requested, MaxQueryLimit); a request for 0 yields 0
	// messages rather than being promoted to the maximum.
	if limit < 0 {
		limit = 0
	}
	if limit > peerlinks.MaxQueryLimit {
		limit = peerlinks.MaxQueryLimit
	}
	if cursor.Height != nil {
		minHeight, err := c.minLeafHeight(ctx)
		if err != nil {
			return wire.QueryResponse{}, err
		}
		h := *cursor.Height
		if h > minHeight {
			h = minHeight
		}
		cursor = storage.Cursor{Height: &h}
	}

	result, err := c.store.Query(ctx, c.ChannelID, cursor, isBackward, limit)
	if err != nil {
		return wire.QueryResponse{}, err
	}

	resp := wire.QueryResponse{ForwardHash: result.ForwardHash, BackwardHash: result.BackwardHash}
	for _, m := range result.Messages {
		resp.AbbreviatedMessages = append(resp.AbbreviatedMessages, wire.Abbreviated{
			Parents: m.Parents,
			Hash:    append([]byte(nil), m.Hash[:]...),
		})
	}
	return resp, nil
}

// Bulk answers a full-message fetch request for a set of hashes. At most
// MaxBulkCount input hashes are processed per call; unknown
// hashes among them are silently omitted. ForwardIndex reports how many
// input hashes were processed so the caller can advance its cursor and
// re-request the remainder.
func (c *Channel) Bulk(ctx context.Context, hashes [][]byte) (wire.BulkResponse, error) {
	if len(hashes) > peerlinks.MaxBulkCount {
		hashes = hashes[:peerlinks.MaxBulkCount]
	}
	hs := make([][32]byte, len(hashes))
	for i, h := range hashes {
		copy(hs[i][:], h)
	}
	msgs, err := c.store.GetMessages(ctx, c.ChannelID, hs)
	if err != nil {
		return wire.BulkResponse{}, err
	}

	resp := wire.BulkResponse{ForwardIndex: uint32(len(hashes))}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		cm, err := m.ToChannelMessageWire(c.encKey)
		if err != nil {
			return wire.BulkResponse{}, err
		}
		resp.Messages = append(resp.Messages, cm)
	}
	return resp, nil
}
