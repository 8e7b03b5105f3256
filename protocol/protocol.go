// Package protocol implements the top-level container wiring identities,
// channels, and peer connections together: load/save against storage,
// identity and channel creation, the invite exchange, and connection
// lifecycle.
package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/channel"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/peer"
	"github.com/heapwolf/peerlinks/storage"
	"github.com/heapwolf/peerlinks/waitlist"
	"github.com/heapwolf/peerlinks/wire"
)

// persistedChannel is a Channel's on-disk shape: everything channel.New
// needs to rebuild it, plus the name of the identity that owns it locally.
type persistedChannel struct {
	PublicKey    []byte `json:"public_key"`
	Name         string `json:"name"`
	IsFeed       bool   `json:"is_feed"`
	Metadata     []byte `json:"metadata"`
	IdentityName string `json:"identity_name"`
}

// Protocol is the top-level container: the set of local identities and
// channels, the live peer set, storage, and the invite/peer wait-lists
// that let async callers block on an external event.
type Protocol struct {
	store       storage.Store
	localPeerID []byte

	mu              sync.RWMutex
	identities      map[string]*identity.Identity // name -> Identity
	channels        map[string]*channel.Channel   // hex(channel_id) -> Channel
	channelIdentity map[string]*identity.Identity // hex(channel_id) -> owning Identity

	peerMu sync.Mutex
	peers  map[string]*peer.Peer // hex(remote_id) -> Peer

	inviteWaitList *waitlist.WaitList[*wire.EncryptedInvite]
	peerWaitList   *waitlist.WaitList[*peer.Peer]
}

// New builds an empty Protocol bound to store, identifying itself to peers
// as localPeerID.
func New(store storage.Store, localPeerID []byte) *Protocol {
	return &Protocol{
		store:           store,
		localPeerID:     localPeerID,
		identities:      make(map[string]*identity.Identity),
		channels:        make(map[string]*channel.Channel),
		channelIdentity: make(map[string]*identity.Identity),
		peers:           make(map[string]*peer.Peer),
		inviteWaitList:  waitlist.New[*wire.EncryptedInvite](),
		peerWaitList:    waitlist.New[*peer.Peer](),
	}
}

// LocalPeerID implements peer.Host.
func (pr *Protocol) LocalPeerID() []byte { return pr.localPeerID }

// wireNotifications makes ch broadcast notification{channel_id} to every
// connected peer whenever it accepts a new message, local or remote.
func (pr *Protocol) wireNotifications(ch *channel.Channel) {
	ch.OnAccept(func(*message.Message) {
		pr.NotifyChannel(ch.ChannelID)
	})
}

// Load reads every persisted identity and channel from storage.
func (pr *Protocol) Load(ctx context.Context) error {
	identityKeys, err := pr.store.GetEntityKeys(ctx, storage.EntityIdentity)
	if err != nil {
		return err
	}
	for _, name := range identityKeys {
		data, err := pr.store.RetrieveEntity(ctx, storage.EntityIdentity, name)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		id, err := identity.Unmarshal(data)
		if err != nil {
			return err
		}
		pr.mu.Lock()
		pr.identities[id.Name] = id
		pr.mu.Unlock()
	}

	channelKeys, err := pr.store.GetEntityKeys(ctx, storage.EntityChannel)
	if err != nil {
		return err
	}
	for _, idHex := range channelKeys {
		data, err := pr.store.RetrieveEntity(ctx, storage.EntityChannel, idHex)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		var pc persistedChannel
		if err := json.Unmarshal(data, &pc); err != nil {
			return err
		}
		ch, err := channel.New(pr.store, pc.PublicKey, pc.Name, pc.IsFeed, pc.Metadata)
		if err != nil {
			return err
		}
		pr.wireNotifications(ch)
		pr.mu.Lock()
		pr.channels[idHex] = ch
		if owner, ok := pr.identities[pc.IdentityName]; ok {
			pr.channelIdentity[idHex] = owner
		}
		pr.mu.Unlock()
	}
	return nil
}

// Save persists every known identity and channel).
func (pr *Protocol) Save(ctx context.Context) error {
	pr.mu.RLock()
	identities := make([]*identity.Identity, 0, len(pr.identities))
	for _, id := range pr.identities {
		identities = append(identities, id)
	}
	type chanEntry struct {
		key string
		ch  *channel.Channel
		own string
	}
	chans := make([]chanEntry, 0, len(pr.channels))
	for key, ch := range pr.channels {
		owner := ""
		if id, ok := pr.channelIdentity[key]; ok {
			owner = id.Name
		}
		chans = append(chans, chanEntry{key: key, ch: ch, own: owner})
	}
	pr.mu.RUnlock()

	for _, id := range identities {
		data, err := id.Marshal()
		if err != nil {
			return err
		}
		if err := pr.store.StoreEntity(ctx, storage.EntityIdentity, id.Name, data); err != nil {
			return err
		}
	}
	for _, c := range chans {
		data, err := json.Marshal(persistedChannel{
			PublicKey:    c.ch.PublicKey,
			Name:         c.ch.Name,
			IsFeed:       c.ch.IsFeed,
			Metadata:     c.ch.Metadata,
			IdentityName: c.own,
		})
		if err != nil {
			return err
		}
		if err := pr.store.StoreEntity(ctx, storage.EntityChannel, c.key, data); err != nil {
			return err
		}
	}
	return nil
}

// CreateIdentity creates a fresh identity and a companion channel named
// after it, with the identity as the channel's root signer (its own chain
// for that channel is the empty chain — "the channel root itself is the
// signer").
func (pr *Protocol) CreateIdentity(ctx context.Context, name string) (*identity.Identity, *channel.Channel, error) {
	pr.mu.Lock()
	if _, exists := pr.identities[name]; exists {
		pr.mu.Unlock()
		return nil, nil, peerlinks.ErrDuplicateName
	}
	pr.mu.Unlock()

	id, err := identity.New(name)
	if err != nil {
		return nil, nil, err
	}
	ch, err := channel.New(pr.store, id.Public, name, false, nil)
	if err != nil {
		return nil, nil, err
	}
	id.AddChain(ch.ChannelID, chain.Chain{})
	if _, err := ch.CreateRoot(ctx, id); err != nil {
		return nil, nil, err
	}
	pr.wireNotifications(ch)

	pr.mu.Lock()
	pr.identities[name] = id
	pr.channels[hex.EncodeToString(ch.ChannelID)] = ch
	pr.channelIdentity[hex.EncodeToString(ch.ChannelID)] = id
	pr.mu.Unlock()

	logger.Info("created identity and companion channel", logger.String("name", name))
	return id, ch, nil
}

// AddChannel registers an already-constructed channel under id's ownership,
// rejecting a duplicate channel name.
func (pr *Protocol) AddChannel(ch *channel.Channel, id *identity.Identity) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for _, existing := range pr.channels {
		if existing.Name == ch.Name {
			return peerlinks.ErrDuplicateName
		}
	}
	key := hex.EncodeToString(ch.ChannelID)
	pr.channels[key] = ch
	pr.channelIdentity[key] = id
	pr.wireNotifications(ch)
	return nil
}

// ChannelFromInvite validates invite's chain, registers the resulting
// channel under id's ownership, and stores it.
func (pr *Protocol) ChannelFromInvite(ctx context.Context, invite *identity.Invite, id *identity.Identity) (*channel.Channel, error) {
	ch, err := channel.New(pr.store, invite.ChannelPubKey, invite.ChannelName, false, nil)
	if err != nil {
		return nil, err
	}

	leaf, err := invite.Chain.Verify(invite.ChannelPubKey, ch.ChannelID, time.Now())
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(leaf) != hex.EncodeToString(id.Public) {
		return nil, peerlinks.NewBanError("invite: chain does not terminate at this identity's key")
	}

	id.AddChain(ch.ChannelID, invite.Chain)
	if err := pr.AddChannel(ch, id); err != nil {
		return nil, err
	}
	if err := pr.Save(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Channels implements peer.Host.
func (pr *Protocol) Channels() []*channel.Channel {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(pr.channels))
	for _, ch := range pr.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelByID implements peer.Host.
func (pr *Protocol) ChannelByID(channelID []byte) (*channel.Channel, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	ch, ok := pr.channels[hex.EncodeToString(channelID)]
	return ch, ok
}

// IdentityForChannel implements peer.Host.
func (pr *Protocol) IdentityForChannel(channelID []byte) (*identity.Identity, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	id, ok := pr.channelIdentity[hex.EncodeToString(channelID)]
	return id, ok
}

// ResolveInvite implements peer.Host: it wakes any WaitForInvite call
// blocked on enc's request id.
func (pr *Protocol) ResolveInvite(enc *wire.EncryptedInvite) {
	pr.inviteWaitList.Resolve(hex.EncodeToString(enc.RequestID), enc)
}

// WaitForInvite blocks until an EncryptedInvite matching requestID arrives
// over any connected peer.
func (pr *Protocol) WaitForInvite(ctx context.Context, requestID [32]byte) (*wire.EncryptedInvite, error) {
	return pr.inviteWaitList.Wait(ctx, hex.EncodeToString(requestID[:]))
}

// WaitForPeer blocks until a peer identifying itself as peerID connects
//.
func (pr *Protocol) WaitForPeer(ctx context.Context, peerID []byte) (*peer.Peer, error) {
	return pr.peerWaitList.Wait(ctx, hex.EncodeToString(peerID))
}

// Connect performs the handshake over conn, registers the resulting Peer,
// and runs its packet loop in the background until the session ends.
func (pr *Protocol) Connect(ctx context.Context, conn io.ReadWriteCloser) (*peer.Peer, error) {
	p := peer.New(conn, pr)
	if err := p.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	key := hex.EncodeToString(p.RemoteID)
	pr.peerMu.Lock()
	pr.peers[key] = p
	pr.peerMu.Unlock()
	pr.peerWaitList.Resolve(key, p)

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Debug("peer session ended",
				logger.String("debug_id", p.DebugID.String()),
				logger.Error(err),
			)
		}
		pr.peerMu.Lock()
		delete(pr.peers, key)
		pr.peerMu.Unlock()
	}()

	return p, nil
}

// Peers returns every currently connected peer.
func (pr *Protocol) Peers() []*peer.Peer {
	pr.peerMu.Lock()
	defer pr.peerMu.Unlock()
	out := make([]*peer.Peer, 0, len(pr.peers))
	for _, p := range pr.peers {
		out = append(out, p)
	}
	return out
}

// NotifyChannel broadcasts notification{channel_id} to every connected peer.
// Protocol registers it as the OnAccept hook of each channel it holds (see
// wireNotifications).
func (pr *Protocol) NotifyChannel(channelID []byte) {
	for _, p := range pr.Peers() {
		if err := p.SendNotification(channelID); err != nil {
			logger.Debug("notify failed", logger.String("debug_id", p.DebugID.String()), logger.Error(err))
		}
	}
}

// Close destroys every connected peer concurrently and returns the first
// error, if any).
func (pr *Protocol) Close() error {
	peers := pr.Peers()
	var g errgroup.Group
	for _, p := range peers {
		p := p
		g.Go(func() error {
			return p.Close()
		})
	}
	err := g.Wait()
	pr.inviteWaitList.Close()
	pr.peerWaitList.Close()
	return err
}
