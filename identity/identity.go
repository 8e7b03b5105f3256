// Package identity implements a long-lived signing identity: an Ed25519
// keypair with one trust Chain per channel it belongs to, link issuance, the
// invitation request/issue exchange, and channel-message body signing.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/wire"
)

// Identity is a long-lived signing keypair plus the set of per-channel
// chains that make it a member of each channel. Secret key material is
// exclusively owned here and zeroed on Remove.
type Identity struct {
	Name   string
	Public []byte // 32B Ed25519 public key
	keys   *pcrypto.SigningKeyPair

	mu     sync.RWMutex
	chains map[string]chain.Chain // hex(channel_id) -> Chain
}

// New generates a fresh Ed25519 identity.
func New(name string) (*Identity, error) {
	kp, err := pcrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		Name:   name,
		Public: kp.Public,
		keys:   kp,
		chains: make(map[string]chain.Chain),
	}, nil
}

// Remove wipes the identity's secret key. The Identity must not be used
// afterward.
func (id *Identity) Remove() {
	id.keys.Wipe()
}

// persisted is Identity's on-disk shape: the private
// key plus every chain this identity holds, keyed by channel id.
type persisted struct {
	Name    string               `json:"name"`
	Private []byte               `json:"private"`
	Chains  map[string]wireChain `json:"chains"`
}

type wireChain struct {
	Links []wire.Link `json:"links"`
}

// Marshal serializes id, including its private key, for storage under
// storage.EntityIdentity.
func (id *Identity) Marshal() ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	chains := make(map[string]wireChain, len(id.chains))
	for k, c := range id.chains {
		chains[k] = wireChain{Links: c.ToWire()}
	}
	return json.Marshal(persisted{
		Name:    id.Name,
		Private: id.keys.PrivateBytes(),
		Chains:  chains,
	})
}

// Unmarshal reconstructs an Identity previously produced by Marshal.
func Unmarshal(data []byte) (*Identity, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	kp, err := pcrypto.SigningKeyPairFromPrivateBytes(p.Private)
	if err != nil {
		return nil, err
	}
	chains := make(map[string]chain.Chain, len(p.Chains))
	for k, c := range p.Chains {
		chains[k] = chain.FromWire(c.Links)
	}
	return &Identity{
		Name:   p.Name,
		Public: kp.Public,
		keys:   kp,
		chains: chains,
	}, nil
}

// AddChain registers ch as id's membership proof for channelID, overwriting
// any previous chain for that channel.
func (id *Identity) AddChain(channelID []byte, ch chain.Chain) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.chains[hex.EncodeToString(channelID)] = ch
}

// GetChain returns id's chain for channelID, if any.
func (id *Identity) GetChain(channelID []byte) (chain.Chain, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	ch, ok := id.chains[hex.EncodeToString(channelID)]
	return ch, ok
}

// IssueLink delegates signing authority on channelID to trusteePub under
// displayName, signed by this identity. validFrom/validTo default to
// [now, now+ExpirationDelta] when zero.
func (id *Identity) IssueLink(channelID, trusteePub []byte, displayName string, validFrom, validTo time.Time) (*chain.Link, error) {
	return chain.Issue(id.keys, channelID, trusteePub, displayName, validFrom, validTo)
}

// SignRaw signs arbitrary bytes with id's Ed25519 key directly, for
// protocol exchanges (like a sync request's authentication envelope) that
// sign their own to-be-signed bytes rather than a message.Content.
func (id *Identity) SignRaw(tbs []byte) []byte {
	return id.keys.Sign(tbs)
}

// SignMessageBody builds and signs a message.Content for channelID on behalf
// of id, using id's stored chain for that channel. Fails with
// peerlinks.ErrNoChain if id has no chain for channelID.
//
// An empty stored chain means id is the channel's root key, which
// signs the root message directly. A non-root body under an empty chain is
// ill-formed on the wire, so here the root key
// self-delegates one ephemeral link, valid from the message's timestamp, to
// its own public key purely to give this message a well-formed chain; id's
// stored (invite-facing) chain is
// left untouched, so issue_invite still extends from an empty chain.
func (id *Identity) SignMessageBody(channelID []byte, body message.Body, parents [][]byte, height int64, timestamp time.Time) (*message.Content, error) {
	ch, ok := id.GetChain(channelID)
	if !ok {
		return nil, peerlinks.ErrNoChain
	}
	if len(ch.Links) == 0 && !body.IsRoot {
		selfLink, err := id.IssueLink(channelID, id.Public, id.Name, timestamp, time.Time{})
		if err != nil {
			return nil, err
		}
		ch = chain.Chain{Links: []chain.Link{*selfLink}}
	}
	return message.Sign(id.keys, ch, body, parents, height, timestamp)
}

// InviteRequest is a fresh request to join a channel: a freshly generated
// X25519 keypair advertised alongside the identity's own public key.
type InviteRequest struct {
	Wire *wire.InviteRequest
	box  *pcrypto.BoxKeyPair
}

// RequestID is the request's content-addressed id, used to key
// Protocol's invite wait-list and to correlate the eventual EncryptedInvite.
func (r *InviteRequest) RequestID() ([32]byte, error) {
	return pcrypto.KeyedHash(r.Wire.TrusteePubKey, "peerlinks-invite", 32)
}

// Decrypt opens enc with the request's box key and parses the sealed Invite.
// The box secret key is wiped after this call, whether it succeeds or fails
// so the box secret never outlives the one invitation it exists for.
func (r *InviteRequest) Decrypt(enc *wire.EncryptedInvite) (*Invite, error) {
	defer r.box.Wipe()

	plaintext, err := pcrypto.OpenAnonymous(r.box, enc.Box)
	if err != nil {
		return nil, err
	}
	var inv wire.Invite
	if err := inv.Unmarshal(plaintext); err != nil {
		return nil, err
	}
	return &Invite{
		ChannelPubKey: inv.ChannelPubKey,
		ChannelName:   inv.ChannelName,
		Chain:         chain.FromWire(inv.Chain),
	}, nil
}

// RequestInvite generates a fresh X25519 keypair and returns a request
// advertising it alongside this identity's public key as the prospective
// trustee.
func (id *Identity) RequestInvite(peerID []byte) (*InviteRequest, error) {
	boxKP, err := pcrypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	return &InviteRequest{
		Wire: &wire.InviteRequest{
			PeerID:        peerID,
			TrusteePubKey: id.Public,
			BoxPubKey:     boxKP.Public[:],
		},
		box: boxKP,
	}, nil
}

// Invite is a decrypted, ready-to-join invitation: the channel's root public
// key and name, and the chain of custody ending at the invitee's key.
type Invite struct {
	ChannelPubKey []byte
	ChannelName   string
	Chain         chain.Chain
}

// IssuedInvite is the sealed invite plus the peer id it should be routed to.
type IssuedInvite struct {
	Encrypted *wire.EncryptedInvite
	PeerID    []byte
}

// IssueInvite builds an Invite extending id's own chain on channelID with a
// fresh link to req's trustee key, under invitee's display name, and seals
// it to req's box key. id must already be a member of the
// channel (empty chain is valid for the channel's creator).
func (id *Identity) IssueInvite(channelID, channelPubKey []byte, channelName string, req *wire.InviteRequest, inviteeName string) (*IssuedInvite, error) {
	existing, ok := id.GetChain(channelID)
	if !ok {
		return nil, peerlinks.ErrNoChain
	}

	link, err := id.IssueLink(channelID, req.TrusteePubKey, inviteeName, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	fullChain := existing.Append(*link)

	invite := wire.Invite{
		ChannelPubKey: channelPubKey,
		ChannelName:   channelName,
		Chain:         fullChain.ToWire(),
	}

	var boxPub [32]byte
	copy(boxPub[:], req.BoxPubKey)
	sealed, err := pcrypto.SealAnonymous(boxPub, invite.Marshal())
	if err != nil {
		return nil, err
	}

	requestID, err := pcrypto.KeyedHash(req.TrusteePubKey, "peerlinks-invite", 32)
	if err != nil {
		return nil, err
	}

	logger.Debug("issued invite",
		logger.ChannelID(channelID),
		logger.String("invitee", inviteeName),
		logger.Int("chain_length", len(fullChain.Links)),
	)

	return &IssuedInvite{
		Encrypted: &wire.EncryptedInvite{
			RequestID: requestID[:],
			Box:       sealed,
		},
		PeerID: req.PeerID,
	}, nil
}
