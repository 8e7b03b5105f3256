// Package chain implements the Link/Chain delegation model: a channel's root
// key can delegate signing authority to a trustee key for a bounded time
// window, and that trustee can in turn delegate further, up to
// peerlinks.MaxChainLength hops.
package chain

import (
	"fmt"
	"time"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/wire"
)

// Link is a signed, time-bounded delegation from a channel's current signer
// to TrusteePubKey.
type Link struct {
	TrusteePubKey      []byte
	TrusteeDisplayName string
	ValidFrom          time.Time
	ValidTo            time.Time
	Signature          []byte
}

// Issue builds and signs a Link on behalf of signerKey for channelID,
// delegating to trusteePub under displayName. validFrom/validTo default to
// [now, now+ExpirationDelta] when zero.
func Issue(signer *pcrypto.SigningKeyPair, channelID []byte, trusteePub []byte, displayName string, validFrom, validTo time.Time) (*Link, error) {
	if len(displayName) > peerlinks.MaxDisplayNameLength {
		return nil, fmt.Errorf("chain: display name exceeds %d bytes", peerlinks.MaxDisplayNameLength)
	}
	if validFrom.IsZero() {
		validFrom = time.Now()
	}
	if validTo.IsZero() {
		validTo = validFrom.Add(peerlinks.ExpirationDelta)
	}
	if validTo.Sub(validFrom) > peerlinks.ExpirationDelta || !validTo.After(validFrom) {
		return nil, fmt.Errorf("chain: validity window must satisfy 0 < valid_to-valid_from <= %s", peerlinks.ExpirationDelta)
	}

	tbs := wire.LinkTBS{
		TrusteePubKey:      trusteePub,
		TrusteeDisplayName: displayName,
		ValidFrom:          peerlinks.TimeToUnixSeconds(validFrom),
		ValidTo:            peerlinks.TimeToUnixSeconds(validTo),
		ChannelID:          channelID,
	}
	sig := signer.Sign(tbs.SigningBytes())

	return &Link{
		TrusteePubKey:      trusteePub,
		TrusteeDisplayName: displayName,
		ValidFrom:          validFrom,
		ValidTo:            validTo,
		Signature:          sig,
	}, nil
}

// verify checks this link's signature under currentSigner for channelID at
// instant `at`.
func (l *Link) verify(currentSigner []byte, channelID []byte, at time.Time) error {
	if at.Before(l.ValidFrom) || !at.Before(l.ValidTo) {
		return fmt.Errorf("chain: link not valid at %s (window [%s, %s))", at, l.ValidFrom, l.ValidTo)
	}
	tbs := wire.LinkTBS{
		TrusteePubKey:      l.TrusteePubKey,
		TrusteeDisplayName: l.TrusteeDisplayName,
		ValidFrom:          peerlinks.TimeToUnixSeconds(l.ValidFrom),
		ValidTo:            peerlinks.TimeToUnixSeconds(l.ValidTo),
		ChannelID:          channelID,
	}
	if !pcrypto.Verify(currentSigner, tbs.SigningBytes(), l.Signature) {
		return fmt.Errorf("chain: link signature invalid under current signer")
	}
	return nil
}

func (l *Link) toWire() wire.Link {
	return wire.Link{
		TBS: wire.LinkTBS{
			TrusteePubKey:      l.TrusteePubKey,
			TrusteeDisplayName: l.TrusteeDisplayName,
			ValidFrom:          peerlinks.TimeToUnixSeconds(l.ValidFrom),
			ValidTo:            peerlinks.TimeToUnixSeconds(l.ValidTo),
		},
		Signature: l.Signature,
	}
}

func linkFromWire(w wire.Link) Link {
	return Link{
		TrusteePubKey:      w.TBS.TrusteePubKey,
		TrusteeDisplayName: w.TBS.TrusteeDisplayName,
		ValidFrom:          peerlinks.UnixSecondsToTime(w.TBS.ValidFrom),
		ValidTo:            peerlinks.UnixSecondsToTime(w.TBS.ValidTo),
		Signature:          w.Signature,
	}
}

// Chain is an ordered sequence of 0..MaxChainLength Links from a channel's
// root key to a leaf identity key. An empty chain means the channel root
// itself is the signer.
type Chain struct {
	Links []Link
}

// Verify walks the chain starting from rootPubKey at instant `at`, returning
// the leaf signer's public key. Fails on any link verification failure or if
// the chain exceeds MaxChainLength.
func (c Chain) Verify(rootPubKey []byte, channelID []byte, at time.Time) ([]byte, error) {
	if len(c.Links) > peerlinks.MaxChainLength {
		return nil, fmt.Errorf("chain: length %d exceeds MaxChainLength", len(c.Links))
	}
	currentSigner := rootPubKey
	for i := range c.Links {
		if err := c.Links[i].verify(currentSigner, channelID, at); err != nil {
			return nil, err
		}
		currentSigner = c.Links[i].TrusteePubKey
	}
	return currentSigner, nil
}

// IsBetterThan orders chains: shorter wins; ties break on byte-compare of
// the last link's trustee public key.
func (c Chain) IsBetterThan(other Chain) bool {
	if len(c.Links) != len(other.Links) {
		return len(c.Links) < len(other.Links)
	}
	if len(c.Links) == 0 {
		return false
	}
	a := c.Links[len(c.Links)-1].TrusteePubKey
	b := other.Links[len(other.Links)-1].TrusteePubKey
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// ToWire converts the chain to its wire representation, in order.
func (c Chain) ToWire() []wire.Link {
	out := make([]wire.Link, len(c.Links))
	for i := range c.Links {
		out[i] = c.Links[i].toWire()
	}
	return out
}

// FromWire builds a Chain from its wire representation, in order.
func FromWire(links []wire.Link) Chain {
	out := make([]Link, len(links))
	for i := range links {
		out[i] = linkFromWire(links[i])
	}
	return Chain{Links: out}
}

// Append returns a new chain with link appended, without mutating c.
func (c Chain) Append(l Link) Chain {
	links := make([]Link, len(c.Links), len(c.Links)+1)
	copy(links, c.Links)
	return Chain{Links: append(links, l)}
}
