// Package message implements content signing/verification and the
// channel-symmetric encryption envelope around a channel message.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/wire"
)

// Body is a channel message's decrypted payload: either the Root sentinel
// or an opaque JSON string. The core never interprets JSON contents beyond
// validating that they parse.
type Body struct {
	IsRoot bool
	JSON   string
}

// RootBody is the body every channel's unique root message carries.
func RootBody() Body { return Body{IsRoot: true} }

// Content is a channel message once decrypted: its chain of custody,
// wall-clock timestamp, body, and the signature covering all of it plus the
// message's parents/height.
type Content struct {
	Chain     chain.Chain
	Timestamp time.Time
	Body      Body
	Signature []byte
}

// jsonLimit returns the maximum JSON body length for a given chain length.
// chainLen==0 is unbounded (root messages only): the longer the delegation
// chain, the less a message signed under it may carry.
func jsonLimit(chainLen int) (limit int, unbounded bool, err error) {
	switch chainLen {
	case 0:
		return 0, true, nil
	case 1:
		return 2097152, false, nil
	case 2:
		return 524288, false, nil
	case 3:
		return 8192, false, nil
	default:
		return 0, false, fmt.Errorf("message: chain length %d has no defined body size limit", chainLen)
	}
}

func checkBodySize(body Body, chainLen int) error {
	if body.IsRoot {
		return nil
	}
	// A chain length of 0 signs as the channel root key directly; that is
	// only legitimate for the (unique) Root body, which takes the branch
	// above. A non-root body under an empty chain is ill-formed rather than
	// "unbounded".
	if chainLen == 0 {
		return fmt.Errorf("message: chain length 0 is only valid for a root message")
	}
	limit, unbounded, err := jsonLimit(chainLen)
	if err != nil {
		return err
	}
	if !unbounded && len(body.JSON) > limit {
		return peerlinks.ErrBodyTooLarge
	}
	return nil
}

// ValidateBodySize re-checks body against the per-chain-length JSON size
// table. Sign already enforces this for locally
// authored content; Channel.Receive calls this again on decrypted remote
// content, since a malicious peer's message never went through Sign.
func ValidateBodySize(body Body, chainLen int) error {
	return checkBodySize(body, chainLen)
}

func tbsWire(ch chain.Chain, timestamp time.Time, body Body, parents [][]byte, height int64) wire.ChannelMessageTBS {
	return wire.ChannelMessageTBS{
		Parents:   parents,
		Height:    height,
		Chain:     ch.ToWire(),
		Timestamp: peerlinks.TimeToUnixSeconds(timestamp),
		Body:      wire.ChannelMessageBody{IsRoot: body.IsRoot, JSON: body.JSON},
	}
}

// Sign constructs and signs Content on behalf of signer, whose chain for the
// channel is ch. Fails with ErrBodyTooLarge if body's JSON exceeds the
// per-chain-length limit.
func Sign(signer *pcrypto.SigningKeyPair, ch chain.Chain, body Body, parents [][]byte, height int64, timestamp time.Time) (*Content, error) {
	if err := checkBodySize(body, len(ch.Links)); err != nil {
		return nil, err
	}
	tbs := tbsWire(ch, timestamp, body, parents, height)
	return &Content{
		Chain:     ch,
		Timestamp: timestamp,
		Body:      body,
		Signature: signer.Sign(tbs.Marshal()),
	}, nil
}

// Message is a channel message in its at-rest, channel-encrypted form.
type Message struct {
	ChannelID        []byte
	Parents          [][]byte
	Height           int64
	Nonce            [24]byte
	EncryptedContent []byte
	Hash             [32]byte
}

// Encrypt seals content under the channel's symmetric key and computes the
// message's content-addressed hash.
func Encrypt(channelEncKey [32]byte, channelID []byte, parents [][]byte, height int64, content *Content) (*Message, error) {
	cm := wire.ChannelMessage{
		TBS:       tbsWire(content.Chain, content.Timestamp, content.Body, parents, height),
		Signature: content.Signature,
	}
	nonce, box, err := pcrypto.EncryptSecretbox(channelEncKey, cm.Marshal())
	if err != nil {
		return nil, err
	}

	sm := wire.SerializedMessage{
		ChannelID:        channelID,
		Parents:          parents,
		Height:           height,
		Nonce:            nonce[:],
		EncryptedContent: box,
	}
	return &Message{
		ChannelID:        channelID,
		Parents:          parents,
		Height:           height,
		Nonce:            nonce,
		EncryptedContent: box,
		Hash:             pcrypto.Hash(sm.Marshal()),
	}, nil
}

// Decrypt opens the message's encrypted content under the channel's
// symmetric key. A decryption or JSON-validity failure is always ban-worthy
//.
func (m *Message) Decrypt(channelEncKey [32]byte) (*Content, error) {
	plaintext, err := pcrypto.DecryptSecretbox(channelEncKey, m.Nonce, m.EncryptedContent)
	if err != nil {
		return nil, peerlinks.NewBanError("decryption failed")
	}

	var cm wire.ChannelMessage
	if err := cm.Unmarshal(plaintext); err != nil {
		return nil, peerlinks.NewBanError("malformed channel message content")
	}
	if !cm.TBS.Body.IsRoot && !json.Valid([]byte(cm.TBS.Body.JSON)) {
		return nil, peerlinks.NewBanError("invalid JSON")
	}

	return &Content{
		Chain:     chain.FromWire(cm.TBS.Chain),
		Timestamp: peerlinks.UnixSecondsToTime(cm.TBS.Timestamp),
		Body:      Body{IsRoot: cm.TBS.Body.IsRoot, JSON: cm.TBS.Body.JSON},
		Signature: cm.Signature,
	}, nil
}

// Verify decrypts m, walks its chain from rootPubKey/channelID at the
// message's own timestamp to obtain the leaf signer, and checks the
// signature over (chain, timestamp, body, parents, height). The returned
// bool is the verification verdict; a non-nil error means decryption or
// parsing itself failed (always ban-worthy), independent of the verdict.
func (m *Message) Verify(channelEncKey [32]byte, rootPubKey []byte) (bool, *Content, error) {
	content, err := m.Decrypt(channelEncKey)
	if err != nil {
		return false, nil, err
	}

	leafKey, err := content.Chain.Verify(rootPubKey, m.ChannelID, content.Timestamp)
	if err != nil {
		return false, content, nil
	}

	tbs := tbsWire(content.Chain, content.Timestamp, content.Body, m.Parents, m.Height)
	return pcrypto.Verify(leafKey, tbs.Marshal(), content.Signature), content, nil
}

// ToChannelMessageWire decrypts m and returns its BulkResponse transport form:
// the decrypted TBS/signature plus m's own nonce, so a recipient can rebuild
// the exact ciphertext (and hence the exact hash) the author produced.
func (m *Message) ToChannelMessageWire(channelEncKey [32]byte) (wire.ChannelMessage, error) {
	content, err := m.Decrypt(channelEncKey)
	if err != nil {
		return wire.ChannelMessage{}, err
	}
	return wire.ChannelMessage{
		TBS:       tbsWire(content.Chain, content.Timestamp, content.Body, m.Parents, m.Height),
		Signature: content.Signature,
		Nonce:     append([]byte(nil), m.Nonce[:]...),
	}, nil
}

// FromChannelMessageWire reconstructs a Message from a BulkResponse entry:
// it re-seals the decrypted TBS/signature under channelEncKey using cm's own
// nonce, landing on the same ciphertext (and hash) the author produced
// instead of minting a new, divergent nonce.
func FromChannelMessageWire(channelID []byte, cm wire.ChannelMessage, channelEncKey [32]byte) (*Message, error) {
	if len(cm.Nonce) != 24 {
		return nil, peerlinks.NewBanError("channel message: bad nonce length %d", len(cm.Nonce))
	}
	var nonce [24]byte
	copy(nonce[:], cm.Nonce)

	plaintext := (&wire.ChannelMessage{TBS: cm.TBS, Signature: cm.Signature}).Marshal()
	box := pcrypto.EncryptSecretboxWithNonce(channelEncKey, nonce, plaintext)

	sm := wire.SerializedMessage{
		ChannelID:        channelID,
		Parents:          cm.TBS.Parents,
		Height:           cm.TBS.Height,
		Nonce:            nonce[:],
		EncryptedContent: box,
	}
	return &Message{
		ChannelID:        channelID,
		Parents:          cm.TBS.Parents,
		Height:           cm.TBS.Height,
		Nonce:            nonce,
		EncryptedContent: box,
		Hash:             pcrypto.Hash(sm.Marshal()),
	}, nil
}
