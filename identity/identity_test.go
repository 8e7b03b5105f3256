package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/message"
)

func TestNew_GeneratesDistinctIdentities(t *testing.T) {
	a, err := New("alice")
	require.NoError(t, err)
	b, err := New("bob")
	require.NoError(t, err)
	require.NotEqual(t, a.Public, b.Public)
}

func TestAddChainGetChain_OverwritesPreviousChain(t *testing.T) {
	id, err := New("alice")
	require.NoError(t, err)
	channelID := []byte("channel-id")

	_, ok := id.GetChain(channelID)
	require.False(t, ok)

	id.AddChain(channelID, chain.Chain{})
	got, ok := id.GetChain(channelID)
	require.True(t, ok)
	require.Len(t, got.Links, 0)

	root, err := New("root")
	require.NoError(t, err)
	link, err := root.IssueLink(channelID, id.Public, "alice", time.Time{}, time.Time{})
	require.NoError(t, err)
	id.AddChain(channelID, chain.Chain{Links: []chain.Link{*link}})

	got, ok = id.GetChain(channelID)
	require.True(t, ok)
	require.Len(t, got.Links, 1)
}

func TestSignMessageBody_FailsWithoutChain(t *testing.T) {
	id, err := New("alice")
	require.NoError(t, err)
	_, err = id.SignMessageBody([]byte("cid"), message.Body{JSON: "{}"}, nil, 1, time.Now())
	require.ErrorIs(t, err, peerlinks.ErrNoChain)
}

func TestSignMessageBody_UsesStoredChain(t *testing.T) {
	root, err := New("root")
	require.NoError(t, err)
	leaf, err := New("leaf")
	require.NoError(t, err)
	channelID := []byte("cid")

	link, err := root.IssueLink(channelID, leaf.Public, "leaf", time.Time{}, time.Time{})
	require.NoError(t, err)
	leaf.AddChain(channelID, chain.Chain{Links: []chain.Link{*link}})

	content, err := leaf.SignMessageBody(channelID, message.Body{JSON: `{"a":1}`}, [][]byte{{0x1}}, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, content.Chain.Links, 1)
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	id, err := New("alice")
	require.NoError(t, err)
	channelID := []byte("cid")
	id.AddChain(channelID, chain.Chain{})

	data, err := id.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, id.Name, restored.Name)
	require.Equal(t, []byte(id.Public), []byte(restored.Public))

	ch, ok := restored.GetChain(channelID)
	require.True(t, ok)
	require.Len(t, ch.Links, 0)
}

func TestInviteRequestIssueDecrypt_RoundTrip(t *testing.T) {
	inviter, err := New("alice")
	require.NoError(t, err)
	invitee, err := New("bob")
	require.NoError(t, err)

	channelID := []byte("cid")
	channelPubKey := inviter.Public
	inviter.AddChain(channelID, chain.Chain{})

	peerID := []byte("some-peer-id")
	req, err := invitee.RequestInvite(peerID)
	require.NoError(t, err)
	require.Equal(t, []byte(invitee.Public), req.Wire.TrusteePubKey)
	require.Equal(t, peerID, req.Wire.PeerID)

	issued, err := inviter.IssueInvite(channelID, channelPubKey, "my-channel", req.Wire, "bob")
	require.NoError(t, err)
	require.Equal(t, peerID, issued.PeerID)

	requestID, err := req.RequestID()
	require.NoError(t, err)
	require.Equal(t, requestID[:], issued.Encrypted.RequestID)

	invite, err := req.Decrypt(issued.Encrypted)
	require.NoError(t, err)
	require.Equal(t, "my-channel", invite.ChannelName)
	require.Equal(t, []byte(channelPubKey), invite.ChannelPubKey)
	require.Len(t, invite.Chain.Links, 1)

	leaf, err := invite.Chain.Verify(invite.ChannelPubKey, channelID, time.Now())
	require.NoError(t, err)
	require.Equal(t, []byte(invitee.Public), leaf)
}

func TestIssueInvite_FailsWithoutExistingChain(t *testing.T) {
	inviter, err := New("alice")
	require.NoError(t, err)
	invitee, err := New("bob")
	require.NoError(t, err)

	channelID := []byte("cid")
	req, err := invitee.RequestInvite([]byte("peer"))
	require.NoError(t, err)

	_, err = inviter.IssueInvite(channelID, inviter.Public, "chan", req.Wire, "bob")
	require.ErrorIs(t, err, peerlinks.ErrNoChain)
}

func TestRemove_WipesSecretKey(t *testing.T) {
	id, err := New("alice")
	require.NoError(t, err)
	id.Remove()
	// Remove zeroes every private key byte and leaves the public key untouched.
	require.Equal(t, make([]byte, 64), id.keys.PrivateBytes())
	require.Len(t, []byte(id.Public), 32)
}
