package postgres

import (
	"context"
	"encoding/hex"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heapwolf/peerlinks/chain"
	"github.com/heapwolf/peerlinks/identity"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/pcrypto"
	"github.com/heapwolf/peerlinks/storage"
)

// testStore connects to the database named by the PEERLINKS_TEST_PG_*
// environment variables, skipping the test when none are set. Each run
// migrates the schema and works in a throwaway channel id, so repeated runs
// against the same database don't interfere.
func testStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("PEERLINKS_TEST_PG_HOST")
	if host == "" {
		t.Skip("PEERLINKS_TEST_PG_HOST not set; skipping Postgres integration test")
	}
	port := 5432
	if p := os.Getenv("PEERLINKS_TEST_PG_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = parsed
	}

	ctx := context.Background()
	st, err := NewStore(ctx, &Config{
		Host:     host,
		Port:     port,
		User:     envOr("PEERLINKS_TEST_PG_USER", "postgres"),
		Password: os.Getenv("PEERLINKS_TEST_PG_PASSWORD"),
		Database: envOr("PEERLINKS_TEST_PG_DATABASE", "peerlinks_test"),
		SSLMode:  envOr("PEERLINKS_TEST_PG_SSLMODE", "disable"),
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// freshChannel mints a distinct channel id plus a signed, encrypted test
// message at the given height, the same way storage/memory's tests do.
func freshChannel(t *testing.T) ([]byte, [32]byte, *identity.Identity) {
	t.Helper()
	id, err := identity.New("pg-test")
	require.NoError(t, err)
	channelID, err := pcrypto.KeyedHash(id.Public, "peerlinks-channel-id", 32)
	require.NoError(t, err)
	encKey, err := pcrypto.KeyedHash(id.Public, "peerlinks-symmetric", 32)
	require.NoError(t, err)
	id.AddChain(channelID[:], chain.Chain{})
	return channelID[:], encKey, id
}

func testMessage(t *testing.T, channelID []byte, encKey [32]byte, id *identity.Identity, parents [][]byte, height int64) *message.Message {
	t.Helper()
	body := message.RootBody()
	if height > 0 {
		body = message.Body{JSON: `{"h":` + strconv.FormatInt(height, 10) + `}`}
	}
	content, err := id.SignMessageBody(channelID, body, parents, height, time.Now())
	require.NoError(t, err)
	msg, err := message.Encrypt(encKey, channelID, parents, height, content)
	require.NoError(t, err)
	return msg
}

func TestAddMessage_IdempotentAndLeafMaintenance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	channelID, encKey, id := freshChannel(t)

	root := testMessage(t, channelID, encKey, id, nil, 0)
	added, err := st.AddMessage(ctx, channelID, root)
	require.NoError(t, err)
	require.True(t, added)

	added, err = st.AddMessage(ctx, channelID, root)
	require.NoError(t, err)
	require.False(t, added)

	child := testMessage(t, channelID, encKey, id, [][]byte{root.Hash[:]}, 1)
	_, err = st.AddMessage(ctx, channelID, child)
	require.NoError(t, err)

	leaves, err := st.GetLeaves(ctx, channelID)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.Equal(t, child.Hash, leaves[0].Hash)

	count, err := st.GetMessageCount(ctx, channelID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestGetMessages_PreservesOrderWithNilForUnknown(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	channelID, encKey, id := freshChannel(t)

	root := testMessage(t, channelID, encKey, id, nil, 0)
	_, err := st.AddMessage(ctx, channelID, root)
	require.NoError(t, err)

	var unknown [32]byte
	unknown[0] = 0xFF
	msgs, err := st.GetMessages(ctx, channelID, [][32]byte{unknown, root.Hash})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Nil(t, msgs[0])
	require.NotNil(t, msgs[1])
	require.Equal(t, root.Hash, msgs[1].Hash)
}

func TestQuery_CursorsMatchCRDTOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	channelID, encKey, id := freshChannel(t)

	root := testMessage(t, channelID, encKey, id, nil, 0)
	_, err := st.AddMessage(ctx, channelID, root)
	require.NoError(t, err)
	prev := root
	for h := int64(1); h <= 3; h++ {
		m := testMessage(t, channelID, encKey, id, [][]byte{prev.Hash[:]}, h)
		_, err := st.AddMessage(ctx, channelID, m)
		require.NoError(t, err)
		prev = m
	}

	zero := int64(0)
	res, err := st.Query(ctx, channelID, storage.Cursor{Height: &zero}, false, 2)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	require.NotNil(t, res.ForwardHash)
	require.Nil(t, res.BackwardHash)

	res2, err := st.Query(ctx, channelID, storage.Cursor{Hash: res.ForwardHash}, false, 2)
	require.NoError(t, err)
	require.Len(t, res2.Messages, 2)
	require.Nil(t, res2.ForwardHash)
	require.NotNil(t, res2.BackwardHash)

	// Unknown hash cursors are lenient: empty result, no error.
	var unknown [32]byte
	unknown[0] = 0xAB
	res3, err := st.Query(ctx, channelID, storage.Cursor{Hash: unknown[:]}, false, 2)
	require.NoError(t, err)
	require.Empty(t, res3.Messages)
}

func TestEntityStorage_RoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	key, err := pcrypto.RandomBytes(8)
	require.NoError(t, err)
	id := "pg-test-" + hex.EncodeToString(key)

	require.NoError(t, st.StoreEntity(ctx, storage.EntityChannel, id, []byte("v1")))
	require.NoError(t, st.StoreEntity(ctx, storage.EntityChannel, id, []byte("v2")))

	data, err := st.RetrieveEntity(ctx, storage.EntityChannel, id)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)

	keys, err := st.GetEntityKeys(ctx, storage.EntityChannel)
	require.NoError(t, err)
	require.Contains(t, keys, id)

	require.NoError(t, st.RemoveEntity(ctx, storage.EntityChannel, id))
	data, err = st.RetrieveEntity(ctx, storage.EntityChannel, id)
	require.NoError(t, err)
	require.Nil(t, data)
}
