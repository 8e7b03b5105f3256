// Package storage defines the persistence interface PeerLinks' Channel and
// Protocol layers depend on. Concrete adapters live in
// storage/memory (reference, in-process) and storage/postgres (a second,
// durable adapter).
package storage

import (
	"context"

	"github.com/heapwolf/peerlinks/message"
)

// Cursor selects a starting point for Query: exactly one of Height or Hash
// is set.
type Cursor struct {
	Height *int64
	Hash   []byte
}

// QueryResult is the response to Query: the CRDT-ordered slice of messages
// plus the adjoining hashes a caller uses to advance its cursor.
type QueryResult struct {
	Messages     []*message.Message
	ForwardHash  []byte
	BackwardHash []byte
}

// Store is the persistence interface an adapter (memory, Postgres, or
// anything else) implements. All message-scoped methods are scoped to a
// single channel_id; cross-channel transactions are never required. Every
// method takes a context so a durable
// adapter can honor cancellation/deadlines on its I/O.
type Store interface {
	// AddMessage is idempotent on hash: a message already present is a
	// no-op that reports added=false. It updates the channel's leaves set
	// and CRDT-ordered index.
	AddMessage(ctx context.Context, channelID []byte, msg *message.Message) (added bool, err error)

	GetMessageCount(ctx context.Context, channelID []byte) (int, error)
	HasMessage(ctx context.Context, channelID []byte, hash [32]byte) (bool, error)
	// GetMessage returns (nil, nil) when hash is not known.
	GetMessage(ctx context.Context, channelID []byte, hash [32]byte) (*message.Message, error)
	// GetMessages preserves input order; unknown hashes yield a nil entry
	// at that position.
	GetMessages(ctx context.Context, channelID []byte, hashes [][32]byte) ([]*message.Message, error)
	// GetMessageAtOffset returns the message at position offset in the
	// channel's CRDT order, or (nil, nil) if offset is out of range.
	GetMessageAtOffset(ctx context.Context, channelID []byte, offset int) (*message.Message, error)
	GetLeaves(ctx context.Context, channelID []byte) ([]*message.Message, error)

	Query(ctx context.Context, channelID []byte, cursor Cursor, isBackward bool, limit int) (QueryResult, error)

	// StoreEntity/RetrieveEntity/RemoveEntity/GetEntityKeys persist opaque
	// entities (channels, identities) keyed by (prefix, id). RetrieveEntity
	// returns (nil, nil) when the id is absent.
	StoreEntity(ctx context.Context, prefix, id string, data []byte) error
	RetrieveEntity(ctx context.Context, prefix, id string) ([]byte, error)
	RemoveEntity(ctx context.Context, prefix, id string) error
	GetEntityKeys(ctx context.Context, prefix string) ([]string, error)
}

// Entity prefixes channels and identities are persisted under.
const (
	EntityChannel  = "channel"
	EntityIdentity = "identity"
)
