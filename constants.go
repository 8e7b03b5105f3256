// Package peerlinks holds the protocol-wide constants and error types shared
// by every PeerLinks sub-package: wire codec, crypto primitives, the trust
// chain, channel DAG, synchronization, and peer session layers.
package peerlinks

import "time"

// Protocol-wide constants. These values are part of the wire contract and
// must match every deployed peer.
const (
	// Version is the only Hello.version this implementation speaks.
	Version = 1

	// IDLength is the byte length of a peer id or channel id.
	IDLength = 32

	// HashSize is the byte length of a message hash.
	HashSize = 32

	// MaxChainLength bounds the number of links between a channel root key
	// and a leaf identity key.
	MaxChainLength = 3

	// MaxDisplayNameLength bounds a Link's trustee display name.
	MaxDisplayNameLength = 128

	// MaxParents bounds the number of parent hashes a message may carry.
	MaxParents = 128

	// MaxQueryLimit bounds the number of abbreviated messages a single Query
	// may return, and the number of hashes a single Bulk request may carry.
	MaxQueryLimit = 1024

	// MaxUnresolvedCount bounds the size of a SyncAgent's unresolved-parent
	// set before it falls back to a full linear sync.
	MaxUnresolvedCount = 262144

	// MaxBulkCount bounds the number of messages a single BulkResponse may
	// return.
	MaxBulkCount = 128

	// MaxLeavesCount bounds the number of leaves reported by a channel at
	// query time.
	MaxLeavesCount = 128

	// MaxErrorReasonLen bounds the byte length of an Error.reason field.
	MaxErrorReasonLen = 1024
)

// Protocol-wide durations, likewise part of the wire contract.
const (
	// ExpirationDelta bounds a Link's validity window (valid_to - valid_from).
	ExpirationDelta = 99 * 24 * time.Hour

	// MaxParentDelta bounds how much older than a message's newest parent
	// any other parent of that message may be.
	MaxParentDelta = 30 * 24 * time.Hour

	// Future bounds how far into the future a message's timestamp may be,
	// relative to the receiver's clock.
	Future = 120 * time.Second

	// DefaultSyncTimeout is how long a SyncAgent waits for a Query/Bulk
	// response before treating it as empty.
	DefaultSyncTimeout = 15 * time.Second
)
