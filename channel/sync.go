package channel

import (
	"context"
	"encoding/hex"

	"github.com/heapwolf/peerlinks"
	"github.com/heapwolf/peerlinks/internal/logger"
	"github.com/heapwolf/peerlinks/internal/metrics"
	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/storage"
	"github.com/heapwolf/peerlinks/wire"
)

// RemoteChannel is the narrow interface a SyncAgent presents to Channel.Sync:
// issuing a Query or Bulk request against the remote peer's copy of this
// channel and awaiting its response. SyncAgent owns the actual wire
// round-trip (seq allocation, sealing, timeouts); Channel only drives the
// discovery-and-fetch state machine).
type RemoteChannel interface {
	Query(ctx context.Context, cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error)
	Bulk(ctx context.Context, hashes [][]byte) (wire.BulkResponse, error)
}

func int64ptr(v int64) *int64 { return &v }

// Sync runs the discovery-and-fetch driver against remote until the two
// sides' leaf frontiers converge, returning the number of newly accepted
// messages. A BanError surfacing from Receive or from a
// malformed response propagates to the caller, who is expected to terminate
// the peer session.
func (c *Channel) Sync(ctx context.Context, remote RemoteChannel) (int, error) {
	minHeight, err := c.minLeafHeight(ctx)
	if err != nil {
		return 0, err
	}
	cursor := storage.Cursor{Height: int64ptr(minHeight)}
	unresolved := make(map[[32]byte]struct{})
	isFull := false
	total := 0

	for {
		isBackward := len(unresolved) > 0
		resp, err := remote.Query(ctx, cursor, isBackward, peerlinks.MaxQueryLimit)
		if err != nil {
			return total, err
		}
		if len(resp.AbbreviatedMessages) > peerlinks.MaxQueryLimit {
			return total, peerlinks.NewBanError("query response exceeds MaxQueryLimit")
		}

		inResponse := make(map[[32]byte]struct{}, len(resp.AbbreviatedMessages))
		for _, a := range resp.AbbreviatedMessages {
			var h [32]byte
			copy(h[:], a.Hash)
			inResponse[h] = struct{}{}
		}

		var known [][]byte
		var external [][32]byte
		for _, a := range resp.AbbreviatedMessages {
			var h [32]byte
			copy(h[:], a.Hash)

			has, err := c.store.HasMessage(ctx, c.ChannelID, h)
			if err != nil {
				return total, err
			}
			if has {
				continue
			}

			allResolvable := true
			for _, p := range a.Parents {
				var ph [32]byte
				copy(ph[:], p)
				if _, inResp := inResponse[ph]; inResp {
					continue
				}
				localHas, err := c.store.HasMessage(ctx, c.ChannelID, ph)
				if err != nil {
					return total, err
				}
				if localHas {
					continue
				}
				allResolvable = false
				external = append(external, ph)
			}
			if allResolvable {
				known = append(known, append([]byte(nil), a.Hash...))
			}
		}

		// The remote processes at most MaxBulkCount hashes per Bulk call;
		// ForwardIndex says how many of ours it consumed, so keep re-issuing
		// the remainder until the whole batch is fetched.
		for offset := 0; offset < len(known); {
			bulkResp, err := remote.Bulk(ctx, known[offset:])
			if err != nil {
				return total, err
			}
			for i := range bulkResp.Messages {
				msg, err := message.FromChannelMessageWire(c.ChannelID, bulkResp.Messages[i], c.encKey)
				if err != nil {
					return total, err
				}
				added, err := c.Receive(ctx, msg)
				if err != nil {
					return total, err
				}
				if added {
					total++
				}
			}
			if bulkResp.ForwardIndex == 0 {
				// Timed-out or empty response; give up on this batch and let
				// the next synchronize() trigger retry.
				break
			}
			offset += int(bulkResp.ForwardIndex)
		}

		for h := range inResponse {
			delete(unresolved, h)
		}
		for _, h := range external {
			unresolved[h] = struct{}{}
		}
		metrics.SyncUnresolvedCount.WithLabelValues(hex.EncodeToString(c.ChannelID)).Set(float64(len(unresolved)))

		if len(unresolved) > peerlinks.MaxUnresolvedCount {
			logger.Warn("sync falling back to full sync",
				logger.ChannelID(c.ChannelID),
				logger.Int("unresolved", len(unresolved)),
			)
			metrics.SyncFullSyncFallbacks.Inc()
			cursor = storage.Cursor{Height: int64ptr(0)}
			unresolved = make(map[[32]byte]struct{})
			isFull = true
			continue
		}

		if isFull && len(external) > 0 {
			return total, peerlinks.NewBanError("missing parent in full sync")
		}

		if len(unresolved) == 0 {
			if resp.ForwardHash == nil {
				return total, nil
			}
			cursor = storage.Cursor{Hash: append([]byte(nil), resp.ForwardHash...)}
			continue
		}

		if resp.BackwardHash == nil {
			return total, nil
		}
		cursor = storage.Cursor{Hash: append([]byte(nil), resp.BackwardHash...)}
	}
}
