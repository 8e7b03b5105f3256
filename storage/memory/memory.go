// Package memory is the reference in-process Store implementation: plain
// sync.RWMutex-guarded maps plus a slice holding the per-channel order.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/heapwolf/peerlinks/message"
	"github.com/heapwolf/peerlinks/storage"
)

type channelState struct {
	mu     sync.RWMutex
	byHash map[[32]byte]*message.Message
	order  [][32]byte // CRDT order: (height ASC, hash ASC)
	leaves map[[32]byte]struct{}
}

func newChannelState() *channelState {
	return &channelState{
		byHash: make(map[[32]byte]*message.Message),
		leaves: make(map[[32]byte]struct{}),
	}
}

func less(a *message.Message, bHash [32]byte, bHeight int64) bool {
	if a.Height != bHeight {
		return a.Height < bHeight
	}
	for i := 0; i < 32; i++ {
		if a.Hash[i] != bHash[i] {
			return a.Hash[i] < bHash[i]
		}
	}
	return false
}

// Store is the in-memory Store implementation.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	entityMu sync.RWMutex
	entities map[string]map[string][]byte // prefix -> id -> data
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		channels: make(map[string]*channelState),
		entities: make(map[string]map[string][]byte),
	}
}

func (s *Store) channel(channelID []byte) *channelState {
	key := string(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.channels[key]
	if !ok {
		cs = newChannelState()
		s.channels[key] = cs
	}
	return cs
}

func (s *Store) AddMessage(_ context.Context, channelID []byte, msg *message.Message) (bool, error) {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.byHash[msg.Hash]; ok {
		return false, nil
	}
	cs.byHash[msg.Hash] = msg

	idx := sort.Search(len(cs.order), func(i int) bool {
		return !less(cs.byHash[cs.order[i]], msg.Hash, msg.Height)
	})
	cs.order = append(cs.order, [32]byte{})
	copy(cs.order[idx+1:], cs.order[idx:])
	cs.order[idx] = msg.Hash

	for _, p := range msg.Parents {
		var ph [32]byte
		copy(ph[:], p)
		delete(cs.leaves, ph)
	}
	cs.leaves[msg.Hash] = struct{}{}

	return true, nil
}

func (s *Store) GetMessageCount(_ context.Context, channelID []byte) (int, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.order), nil
}

func (s *Store) HasMessage(_ context.Context, channelID []byte, hash [32]byte) (bool, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.byHash[hash]
	return ok, nil
}

func (s *Store) GetMessage(_ context.Context, channelID []byte, hash [32]byte) (*message.Message, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.byHash[hash], nil
}

func (s *Store) GetMessages(_ context.Context, channelID []byte, hashes [][32]byte) ([]*message.Message, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*message.Message, len(hashes))
	for i, h := range hashes {
		out[i] = cs.byHash[h]
	}
	return out, nil
}

func (s *Store) GetMessageAtOffset(_ context.Context, channelID []byte, offset int) (*message.Message, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if offset < 0 || offset >= len(cs.order) {
		return nil, nil
	}
	return cs.byHash[cs.order[offset]], nil
}

func (s *Store) GetLeaves(_ context.Context, channelID []byte) ([]*message.Message, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*message.Message, 0, len(cs.leaves))
	for h := range cs.leaves {
		out = append(out, cs.byHash[h])
	}
	return out, nil
}

// Query slices the channel's linearized order around the cursor.
func (s *Store) Query(_ context.Context, channelID []byte, cursor storage.Cursor, isBackward bool, limit int) (storage.QueryResult, error) {
	cs := s.channel(channelID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	index, found := resolveCursor(cs, cursor)
	if !found {
		return storage.QueryResult{}, nil
	}

	var start, end int
	if isBackward {
		start, end = index-limit, index
		if start < 0 {
			start = 0
		}
	} else {
		start, end = index, index+limit
		if end > len(cs.order) {
			end = len(cs.order)
		}
	}
	if start > end {
		start = end
	}

	result := storage.QueryResult{}
	for i := start; i < end; i++ {
		result.Messages = append(result.Messages, cs.byHash[cs.order[i]])
	}
	if end < len(cs.order) {
		h := cs.order[end]
		result.ForwardHash = append([]byte(nil), h[:]...)
	}
	if start > 0 {
		h := cs.order[start]
		result.BackwardHash = append([]byte(nil), h[:]...)
	}
	return result, nil
}

// resolveCursor returns the order-index the cursor names. A height cursor is
// clamped to the frontier by the caller (channel package) before reaching
// here; an unknown hash cursor returns found=false rather than erroring, so
// a remote querying past our frontier just gets an empty result.
func resolveCursor(cs *channelState, cursor storage.Cursor) (index int, found bool) {
	if cursor.Height != nil {
		h := *cursor.Height
		idx := sort.Search(len(cs.order), func(i int) bool {
			return cs.byHash[cs.order[i]].Height >= h
		})
		return idx, true
	}
	if cursor.Hash != nil {
		var hash [32]byte
		copy(hash[:], cursor.Hash)
		for i, oh := range cs.order {
			if oh == hash {
				return i, true
			}
		}
		return 0, false
	}
	return 0, false
}

func (s *Store) StoreEntity(_ context.Context, prefix, id string, data []byte) error {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()
	if s.entities[prefix] == nil {
		s.entities[prefix] = make(map[string][]byte)
	}
	s.entities[prefix][id] = append([]byte(nil), data...)
	return nil
}

func (s *Store) RetrieveEntity(_ context.Context, prefix, id string) ([]byte, error) {
	s.entityMu.RLock()
	defer s.entityMu.RUnlock()
	data, ok := s.entities[prefix][id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) RemoveEntity(_ context.Context, prefix, id string) error {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()
	delete(s.entities[prefix], id)
	return nil
}

func (s *Store) GetEntityKeys(_ context.Context, prefix string) ([]string, error) {
	s.entityMu.RLock()
	defer s.entityMu.RUnlock()
	keys := make([]string, 0, len(s.entities[prefix]))
	for id := range s.entities[prefix] {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ storage.Store = (*Store)(nil)
