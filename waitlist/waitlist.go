// Package waitlist implements the "wake me when event X happens" idiom the
// source expresses as coroutines plus a named wait-list: a map
// from string id to a FIFO list of one-shot waiters, each resolvable exactly
// once with a value or an error, with idempotent cancellation.
package waitlist

import (
	"context"
	"sync"

	"github.com/heapwolf/peerlinks"
)

// entry is one outstanding waiter for a given id.
type entry[T any] struct {
	ch     chan T
	errCh  chan error
	closed bool
}

// WaitList is a generic multi-waiter-per-id promise list. All methods are
// safe for concurrent use. The zero value is not usable; use New.
type WaitList[T any] struct {
	mu      sync.Mutex
	waiters map[string][]*entry[T]
}

// New returns an empty WaitList.
func New[T any]() *WaitList[T] {
	return &WaitList[T]{waiters: make(map[string][]*entry[T])}
}

// Wait blocks until Resolve(id, ...) is called, ctx is canceled, or the
// WaitList is closed. Multiple concurrent waiters on the same id are all
// resolved with the same value, in FIFO insertion order.
func (w *WaitList[T]) Wait(ctx context.Context, id string) (T, error) {
	e := &entry[T]{ch: make(chan T, 1), errCh: make(chan error, 1)}

	w.mu.Lock()
	w.waiters[id] = append(w.waiters[id], e)
	w.mu.Unlock()

	select {
	case v := <-e.ch:
		return v, nil
	case err := <-e.errCh:
		var zero T
		return zero, err
	case <-ctx.Done():
		w.cancel(id, e)
		var zero T
		return zero, ctx.Err()
	}
}

// cancel removes e from id's waiter list, idempotently. A waiter already
// resolved (and thus already removed by Resolve/Reject/Close) is a no-op.
func (w *WaitList[T]) cancel(id string, e *entry[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.waiters[id]
	for i, cand := range list {
		if cand == e {
			w.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.waiters[id]) == 0 {
		delete(w.waiters, id)
	}
}

// Resolve wakes every waiter currently registered under id with value v, in
// FIFO order, then clears id's list. A Resolve with no registered waiters is
// a harmless no-op (the value is simply dropped).
func (w *WaitList[T]) Resolve(id string, v T) {
	w.mu.Lock()
	list := w.waiters[id]
	delete(w.waiters, id)
	w.mu.Unlock()

	for _, e := range list {
		e.ch <- v
	}
}

// Reject fails every waiter currently registered under id with err.
func (w *WaitList[T]) Reject(id string, err error) {
	w.mu.Lock()
	list := w.waiters[id]
	delete(w.waiters, id)
	w.mu.Unlock()

	for _, e := range list {
		e.errCh <- err
	}
}

// Close fails every outstanding waiter across all ids with
// peerlinks.ErrClosed, so a caller blocked on a wait-list owned by a
// shutting-down component sees the shutdown instead of hanging.
func (w *WaitList[T]) Close() {
	w.mu.Lock()
	all := w.waiters
	w.waiters = make(map[string][]*entry[T])
	w.mu.Unlock()

	for _, list := range all {
		for _, e := range list {
			e.errCh <- peerlinks.ErrClosed
		}
	}
}
