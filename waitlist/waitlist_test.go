package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heapwolf/peerlinks"
)

func TestWait_ResolvedWithValue(t *testing.T) {
	ctx := context.Background()
	wl := New[int]()

	done := make(chan struct{})
	var got int
	var err error
	go func() {
		defer close(done)
		got, err = wl.Wait(ctx, "a")
	}()

	// Give the waiter a moment to register before resolving.
	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.waiters["a"]) == 1
	}, time.Second, time.Millisecond)

	wl.Resolve("a", 42)
	<-done
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

// Multiple tasks waiting on the same id are all resolved with the same
// value, in FIFO insertion order.
func TestWait_AllWaitersGetSameValueFIFO(t *testing.T) {
	ctx := context.Background()
	wl := New[string]()

	const n = 5
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := wl.Wait(ctx, "shared")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.waiters["shared"]) == n
	}, time.Second, time.Millisecond)

	wl.Resolve("shared", "value")
	wg.Wait()
	for i := 0; i < n; i++ {
		require.Equal(t, "value", results[i])
	}
}

func TestResolve_WithNoWaitersIsNoOp(t *testing.T) {
	wl := New[int]()
	wl.Resolve("nobody", 1)

	// A later waiter does not see the dropped value.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := wl.Wait(ctx, "nobody")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWait_ContextCancellationRemovesWaiter(t *testing.T) {
	wl := New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := wl.Wait(ctx, "a")
		done <- err
	}()

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.waiters["a"]) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	wl.mu.Lock()
	_, ok := wl.waiters["a"]
	wl.mu.Unlock()
	require.False(t, ok)
}

func TestReject_FailsWaitersWithError(t *testing.T) {
	ctx := context.Background()
	wl := New[int]()

	done := make(chan error, 1)
	go func() {
		_, err := wl.Wait(ctx, "a")
		done <- err
	}()

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.waiters["a"]) == 1
	}, time.Second, time.Millisecond)

	wl.Reject("a", peerlinks.ErrCanceled)
	require.ErrorIs(t, <-done, peerlinks.ErrCanceled)
}

func TestClose_FailsAllOutstandingWaiters(t *testing.T) {
	ctx := context.Background()
	wl := New[int]()

	errs := make(chan error, 2)
	go func() {
		_, err := wl.Wait(ctx, "a")
		errs <- err
	}()
	go func() {
		_, err := wl.Wait(ctx, "b")
		errs <- err
	}()

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.waiters["a"]) == 1 && len(wl.waiters["b"]) == 1
	}, time.Second, time.Millisecond)

	wl.Close()
	require.ErrorIs(t, <-errs, peerlinks.ErrClosed)
	require.ErrorIs(t, <-errs, peerlinks.ErrClosed)
}
