package eventfd

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gvisor "gvisor.dev/gvisor/pkg/eventfd"
)

func TestEventFD_KickDrain(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
		assert.NoError(t, e.Close())
	})

	n, err := e.Drain()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())

	n, err = e.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	n, err = e.Drain()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// One goroutine kicks while another drains, the way a driver and a queue
// worker share a descriptor.
func TestEventFD_ConcurrentKickDrain(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
	})

	const kicks = 1000
	var drained atomic.Uint64
	var wg sync.WaitGroup
	wg.Go(func() {
		for range kicks {
			assert.NoError(t, e.Kick())
		}
	})
	wg.Go(func() {
		for drained.Load() < kicks {
			n, err := e.Drain()
			if !assert.NoError(t, err) {
				return
			}
			drained.Add(n)
		}
	})
	wg.Wait()

	assert.Equal(t, uint64(kicks), drained.Load())
}

func TestEpoll_Block(t *testing.T) {
	kick, err := New()
	require.NoError(t, err)
	stop, err := New()
	require.NoError(t, err)
	ep, err := NewEpoll(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, kick.Close())
		assert.NoError(t, stop.Close())
	})

	require.NoError(t, ep.AddEvent(kick.FD()))
	require.NoError(t, ep.AddEvent(stop.FD()))

	require.NoError(t, kick.Kick())
	fds, err := ep.Block()
	require.NoError(t, err)
	assert.Equal(t, []int{kick.FD()}, fds)

	// Level triggered: still ready until drained.
	fds, err = ep.Block()
	require.NoError(t, err)
	assert.Equal(t, []int{kick.FD()}, fds)
	_, err = kick.Drain()
	require.NoError(t, err)

	done := make(chan []int)
	go func() {
		fds, _ := ep.Block()
		done <- fds
	}()
	select {
	case <-done:
		t.Fatal("Block returned without a kick")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, stop.Kick())
	select {
	case fds = <-done:
		assert.Equal(t, []int{stop.FD()}, fds)
	case <-time.After(5 * time.Second):
		t.Fatal("Block did not return after a kick")
	}
}

// Tests how an eventfd and a waiting goroutine can be gracefully closed.
// Extends the eventfd test suite:
// https://github.com/google/gvisor/blob/0799336d64be65eb97d330606c30162dc3440cab/pkg/eventfd/eventfd_test.go
func TestEventFD_CancelWait(t *testing.T) {
	efd, err := gvisor.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	var stop atomic.Bool

	done := make(chan struct{})
	go func() {
		for !stop.Load() {
			_ = efd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("goroutine ended early")
	case <-time.After(500 * time.Millisecond):
	}

	stop.Store(true)
	assert.NoError(t, efd.Notify())
	select {
	case <-done:
		break
	case <-time.After(5 * time.Second):
		t.Error("goroutine did not end")
	}
}

// The wrapper interoperates with other eventfd users through the raw descriptor.
func TestEventFD_WakesGvisorWaiter(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
	})

	ep, err := NewEpoll(1)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
	})

	other, err := gvisor.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, other.Close())
	})

	require.NoError(t, ep.AddEvent(other.FD()))
	require.NoError(t, other.Notify())

	fds, err := ep.Block()
	require.NoError(t, err)
	assert.Equal(t, []int{other.FD()}, fds)
}
