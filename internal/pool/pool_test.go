package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingWorker(release <-chan struct{}, processed *int64) Worker {
	return func(id int, job *Job) {
		<-release
		atomic.AddInt64(processed, 1)
	}
}

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	done := make(chan struct{})
	var count int64
	p := New(10, 1, func(id int, job *Job) {
		mu.Lock()
		order = append(order, job.Filename)
		mu.Unlock()
		if atomic.AddInt64(&count, 1) == 3 {
			close(done)
		}
	})

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, p.Enqueue(&Job{Filename: name}))
	}

	<-done
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	mu.Unlock()

	p.Shutdown()
	p.Join()
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	var processed int64
	p := New(1, 1, blockingWorker(release, &processed))

	require.NoError(t, p.Enqueue(&Job{Filename: "first"})) // picked up by the sole worker, which blocks on release
	require.NoError(t, p.Enqueue(&Job{Filename: "second"})) // fills the capacity-1 queue

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- p.Enqueue(&Job{Filename: "third"})
	}()

	select {
	case <-enqueued:
		t.Fatal("Enqueue returned while queue was full and no worker was consuming")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-enqueued)

	p.Shutdown()
	p.Join()
	assert.Equal(t, int64(3), atomic.LoadInt64(&processed))
}

func TestShutdownDrainsQueueBeforeWorkersExit(t *testing.T) {
	var processed int64
	started := make(chan struct{})
	release := make(chan struct{})
	first := true

	p := New(10, 1, func(id int, job *Job) {
		if first {
			first = false
			close(started)
			<-release
		}
		atomic.AddInt64(&processed, 1)
	})

	require.NoError(t, p.Enqueue(&Job{Filename: "1"}))
	<-started // worker is now blocked inside the first job

	require.NoError(t, p.Enqueue(&Job{Filename: "2"}))
	require.NoError(t, p.Enqueue(&Job{Filename: "3"}))

	p.Shutdown()
	close(release)
	p.Join()

	assert.Equal(t, int64(3), atomic.LoadInt64(&processed), "queued jobs must drain before the worker exits")
}

func TestEnqueueRejectedAfterShutdown(t *testing.T) {
	p := New(4, 2, func(id int, job *Job) {})
	p.Shutdown()
	p.Join()

	err := p.Enqueue(&Job{Filename: "late"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestNoLeaksOnShutdownWithEmptyQueue(t *testing.T) {
	p := New(4, 8, func(id int, job *Job) {})
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		p.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join did not return: a worker goroutine leaked")
	}
}

func TestLenReflectsQueueOccupancy(t *testing.T) {
	release := make(chan struct{})
	var processed int64
	p := New(5, 1, blockingWorker(release, &processed))

	require.NoError(t, p.Enqueue(&Job{Filename: "a"})) // taken by the worker immediately
	require.NoError(t, p.Enqueue(&Job{Filename: "b"}))
	require.NoError(t, p.Enqueue(&Job{Filename: "c"}))

	assert.Eventually(t, func() bool { return p.Len() == 2 }, time.Second, time.Millisecond)

	close(release)
	p.Shutdown()
	p.Join()
}
