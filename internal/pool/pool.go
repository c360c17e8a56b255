// Package pool implements the bounded-buffer worker pool described in
// spec §4.C, ported line-for-line in structure from create_thread_pool /
// enqueue_sync_job / dequeue_sync_job / signal_shutdown /
// wait_for_workers in original_source/src/thread_pool.c: one mutex, two
// condition variables (notEmpty for consumers, notFull for producers), a
// FIFO queue bounded at capacity B, and a shutdown flag that both
// condition variables broadcast on.
package pool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/dirspec"
)

// ErrRejected is returned by Enqueue when the pool is shutting down; the
// caller retains ownership of the job (per spec §3, a rejected job is
// never queued and must be released by the caller — in Go terms, simply
// dropped).
var ErrRejected = errors.New("pool: rejected, pool is shutting down")

// Job is one file's copy task, immutable after construction and owned
// by the pool's queue until a worker dequeues it (spec §3).
type Job struct {
	Source, Target dirspec.Spec
	Filename       string
}

// SourcePath is source_dir + "/" + filename.
func (j *Job) SourcePath() string { return j.Source.Dir + "/" + j.Filename }

// TargetPath is target_dir + "/" + filename.
func (j *Job) TargetPath() string { return j.Target.Dir + "/" + j.Filename }

// Worker processes one job. Implemented by internal/transfer.Engine.Run;
// kept as a plain function type here so this package never needs to
// import internal/transfer (that import runs the other way: transfer
// takes a *Job, it does not produce or consume a Pool).
type Worker func(workerID int, job *Job)

// Pool is the bounded FIFO of jobs consumed by N worker goroutines.
type Pool struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []*Job
	capacity int
	shutdown bool
	wg       sync.WaitGroup
}

// New creates a pool of the given capacity and immediately starts
// workerCount goroutines, each looping: Dequeue -> work -> repeat, until
// Dequeue returns ok=false. Each worker is handed its own [0,workerCount)
// index as a stable identifier for log lines (spec §9: a goroutine has no
// meaningful public id, so an explicit slot index is used instead of the
// original's truncated thread-handle cast).
func New(capacity, workerCount int, work Worker) *Pool {
	p := &Pool{capacity: capacity}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	p.wg.Add(workerCount)
	for id := 0; id < workerCount; id++ {
		go p.runWorker(id, work)
	}
	return p
}

func (p *Pool) runWorker(id int, work Worker) {
	defer p.wg.Done()
	for {
		job, ok := p.Dequeue()
		if !ok {
			return
		}
		work(id, job)
	}
}

// Enqueue blocks while the queue is full and the pool is not shutting
// down. If shutdown is (or becomes) true before a slot frees up, it
// returns ErrRejected without adding the job.
func (p *Pool) Enqueue(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) >= p.capacity && !p.shutdown {
		p.notFull.Wait()
	}
	if p.shutdown {
		return ErrRejected
	}
	p.queue = append(p.queue, job)
	p.notEmpty.Signal()
	return nil
}

// Dequeue blocks while the queue is empty and the pool is not shutting
// down. On shutdown with a non-empty queue it still returns the next job
// (queued jobs drain before workers exit); only once the queue is empty
// AND shutdown is set does it return ok=false.
func (p *Pool) Dequeue() (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.shutdown {
		p.notEmpty.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	p.notFull.Signal()
	return job, true
}

// Shutdown is idempotent and non-blocking: it marks the pool as shutting
// down and wakes every blocked Enqueue/Dequeue call so they can observe
// the new state. Queued jobs are not discarded here; they drain as
// workers keep calling Dequeue until the queue empties (see Dequeue).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Join blocks until every worker goroutine has returned. Call after
// Shutdown; a worker only returns once Dequeue reports the queue empty
// and shutdown set, so Join also waits for the queue to fully drain.
func (p *Pool) Join() {
	p.wg.Wait()
}

// Len reports the current queue occupancy, for metrics/testing.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
