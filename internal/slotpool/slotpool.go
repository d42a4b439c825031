// Package slotpool bounds how many sequences may be decoding at once. A
// Slot corresponds 1:1 with a backend.SeqID; allocation blocks until one is
// free, following the same bounded-concurrency shape ollama's runner uses
// for its seqsSem field, but exposed as an explicit acquire/release guard
// instead of a raw semaphore so callers can't forget to release.
package slotpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/noxrun/noxrun/internal/backend"
)

// ErrShutdown is returned by Allocate once the pool has been shut down; any
// blocked Allocate calls also return it as soon as Shutdown runs.
var ErrShutdown = errors.New("slotpool: pool is shut down")

// Slot is one KV-cache sequence a job may decode against.
type Slot struct {
	ID backend.SeqID

	pool     *Pool
	released atomic.Bool
}

// Release wipes the slot's full KV range and returns it to the pool. It is
// safe to call at most once per allocation; calling it twice is a caller
// bug and panics, matching the "never double-release" invariant the
// scheduler relies on.
func (s *Slot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic("slotpool: slot released twice")
	}
	s.pool.release(s)
}

// Pool hands out a bounded number of Slots, each backed by a distinct
// backend sequence id.
type Pool struct {
	ctx    backend.Context
	sem    *semaphore.Weighted
	cancel context.CancelFunc
	base   context.Context

	freeMu sync.Mutex
	free   []backend.SeqID // ids not currently held by any job
}

// New creates a pool of n slots (SeqIDs 0..n-1) over the given decode
// context.
func New(ctx backend.Context, n int) *Pool {
	base, cancel := context.WithCancel(context.Background())
	free := make([]backend.SeqID, n)
	for i := range free {
		free[i] = backend.SeqID(i)
	}
	return &Pool{
		ctx:    ctx,
		sem:    semaphore.NewWeighted(int64(n)),
		cancel: cancel,
		base:   base,
		free:   free,
	}
}

// Allocate blocks until a slot is free, the caller's context is cancelled,
// or the pool is shut down.
func (p *Pool) Allocate(ctx context.Context) (*Slot, error) {
	combined, stop := mergeDone(ctx, p.base)
	defer stop()

	if err := p.sem.Acquire(combined, 1); err != nil {
		select {
		case <-p.base.Done():
			return nil, ErrShutdown
		default:
			return nil, fmt.Errorf("slotpool: allocate: %w", ctx.Err())
		}
	}

	id := p.popFree()
	return &Slot{ID: id, pool: p}, nil
}

// popFree takes one id off the free list. The semaphore guarantees it is
// never called more times concurrently than there are free ids: every
// successful Acquire corresponds to exactly one id pushed back by a prior
// release, so the list is never empty here.
func (p *Pool) popFree() backend.SeqID {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return id
}

func (p *Pool) release(s *Slot) {
	p.ctx.SeqRemove(s.ID, 0, -1)
	// push back to the free list before releasing the semaphore: a
	// concurrent Allocate must never observe "permit available" before
	// the id it will receive is actually back in the free list.
	p.freeMu.Lock()
	p.free = append(p.free, s.ID)
	p.freeMu.Unlock()
	p.sem.Release(1)
}

// Shutdown cancels every blocked and future Allocate call. It does not wait
// for outstanding slots to be released; callers drain those separately.
func (p *Pool) Shutdown() {
	p.cancel()
}

func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-merged.Done():
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}
