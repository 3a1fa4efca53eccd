// Package pool implements the fixed-size worker pool described in spec.md
// §4.1: N workers draining a single shared FIFO of ready closures, no work
// stealing, no priorities. Submissions from inside a worker are legal and
// land on the same queue.
//
// The dispatch loop is the generalization of the per-worker "for n := range
// work" loop in the teacher's internal/batch/batch.go scheduler.run: that
// function hand-rolled one pool per batch build. kiln factors the same
// channel-of-closures idiom into a standalone, reusable pool so the task
// graph (internal/taskgraph) can submit arbitrary closures instead of only
// "build this package" jobs.
package pool

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed-size FIFO worker pool.
type Pool struct {
	work chan func()

	wg      errgroup.Group
	closeMu sync.Mutex
	closed  bool
}

// New starts a Pool with n workers. n <= 0 is clamped to 1.
func New(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		// Buffered generously so Submit from within a running closure never
		// blocks on a full queue; the teacher's batch scheduler sized its work
		// channel to numNodes for the same reason.
		work: make(chan func(), 4096),
	}
	for i := 0; i < n; i++ {
		p.wg.Go(func() error {
			for fn := range p.work {
				fn()
			}
			return nil
		})
	}
	return p
}

// Submit enqueues fn to run on the next free worker. Safe to call from
// inside a worker's own closure.
func (p *Pool) Submit(fn func()) {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		// Shutdown already requested; run inline rather than panic on a closed
		// channel, so a task's trailing callback still observes completion.
		fn()
		return
	}
	p.work <- fn
}

// Shutdown drains the queue and joins every worker. Safe to call once.
func (p *Pool) Shutdown() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.work)
	p.wg.Wait()
}
