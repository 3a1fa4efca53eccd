package taskgraph

import (
	"sync/atomic"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/kilnbuild/kiln/internal/pool"
)

// Graph owns every Task created through it, the pool tasks are dispatched
// on, and the cancellation flag of spec.md §5/§7: once Cancel is called
// (Engine.RaiseError does so when the error count exceeds max-errors),
// closures already running finish while tasks that have not yet started
// running short-circuit to FAILED.
//
// The underlying gonum simple.DirectedGraph plus topo.Sort cycle check is
// the same combination internal/batch/batch.go uses to validate the
// package-level build graph before dispatching workers; kiln keeps the
// dependency on gonum.org/v1/gonum for exactly that purpose, one level down
// at per-task granularity.
type Graph struct {
	pool *pool.Pool
	g    *simple.DirectedGraph
	next int64

	cancelledFlag int32
}

// New returns a Graph whose tasks run on p.
func New(p *pool.Pool) *Graph {
	return &Graph{
		pool: p,
		g:    simple.NewDirectedGraph(),
	}
}

// Create returns a new Task in state NEW, running fn once started and ready.
func (gr *Graph) Create(fn Closure) *Task {
	id := atomic.AddInt64(&gr.next, 1)
	t := &Task{id: id, graph: gr, fn: fn, state: New}
	gr.g.AddNode(t)
	return t
}

func (gr *Graph) addEdge(from, to *Task) {
	gr.g.SetEdge(gr.g.NewEdge(from, to))
}

// Validate rejects the graph if it contains a cycle, per spec.md §3's
// "Cycles are rejected at link time" invariant. Call this once every Task
// and edge has been created and before any Task.Start(), the same point in
// time the teacher's batch.go calls topo.Sort(g) after building its
// per-build dependency graph.
func (gr *Graph) Validate() error {
	if _, err := topo.Sort(gr.g); err != nil {
		if _, ok := err.(topo.Unorderable); ok {
			return xerrors.Errorf("taskgraph: cycle detected: %w", err)
		}
		return err
	}
	return nil
}

// Cancel trips the cancellation flag: tasks not yet dispatched short-circuit
// to FAILED, while already-running closures finish naturally (spec.md §5
// "Cancellation is cooperative").
func (gr *Graph) Cancel() {
	atomic.StoreInt32(&gr.cancelledFlag, 1)
}

func (gr *Graph) cancelled() bool {
	return atomic.LoadInt32(&gr.cancelledFlag) != 0
}

// Cancelled reports whether Cancel has been called.
func (gr *Graph) Cancelled() bool { return gr.cancelled() }

// Successors returns the direct successors of t (the nodes its outgoing
// edges point to). Readiness is not computed from it: a successor becomes
// ready through the completion callback StartAfter registers on each
// predecessor.
func (gr *Graph) Successors(t *Task) []*Task {
	var out []*Task
	it := gr.g.From(t.ID())
	for it.Next() {
		out = append(out, it.Node().(*Task))
	}
	return out
}

var _ graph.Node = (*Task)(nil)
