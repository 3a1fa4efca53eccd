// Package taskgraph implements the dependency DAG of work items from
// spec.md §3/§4.2: tasks with predecessor/successor edges, well-defined
// state transitions, failure propagation, and cancellation.
//
// The graph side — a directed graph checked for cycles with
// gonum.org/v1/gonum/graph/topo — is lifted from the teacher's
// internal/batch/batch.go, which builds a simple.NewDirectedGraph of
// packages and calls topo.Sort to find/break cycles. kiln records one edge
// per predecessor relation and turns batch.go's cycle-breaking into a hard
// rejection per spec.md §3's invariant that cycles must fail loudly rather
// than be silently patched around. Newly-ready successors are not found by
// walking the graph: each predecessor's completion callback decrements its
// successor's pending count and dispatches it when that count reaches zero.
package taskgraph

import (
	"sync"

	"golang.org/x/xerrors"
)

// State is a Task's position in the spec.md §3 state machine:
// NEW → WAITING_FOR_START → RUNNING → (SUCCEEDED | FAILED).
type State int

const (
	New State = iota
	WaitingForStart
	Running
	WaitingForComplete
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case WaitingForStart:
		return "WAITING_FOR_START"
	case Running:
		return "RUNNING"
	case WaitingForComplete:
		return "WAITING_FOR_COMPLETE"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Closure is the unit of work a Task runs once every predecessor has
// terminated successfully. It may be nil for synchronization-only tasks
// (spec.md §3: "a work closure (may be empty for synchronization-only
// tasks)").
type Closure func() (result interface{}, err error)

// ErrAlreadyTerminal is returned when a caller tries to add a predecessor or
// a "complete after" dependency to a Task that has already reached
// SUCCEEDED or FAILED — spec.md §3's "attempting to add an already-terminal
// successor must fail loudly".
var ErrAlreadyTerminal = xerrors.New("taskgraph: task is already terminal")

// Task is one node of the dependency DAG.
type Task struct {
	id int64

	graph *Graph
	fn    Closure

	mu            sync.Mutex
	state         State
	pendingPreds  int // predecessors not yet terminal
	completeAfter []*Task
	predFailed    bool
	result        interface{}
	err           error
	callbacks     []func(*Task)
}

// ID satisfies gonum/graph.Node, letting *Task sit directly in a
// graph.Directed (see graph.go).
func (t *Task) ID() int64 { return t.id }

// State returns the task's current state. Safe for concurrent use.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the closure's result and error once the task is terminal.
// Calling it before the task is terminal returns the zero value and nil.
func (t *Task) Result() (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Failed reports whether the task ended in FAILED, including tasks that
// never ran their closure because a predecessor failed first.
func (t *Task) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Failed
}

// AddCallback registers fn to run once, after the task's terminal
// transition, in the order callbacks were added (spec.md §3).
func (t *Task) AddCallback(fn func(*Task)) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// StartAfter adds each of preds as a predecessor of t: t will not run its
// closure until every pred has reached a terminal state. If immediate is
// true and the completion of one of these preds is what makes t ready, t
// runs inline on that predecessor's completing goroutine instead of being
// submitted to the pool (spec.md §4.2). Preds already terminal when
// StartAfter is called add no wait and do not trigger inline running.
//
// StartAfter fails loudly (ErrAlreadyTerminal) if t has already terminated:
// per spec.md §3, a terminal task's callbacks have already fired and its
// result slot is final, so a new predecessor edge could never be honored.
func (t *Task) StartAfter(preds []*Task, immediate bool) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return ErrAlreadyTerminal
	}
	t.mu.Unlock()

	for _, p := range preds {
		t.graph.addEdge(p, t)

		p.mu.Lock()
		predTerminal := p.state.Terminal()
		predFailed := p.state == Failed
		if !predTerminal {
			t.mu.Lock()
			t.pendingPreds++
			t.mu.Unlock()
		}
		if predFailed {
			t.mu.Lock()
			t.predFailed = true
			t.mu.Unlock()
		}
		p.mu.Unlock()

		if !predTerminal {
			p.AddCallback(func(pred *Task) {
				t.predecessorDone(pred, immediate)
			})
		}
	}
	return nil
}

// CompleteAfter makes t's own terminal transition wait until every task in
// others has also terminated, and propagates their failure — spec.md §3's
// "complete-after set".
func (t *Task) CompleteAfter(others []*Task) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return ErrAlreadyTerminal
	}
	t.completeAfter = append(t.completeAfter, others...)
	t.mu.Unlock()

	for _, o := range others {
		t.graph.addEdge(o, t)
		o.AddCallback(func(other *Task) {
			t.completeAfterDone(other)
		})
	}
	return nil
}

// Start transitions the task from NEW to WAITING_FOR_START. If every
// predecessor has already terminated, the closure is submitted to the pool
// right away; otherwise the last predecessor to complete dispatches it (to
// the pool, or inline when its StartAfter edge was added with
// immediate=true).
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != New {
		t.mu.Unlock()
		return
	}
	t.state = WaitingForStart
	ready := t.pendingPreds == 0
	t.mu.Unlock()

	if ready {
		t.dispatch()
	}
}

func (t *Task) predecessorDone(pred *Task, immediate bool) {
	t.mu.Lock()
	t.pendingPreds--
	if pred.state == Failed {
		t.predFailed = true
	}
	ready := t.pendingPreds == 0 && t.state == WaitingForStart
	t.mu.Unlock()

	if ready {
		if immediate {
			t.runInline()
		} else {
			t.dispatch()
		}
	}
}

func (t *Task) completeAfterDone(other *Task) {
	t.mu.Lock()
	idx := -1
	for i, o := range t.completeAfter {
		if o == other {
			idx = i
			break
		}
	}
	if idx >= 0 {
		t.completeAfter = append(t.completeAfter[:idx], t.completeAfter[idx+1:]...)
	}
	if other.state == Failed {
		t.predFailed = true
	}
	done := len(t.completeAfter) == 0 && t.state == WaitingForComplete
	t.mu.Unlock()
	if done {
		t.finish()
	}
}

func (t *Task) dispatch() {
	t.graph.pool.Submit(t.run)
}

func (t *Task) runInline() {
	t.run()
}

// run executes the closure (or skips it on predecessor failure /
// cancellation) and drives the WAITING_FOR_START → RUNNING → terminal
// transition.
func (t *Task) run() {
	t.mu.Lock()
	if t.state != WaitingForStart {
		t.mu.Unlock()
		return
	}
	t.state = Running
	skip := t.predFailed || t.graph.cancelled()
	t.mu.Unlock()

	if skip {
		t.mu.Lock()
		t.err = xerrors.New("predecessor failed or build cancelled")
		t.mu.Unlock()
		t.terminate(Failed)
		return
	}

	var result interface{}
	var err error
	if t.fn != nil {
		result, err = t.fn()
	}

	t.mu.Lock()
	t.result, t.err = result, err
	waitForComplete := len(t.completeAfter) > 0
	if waitForComplete {
		t.state = WaitingForComplete
	}
	t.mu.Unlock()

	if err != nil {
		t.terminate(Failed)
		return
	}
	if waitForComplete {
		return // completeAfterDone will call finish() once the set drains
	}
	t.finish()
}

func (t *Task) finish() {
	t.mu.Lock()
	failed := t.err != nil || t.predFailed
	t.mu.Unlock()
	if failed {
		t.terminate(Failed)
	} else {
		t.terminate(Succeeded)
	}
}

// terminate performs the single allowed terminal transition and fires
// callbacks exactly once, in registration order (spec.md §3/§8
// "Task monotonicity").
func (t *Task) terminate(state State) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(t)
	}
}
