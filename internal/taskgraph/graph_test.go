package taskgraph

import (
	"testing"

	"github.com/kilnbuild/kiln/internal/pool"
)

func TestValidateAcceptsDAG(t *testing.T) {
	p := pool.New(1)
	defer p.Shutdown()
	g := New(p)

	a := g.Create(nil)
	b := g.Create(nil)
	b.StartAfter([]*Task{a}, false)

	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := pool.New(1)
	defer p.Shutdown()
	g := New(p)

	a := g.Create(nil)
	b := g.Create(nil)
	b.StartAfter([]*Task{a}, false)
	g.addEdge(b, a) // manually close the cycle a -> b -> a

	if err := g.Validate(); err == nil {
		t.Fatal("Validate() = nil, want cycle error")
	}
}

func TestSuccessors(t *testing.T) {
	p := pool.New(1)
	defer p.Shutdown()
	g := New(p)

	a := g.Create(nil)
	b := g.Create(nil)
	c := g.Create(nil)
	b.StartAfter([]*Task{a}, false)
	c.StartAfter([]*Task{a}, false)

	succ := g.Successors(a)
	if len(succ) != 2 {
		t.Fatalf("len(Successors(a)) = %d, want 2", len(succ))
	}
}

func TestCancelStopsUndispatchedTasks(t *testing.T) {
	p := pool.New(1)
	defer p.Shutdown()
	g := New(p)

	g.Cancel()
	if !g.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel()")
	}

	a := g.Create(func() (interface{}, error) { return "ran", nil })
	done := make(chan struct{})
	a.AddCallback(func(*Task) { close(done) })
	a.Start()
	<-done

	if a.State() != Failed {
		t.Fatalf("a.State() = %v, want Failed", a.State())
	}
}
