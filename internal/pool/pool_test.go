package pool

import (
	"sync/atomic"
	"testing"
)

func TestSubmitRunsAllWork(t *testing.T) {
	p := New(4)
	var n int32
	const jobs = 200
	done := make(chan struct{}, jobs)
	for i := 0; i < jobs; i++ {
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			done <- struct{}{}
		})
	}
	for i := 0; i < jobs; i++ {
		<-done
	}
	if got := atomic.LoadInt32(&n); got != jobs {
		t.Fatalf("n = %d, want %d", got, jobs)
	}
	p.Shutdown()
}

func TestSubmitFromWorkerIsLegal(t *testing.T) {
	p := New(2)
	done := make(chan struct{})
	p.Submit(func() {
		p.Submit(func() {
			close(done)
		})
	})
	<-done
	p.Shutdown()
}

func TestSubmitAfterShutdownRunsInline(t *testing.T) {
	p := New(1)
	p.Shutdown()
	ran := false
	p.Submit(func() { ran = true })
	if !ran {
		t.Fatal("Submit after Shutdown did not run inline")
	}
}

func TestNewClampsNonPositive(t *testing.T) {
	p := New(0)
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	<-done
	p.Shutdown()
}
