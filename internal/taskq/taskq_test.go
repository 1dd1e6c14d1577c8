package taskq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_RunsJobAndClosesHandle(t *testing.T) {
	p := NewPool(2, 4)
	defer p.Close()

	var ran atomic.Bool
	h := p.Submit("job", func(ctx context.Context) {
		ran.Store(true)
	})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle never closed")
	}
	if !ran.Load() {
		t.Fatalf("job did not run")
	}
}

func TestSubmit_PanicIsRecoveredAndHandleCloses(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	h := p.Submit("boom", func(ctx context.Context) {
		panic("kaboom")
	})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("panicking job never closed its handle")
	}

	// The worker survives the panic and keeps serving jobs.
	h2 := p.Submit("after", func(ctx context.Context) {})
	select {
	case <-h2.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
}

func TestSubmit_OverflowStillRuns(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	// Occupy the single worker and fill the single queue slot.
	block := make(chan struct{})
	p.Submit("blocker", func(ctx context.Context) { <-block })
	p.Submit("queued", func(ctx context.Context) {})

	// Queue is full now; this one must spill to its own goroutine rather
	// than being dropped.
	var ran atomic.Bool
	h := p.Submit("overflow", func(ctx context.Context) { ran.Store(true) })

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("overflow job never ran")
	}
	if !ran.Load() {
		t.Fatalf("overflow job did not execute")
	}
	close(block)
}

func TestClose_WaitsForInFlightJobs(t *testing.T) {
	p := NewPool(2, 4)

	var done atomic.Int32
	for i := 0; i < 4; i++ {
		p.Submit("work", func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
		})
	}

	p.Close()
	if got := done.Load(); got != 4 {
		t.Fatalf("Close returned before jobs finished: %d/4", got)
	}
}

func TestClose_WaitsForOverflowJobs(t *testing.T) {
	p := NewPool(1, 1)

	// Occupy the worker and the queue slot so the next job spills.
	block := make(chan struct{})
	p.Submit("blocker", func(ctx context.Context) { <-block })
	p.Submit("queued", func(ctx context.Context) {})

	var done atomic.Bool
	p.Submit("overflow", func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})

	close(block)
	p.Close()
	if !done.Load() {
		t.Fatalf("Close returned before the spilled job finished")
	}
}

func TestSubmit_AfterCloseStillRuns(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()

	var ran atomic.Bool
	h := p.Submit("late", func(ctx context.Context) { ran.Store(true) })

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("post-close job never ran")
	}
	if !ran.Load() {
		t.Fatalf("post-close job did not execute")
	}
}

func TestNewPool_ClampsInvalidSizes(t *testing.T) {
	p := NewPool(0, -3)
	defer p.Close()

	h := p.Submit("job", func(ctx context.Context) {})
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("clamped pool did not run the job")
	}
}
