// Package taskq provides a small fixed-size worker pool for background
// pipeline work. Jobs are never cancelled once submitted: callers receive a
// Handle they may wait on with their own bound, or discard entirely, while
// the job keeps running and persists its effects.
package taskq

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var taskPanics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_task_panics_total",
		Help: "Background tasks terminated by a recovered panic.",
	},
	[]string{"task"},
)

func init() {
	prometheus.MustRegister(taskPanics)
}

// Handle tracks one submitted job.
type Handle struct {
	done chan struct{}
}

// Done returns a channel closed when the job has finished (or panicked).
func (h *Handle) Done() <-chan struct{} { return h.done }

type job struct {
	name string
	fn   func(ctx context.Context)
	h    *Handle
}

// Pool runs submitted jobs on a fixed number of workers. Jobs receive a
// context derived from the pool's base context, never from the submitting
// request, so a caller timing out does not cancel the work.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup // fixed workers

	mu       sync.Mutex
	closed   bool
	overflow sync.WaitGroup // jobs spilled past the queue
}

// NewPool starts a pool with the given number of workers and queue depth.
// Values < 1 are clamped to 1.
func NewPool(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool{jobs: make(chan job, depth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer close(j.h.done)
	defer func() {
		if rec := recover(); rec != nil {
			taskPanics.WithLabelValues(j.name).Inc()
			log.Error().
				Interface("panic", rec).
				Str("task", j.name).
				Msg("background task panicked")
		}
	}()
	j.fn(context.Background())
}

// Submit enqueues fn and returns its Handle. When the queue is full the job
// spills onto its own goroutine instead of being dropped; webhook work must
// never be lost to backpressure. Submitting to a closed pool also spills:
// the job still runs, it just isn't waited on by Close.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) *Handle {
	h := &Handle{done: make(chan struct{})}
	j := job{name: name, fn: fn, h: h}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go p.run(j)
		return h
	}
	select {
	case p.jobs <- j:
		p.mu.Unlock()
	default:
		p.overflow.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.overflow.Done()
			p.run(j)
		}()
	}
	return h
}

// Close stops accepting jobs and waits for queued and spilled ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.overflow.Wait()
}
