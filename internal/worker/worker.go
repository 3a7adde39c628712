// Package worker provides the bounded pool that runs integration-supplied
// callables (setup, unload, fetch) off the lifecycle goroutines.
//
// Submissions never block: a full queue is reported as ErrQueueFull and
// callers treat it as a transient failure. Every callable runs under a
// context; Do enforces a deadline and returns control to the caller on
// expiry even if the callable has not noticed the cancellation yet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool errors.
var (
	// ErrQueueFull is returned by Submit when the task queue is saturated.
	ErrQueueFull = errors.New("worker: queue full")

	// ErrStopped is returned by Submit after Stop has begun.
	ErrStopped = errors.New("worker: pool stopped")
)

// Default sizing when Options leaves fields zero.
const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Logger is the minimal logging interface the pool needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent task runners.
	Workers int

	// QueueSize bounds the backlog of submitted tasks.
	QueueSize int

	// Logger receives pool lifecycle and panic logs. Optional.
	Logger Logger

	// Registerer receives the pool's Prometheus collectors. Optional.
	Registerer prometheus.Registerer
}

type task struct {
	name string
	run  func(ctx context.Context)
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Submitted  uint64
	Completed  uint64
	Rejected   uint64
	Panicked   uint64
	Busy       int
	QueueDepth int
}

// Pool runs tasks on a fixed set of worker goroutines.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Pool struct {
	logger  Logger
	queue   chan task
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
	busy      atomic.Int64

	tasksTotal    *prometheus.CounterVec
	rejectedTotal prometheus.Counter
}

// New creates a Pool. Call Start before submitting.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  opts.Logger,
		queue:   make(chan task, opts.QueueSize),
		workers: opts.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	factory := promauto.With(opts.Registerer)
	p.tasksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Tasks run by the pool, by outcome.",
	}, []string{"outcome"})
	p.rejectedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "worker",
		Name:      "rejected_total",
		Help:      "Submissions rejected because the queue was full.",
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "worker",
		Name:      "busy",
		Help:      "Workers currently running a task.",
	}, func() float64 { return float64(p.busy.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the queue.",
	}, func() float64 { return float64(len(p.queue)) })

	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.logger.Debug("worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	for t := range p.queue {
		p.busy.Add(1)
		p.runTask(id, t)
		p.busy.Add(-1)
	}
}

// runTask executes one task, containing panics so a broken integration
// cannot take down a worker.
func (p *Pool) runTask(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.tasksTotal.WithLabelValues("panicked").Inc()
			p.logger.Error("task panicked", "task", t.name, "worker", id, "panic", r)
			return
		}
		p.completed.Add(1)
		p.tasksTotal.WithLabelValues("completed").Inc()
	}()
	t.run(p.ctx)
}

// Submit queues fn for execution without blocking.
//
// fn receives the pool's base context, which is cancelled when the pool
// stops. Returns ErrQueueFull when the queue is saturated and ErrStopped
// after Stop has begun.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task{name: name, run: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		p.rejectedTotal.Inc()
		p.logger.Warn("task rejected, queue full", "task", name, "queue_size", cap(p.queue))
		return ErrQueueFull
	}
}

// Do submits fn and waits for its result under a deadline.
//
// The callable receives a context derived from ctx with the given timeout
// and must honor its cancellation. When the deadline passes before fn
// finishes, Do returns context.DeadlineExceeded immediately; the callable
// keeps running in the pool until it observes the cancellation, and its
// late result is discarded.
func (p *Pool) Do(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	tctx, tcancel := context.WithTimeout(ctx, timeout)

	done := make(chan error, 1)
	err := p.Submit(name, func(context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker: task %s panicked: %v", name, r)
			}
		}()
		done <- fn(tctx)
	})
	if err != nil {
		tcancel()
		return err
	}

	select {
	case err := <-done:
		tcancel()
		return err
	case <-tctx.Done():
		tcancel()
		return tctx.Err()
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
		Panicked:   p.panicked.Load(),
		Busy:       int(p.busy.Load()),
		QueueDepth: len(p.queue),
	}
}

// Stop rejects new submissions, cancels task contexts, and waits up to
// timeout for in-flight tasks to drain.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.cancel()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Debug("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker: %d tasks still running after %s", p.busy.Load(), timeout)
	}
}
