// ABOUTME: Bounded worker pool that runs each inbound event as its own task
// ABOUTME: Recovers task panics so one bad event never takes down the process

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Defaults used when config leaves the pool unsized
const (
	DefaultWorkers   = 16
	DefaultQueueSize = 256
)

// Task is a unit of work. The context is cancelled when the pool shuts down
// without waiting.
type Task func(ctx context.Context)

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	QueueSize int    `json:"queue_size"`
	Completed uint64 `json:"completed"`
	Panics    uint64 `json:"panics"`
	Rejected  uint64 `json:"rejected"`
}

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context // handed to tasks
	cancel  context.CancelFunc
	stop    context.Context // releases blocked submitters
	halt    context.CancelFunc
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	completed atomic.Uint64
	panics    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool. Non-positive sizes get the defaults.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	stop, halt := context.WithCancel(context.Background())

	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
		halt:    halt,
		logger:  logger.With("component", "dispatch"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panic recovered", "worker_id", id, "panic", r)
		}
		p.completed.Add(1)
	}()
	task(p.ctx)
}

// Submit queues task, blocking while the queue is full. It returns false
// once the pool is shutting down or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
	case <-p.stop.Done():
	}
	p.rejected.Add(1)
	return false
}

// TrySubmit queues task without blocking and reports whether it was accepted.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks see their context cancelled and the error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.halt()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool shutdown completed", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		QueueSize: cap(p.tasks),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}
