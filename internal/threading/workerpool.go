package threading

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/future"
	"github.com/roach88/enginecore/internal/lane"
)

// PoolStats is a point-in-time view of a worker pool.
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"active"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

// WorkerPool runs fire-and-forget tasks on a fixed set of goroutines sharing
// one unbounded queue. There is no ordering guarantee between tasks.
type WorkerPool struct {
	name    string
	workers int
	logger  *slog.Logger
	onError func(error)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	shutdown bool
	started  bool

	wg         conc.WaitGroup
	terminated chan struct{}

	ids sync.Map // goroutine id -> struct{}

	active    atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewWorkerPool creates a pool of max(1, workers) goroutines. onError receives
// task panics; nil logs them.
func NewWorkerPool(name string, workers int, onError func(error), logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		name:       name,
		workers:    workers,
		logger:     logger,
		onError:    onError,
		terminated: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Go(p.work)
	}
	go func() {
		p.wg.Wait()
		close(p.terminated)
	}()
}

func (p *WorkerPool) work() {
	id := goroutineID()
	p.ids.Store(id, struct{}{})
	defer p.ids.Delete(id)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)

	r := fault.Catch(task)
	if r == nil {
		p.completed.Add(1)
		return
	}
	p.failed.Add(1)
	err := fault.FromPanic(fault.CodeTaskFailed, lane.Worker, "worker task panicked in pool "+p.name, r)
	if p.onError != nil {
		if r := fault.Catch(func() { p.onError(err) }); r == nil {
			return
		}
	}
	p.logger.Error("worker task failed", "pool", p.name, "error", err)
}

// Submit queues task. Returns false once the pool is shut down.
func (p *WorkerPool) Submit(task func()) bool {
	if task == nil {
		return true
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.cond.Signal()
	return true
}

// Shutdown stops accepting tasks. Queued tasks still run.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// AwaitTermination waits for all workers to exit after Shutdown.
// Returns a timeout fault if they do not finish within timeout.
func (p *WorkerPool) AwaitTermination(timeout time.Duration) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-p.terminated:
		return nil
	case <-time.After(timeout):
		return fault.New(fault.CodeTimeout, lane.Worker,
			fmt.Sprintf("pool %s did not terminate within %s", p.name, timeout))
	}
}

// Owns reports whether the calling goroutine is one of this pool's workers.
func (p *WorkerPool) Owns() bool {
	_, ok := p.ids.Load(goroutineID())
	return ok
}

// Stats returns the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	queued := len(p.queue)
	running := p.started && !p.shutdown
	p.mu.Unlock()

	return PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		Queued:    queued,
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Running:   running,
	}
}

// SubmitFuture runs fn on pool and exposes its result as a future. A panic in
// fn fails the future. If the pool rejects the task the future fails with a
// rejected fault.
func SubmitFuture[T any](p *WorkerPool, fn func() (T, error)) *future.Future[T] {
	f := future.New[T]()
	ok := p.Submit(func() {
		var (
			v   T
			err error
		)
		if r := fault.Catch(func() { v, err = fn() }); r != nil {
			f.Fail(fault.FromPanic(fault.CodeTaskFailed, lane.Worker, "worker future panicked", r))
			return
		}
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	})
	if !ok {
		f.Fail(fault.New(fault.CodeRejected, lane.Worker, "pool "+p.name+" is shut down"))
	}
	return f
}
