package concurrency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine"
	"github.com/voxforge/voxd/pkg/registry"
)

// Job is one unit of work submitted to the pool. Done is invoked
// exactly once, from a pool goroutine, with the handler outcome.
type Job struct {
	Method *registry.Method
	Params json.RawMessage
	Done   func(result any, err error)

	EnqueuedAt time.Time

	delivered atomic.Bool
}

// deliver invokes Done at most once. Late outcomes (after a timeout was
// already reported) are dropped.
func (j *Job) deliver(result any, err error) bool {
	if !j.delivered.CompareAndSwap(false, true) {
		return false
	}
	if j.Done != nil {
		j.Done(result, err)
	}
	return true
}

type outcome struct {
	result any
	err    error
}

// WorkerPool executes jobs against the shared engine with a fixed
// number of workers fed by a bounded FIFO queue. There are no
// priorities: jobs run in submission order. A full queue rejects
// immediately rather than blocking the submitter.
type WorkerPool struct {
	engine *engine.Engine
	gate   *EngineGate

	queue      chan *Job
	workers    int
	jobTimeout atomic.Int64 // nanoseconds, 0 = no deadline

	quit     chan struct{}
	wg       sync.WaitGroup
	draining atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	timeouts  atomic.Uint64
	panics    atomic.Uint64
	inflight  atomic.Int64

	// pending counts jobs from enqueue until run returns. Unlike queue
	// depth plus inflight it has no gap around the dequeue, so Drain
	// cannot return while a just-dequeued job is still unaccounted.
	pending atomic.Int64
}

// NewWorkerPool creates a stopped pool. Call Start to spin up workers.
func NewWorkerPool(eng *engine.Engine, gate *EngineGate, cfg core.WorkersConfig) *WorkerPool {
	p := &WorkerPool{
		engine:  eng,
		gate:    gate,
		queue:   make(chan *Job, cfg.QueueCapacity),
		workers: cfg.Count,
		quit:    make(chan struct{}),
	}
	p.jobTimeout.Store(int64(cfg.JobTimeout))
	return p
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("🧊 Worker pool started: %d workers, queue capacity %d", p.workers, cap(p.queue))
}

// SetJobTimeout updates the per-job deadline for subsequently executed
// jobs. Used by the config reload path.
func (p *WorkerPool) SetJobTimeout(d time.Duration) {
	p.jobTimeout.Store(int64(d))
}

// Submit enqueues a job. Returns core.ErrServerBusy when the queue is
// full and core.ErrShuttingDown once draining has begun.
func (p *WorkerPool) Submit(job *Job) error {
	if p.draining.Load() {
		p.rejected.Add(1)
		return core.ErrShuttingDown
	}

	p.pending.Add(1)
	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.pending.Add(-1)
		p.rejected.Add(1)
		return core.ErrServerBusy
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case job := <-p.queue:
			p.run(job)
		}
	}
}

// run executes one job. The handler runs in a child goroutine holding
// the engine gate; if the deadline passes first the job is answered
// with a timeout error and the child is abandoned. The child still
// releases the gate when it eventually returns; its late result is
// dropped.
// The worker slot itself continues with the next job immediately, which
// is what replaces a stuck execution context.
func (p *WorkerPool) run(job *Job) {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	defer p.pending.Add(-1)

	resCh := make(chan outcome, 1)
	go p.execute(job, resCh)

	timeout := time.Duration(p.jobTimeout.Load())
	if timeout <= 0 {
		out := <-resCh
		p.finish(job, out)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resCh:
		p.finish(job, out)
	case <-timer.C:
		p.timeouts.Add(1)
		log.Printf("⚠ Job %s exceeded %v deadline, abandoning execution", job.Method.Name, timeout)
		job.deliver(nil, core.ErrRequestTimeout)
	}
}

// execute runs the handler under the gate, converting panics into an
// internal error so one bad request cannot take the daemon down.
func (p *WorkerPool) execute(job *Job, resCh chan<- outcome) {
	mutation := job.Method.Access == registry.AccessMutation
	if mutation {
		p.gate.LockExclusive()
		defer p.gate.UnlockExclusive()
	} else {
		p.gate.LockShared()
		defer p.gate.UnlockShared()
	}

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Printf("⚠ Handler panic in %s: %v\n%s", job.Method.Name, r, debug.Stack())
			resCh <- outcome{err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	result, err := job.Method.Handler(p.engine, job.Params)
	resCh <- outcome{result: result, err: err}
}

func (p *WorkerPool) finish(job *Job, out outcome) {
	if job.deliver(out.result, out.err) {
		p.completed.Add(1)
	}
}

// Drain stops accepting work and waits for the queue and in-flight
// jobs to finish, bounded by ctx. Returns ctx.Err() when the grace
// period expires with work still running.
func (p *WorkerPool) Drain(ctx context.Context) error {
	p.draining.Store(true)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop terminates the workers. Pending queue entries are answered with
// a shutdown error so no client is left waiting on a dead connection.
func (p *WorkerPool) Stop() {
	close(p.quit)
	p.wg.Wait()

	for {
		select {
		case job := <-p.queue:
			job.deliver(nil, core.ErrShuttingDown)
			p.pending.Add(-1)
		default:
			return
		}
	}
}

// QueueDepth returns the current number of queued jobs.
func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

// Stats returns pool counters.
func (p *WorkerPool) Stats() map[string]any {
	return map[string]any{
		"workers":        p.workers,
		"queue_depth":    len(p.queue),
		"queue_capacity": cap(p.queue),
		"inflight":       p.inflight.Load(),
		"submitted":      p.submitted.Load(),
		"completed":      p.completed.Load(),
		"rejected":       p.rejected.Load(),
		"timeouts":       p.timeouts.Load(),
		"panics":         p.panics.Load(),
		"draining":       p.draining.Load(),
	}
}
