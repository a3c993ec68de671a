// Package scheduler provides the engine's periodic-job machinery: a pair of
// schedulers (fast for sub-second periods, slow for everything else) over a
// min-heap of due times, a bounded worker pool with idle reaping, a typed
// pubsub registry, and the process-wide busy flag heavy maintenance holds.
package scheduler

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MaxPoolWorkers bounds the call-to-thread pool.
const MaxPoolWorkers = 200

// WorkerIdleReap is how long an idle worker lingers before exiting.
const WorkerIdleReap = 60 * time.Second

// Pool is a bounded pool of reusable workers. Submitted tasks run on an idle
// worker when one exists; otherwise a new worker is started, up to the cap.
// Named quotas carve sub-limits out of the pool ("misc" defaults to 10).
type Pool struct {
	mu      sync.Mutex
	tasks   chan func()
	workers int
	max     int
	quotas  map[string]chan struct{}
	eg      *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPool builds a pool bounded at max workers (MaxPoolWorkers when max <= 0)
// with the default "misc" quota of 10 slots.
func NewPool(ctx context.Context, max int) *Pool {
	if max <= 0 {
		max = MaxPoolWorkers
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		tasks:  make(chan func()),
		max:    max,
		quotas: map[string]chan struct{}{"misc": make(chan struct{}, 10)},
		eg:     eg,
		ctx:    ctx,
		cancel: cancel,
	}
	return p
}

// SetQuota registers or resizes a named thread-slot quota.
func (p *Pool) SetQuota(name string, slots int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotas[name] = make(chan struct{}, slots)
}

// Submit runs task on the pool. It blocks only while the pool is saturated
// at its cap.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
		// An idle worker picked it up.
		return
	default:
	}

	p.mu.Lock()
	if p.workers < p.max {
		p.workers++
		p.eg.Go(p.workerLoop)
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
	case <-p.ctx.Done():
	}
}

// SubmitQuota runs task under the named quota, blocking while the quota is
// exhausted. Unknown quota names fall back to the bare pool.
func (p *Pool) SubmitQuota(name string, task func()) {
	p.mu.Lock()
	slots, ok := p.quotas[name]
	p.mu.Unlock()
	if !ok {
		p.Submit(task)
		return
	}
	select {
	case slots <- struct{}{}:
	case <-p.ctx.Done():
		return
	}
	p.Submit(func() {
		defer func() { <-slots }()
		task()
	})
}

func (p *Pool) workerLoop() error {
	idle := time.NewTimer(WorkerIdleReap)
	defer idle.Stop()
	for {
		select {
		case task := <-p.tasks:
			p.runTask(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(WorkerIdleReap)
		case <-idle.C:
			// Reap this idle worker.
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return nil
		case <-p.ctx.Done():
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return nil
		}
	}
}

func (p *Pool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("pool task panicked", "panic", r)
		}
	}()
	task()
}

// Shutdown stops accepting work and releases the workers.
func (p *Pool) Shutdown() {
	p.cancel()
	_ = p.eg.Wait()
}

// NumWorkers reports the live worker count, for tests.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}
