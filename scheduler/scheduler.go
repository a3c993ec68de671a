package scheduler

import (
	"container/heap"
	"context"
	log "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of scheduled work. Period zero means one-shot. A job with a
// quota name runs under that pool quota.
type Job struct {
	id           uuid.UUID
	name         string
	fn           func(ctx context.Context)
	period       time.Duration
	quota        string
	delayOnWake  bool
	mu           sync.Mutex
	due          time.Time
	cancelled    bool
	sched        *Scheduler
	heapIndex    int
}

// ID returns the job's identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// Cancel flags the job; the scheduler drops it at the next sweep.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.sched.wake()
}

// Wake makes the job due immediately.
func (j *Job) Wake() {
	j.sched.reschedule(j, time.Now())
}

// Delay pushes the job's next run out by d from now.
func (j *Job) Delay(d time.Duration) {
	j.sched.reschedule(j, time.Now().Add(d))
}

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *jobHeap) Push(x any)         { j := x.(*Job); j.heapIndex = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}

// Scheduler is a single goroutine over a min-heap of (due, job), dispatching
// due jobs onto the pool. Two instances run per engine: fast (loop granularity
// capped at 100ms) and slow (1s).
type Scheduler struct {
	name        string
	pool        *Pool
	granularity time.Duration

	mu     sync.Mutex
	jobs   jobHeap
	wakeCh chan struct{}

	// set for the grace window after a host resume, for delay-on-wake jobs
	resumeGraceUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler; granularity caps how long the loop sleeps
// when nothing is due.
func NewScheduler(name string, pool *Pool, granularity time.Duration) *Scheduler {
	return &Scheduler{
		name:        name,
		pool:        pool,
		granularity: granularity,
		wakeCh:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// AddJob schedules fn after initialDelay, repeating every period when period
// is nonzero. Options: quota names a pool quota, delayOnWake pauses the job
// during the post-resume grace window.
func (s *Scheduler) AddJob(name string, initialDelay, period time.Duration, fn func(ctx context.Context)) *Job {
	return s.AddJobWithOptions(name, initialDelay, period, "", false, fn)
}

// AddJobWithOptions is AddJob with the quota and delay-on-wake knobs exposed.
func (s *Scheduler) AddJobWithOptions(name string, initialDelay, period time.Duration, quota string, delayOnWake bool, fn func(ctx context.Context)) *Job {
	j := &Job{
		id:          uuid.New(),
		name:        name,
		fn:          fn,
		period:      period,
		quota:       quota,
		delayOnWake: delayOnWake,
		due:         time.Now().Add(initialDelay),
		sched:       s,
	}
	s.mu.Lock()
	heap.Push(&s.jobs, j)
	s.mu.Unlock()
	s.wake()
	return j
}

func (s *Scheduler) reschedule(j *Job, due time.Time) {
	s.mu.Lock()
	j.mu.Lock()
	if !j.cancelled {
		j.due = due
		if j.heapIndex >= 0 {
			heap.Fix(&s.jobs, j.heapIndex)
		} else {
			heap.Push(&s.jobs, j)
		}
	}
	j.mu.Unlock()
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// NotifyResume starts a grace window during which delay-on-wake jobs hold off.
func (s *Scheduler) NotifyResume(grace time.Duration) {
	s.mu.Lock()
	s.resumeGraceUntil = time.Now().Add(grace)
	s.mu.Unlock()
	s.wake()
}

// Start runs the scheduling loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()
}

// Stop halts the loop. Already-dispatched jobs finish on the pool.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		sleep := s.dispatchDue()
		if sleep > s.granularity {
			sleep = s.granularity
		}
		timer := time.NewTimer(sleep)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue fires every due job and returns how long until the next one.
func (s *Scheduler) dispatchDue() time.Duration {
	now := time.Now()

	s.mu.Lock()
	grace := s.resumeGraceUntil
	var ready []*Job
	for s.jobs.Len() > 0 {
		next := s.jobs[0]
		next.mu.Lock()
		if next.cancelled {
			next.mu.Unlock()
			heap.Pop(&s.jobs)
			continue
		}
		if next.due.After(now) {
			next.mu.Unlock()
			break
		}
		if next.delayOnWake && now.Before(grace) {
			next.due = grace
			next.mu.Unlock()
			heap.Fix(&s.jobs, 0)
			continue
		}
		if next.period > 0 {
			next.due = now.Add(next.period)
			next.mu.Unlock()
			heap.Fix(&s.jobs, 0)
		} else {
			next.mu.Unlock()
			heap.Pop(&s.jobs)
		}
		ready = append(ready, next)
	}
	var until time.Duration = time.Hour
	if s.jobs.Len() > 0 {
		until = time.Until(s.jobs[0].due)
		if until < 0 {
			until = 0
		}
	}
	s.mu.Unlock()

	for _, j := range ready {
		job := j
		run := func() {
			log.Debug("scheduler job running", "scheduler", s.name, "job", job.name)
			job.fn(s.ctx)
		}
		if job.quota != "" {
			s.pool.SubmitQuota(job.quota, run)
		} else {
			s.pool.Submit(run)
		}
	}
	return until
}
