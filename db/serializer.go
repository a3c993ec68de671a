package db

import (
	"context"
	"database/sql"
	"fmt"
	log "log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/nedfreetoplay/hydrus"
)

// Default cadences for the commit window and the WAL checkpoints.
const (
	DefaultCommitPeriod      = 30 * time.Second
	PassiveCheckpointPeriod  = 5 * time.Minute
	TruncateCheckpointPeriod = 15 * time.Minute
)

// Publisher receives the notifications a job queued with PubAfterCommit,
// delivered only after the enclosing transaction commits.
type Publisher interface {
	Pub(topic string, args ...any)
}

// Tx is the handle a job runs against: the live SQL transaction plus the
// post-commit notification hook.
type Tx struct {
	*sql.Tx
	pending *[]pendingPub
}

type pendingPub struct {
	topic string
	args  []any
}

// PubAfterCommit queues a notification for delivery after commit, so
// subscribers never observe uncommitted state.
func (t *Tx) PubAfterCommit(topic string, args ...any) {
	*t.pending = append(*t.pending, pendingPub{topic: topic, args: args})
}

// JobFn is the body of a serializer job. It must not retain tx.
type JobFn func(tx *Tx) (any, error)

type job struct {
	name   string
	write  bool
	fn     JobFn
	result chan jobResult
	ctx    context.Context
}

type jobResult struct {
	value any
	err   error
}

type controlOp int

const (
	ctlForceCommit controlOp = iota
	ctlPause
	ctlResume
)

type control struct {
	op   controlOp
	done chan struct{}
}

// Serializer is the single-threaded job queue funneled into SQLite. All
// mutations and most reads flow through Write/Read; each job observes a
// consistent snapshot and is atomic via its savepoint.
type Serializer struct {
	db           *Database
	publisher    Publisher
	commitPeriod time.Duration

	jobs     chan *job
	controls chan control
	shutdown atomic.Bool
	done     chan struct{}
}

// NewSerializer wraps the database. publisher may be nil (pubs are dropped).
func NewSerializer(db *Database, publisher Publisher, commitPeriod time.Duration) *Serializer {
	if commitPeriod <= 0 {
		commitPeriod = DefaultCommitPeriod
	}
	return &Serializer{
		db:           db,
		publisher:    publisher,
		commitPeriod: commitPeriod,
		jobs:         make(chan *job, 64),
		controls:     make(chan control),
		done:         make(chan struct{}),
	}
}

// Start launches the serializer goroutine.
func (s *Serializer) Start() {
	go s.loop()
}

// Shutdown drains queued jobs, commits and stops the loop.
func (s *Serializer) Shutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		close(s.jobs)
	}
	<-s.done
}

// Write submits a mutating job and blocks for its result.
func (s *Serializer) Write(ctx context.Context, name string, fn JobFn) (any, error) {
	return s.submit(ctx, name, true, fn)
}

// Read submits a read job and blocks for its result.
func (s *Serializer) Read(ctx context.Context, name string, fn JobFn) (any, error) {
	return s.submit(ctx, name, false, fn)
}

// WriteAsync submits a mutating job without waiting for its result; failures
// are logged.
func (s *Serializer) WriteAsync(name string, fn JobFn) {
	if s.shutdown.Load() {
		return
	}
	j := &job{name: name, write: true, fn: fn, ctx: context.Background()}
	defer func() {
		if recover() != nil {
			// Lost the race with Shutdown closing the channel.
		}
	}()
	s.jobs <- j
}

func (s *Serializer) submit(ctx context.Context, name string, write bool, fn JobFn) (any, error) {
	if s.shutdown.Load() {
		return nil, hydrus.Errorf(hydrus.ShuttingDown, "job %q submitted after shutdown", name)
	}
	j := &job{name: name, write: write, fn: fn, result: make(chan jobResult, 1), ctx: ctx}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceCommit commits the open transaction now. Used by the admin lock
// endpoint before an external snapshot.
func (s *Serializer) ForceCommit() {
	s.sendControl(ctlForceCommit)
}

// PauseAndDisconnect(true) commits and holds all job processing so an outside
// tool can copy the database files; false resumes.
func (s *Serializer) PauseAndDisconnect(pause bool) {
	if pause {
		s.sendControl(ctlPause)
	} else {
		s.sendControl(ctlResume)
	}
}

func (s *Serializer) sendControl(op controlOp) {
	c := control{op: op, done: make(chan struct{})}
	select {
	case s.controls <- c:
		<-c.done
	case <-s.done:
	}
}

func (s *Serializer) loop() {
	defer close(s.done)

	var (
		tx           *sql.Tx
		pubs         []pendingPub
		paused       bool
		lastPassive  = time.Now()
		lastTruncate = time.Now()
	)

	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			log.Error("serializer commit failed", "err", err)
			_ = tx.Rollback()
		} else if s.publisher != nil {
			for _, p := range pubs {
				s.publisher.Pub(p.topic, p.args...)
			}
		}
		pubs = nil
		tx = nil

		now := time.Now()
		if now.Sub(lastTruncate) >= TruncateCheckpointPeriod {
			s.checkpoint("TRUNCATE")
			lastTruncate = now
			lastPassive = now
		} else if now.Sub(lastPassive) >= PassiveCheckpointPeriod {
			s.checkpoint("PASSIVE")
			lastPassive = now
		}
	}

	ticker := time.NewTicker(s.commitPeriod)
	defer ticker.Stop()

	for {
		select {
		case c := <-s.controls:
			switch c.op {
			case ctlForceCommit:
				commit()
			case ctlPause:
				commit()
				paused = true
			case ctlResume:
				paused = false
			}
			close(c.done)

		case <-ticker.C:
			if !paused {
				commit()
			}

		case j, ok := <-s.jobs:
			if !ok {
				commit()
				return
			}
			if paused {
				s.finish(j, nil, hydrus.Errorf(hydrus.Busy, "serializer is paused for snapshot"))
				continue
			}
			if tx == nil {
				var err error
				tx, err = s.db.conn.BeginTx(context.Background(), nil)
				if err != nil {
					s.finish(j, nil, hydrus.Error{Code: hydrus.Internal, Err: err})
					continue
				}
			}
			value, err := s.runJob(tx, &pubs, j)
			s.finish(j, value, err)
		}
	}
}

// runJob executes one job under a savepoint; any error or panic rolls the
// savepoint back so the enclosing transaction stays sound.
func (s *Serializer) runJob(tx *sql.Tx, pubs *[]pendingPub, j *job) (value any, err error) {
	if _, serr := tx.Exec("SAVEPOINT job"); serr != nil {
		return nil, hydrus.Error{Code: hydrus.Internal, Err: serr}
	}
	pendingBefore := len(*pubs)

	defer func() {
		if r := recover(); r != nil {
			log.Error("serializer job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
			err = hydrus.Errorf(hydrus.Internal, "job %q panicked: %v", j.name, r)
		}
		if err != nil {
			*pubs = (*pubs)[:pendingBefore]
			if _, rerr := tx.Exec("ROLLBACK TO SAVEPOINT job"); rerr != nil {
				log.Error("savepoint rollback failed", "job", j.name, "err", rerr)
			}
		}
		if _, rerr := tx.Exec("RELEASE SAVEPOINT job"); rerr != nil {
			log.Error("savepoint release failed", "job", j.name, "err", rerr)
		}
		if err != nil && hydrus.CodeOf(err) == hydrus.Internal {
			// Keep the taxonomy: anything untagged was already wrapped by
			// CodeOf's fallback; make the wrapping explicit for the caller.
			var he hydrus.Error
			if !asHydrus(err, &he) {
				err = hydrus.Error{Code: hydrus.Internal, Err: err}
			}
		}
	}()

	value, err = j.fn(&Tx{Tx: tx, pending: pubs})
	return value, err
}

func asHydrus(err error, out *hydrus.Error) bool {
	for e := err; e != nil; {
		if he, ok := e.(hydrus.Error); ok {
			*out = he
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (s *Serializer) finish(j *job, value any, err error) {
	if j.result != nil {
		j.result <- jobResult{value: value, err: err}
	} else if err != nil {
		log.Error("async serializer job failed", "job", j.name, "err", err)
	}
}

func (s *Serializer) checkpoint(mode string) {
	if _, err := s.db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		log.Warn("wal checkpoint failed", "mode", mode, "err", err)
	}
}
