// Package engine assembles the server: database and serializer, blob store,
// service registry, session manager, bundler, nullifier and the maintenance
// scheduler, with pubsub wiring between them. The REST layer and the CLI sit
// on top of one Engine.
package engine

import (
	"context"
	"fmt"
	log "log/slog"
	"path/filepath"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/blobstore"
	"github.com/nedfreetoplay/hydrus/bundler"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/nullifier"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/scheduler"
	"github.com/nedfreetoplay/hydrus/service"
	"github.com/nedfreetoplay/hydrus/session"
)

// Config carries the handful of knobs the CLI exposes.
type Config struct {
	// DBDir holds the database files; blobs live in DBDir/server_files.
	DBDir string
	// Redis, when set, mirrors sessions into a shared cache.
	Redis *session.RedisOptions
	// MaxWorkers caps the background pool; zero means the default.
	MaxWorkers int
}

// Engine is the assembled server.
type Engine struct {
	cfg Config

	database *db.Database
	ser      *db.Serializer
	store    *blobstore.Store
	registry *service.Registry
	sessions *session.Manager

	pool   *scheduler.Pool
	sched  *scheduler.Scheduler
	pubsub *scheduler.PubSub
	busy   scheduler.BusyFlag

	bundles   *bundler.Bundler
	nullifier *nullifier.Nullifier
	deferred  *blobstore.DeferredDeleter
	usage     *usageTrackers

	syncJobs map[int64]*scheduler.Job

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds an unstarted engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: service.NewRegistry(),
		syncJobs: map[int64]*scheduler.Job{},
		stopped:  make(chan struct{}),
	}
}

// Start opens every layer and schedules the background work. The returned
// error is fatal; a started engine runs until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	database, err := db.Open(ctx, e.cfg.DBDir)
	if err != nil {
		return err
	}
	e.database = database

	conn := database.Conn()
	if err := master.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := service.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := account.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := session.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := repository.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := createUsageTables(ctx, conn); err != nil {
		return err
	}

	maxWorkers := e.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 200
	}
	e.pool = scheduler.NewPool(ctx, maxWorkers)
	e.pubsub = scheduler.NewPubSub(e.pool, 1024)
	e.ser = db.NewSerializer(database, e.pubsub, 0)
	e.ser.Start()

	store, err := blobstore.NewStore(ctx, filepath.Join(e.cfg.DBDir, "server_files"), nil)
	if err != nil {
		return err
	}
	e.store = store

	var l2 session.L2Cache
	if e.cfg.Redis != nil {
		l2 = session.NewRedisCache(*e.cfg.Redis)
	}
	e.sessions = session.NewManager(session.DefaultTTL, l2)

	e.bundles = bundler.New(e.ser, e.store, &e.busy)
	e.nullifier = nullifier.New(e.ser, &e.busy)
	e.deferred = blobstore.NewDeferredDeleter(e.store, &serializerDeleteQueue{ser: e.ser})
	e.usage = newUsageTrackers()

	if _, err := e.ser.Write(ctx, "boot load", func(tx *db.Tx) (any, error) {
		if err := e.registry.Load(tx); err != nil {
			return nil, err
		}
		if err := e.sessions.Load(tx, hydrus.NowUnix()); err != nil {
			return nil, err
		}
		return nil, e.usage.load(tx)
	}); err != nil {
		return err
	}

	e.subscribe()
	e.schedule(ctx)
	log.Info("engine started", "db_dir", e.cfg.DBDir, "services", len(e.registry.List()))
	return nil
}

// subscribe wires cross-component notifications. Account mutations publish
// after commit; the session layer refreshes its cached copies here.
func (e *Engine) subscribe() {
	e.pubsub.Subscribe(account.TopicRefreshAccounts, func(args ...any) {
		if len(args) != 2 {
			return
		}
		serviceID, ok := args[0].(int64)
		if !ok {
			return
		}
		keyHex, ok := args[1].(string)
		if !ok {
			return
		}
		key, err := hydrus.KeyFromHex(keyHex)
		if err != nil {
			return
		}
		e.ser.WriteAsync("refresh accounts", func(tx *db.Tx) (any, error) {
			return nil, e.sessions.RefreshAccounts(tx, serviceID, []hydrus.Key{key})
		})
	})
	e.pubsub.Subscribe(account.TopicRefreshAllAccounts, func(args ...any) {
		if len(args) != 1 {
			return
		}
		serviceID, ok := args[0].(int64)
		if !ok {
			return
		}
		e.ser.WriteAsync("refresh all accounts", func(tx *db.Tx) (any, error) {
			return nil, e.sessions.RefreshAll(tx, serviceID)
		})
	})
}

// schedule installs the recurring maintenance jobs and a sync job per
// repository service.
func (e *Engine) schedule(ctx context.Context) {
	e.sched = scheduler.NewScheduler("maintenance", e.pool, time.Second)
	e.sched.Start(ctx)

	e.sched.AddJob("drop expired sessions", time.Minute, time.Hour, func(ctx context.Context) {
		e.ser.WriteAsync("drop expired sessions", func(tx *db.Tx) (any, error) {
			return nil, e.sessions.DropExpired(tx, hydrus.NowUnix())
		})
	})
	e.sched.AddJob("persist dirty services", 5*time.Minute, 5*time.Minute, func(ctx context.Context) {
		e.ser.WriteAsync("persist dirty services", func(tx *db.Tx) (any, error) {
			return nil, e.registry.PersistDirty(tx)
		})
	})
	e.sched.AddJob("persist bandwidth", 5*time.Minute, 5*time.Minute, func(ctx context.Context) {
		e.ser.WriteAsync("persist bandwidth", func(tx *db.Tx) (any, error) {
			return nil, e.usage.persist(tx)
		})
	})
	e.sched.AddJobWithOptions("deferred physical deletes", 30*time.Second, 10*time.Second, "misc", true, func(ctx context.Context) {
		for {
			did, err := e.deferred.Tick(ctx)
			if err != nil {
				log.Warn("deferred delete failed", "err", err)
				return
			}
			if !did {
				return
			}
		}
	})
	e.sched.AddJob("nullify", 10*time.Minute, time.Hour, func(ctx context.Context) {
		for _, svc := range e.registry.Repositories() {
			if err := e.nullifier.Run(ctx, svc); err != nil {
				log.Warn("nullification cycle failed", "service", svc.Name, "err", err)
			}
		}
	})

	for _, svc := range e.registry.Repositories() {
		e.addSyncJob(svc)
	}
}

// addSyncJob schedules bundle cutting for one repository service. The job
// reschedules itself to the next due instant after each run.
func (e *Engine) addSyncJob(svc *service.Service) {
	name := fmt.Sprintf("sync %s", svc.Name)
	job := e.sched.AddJobWithOptions(name, 10*time.Second, time.Minute, "misc", true, func(ctx context.Context) {
		if _, err := e.bundles.Sync(ctx, svc); err != nil && !hydrus.IsCode(err, hydrus.ShuttingDown) {
			log.Warn("sync failed", "service", svc.Name, "err", err)
		}
	})
	e.syncJobs[svc.ID] = job
}

// Shutdown tears the engine down in dependency order: stop scheduling new
// work, drain the pools, drain and close the serializer, then the database.
func (e *Engine) Shutdown() {
	select {
	case <-e.stopped:
		return
	default:
	}
	log.Info("engine stopping")
	if e.sched != nil {
		e.sched.Stop()
	}
	if e.pubsub != nil {
		e.pubsub.Shutdown()
	}
	if e.ser != nil {
		e.ser.WriteAsync("final bandwidth persist", func(tx *db.Tx) (any, error) {
			return nil, e.usage.persist(tx)
		})
		e.ser.Shutdown()
	}
	if e.pool != nil {
		e.pool.Shutdown()
	}
	if e.database != nil {
		if err := e.database.Close(); err != nil {
			log.Warn("database close failed", "err", err)
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	close(e.stopped)
	log.Info("engine stopped")
}

// Done is closed once Shutdown completes.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// Registry exposes the service registry to the REST layer.
func (e *Engine) Registry() *service.Registry { return e.registry }

// Serializer exposes the database write path to the REST layer.
func (e *Engine) Serializer() *db.Serializer { return e.ser }

// Sessions exposes the session manager to the REST layer.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Store exposes the blob store to the REST layer.
func (e *Engine) Store() *blobstore.Store { return e.store }

// serializerDeleteQueue adapts the repository's deferred-delete tables to the
// blob store's queue interface, one serializer job per call.
type serializerDeleteQueue struct {
	ser *db.Serializer
}

func (q *serializerDeleteQueue) NextDeferredDelete(ctx context.Context) (hydrus.Hash, hydrus.Hash, bool, error) {
	type pair struct {
		file, thumb hydrus.Hash
		ok          bool
	}
	v, err := q.ser.Read(ctx, "next deferred delete", func(tx *db.Tx) (any, error) {
		file, thumb, ok, err := repository.NextDeferredDelete(tx)
		return pair{file: file, thumb: thumb, ok: ok}, err
	})
	if err != nil {
		return nil, nil, false, err
	}
	p := v.(pair)
	return p.file, p.thumb, p.ok, nil
}

func (q *serializerDeleteQueue) ClearDeferredDelete(ctx context.Context, file, thumbnail hydrus.Hash) error {
	_, err := q.ser.Write(ctx, "clear deferred delete", func(tx *db.Tx) (any, error) {
		return nil, repository.ClearDeferredDelete(tx, file, thumbnail)
	})
	return err
}
