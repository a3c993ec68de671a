package engine

import (
	"context"
	log "log/slog"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/service"
)

// AddService provisions a new service end to end: the registry row, the
// per-service content tables, the null and admin accounts. The returned
// access key is the admin credential and is shown exactly once.
func (e *Engine) AddService(ctx context.Context, s service.Service) (*service.Service, hydrus.AccessKey, error) {
	if len(s.Key) == 0 {
		s.Key = hydrus.NewKey()
	}
	type result struct {
		svc *service.Service
		key hydrus.AccessKey
	}
	v, err := e.ser.Write(ctx, "add service", func(tx *db.Tx) (any, error) {
		now := hydrus.NowUnix()
		svc, err := e.registry.Insert(tx, s)
		if err != nil {
			return nil, err
		}
		if svc.IsRepository() {
			if err := repository.CreateServiceTables(tx, svc.ID); err != nil {
				return nil, err
			}
			if err := repository.InitServiceSync(tx, svc.ID, now); err != nil {
				return nil, err
			}
		}
		adminKey, err := account.ProvisionService(tx, svc.ID, now)
		if err != nil {
			return nil, err
		}
		return result{svc: svc, key: adminKey}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(result)
	if r.svc.IsRepository() && e.sched != nil {
		e.addSyncJob(r.svc)
	}
	log.Info("service added", "name", r.svc.Name, "type", r.svc.Type, "port", r.svc.Port)
	return r.svc, r.key, nil
}

// RepositoryIDs lists every repository service id, for orphan scans.
func (e *Engine) RepositoryIDs() []int64 {
	repos := e.registry.Repositories()
	ids := make([]int64, 0, len(repos))
	for _, svc := range repos {
		ids = append(ids, svc.ID)
	}
	return ids
}

// LockOn freezes the database for an external backup: takes the maintenance
// flag, commits everything pending and disconnects. Busy when maintenance
// already holds the flag.
func (e *Engine) LockOn() error {
	if !e.busy.TryAcquire() {
		return hydrus.Errorf(hydrus.Busy, "another maintenance operation is running")
	}
	e.ser.ForceCommit()
	e.ser.PauseAndDisconnect(true)
	log.Info("database locked")
	return nil
}

// LockOff reconnects after a backup and releases the maintenance flag.
func (e *Engine) LockOff() error {
	if !e.busy.IsBusy() {
		return hydrus.Errorf(hydrus.BadRequest, "the database is not locked")
	}
	e.ser.PauseAndDisconnect(false)
	e.busy.Release()
	log.Info("database unlocked")
	return nil
}

// Vacuum rebuilds the database files. Runs under the maintenance flag with
// the serializer paused; requests fail busy while it works.
func (e *Engine) Vacuum(ctx context.Context) error {
	if !e.busy.TryAcquire() {
		return hydrus.Errorf(hydrus.Busy, "another maintenance operation is running")
	}
	defer e.busy.Release()

	e.ser.ForceCommit()
	conn := e.database.Conn()
	for _, schema := range []string{"main", db.SchemaMappings, db.SchemaMaster, db.SchemaCaches} {
		if _, err := conn.ExecContext(ctx, "VACUUM "+schema); err != nil {
			return hydrus.Error{Code: hydrus.Internal, Err: err}
		}
		log.Info("vacuumed", "schema", schema)
	}
	return nil
}

// RegenerateServiceInfo rebuilds a service's cached counters from the
// authoritative tables.
func (e *Engine) RegenerateServiceInfo(ctx context.Context, svc *service.Service) error {
	if !e.busy.TryAcquire() {
		return hydrus.Errorf(hydrus.Busy, "another maintenance operation is running")
	}
	defer e.busy.Release()
	_, err := e.ser.Write(ctx, "regenerate service info", func(tx *db.Tx) (any, error) {
		return nil, repository.RegenerateServiceInfo(tx, svc.ID)
	})
	return err
}

// DeleteAllAccountContent strips everything one account submitted to a
// service, re-running bounded passes until done.
func (e *Engine) DeleteAllAccountContent(ctx context.Context, svc *service.Service, accountID int64) error {
	allIDs := e.RepositoryIDs()
	for {
		v, err := e.ser.Write(ctx, "delete all account content", func(tx *db.Tx) (any, error) {
			return repository.DeleteAllAccountContent(tx, svc, accountID, allIDs, hydrus.NowUnix())
		})
		if err != nil {
			return err
		}
		if v.(bool) {
			return nil
		}
	}
}
