package service

import (
	"context"
	"database/sql"
	log "log/slog"
	"sync"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// CreateTables bootstraps the services schema.
func CreateTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS services (
			service_id INTEGER PRIMARY KEY,
			service_key BLOB NOT NULL UNIQUE,
			service_type INTEGER NOT NULL,
			name TEXT NOT NULL,
			port INTEGER NOT NULL,
			options TEXT NOT NULL DEFAULT ''
		);`)
	return err
}

// Registry is the in-memory view of the services table. Mutations happen on
// the serializer thread; readers elsewhere get snapshot copies.
type Registry struct {
	mu       sync.RWMutex
	byID     map[int64]*Service
	byKey    map[string]*Service
	dirtyIDs map[int64]bool
}

// NewRegistry returns an empty registry; call Load before use.
func NewRegistry() *Registry {
	return &Registry{
		byID:     map[int64]*Service{},
		byKey:    map[string]*Service{},
		dirtyIDs: map[int64]bool{},
	}
}

// Load reads every service row into memory. Run at boot and after rollback
// recovery (refresh_services).
func (r *Registry) Load(tx *db.Tx) error {
	rows, err := tx.Query("SELECT service_id, service_key, service_type, name, port, options FROM services")
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := map[int64]*Service{}
	byKey := map[string]*Service{}
	for rows.Next() {
		var (
			s       Service
			key     []byte
			stype   int
			options string
		)
		if err := rows.Scan(&s.ID, &key, &stype, &s.Name, &s.Port, &options); err != nil {
			return err
		}
		s.Key = hydrus.Key(key)
		s.Type = hydrus.ServiceType(stype)
		if s.Options, err = DecodeOptions(options); err != nil {
			return err
		}
		svc := s
		byID[s.ID] = &svc
		byKey[s.Key.String()] = &svc
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.byID = byID
	r.byKey = byKey
	r.dirtyIDs = map[int64]bool{}
	r.mu.Unlock()
	log.Info("services loaded", "count", len(byID))
	return nil
}

// Insert persists a new service row and registers it.
func (r *Registry) Insert(tx *db.Tx, s Service) (*Service, error) {
	options, err := s.EncodeOptions()
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(
		"INSERT INTO services (service_key, service_type, name, port, options) VALUES (?, ?, ?, ?, ?)",
		[]byte(s.Key), int(s.Type), s.Name, s.Port, options)
	if err != nil {
		return nil, err
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	svc := s
	r.mu.Lock()
	r.byID[s.ID] = &svc
	r.byKey[s.Key.String()] = &svc
	r.mu.Unlock()
	return &svc, nil
}

// GetByKey resolves a service key, or not_found.
func (r *Registry) GetByKey(key hydrus.Key) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byKey[key.String()]; ok {
		return s, nil
	}
	return nil, hydrus.Errorf(hydrus.NotFound, "no service with key %s", key)
}

// GetByID resolves a service id, or not_found.
func (r *Registry) GetByID(id int64) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[id]; ok {
		return s, nil
	}
	return nil, hydrus.Errorf(hydrus.NotFound, "no service with id %d", id)
}

// List snapshots all services.
func (r *Registry) List() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Repositories snapshots the repository services.
func (r *Registry) Repositories() []*Service {
	var out []*Service
	for _, s := range r.List() {
		if s.IsRepository() {
			out = append(out, s)
		}
	}
	return out
}

// Replace swaps in an updated record and marks it dirty for the next
// persistence sweep.
func (r *Registry) Replace(s Service) {
	svc := s
	r.mu.Lock()
	r.byID[s.ID] = &svc
	r.byKey[s.Key.String()] = &svc
	r.dirtyIDs[s.ID] = true
	r.mu.Unlock()
}

// PersistDirty writes every dirty record back to its row. The serializer
// runs this periodically.
func (r *Registry) PersistDirty(tx *db.Tx) error {
	r.mu.Lock()
	dirty := make([]*Service, 0, len(r.dirtyIDs))
	for id := range r.dirtyIDs {
		if s, ok := r.byID[id]; ok {
			dirty = append(dirty, s)
		}
	}
	r.mu.Unlock()

	for _, s := range dirty {
		options, err := s.EncodeOptions()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"UPDATE services SET name = ?, port = ?, options = ? WHERE service_id = ?",
			s.Name, s.Port, options, s.ID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	for _, s := range dirty {
		delete(r.dirtyIDs, s.ID)
	}
	r.mu.Unlock()
	return nil
}
