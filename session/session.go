// Package session binds short-lived session keys to accounts. The manager is
// an in-memory cache over the account store, persisted to the sessions table
// so a cold start can rehydrate, with an optional redis mirror for fast warm
// restarts. All mutation happens on the serializer thread; readers get
// account snapshots.
package session

import (
	"context"
	"database/sql"
	log "log/slog"
	"sync"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
)

// DefaultTTL is the default session lifetime.
const DefaultTTL = 24 * time.Hour

// CreateTables bootstraps the sessions schema.
func CreateTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key BLOB PRIMARY KEY,
			service_id INTEGER NOT NULL,
			account_key BLOB NOT NULL,
			expires INTEGER NOT NULL
		);`)
	return err
}

type entry struct {
	account *account.Account
	expires int64
}

// Manager is the per-process session cache.
type Manager struct {
	ttl  time.Duration
	mu   sync.RWMutex
	live map[int64]map[string]*entry // service id → session key hex → entry
	l2   L2Cache
}

// NewManager builds a manager with the given TTL (DefaultTTL when zero) and
// an optional L2 cache (nil for none).
func NewManager(ttl time.Duration, l2 L2Cache) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{ttl: ttl, live: map[int64]map[string]*entry{}, l2: l2}
}

func (m *Manager) bucket(serviceID int64) map[string]*entry {
	b, ok := m.live[serviceID]
	if !ok {
		b = map[string]*entry{}
		m.live[serviceID] = b
	}
	return b
}

// Load rehydrates the cache from the sessions table, dropping rows past
// expiry. Run at boot.
func (m *Manager) Load(tx *db.Tx, now int64) error {
	if _, err := tx.Exec("DELETE FROM sessions WHERE expires <= ?", now); err != nil {
		return err
	}
	rows, err := tx.Query("SELECT session_key, service_id, account_key, expires FROM sessions")
	if err != nil {
		return err
	}
	type stored struct {
		key        hydrus.Key
		serviceID  int64
		accountKey hydrus.Key
		expires    int64
	}
	var all []stored
	for rows.Next() {
		var s stored
		var key, accountKey []byte
		if err := rows.Scan(&key, &s.serviceID, &accountKey, &s.expires); err != nil {
			rows.Close()
			return err
		}
		s.key = hydrus.Key(key)
		s.accountKey = hydrus.Key(accountKey)
		all = append(all, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range all {
		a, err := account.GetAccount(tx, s.serviceID, s.accountKey)
		if err != nil {
			// The account may have gone away underneath a stale session.
			continue
		}
		m.bucket(s.serviceID)[s.key.String()] = &entry{account: a, expires: s.expires}
		count++
	}
	log.Info("sessions rehydrated", "count", count)
	return nil
}

// Begin authenticates an access key and opens a session for its account.
func (m *Manager) Begin(tx *db.Tx, serviceID int64, accessKey hydrus.AccessKey, now int64) (hydrus.Key, int64, error) {
	accountKey, err := account.ResolveAccessKey(tx, serviceID, accessKey, now)
	if err != nil {
		return nil, 0, err
	}
	a, err := account.GetAccount(tx, serviceID, accountKey)
	if err != nil {
		return nil, 0, err
	}
	if a.IsBanned(now) {
		return nil, 0, hydrus.Errorf(hydrus.Unauthorized, "account is banned: %s", a.Ban.Reason)
	}

	sessionKey := hydrus.NewKey()
	expires := now + int64(m.ttl/time.Second)
	if _, err := tx.Exec(
		"INSERT INTO sessions (session_key, service_id, account_key, expires) VALUES (?, ?, ?, ?)",
		[]byte(sessionKey), serviceID, []byte(accountKey), expires); err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	m.bucket(serviceID)[sessionKey.String()] = &entry{account: a, expires: expires}
	m.mu.Unlock()

	if m.l2 != nil {
		m.l2.SetSession(context.Background(), serviceID, sessionKey, accountKey, m.ttl)
	}
	return sessionKey, expires, nil
}

// AccountForSession resolves a session key to its cached account snapshot.
// Expired and unknown sessions are unauthorized.
func (m *Manager) AccountForSession(serviceID int64, sessionKey hydrus.Key, now int64) (*account.Account, error) {
	m.mu.RLock()
	e, ok := m.live[serviceID][sessionKey.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "unknown session")
	}
	if e.expires <= now {
		m.mu.Lock()
		delete(m.live[serviceID], sessionKey.String())
		m.mu.Unlock()
		return nil, hydrus.Errorf(hydrus.Unauthorized, "session expired")
	}
	return e.account, nil
}

// RefreshAccounts re-reads fresh state for the named accounts into every
// session bound to them. Called after any account mutation commits.
func (m *Manager) RefreshAccounts(tx *db.Tx, serviceID int64, accountKeys []hydrus.Key) error {
	fresh := map[string]*account.Account{}
	for _, key := range accountKeys {
		a, err := account.GetAccount(tx, serviceID, key)
		if err != nil {
			return err
		}
		fresh[key.String()] = a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.live[serviceID] {
		if a, ok := fresh[e.account.Key.String()]; ok {
			e.account = a
		}
	}
	return nil
}

// RefreshAll reloads every session of a service, after account-type changes.
func (m *Manager) RefreshAll(tx *db.Tx, serviceID int64) error {
	m.mu.RLock()
	keys := make([]hydrus.Key, 0, len(m.live[serviceID]))
	seen := map[string]bool{}
	for _, e := range m.live[serviceID] {
		k := e.account.Key
		if !seen[k.String()] {
			seen[k.String()] = true
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	return m.RefreshAccounts(tx, serviceID, keys)
}

// DropExpired removes lapsed sessions from memory and the table. The slow
// scheduler runs this.
func (m *Manager) DropExpired(tx *db.Tx, now int64) error {
	if _, err := tx.Exec("DELETE FROM sessions WHERE expires <= ?", now); err != nil {
		return err
	}
	m.mu.Lock()
	for _, bucket := range m.live {
		for k, e := range bucket {
			if e.expires <= now {
				delete(bucket, k)
			}
		}
	}
	m.mu.Unlock()
	return nil
}
