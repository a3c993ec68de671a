package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/nedfreetoplay/hydrus/bandwidth"
	"github.com/nedfreetoplay/hydrus/db"
)

// Server and per-service bandwidth trackers. Account trackers live inside the
// account dump; these cover the whole process and each service, persisted to
// the caches database on a timer and at shutdown.

const globalUsageScope = "global"

func createUsageTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.bandwidth_usage (
			scope TEXT PRIMARY KEY,
			dump TEXT NOT NULL
		);`, db.SchemaCaches))
	return err
}

type usageTrackers struct {
	mu        sync.Mutex
	global    *bandwidth.Tracker
	byService map[int64]*bandwidth.Tracker
}

func newUsageTrackers() *usageTrackers {
	return &usageTrackers{
		global:    bandwidth.NewTracker(),
		byService: map[int64]*bandwidth.Tracker{},
	}
}

// forService returns the service's tracker, creating one on first use.
func (u *usageTrackers) forService(serviceID int64) *bandwidth.Tracker {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.byService[serviceID]
	if !ok {
		t = bandwidth.NewTracker()
		u.byService[serviceID] = t
	}
	return t
}

// ReportRequest counts one request against the global and service trackers.
func (u *usageTrackers) ReportRequest(serviceID int64) {
	u.global.ReportRequestUsed()
	u.forService(serviceID).ReportRequestUsed()
}

// ReportData counts payload bytes against the global and service trackers.
func (u *usageTrackers) ReportData(serviceID int64, n uint64) {
	u.global.ReportDataUsed(n)
	u.forService(serviceID).ReportDataUsed(n)
}

func (u *usageTrackers) load(tx *db.Tx) error {
	rows, err := tx.Query(fmt.Sprintf("SELECT scope, dump FROM %s.bandwidth_usage", db.SchemaCaches))
	if err != nil {
		return err
	}
	defer rows.Close()
	u.mu.Lock()
	defer u.mu.Unlock()
	for rows.Next() {
		var scope, dump string
		if err := rows.Scan(&scope, &dump); err != nil {
			return err
		}
		t := bandwidth.NewTracker()
		if err := json.Unmarshal([]byte(dump), t); err != nil {
			return err
		}
		if scope == globalUsageScope {
			u.global = t
			continue
		}
		serviceID, err := strconv.ParseInt(scope, 10, 64)
		if err != nil {
			continue
		}
		u.byService[serviceID] = t
	}
	return rows.Err()
}

func (u *usageTrackers) persist(tx *db.Tx) error {
	u.mu.Lock()
	snapshot := map[string]*bandwidth.Tracker{globalUsageScope: u.global}
	for id, t := range u.byService {
		snapshot[strconv.FormatInt(id, 10)] = t
	}
	u.mu.Unlock()

	for scope, t := range snapshot {
		dump, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %s.bandwidth_usage (scope, dump) VALUES (?, ?)
			ON CONFLICT (scope) DO UPDATE SET dump = excluded.dump`, db.SchemaCaches),
			scope, string(dump)); err != nil {
			return err
		}
	}
	return nil
}
