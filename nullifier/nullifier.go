// Package nullifier ages attribution out of the content tables. Once an
// update window is older than the service's nullification period, every row
// inside it has its account_id rewritten to the service's null account, so
// reads can no longer reveal who added or removed what.
package nullifier

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/scheduler"
	"github.com/nedfreetoplay/hydrus/service"
)

const (
	// One cycle processes at most an hour's worth of updates, then yields to
	// the scheduler until the next cycle.
	cycleBudget = time.Hour
	// Each update is followed by a pause of min(its work duration, this cap),
	// so nullification never saturates the serializer but a backlog of cheap
	// windows still drains quickly.
	maxInterUpdateSleep = 120 * time.Second
)

// Nullifier drives the rewrite through the serializer.
type Nullifier struct {
	ser  *db.Serializer
	busy *scheduler.BusyFlag
}

// New wires the nullifier to the serializer and the shared maintenance busy
// flag.
func New(ser *db.Serializer, busy *scheduler.BusyFlag) *Nullifier {
	return &Nullifier{ser: ser, busy: busy}
}

// Run processes one service's due updates until the cycle budget runs out or
// the cursor catches up. Skips entirely when maintenance holds the busy flag.
func (n *Nullifier) Run(ctx context.Context, svc *service.Service) error {
	if !n.busy.TryAcquire() {
		return nil
	}
	defer n.busy.Release()

	deadline := hydrus.Now().Add(cycleBudget)
	var pause time.Duration
	for hydrus.Now().Before(deadline) {
		if pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}

		started := hydrus.Now()
		v, err := n.ser.Write(ctx, fmt.Sprintf("nullify service %d", svc.ID), func(tx *db.Tx) (any, error) {
			return nullifyNext(tx, svc)
		})
		if err != nil {
			return err
		}
		if !v.(bool) {
			return nil
		}
		pause = hydrus.Now().Sub(started)
		if pause > maxInterUpdateSleep {
			pause = maxInterUpdateSleep
		}
	}
	return nil
}

// nullifyNext rewrites the update at the service's cursor if it has aged out.
// Returns false when the cursor is caught up or the next update is too young.
func nullifyNext(tx *db.Tx, svc *service.Service) (bool, error) {
	index, err := repository.NextNullificationIndex(tx, svc.ID)
	if err != nil {
		return false, err
	}
	var begin, end int64
	err = tx.QueryRow(
		fmt.Sprintf("SELECT begin, end FROM update_indices_%d WHERE update_index = ?", svc.ID),
		index).Scan(&begin, &end)
	if err != nil {
		// No such update yet: caught up.
		return false, nil
	}
	if end+int64(svc.Options.NullificationPeriod()/time.Second) > hydrus.NowUnix() {
		return false, nil
	}

	nullAccountID, err := account.GetNullAccountID(tx, svc.ID)
	if err != nil {
		return false, err
	}

	// An empty window still advances the cursor; there is nothing to hide
	// but the timeline must keep moving.
	rewritten, err := nullifyWindow(tx, svc.ID, nullAccountID, begin, end)
	if err != nil {
		return false, err
	}
	if err := repository.AdvanceNullificationIndex(tx, svc.ID, index); err != nil {
		return false, err
	}
	log.Info("update nullified", "service", svc.Name, "index", index, "rows", rewritten)
	return true, nil
}

// nullifyWindow rewrites attribution on every content row stamped inside
// [begin, end].
func nullifyWindow(tx *db.Tx, serviceID, nullAccountID, begin, end int64) (int64, error) {
	targets := []struct {
		table string
		tsCol string
	}{
		{fmt.Sprintf("current_files_%d", serviceID), "file_timestamp"},
		{fmt.Sprintf("deleted_files_%d", serviceID), "file_timestamp"},
		{fmt.Sprintf("%s.current_mappings_%d", db.SchemaMappings, serviceID), "mapping_timestamp"},
		{fmt.Sprintf("%s.deleted_mappings_%d", db.SchemaMappings, serviceID), "mapping_timestamp"},
		{fmt.Sprintf("current_tag_parents_%d", serviceID), "parent_timestamp"},
		{fmt.Sprintf("deleted_tag_parents_%d", serviceID), "parent_timestamp"},
		{fmt.Sprintf("current_tag_siblings_%d", serviceID), "sibling_timestamp"},
		{fmt.Sprintf("deleted_tag_siblings_%d", serviceID), "sibling_timestamp"},
	}
	var total int64
	for _, t := range targets {
		res, err := tx.Exec(
			fmt.Sprintf("UPDATE %s SET account_id = ? WHERE %s BETWEEN ? AND ? AND account_id != ?", t.table, t.tsCol),
			nullAccountID, begin, end, nullAccountID)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
