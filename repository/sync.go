package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// InitServiceSync anchors a freshly provisioned service's update timeline.
// The first bundle window opens at the anchor.
func InitServiceSync(tx *db.Tx, serviceID, now int64) error {
	_, err := tx.Exec(
		"INSERT OR IGNORE INTO service_sync (service_id, sync_anchor, next_nullification_index) VALUES (?, ?, 0)",
		serviceID, now)
	return err
}

// SyncAnchor returns the service's timeline anchor.
func SyncAnchor(tx *db.Tx, serviceID int64) (int64, error) {
	var anchor int64
	err := tx.QueryRow("SELECT sync_anchor FROM service_sync WHERE service_id = ?", serviceID).Scan(&anchor)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d has no sync anchor", serviceID)
	}
	return anchor, err
}

// LastUpdateWindow returns the newest published window, or ok=false when no
// bundle has been cut yet.
func LastUpdateWindow(tx *db.Tx, serviceID int64) (index, begin, end int64, ok bool, err error) {
	err = tx.QueryRow(
		fmt.Sprintf("SELECT update_index, begin, end FROM %s ORDER BY update_index DESC LIMIT 1", tbl("update_indices", serviceID))).
		Scan(&index, &begin, &end)
	if err == sql.ErrNoRows {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, err
	}
	return index, begin, end, true, nil
}

// NextNullificationIndex reads the nullifier's cursor for a service.
func NextNullificationIndex(tx *db.Tx, serviceID int64) (int64, error) {
	var idx int64
	err := tx.QueryRow(
		"SELECT next_nullification_index FROM service_sync WHERE service_id = ?", serviceID).Scan(&idx)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d has no sync row", serviceID)
	}
	return idx, err
}

// AdvanceNullificationIndex moves the nullifier's cursor past a processed
// update.
func AdvanceNullificationIndex(tx *db.Tx, serviceID, processedIndex int64) error {
	_, err := tx.Exec(
		"UPDATE service_sync SET next_nullification_index = ? WHERE service_id = ? AND next_nullification_index = ?",
		processedIndex+1, serviceID, processedIndex)
	return err
}
