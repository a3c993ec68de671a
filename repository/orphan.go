package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
)

// EnqueueOrphans checks each master hash against every service and queues the
// ones nothing references anymore for physical deletion. ignoreServiceID
// excludes a service mid-teardown from the reference scan; pass zero to scan
// everything.
func EnqueueOrphans(tx *db.Tx, masterHashIDs, allServiceIDs []int64, ignoreServiceID, now int64) error {
	for _, mhid := range masterHashIDs {
		referenced, err := hashReferenced(tx, mhid, allServiceIDs, ignoreServiceID)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		for _, table := range []string{"deferred_physical_file_deletes", "deferred_physical_thumbnail_deletes"} {
			if _, err := tx.Exec(
				fmt.Sprintf("INSERT OR IGNORE INTO %s (master_hash_id, queued_at) VALUES (?, ?)", table),
				mhid, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// hashReferenced reports whether any service still serves the blob, either as
// a current file or inside a published update bundle.
func hashReferenced(tx *db.Tx, masterHashID int64, allServiceIDs []int64, ignoreServiceID int64) (bool, error) {
	for _, sid := range allServiceIDs {
		if sid == ignoreServiceID {
			continue
		}
		var exists int
		err := tx.QueryRow(fmt.Sprintf(`
			SELECT 1 FROM %s cf
			JOIN %s shi ON shi.service_hash_id = cf.service_hash_id
			WHERE shi.master_hash_id = ?`,
			tbl("current_files", sid), tbl("service_hash_ids", sid)),
			masterHashID).Scan(&exists)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, err
		}

		err = tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE master_hash_id = ?", tbl("updates", sid)),
			masterHashID).Scan(&exists)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, err
		}
	}
	return false, nil
}

// NextDeferredDelete pops up to one hash from each physical delete queue.
func NextDeferredDelete(tx *db.Tx) (file, thumbnail hydrus.Hash, ok bool, err error) {
	pop := func(table string) (hydrus.Hash, error) {
		var mhid int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT master_hash_id FROM %s ORDER BY queued_at LIMIT 1", table)).Scan(&mhid)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return master.GetHash(tx, mhid)
	}
	if file, err = pop("deferred_physical_file_deletes"); err != nil {
		return nil, nil, false, err
	}
	if thumbnail, err = pop("deferred_physical_thumbnail_deletes"); err != nil {
		return nil, nil, false, err
	}
	return file, thumbnail, file != nil || thumbnail != nil, nil
}

// ClearDeferredDelete removes processed queue rows.
func ClearDeferredDelete(tx *db.Tx, file, thumbnail hydrus.Hash) error {
	clear := func(table string, h hydrus.Hash) error {
		if h == nil {
			return nil
		}
		mhid, err := master.LookupHashID(tx, h)
		if err != nil {
			if hydrus.IsCode(err, hydrus.NotFound) {
				return nil
			}
			return err
		}
		_, err = tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE master_hash_id = ?", table), mhid)
		return err
	}
	if err := clear("deferred_physical_file_deletes", file); err != nil {
		return err
	}
	return clear("deferred_physical_thumbnail_deletes", thumbnail)
}
