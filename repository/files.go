package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/service"
)

// AddFile commits an uploaded file's row to the service. The blob itself is
// already in the blob store; this is the logical half. Idempotent for files
// already current.
func AddFile(tx *db.Tx, svc *service.Service, acct *account.Account, meta hydrus.FileMetadata, overwriteDeleted bool, ip string, now int64) error {
	isModerator := acct.CheckPermission(hydrus.ContentFiles, hydrus.PermissionModerate, now) == nil

	if svc.Options.MaxStorage > 0 && !isModerator {
		total, err := GetServiceInfo(tx, svc.ID, TotalFileSize)
		if err != nil {
			return err
		}
		if uint64(total)+meta.Size > svc.Options.MaxStorage {
			return hydrus.Errorf(hydrus.Conflict, "service is full: %d of %d bytes used", total, svc.Options.MaxStorage)
		}
	}

	masterHashID, err := masterHashIDWithInfo(tx, meta)
	if err != nil {
		return err
	}
	serviceHashID, err := GetServiceHashID(tx, svc.ID, masterHashID, now)
	if err != nil {
		return err
	}

	var exists int
	err = tx.QueryRow(
		fmt.Sprintf("SELECT 1 FROM %s WHERE service_hash_id = ?", tbl("current_files", svc.ID)),
		serviceHashID).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	err = tx.QueryRow(
		fmt.Sprintf("SELECT 1 FROM %s WHERE service_hash_id = ?", tbl("deleted_files", svc.ID)),
		serviceHashID).Scan(&exists)
	if err == nil {
		if !overwriteDeleted {
			return hydrus.Errorf(hydrus.Conflict, "file %s was deleted from this service", meta.Hash)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE service_hash_id = ?", tbl("deleted_files", svc.ID)),
			serviceHashID); err != nil {
			return err
		}
		if err := UpdateServiceInfo(tx, svc.ID, NumDeletedFiles, -1); err != nil {
			return err
		}
	} else if err != sql.ErrNoRows {
		return err
	}

	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (service_hash_id, account_id, file_timestamp) VALUES (?, ?, ?)", tbl("current_files", svc.ID)),
		serviceHashID, acct.ID, now); err != nil {
		return err
	}
	if err := UpdateServiceInfo(tx, svc.ID, NumFiles, 1); err != nil {
		return err
	}
	if err := UpdateServiceInfo(tx, svc.ID, TotalFileSize, int64(meta.Size)); err != nil {
		return err
	}

	// An upload supersedes anyone's pending row for this hash.
	if err := clearPendingFiles(tx, svc.ID, masterHashID); err != nil {
		return err
	}

	// Re-adding a file rescues it from deferred physical deletion.
	for _, table := range []string{"deferred_physical_file_deletes", "deferred_physical_thumbnail_deletes"} {
		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE master_hash_id = ?", table), masterHashID); err != nil {
			return err
		}
	}

	if svc.Options.LogUploaderIPs && ip != "" {
		if _, err := tx.Exec(`
			INSERT INTO ip_addresses (service_id, master_hash_id, ip, ip_timestamp) VALUES (?, ?, ?, ?)
			ON CONFLICT (service_id, master_hash_id) DO NOTHING`,
			svc.ID, masterHashID, ip, now); err != nil {
			return err
		}
	}
	return nil
}

// masterHashIDWithInfo mints the master id and records the files_info row on
// first sighting.
func masterHashIDWithInfo(tx *db.Tx, meta hydrus.FileMetadata) (int64, error) {
	masterHashID, err := master.GetHashID(tx, meta.Hash)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(`
		INSERT INTO files_info (master_hash_id, size, mime, width, height, duration, num_frames, num_words)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (master_hash_id) DO NOTHING`,
		masterHashID, meta.Size, meta.Mime, meta.Width, meta.Height, meta.Duration, meta.NumFrames, meta.NumWords)
	return masterHashID, err
}

func clearPendingFiles(tx *db.Tx, serviceID, masterHashID int64) error {
	res, err := tx.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE master_hash_id = ?", tbl("pending_files", serviceID)),
		masterHashID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentFiles, hydrus.StatusPending, -n)
}

// DeleteFiles moves current rows to deleted, rewards petitioners, sweeps
// petitioned rows and enqueues newly orphaned blobs for physical deletion.
// allServiceIDs is every repository service, for the orphan reference scan.
func DeleteFiles(tx *db.Tx, svc *service.Service, serviceHashIDs []int64, allServiceIDs []int64, now int64) error {
	var masterIDs []int64
	for _, shid := range serviceHashIDs {
		var accountID, ts int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT account_id, file_timestamp FROM %s WHERE service_hash_id = ?", tbl("current_files", svc.ID)),
			shid).Scan(&accountID, &ts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}

		if err := rewardPetitioners(tx, svc.ID, tbl("petitioned_files", svc.ID), "service_hash_id = ?", 1, shid); err != nil {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE service_hash_id = ?", tbl("current_files", svc.ID)), shid); err != nil {
			return err
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR REPLACE INTO %s (service_hash_id, account_id, file_timestamp) VALUES (?, ?, ?)", tbl("deleted_files", svc.ID)),
			shid, accountID, now); err != nil {
			return err
		}
		if err := dropPetitionedRows(tx, svc.ID, hydrus.ContentFiles, tbl("petitioned_files", svc.ID), "service_hash_id = ?", shid); err != nil {
			return err
		}

		masterID, err := MasterHashID(tx, svc.ID, shid)
		if err != nil {
			return err
		}
		masterIDs = append(masterIDs, masterID)

		var size int64
		if err := tx.QueryRow("SELECT size FROM files_info WHERE master_hash_id = ?", masterID).Scan(&size); err != nil && err != sql.ErrNoRows {
			return err
		}
		if err := UpdateServiceInfo(tx, svc.ID, NumFiles, -1); err != nil {
			return err
		}
		if err := UpdateServiceInfo(tx, svc.ID, NumDeletedFiles, 1); err != nil {
			return err
		}
		if err := UpdateServiceInfo(tx, svc.ID, TotalFileSize, -size); err != nil {
			return err
		}
	}
	return EnqueueOrphans(tx, masterIDs, allServiceIDs, 0, now)
}

// PendFiles records a client's wish that the named hashes be added. The
// actual bytes arrive separately via upload.
func PendFiles(tx *db.Tx, serviceID, accountID int64, hashes []hydrus.Hash, reason string, now int64) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, h := range hashes {
		masterID, err := master.GetHashID(tx, h)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (master_hash_id, account_id, reason_id) VALUES (?, ?, ?)", tbl("pending_files", serviceID)),
			masterID, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentFiles, hydrus.StatusPending, added)
}

// PetitionFiles records removal requests for current files. A petition
// without a matching current row is dropped silently.
func PetitionFiles(tx *db.Tx, serviceID, accountID int64, hashes []hydrus.Hash, reason string, now int64) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, h := range hashes {
		masterID, err := master.GetHashID(tx, h)
		if err != nil {
			return err
		}
		shid, err := LookupServiceHashID(tx, serviceID, masterID)
		if err != nil {
			if hydrus.IsCode(err, hydrus.NotFound) {
				continue
			}
			return err
		}
		var exists int
		err = tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE service_hash_id = ?", tbl("current_files", serviceID)), shid).Scan(&exists)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (service_hash_id, account_id, reason_id) VALUES (?, ?, ?)", tbl("petitioned_files", serviceID)),
			shid, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentFiles, hydrus.StatusPetitioned, added)
}

// DenyFilePetition drops a petitioner's rows without touching content and
// scores the petitioner down.
func DenyFilePetition(tx *db.Tx, serviceID, accountID, reasonID int64, status hydrus.ContentStatus) error {
	table := tbl("petitioned_files", serviceID)
	if status == hydrus.StatusPending {
		table = tbl("pending_files", serviceID)
	}
	res, err := tx.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE account_id = ? AND reason_id = ?", table),
		accountID, reasonID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if err := AdjustAccountScore(tx, serviceID, accountID, -n); err != nil {
		return err
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentFiles, status, -n)
}
