package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// Mapping primitives are vectorized on the hash axis: one tag, many hashes.
// That matches both the wire shape and the hot path, where a popular tag
// gains thousands of hashes in one submission.

// CurrentMappingCount returns how many current mappings a tag carries. Used
// to weight petition rewards for tag pair changes.
func CurrentMappingCount(tx *db.Tx, serviceID, serviceTagID int64) (int64, error) {
	var n int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE service_tag_id = ?", mapTbl("current_mappings", serviceID)),
		serviceTagID).Scan(&n)
	return n, err
}

// AddMappings inserts current rows for one tag over many hashes. Rows already
// current are skipped; rows previously deleted are skipped unless
// overwriteDeleted. Pending rows for the touched pairs are superseded.
func AddMappings(tx *db.Tx, serviceID, accountID, serviceTagID int64, serviceHashIDs []int64, overwriteDeleted bool, now int64) error {
	var added int64
	for _, shid := range serviceHashIDs {
		var exists int
		err := tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE service_tag_id = ? AND service_hash_id = ?", mapTbl("current_mappings", serviceID)),
			serviceTagID, shid).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}

		err = tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE service_tag_id = ? AND service_hash_id = ?", mapTbl("deleted_mappings", serviceID)),
			serviceTagID, shid).Scan(&exists)
		if err == nil {
			if !overwriteDeleted {
				continue
			}
			if _, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ?", mapTbl("deleted_mappings", serviceID)),
				serviceTagID, shid); err != nil {
				return err
			}
			if err := UpdateServiceInfo(tx, serviceID, NumDeletedMappings, -1); err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (service_tag_id, service_hash_id, account_id, mapping_timestamp) VALUES (?, ?, ?, ?)", mapTbl("current_mappings", serviceID)),
			serviceTagID, shid, accountID, now); err != nil {
			return err
		}
		added++

		masterTagID, err := MasterTagID(tx, serviceID, serviceTagID)
		if err != nil {
			return err
		}
		masterHashID, err := MasterHashID(tx, serviceID, shid)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE master_tag_id = ? AND master_hash_id = ?", mapTbl("pending_mappings", serviceID)),
			masterTagID, masterHashID)
		if err != nil {
			return err
		}
		cleared, _ := res.RowsAffected()
		if err := adjustPetitionCount(tx, serviceID, hydrus.ContentMappings, hydrus.StatusPending, -cleared); err != nil {
			return err
		}
	}
	return UpdateServiceInfo(tx, serviceID, NumMappings, added)
}

// DeleteMappings moves current rows to deleted for one tag over many hashes,
// rewarding petitioners one point per row they asked for.
func DeleteMappings(tx *db.Tx, serviceID, serviceTagID int64, serviceHashIDs []int64, now int64) error {
	var deleted int64
	for _, shid := range serviceHashIDs {
		var accountID int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT account_id FROM %s WHERE service_tag_id = ? AND service_hash_id = ?", mapTbl("current_mappings", serviceID)),
			serviceTagID, shid).Scan(&accountID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}

		if err := rewardPetitioners(tx, serviceID, mapTbl("petitioned_mappings", serviceID),
			"service_tag_id = ? AND service_hash_id = ?", 1, serviceTagID, shid); err != nil {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ?", mapTbl("current_mappings", serviceID)),
			serviceTagID, shid); err != nil {
			return err
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR REPLACE INTO %s (service_tag_id, service_hash_id, account_id, mapping_timestamp) VALUES (?, ?, ?, ?)", mapTbl("deleted_mappings", serviceID)),
			serviceTagID, shid, accountID, now); err != nil {
			return err
		}
		if err := dropPetitionedRows(tx, serviceID, hydrus.ContentMappings, mapTbl("petitioned_mappings", serviceID),
			"service_tag_id = ? AND service_hash_id = ?", serviceTagID, shid); err != nil {
			return err
		}
		deleted++
	}
	if err := UpdateServiceInfo(tx, serviceID, NumMappings, -deleted); err != nil {
		return err
	}
	return UpdateServiceInfo(tx, serviceID, NumDeletedMappings, deleted)
}

// PendMappings records a petitioner's wish to add mappings. Pending rows key
// on master ids so a pend can name content the service has never seen.
func PendMappings(tx *db.Tx, serviceID, accountID, masterTagID int64, masterHashIDs []int64, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, mhid := range masterHashIDs {
		// Already current means nothing to pend.
		if current, err := mappingIsCurrent(tx, serviceID, masterTagID, mhid); err != nil {
			return err
		} else if current {
			continue
		}
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (master_tag_id, master_hash_id, account_id, reason_id) VALUES (?, ?, ?, ?)", mapTbl("pending_mappings", serviceID)),
			masterTagID, mhid, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentMappings, hydrus.StatusPending, added)
}

func mappingIsCurrent(tx *db.Tx, serviceID, masterTagID, masterHashID int64) (bool, error) {
	var exists int
	err := tx.QueryRow(fmt.Sprintf(`
		SELECT 1 FROM %s cm
		JOIN %s sti ON sti.service_tag_id = cm.service_tag_id
		JOIN %s shi ON shi.service_hash_id = cm.service_hash_id
		WHERE sti.master_tag_id = ? AND shi.master_hash_id = ?`,
		mapTbl("current_mappings", serviceID), tbl("service_tag_ids", serviceID), tbl("service_hash_ids", serviceID)),
		masterTagID, masterHashID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// PetitionMappings records removal requests; rows without a matching current
// mapping are dropped silently.
func PetitionMappings(tx *db.Tx, serviceID, accountID, serviceTagID int64, serviceHashIDs []int64, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	if len(serviceHashIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(serviceHashIDs)), ",")
	args := make([]any, 0, len(serviceHashIDs)+1)
	args = append(args, serviceTagID)
	for _, shid := range serviceHashIDs {
		args = append(args, shid)
	}
	rows, err := tx.Query(
		fmt.Sprintf("SELECT service_hash_id FROM %s WHERE service_tag_id = ? AND service_hash_id IN (%s)",
			mapTbl("current_mappings", serviceID), placeholders), args...)
	if err != nil {
		return err
	}
	var currentIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		currentIDs = append(currentIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	var added int64
	for _, shid := range currentIDs {
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (service_tag_id, service_hash_id, account_id, reason_id) VALUES (?, ?, ?, ?)", mapTbl("petitioned_mappings", serviceID)),
			serviceTagID, shid, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentMappings, hydrus.StatusPetitioned, added)
}

// DenyMappingPetition drops one petitioner's rows for one reason and scores
// the petitioner down by the row count.
func DenyMappingPetition(tx *db.Tx, serviceID, accountID, reasonID int64, status hydrus.ContentStatus) error {
	table := mapTbl("petitioned_mappings", serviceID)
	if status == hydrus.StatusPending {
		table = mapTbl("pending_mappings", serviceID)
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
	return adjustPetitionCount(tx, serviceID, hydrus.ContentMappings, status, -n)
}
