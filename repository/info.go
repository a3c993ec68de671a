package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// InfoType selects a service_info counter.
type InfoType int

const (
	NumFiles InfoType = iota
	NumDeletedFiles
	NumMappings
	NumDeletedMappings
	NumTagParents
	NumDeletedTagParents
	NumTagSiblings
	NumDeletedTagSiblings
	TotalFileSize
)

// currentInfo and deletedInfo map a content type to its counters.
func currentInfo(ct hydrus.ContentType) InfoType {
	switch ct {
	case hydrus.ContentFiles:
		return NumFiles
	case hydrus.ContentMappings:
		return NumMappings
	case hydrus.ContentTagParents:
		return NumTagParents
	default:
		return NumTagSiblings
	}
}

func deletedInfo(ct hydrus.ContentType) InfoType {
	switch ct {
	case hydrus.ContentFiles:
		return NumDeletedFiles
	case hydrus.ContentMappings:
		return NumDeletedMappings
	case hydrus.ContentTagParents:
		return NumDeletedTagParents
	default:
		return NumDeletedTagSiblings
	}
}

// UpdateServiceInfo applies a signed delta to one precomputed total.
func UpdateServiceInfo(tx *db.Tx, serviceID int64, infoType InfoType, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO service_info (service_id, info_type, info) VALUES (?, ?, ?)
		ON CONFLICT (service_id, info_type) DO UPDATE SET info = info + ?`,
		serviceID, int(infoType), delta, delta)
	return err
}

// GetServiceInfo reads one total; absent counters are zero.
func GetServiceInfo(tx *db.Tx, serviceID int64, infoType InfoType) (int64, error) {
	var n int64
	err := tx.QueryRow(
		"SELECT info FROM service_info WHERE service_id = ? AND info_type = ?",
		serviceID, int(infoType)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// RegenerateServiceInfo rebuilds every counter for a service by scanning the
// authoritative tables. Exposed as a maintenance RPC; runs under the busy
// flag.
func RegenerateServiceInfo(tx *db.Tx, serviceID int64) error {
	counts := []struct {
		infoType InfoType
		query    string
	}{
		{NumFiles, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("current_files", serviceID))},
		{NumDeletedFiles, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("deleted_files", serviceID))},
		{NumMappings, fmt.Sprintf("SELECT COUNT(*) FROM %s", mapTbl("current_mappings", serviceID))},
		{NumDeletedMappings, fmt.Sprintf("SELECT COUNT(*) FROM %s", mapTbl("deleted_mappings", serviceID))},
		{NumTagParents, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("current_tag_parents", serviceID))},
		{NumDeletedTagParents, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("deleted_tag_parents", serviceID))},
		{NumTagSiblings, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("current_tag_siblings", serviceID))},
		{NumDeletedTagSiblings, fmt.Sprintf("SELECT COUNT(*) FROM %s", tbl("deleted_tag_siblings", serviceID))},
		{TotalFileSize, fmt.Sprintf(`
			SELECT COALESCE(SUM(size), 0) FROM files_info
			WHERE master_hash_id IN (
				SELECT master_hash_id FROM %s WHERE service_hash_id IN (SELECT service_hash_id FROM %s))`,
			tbl("service_hash_ids", serviceID), tbl("current_files", serviceID))},
	}
	for _, c := range counts {
		var n int64
		if err := tx.QueryRow(c.query).Scan(&n); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO service_info (service_id, info_type, info) VALUES (?, ?, ?)
			ON CONFLICT (service_id, info_type) DO UPDATE SET info = ?`,
			serviceID, int(c.infoType), n, n); err != nil {
			return err
		}
	}
	return regeneratePetitionCounts(tx, serviceID)
}

// GetReasonID interns a petition reason.
func GetReasonID(tx *db.Tx, reason string) (int64, error) {
	var id int64
	err := tx.QueryRow("SELECT reason_id FROM reasons WHERE reason = ?", reason).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec("INSERT INTO reasons (reason) VALUES (?)", reason)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetReason resolves an interned reason id.
func GetReason(tx *db.Tx, reasonID int64) (string, error) {
	var reason string
	err := tx.QueryRow("SELECT reason FROM reasons WHERE reason_id = ?", reasonID).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", hydrus.Errorf(hydrus.NotFound, "no reason with id %d", reasonID)
	}
	return reason, err
}

// AdjustAccountScore applies a signed delta to the petitioner score column.
func AdjustAccountScore(tx *db.Tx, serviceID, accountID, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO account_scores (service_id, account_id, score) VALUES (?, ?, ?)
		ON CONFLICT (service_id, account_id) DO UPDATE SET score = score + ?`,
		serviceID, accountID, delta, delta)
	return err
}

// GetAccountScore reads a petitioner score.
func GetAccountScore(tx *db.Tx, serviceID, accountID int64) (int64, error) {
	var n int64
	err := tx.QueryRow(
		"SELECT score FROM account_scores WHERE service_id = ? AND account_id = ?",
		serviceID, accountID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
