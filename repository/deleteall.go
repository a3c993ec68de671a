package repository

import (
	"fmt"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/service"
)

// Deleting everything one account ever submitted can touch millions of rows,
// so it runs in 500-row batches inside one serializer job until the time
// budget lapses. The caller re-invokes until fullyDone.
const (
	deleteAllBatch      = 500
	deleteAllTimeBudget = 20 * time.Second
)

// DeleteAllAccountContent removes one account's contributions to a service:
// its current files, mappings and tag pairs move to deleted, and its open
// pends and petitions are dropped. Returns fullyDone=false when the time
// budget ran out with rows remaining.
func DeleteAllAccountContent(tx *db.Tx, svc *service.Service, accountID int64, allServiceIDs []int64, now int64) (bool, error) {
	deadline := hydrus.Now().Add(deleteAllTimeBudget)
	outOfTime := func() bool { return hydrus.Now().After(deadline) }

	// Current files, batch by batch until none remain or time runs out.
	for {
		shids, err := selectIDs(tx,
			fmt.Sprintf("SELECT service_hash_id FROM %s WHERE account_id = ? LIMIT ?", tbl("current_files", svc.ID)),
			accountID, deleteAllBatch+1)
		if err != nil {
			return false, err
		}
		more := len(shids) > deleteAllBatch
		if more {
			shids = shids[:deleteAllBatch]
		}
		if len(shids) > 0 {
			if err := DeleteFiles(tx, svc, shids, allServiceIDs, now); err != nil {
				return false, err
			}
		}
		if !more {
			break
		}
		if outOfTime() {
			return false, nil
		}
	}

	// Current mappings, grouped per tag so the delete primitive's shape holds.
	for {
		rows, err := tx.Query(
			fmt.Sprintf("SELECT service_tag_id, service_hash_id FROM %s WHERE account_id = ? LIMIT ?", mapTbl("current_mappings", svc.ID)),
			accountID, deleteAllBatch+1)
		if err != nil {
			return false, err
		}
		byTag := map[int64][]int64{}
		count := 0
		for rows.Next() {
			var tagID, hashID int64
			if err := rows.Scan(&tagID, &hashID); err != nil {
				rows.Close()
				return false, err
			}
			if count < deleteAllBatch {
				byTag[tagID] = append(byTag[tagID], hashID)
			}
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()
		for tagID, hashIDs := range byTag {
			if err := DeleteMappings(tx, svc.ID, tagID, hashIDs, now); err != nil {
				return false, err
			}
		}
		if count <= deleteAllBatch {
			break
		}
		if outOfTime() {
			return false, nil
		}
	}

	// Current tag pairs.
	for _, spec := range []struct {
		table  string
		colA   string
		colB   string
		delete func(*db.Tx, int64, []IDPair, int64) error
	}{
		{tbl("current_tag_parents", svc.ID), "child_service_tag_id", "parent_service_tag_id", DeleteTagParents},
		{tbl("current_tag_siblings", svc.ID), "bad_service_tag_id", "good_service_tag_id", DeleteTagSiblings},
	} {
		for {
			pairs, morePairs, err := selectPairs(tx,
				fmt.Sprintf("SELECT %s, %s FROM %s WHERE account_id = ? LIMIT ?", spec.colA, spec.colB, spec.table),
				accountID, deleteAllBatch)
			if err != nil {
				return false, err
			}
			if len(pairs) > 0 {
				if err := spec.delete(tx, svc.ID, pairs, now); err != nil {
					return false, err
				}
			}
			if !morePairs {
				break
			}
			if outOfTime() {
				return false, nil
			}
		}
	}

	// The account's own open pends and petitions go outright.
	for _, spec := range []struct {
		table  string
		ct     hydrus.ContentType
		status hydrus.ContentStatus
	}{
		{tbl("pending_files", svc.ID), hydrus.ContentFiles, hydrus.StatusPending},
		{tbl("petitioned_files", svc.ID), hydrus.ContentFiles, hydrus.StatusPetitioned},
		{mapTbl("pending_mappings", svc.ID), hydrus.ContentMappings, hydrus.StatusPending},
		{mapTbl("petitioned_mappings", svc.ID), hydrus.ContentMappings, hydrus.StatusPetitioned},
		{tbl("pending_tag_parents", svc.ID), hydrus.ContentTagParents, hydrus.StatusPending},
		{tbl("petitioned_tag_parents", svc.ID), hydrus.ContentTagParents, hydrus.StatusPetitioned},
		{tbl("pending_tag_siblings", svc.ID), hydrus.ContentTagSiblings, hydrus.StatusPending},
		{tbl("petitioned_tag_siblings", svc.ID), hydrus.ContentTagSiblings, hydrus.StatusPetitioned},
	} {
		res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE account_id = ?", spec.table), accountID)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if err := adjustPetitionCount(tx, svc.ID, spec.ct, spec.status, -n); err != nil {
			return false, err
		}
	}
	return true, nil
}

func selectIDs(tx *db.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func selectPairs(tx *db.Tx, query string, accountID int64, limit int) ([]IDPair, bool, error) {
	rows, err := tx.Query(query, accountID, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var out []IDPair
	for rows.Next() {
		var p IDPair
		if err := rows.Scan(&p.A, &p.B); err != nil {
			return nil, false, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}
