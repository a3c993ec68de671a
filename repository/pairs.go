package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// IDPair is a tag pair in service ids: child/parent for parents, bad/good
// for siblings.
type IDPair struct {
	A int64
	B int64
}

// pairWeight scores a tag pair change by how much content it touches: the
// combined current mapping count of both tags, floored at one so petitions
// for unused tags still score.
func pairWeight(tx *db.Tx, serviceID, tagA, tagB int64) (int64, error) {
	a, err := CurrentMappingCount(tx, serviceID, tagA)
	if err != nil {
		return 0, err
	}
	b, err := CurrentMappingCount(tx, serviceID, tagB)
	if err != nil {
		return 0, err
	}
	if a+b < 1 {
		return 1, nil
	}
	return a + b, nil
}

// AddTagParents inserts current (child, parent) rows. Deleted pairs are
// skipped unless overwriteDeleted; pending rows for the pair are superseded.
func AddTagParents(tx *db.Tx, serviceID, accountID int64, pairs []IDPair, overwriteDeleted bool, now int64) error {
	var added int64
	for _, p := range pairs {
		var exists int
		err := tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("current_tag_parents", serviceID)),
			p.A, p.B).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}

		err = tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("deleted_tag_parents", serviceID)),
			p.A, p.B).Scan(&exists)
		if err == nil {
			if !overwriteDeleted {
				continue
			}
			if _, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("deleted_tag_parents", serviceID)),
				p.A, p.B); err != nil {
				return err
			}
			if err := UpdateServiceInfo(tx, serviceID, NumDeletedTagParents, -1); err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (child_service_tag_id, parent_service_tag_id, account_id, parent_timestamp) VALUES (?, ?, ?, ?)", tbl("current_tag_parents", serviceID)),
			p.A, p.B, accountID, now); err != nil {
			return err
		}
		added++

		childMaster, err := MasterTagID(tx, serviceID, p.A)
		if err != nil {
			return err
		}
		parentMaster, err := MasterTagID(tx, serviceID, p.B)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE child_master_tag_id = ? AND parent_master_tag_id = ?", tbl("pending_tag_parents", serviceID)),
			childMaster, parentMaster)
		if err != nil {
			return err
		}
		cleared, _ := res.RowsAffected()
		if err := adjustPetitionCount(tx, serviceID, hydrus.ContentTagParents, hydrus.StatusPending, -cleared); err != nil {
			return err
		}
	}
	return UpdateServiceInfo(tx, serviceID, NumTagParents, added)
}

// DeleteTagParents moves current pairs to deleted, rewarding petitioners by
// the pair's mapping weight.
func DeleteTagParents(tx *db.Tx, serviceID int64, pairs []IDPair, now int64) error {
	var deleted int64
	for _, p := range pairs {
		var accountID int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT account_id FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("current_tag_parents", serviceID)),
			p.A, p.B).Scan(&accountID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}

		weight, err := pairWeight(tx, serviceID, p.A, p.B)
		if err != nil {
			return err
		}
		if err := rewardPetitioners(tx, serviceID, tbl("petitioned_tag_parents", serviceID),
			"child_service_tag_id = ? AND parent_service_tag_id = ?", weight, p.A, p.B); err != nil {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("current_tag_parents", serviceID)),
			p.A, p.B); err != nil {
			return err
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR REPLACE INTO %s (child_service_tag_id, parent_service_tag_id, account_id, parent_timestamp) VALUES (?, ?, ?, ?)", tbl("deleted_tag_parents", serviceID)),
			p.A, p.B, accountID, now); err != nil {
			return err
		}
		if err := dropPetitionedRows(tx, serviceID, hydrus.ContentTagParents, tbl("petitioned_tag_parents", serviceID),
			"child_service_tag_id = ? AND parent_service_tag_id = ?", p.A, p.B); err != nil {
			return err
		}
		deleted++
	}
	if err := UpdateServiceInfo(tx, serviceID, NumTagParents, -deleted); err != nil {
		return err
	}
	return UpdateServiceInfo(tx, serviceID, NumDeletedTagParents, deleted)
}

// PendTagParents records pending (child, parent) pairs in master ids.
func PendTagParents(tx *db.Tx, serviceID, accountID int64, masterPairs []IDPair, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, p := range masterPairs {
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (child_master_tag_id, parent_master_tag_id, account_id, reason_id) VALUES (?, ?, ?, ?)", tbl("pending_tag_parents", serviceID)),
			p.A, p.B, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentTagParents, hydrus.StatusPending, added)
}

// PetitionTagParents records removal requests for current pairs.
func PetitionTagParents(tx *db.Tx, serviceID, accountID int64, pairs []IDPair, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, p := range pairs {
		var exists int
		err := tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE child_service_tag_id = ? AND parent_service_tag_id = ?", tbl("current_tag_parents", serviceID)),
			p.A, p.B).Scan(&exists)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (child_service_tag_id, parent_service_tag_id, account_id, reason_id) VALUES (?, ?, ?, ?)", tbl("petitioned_tag_parents", serviceID)),
			p.A, p.B, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentTagParents, hydrus.StatusPetitioned, added)
}

// DenyTagParentPetition drops one petitioner's rows for one reason.
func DenyTagParentPetition(tx *db.Tx, serviceID, accountID, reasonID int64, status hydrus.ContentStatus) error {
	table := tbl("petitioned_tag_parents", serviceID)
	if status == hydrus.StatusPending {
		table = tbl("pending_tag_parents", serviceID)
	}
	return denyPairPetition(tx, serviceID, hydrus.ContentTagParents, table, accountID, reasonID, status)
}

// AddTagSiblings inserts current (bad, good) rows. A bad tag holds at most
// one sibling mapping at a time: pointing an already-mapped bad tag at a new
// good tag retires the old row to deleted and installs the new one in the
// same job.
func AddTagSiblings(tx *db.Tx, serviceID, accountID int64, pairs []IDPair, overwriteDeleted bool, now int64) error {
	var added int64
	for _, p := range pairs {
		var existingGood, existingAccount int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT good_service_tag_id, account_id FROM %s WHERE bad_service_tag_id = ?", tbl("current_tag_siblings", serviceID)),
			p.A).Scan(&existingGood, &existingAccount)
		switch {
		case err == nil && existingGood == p.B:
			continue
		case err == nil:
			if _, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE bad_service_tag_id = ?", tbl("current_tag_siblings", serviceID)),
				p.A); err != nil {
				return err
			}
			if _, err := tx.Exec(
				fmt.Sprintf("INSERT OR REPLACE INTO %s (bad_service_tag_id, good_service_tag_id, account_id, sibling_timestamp) VALUES (?, ?, ?, ?)", tbl("deleted_tag_siblings", serviceID)),
				p.A, existingGood, existingAccount, now); err != nil {
				return err
			}
			added--
			if err := UpdateServiceInfo(tx, serviceID, NumDeletedTagSiblings, 1); err != nil {
				return err
			}
		case err != sql.ErrNoRows:
			return err
		}

		var exists int
		err = tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE bad_service_tag_id = ? AND good_service_tag_id = ?", tbl("deleted_tag_siblings", serviceID)),
			p.A, p.B).Scan(&exists)
		if err == nil {
			if !overwriteDeleted {
				continue
			}
			if _, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE bad_service_tag_id = ? AND good_service_tag_id = ?", tbl("deleted_tag_siblings", serviceID)),
				p.A, p.B); err != nil {
				return err
			}
			if err := UpdateServiceInfo(tx, serviceID, NumDeletedTagSiblings, -1); err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (bad_service_tag_id, good_service_tag_id, account_id, sibling_timestamp) VALUES (?, ?, ?, ?)", tbl("current_tag_siblings", serviceID)),
			p.A, p.B, accountID, now); err != nil {
			return err
		}
		added++

		badMaster, err := MasterTagID(tx, serviceID, p.A)
		if err != nil {
			return err
		}
		goodMaster, err := MasterTagID(tx, serviceID, p.B)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE bad_master_tag_id = ? AND good_master_tag_id = ?", tbl("pending_tag_siblings", serviceID)),
			badMaster, goodMaster)
		if err != nil {
			return err
		}
		cleared, _ := res.RowsAffected()
		if err := adjustPetitionCount(tx, serviceID, hydrus.ContentTagSiblings, hydrus.StatusPending, -cleared); err != nil {
			return err
		}
	}
	return UpdateServiceInfo(tx, serviceID, NumTagSiblings, added)
}

// DeleteTagSiblings moves current pairs to deleted. The good tag must match;
// deleting (bad, x) when bad currently maps to y is a no-op.
func DeleteTagSiblings(tx *db.Tx, serviceID int64, pairs []IDPair, now int64) error {
	var deleted int64
	for _, p := range pairs {
		var accountID int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT account_id FROM %s WHERE bad_service_tag_id = ? AND good_service_tag_id = ?", tbl("current_tag_siblings", serviceID)),
			p.A, p.B).Scan(&accountID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}

		weight, err := pairWeight(tx, serviceID, p.A, p.B)
		if err != nil {
			return err
		}
		if err := rewardPetitioners(tx, serviceID, tbl("petitioned_tag_siblings", serviceID),
			"bad_service_tag_id = ? AND good_service_tag_id = ?", weight, p.A, p.B); err != nil {
			return err
		}

		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE bad_service_tag_id = ?", tbl("current_tag_siblings", serviceID)),
			p.A); err != nil {
			return err
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR REPLACE INTO %s (bad_service_tag_id, good_service_tag_id, account_id, sibling_timestamp) VALUES (?, ?, ?, ?)", tbl("deleted_tag_siblings", serviceID)),
			p.A, p.B, accountID, now); err != nil {
			return err
		}
		if err := dropPetitionedRows(tx, serviceID, hydrus.ContentTagSiblings, tbl("petitioned_tag_siblings", serviceID),
			"bad_service_tag_id = ? AND good_service_tag_id = ?", p.A, p.B); err != nil {
			return err
		}
		deleted++
	}
	if err := UpdateServiceInfo(tx, serviceID, NumTagSiblings, -deleted); err != nil {
		return err
	}
	return UpdateServiceInfo(tx, serviceID, NumDeletedTagSiblings, deleted)
}

// PendTagSiblings records pending (bad, good) pairs in master ids.
func PendTagSiblings(tx *db.Tx, serviceID, accountID int64, masterPairs []IDPair, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, p := range masterPairs {
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (bad_master_tag_id, good_master_tag_id, account_id, reason_id) VALUES (?, ?, ?, ?)", tbl("pending_tag_siblings", serviceID)),
			p.A, p.B, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentTagSiblings, hydrus.StatusPending, added)
}

// PetitionTagSiblings records removal requests for current pairs.
func PetitionTagSiblings(tx *db.Tx, serviceID, accountID int64, pairs []IDPair, reason string) error {
	reasonID, err := GetReasonID(tx, reason)
	if err != nil {
		return err
	}
	var added int64
	for _, p := range pairs {
		var exists int
		err := tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM %s WHERE bad_service_tag_id = ? AND good_service_tag_id = ?", tbl("current_tag_siblings", serviceID)),
			p.A, p.B).Scan(&exists)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (bad_service_tag_id, good_service_tag_id, account_id, reason_id) VALUES (?, ?, ?, ?)", tbl("petitioned_tag_siblings", serviceID)),
			p.A, p.B, accountID, reasonID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return adjustPetitionCount(tx, serviceID, hydrus.ContentTagSiblings, hydrus.StatusPetitioned, added)
}

// DenyTagSiblingPetition drops one petitioner's rows for one reason.
func DenyTagSiblingPetition(tx *db.Tx, serviceID, accountID, reasonID int64, status hydrus.ContentStatus) error {
	table := tbl("petitioned_tag_siblings", serviceID)
	if status == hydrus.StatusPending {
		table = tbl("pending_tag_siblings", serviceID)
	}
	return denyPairPetition(tx, serviceID, hydrus.ContentTagSiblings, table, accountID, reasonID, status)
}

func denyPairPetition(tx *db.Tx, serviceID int64, ct hydrus.ContentType, table string, accountID, reasonID int64, status hydrus.ContentStatus) error {
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
	return adjustPetitionCount(tx, serviceID, ct, status, -n)
}
