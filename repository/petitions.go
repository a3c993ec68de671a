package repository

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/bandwidth"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
	"github.com/nedfreetoplay/hydrus/master"
)

// Caps on a single materialized petition. A petition touching half the
// database would otherwise stall the serializer and flood the moderator.
const (
	petitionMaxRows   = 500_000
	petitionMaxTags   = 10_000
	petitionTimeLimit = 10 * time.Second

	// Summary queries over-fetch so the per-account spread has material to
	// work with.
	summaryFetchFactor = 5
)

// adjustPetitionCount maintains the denormalized (content_type, status) row
// counts that NumPetitions serves without scanning.
func adjustPetitionCount(tx *db.Tx, serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO petition_counts (service_id, content_type, status, num) VALUES (?, ?, ?, ?)
		ON CONFLICT (service_id, content_type, status) DO UPDATE SET num = num + ?`,
		serviceID, int(ct), int(status), delta, delta)
	return err
}

// rewardPetitioners credits every account with a petitioned row matching
// where by weight points. Called just before the content is deleted.
func rewardPetitioners(tx *db.Tx, serviceID int64, table, where string, weight int64, args ...any) error {
	rows, err := tx.Query(
		fmt.Sprintf("SELECT DISTINCT account_id FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return err
	}
	var accountIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		accountIDs = append(accountIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, id := range accountIDs {
		if err := AdjustAccountScore(tx, serviceID, id, weight); err != nil {
			return err
		}
	}
	return nil
}

// dropPetitionedRows removes petitioned rows matching where, keeping the
// petition counts in step. Used when the content they target is deleted.
func dropPetitionedRows(tx *db.Tx, serviceID int64, ct hydrus.ContentType, table, where string, args ...any) error {
	res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return adjustPetitionCount(tx, serviceID, ct, hydrus.StatusPetitioned, -n)
}

// petitionTable maps (content type, status) to its backing table and the
// column counted as one row.
func petitionTable(serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus) (string, error) {
	pending := status == hydrus.StatusPending
	switch ct {
	case hydrus.ContentFiles:
		if pending {
			return tbl("pending_files", serviceID), nil
		}
		return tbl("petitioned_files", serviceID), nil
	case hydrus.ContentMappings:
		if pending {
			return mapTbl("pending_mappings", serviceID), nil
		}
		return mapTbl("petitioned_mappings", serviceID), nil
	case hydrus.ContentTagParents:
		if pending {
			return tbl("pending_tag_parents", serviceID), nil
		}
		return tbl("petitioned_tag_parents", serviceID), nil
	case hydrus.ContentTagSiblings:
		if pending {
			return tbl("pending_tag_siblings", serviceID), nil
		}
		return tbl("petitioned_tag_siblings", serviceID), nil
	}
	return "", hydrus.Errorf(hydrus.BadRequest, "content type %d has no petitions", ct)
}

// NumPetitions reads the denormalized petition counts for a service, one
// entry per (content type, status) with a non-zero count.
func NumPetitions(tx *db.Tx, serviceID int64) ([]hydrus.KeyValuePair[[2]int, int64], error) {
	rows, err := tx.Query(
		"SELECT content_type, status, num FROM petition_counts WHERE service_id = ? AND num > 0 ORDER BY content_type, status",
		serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hydrus.KeyValuePair[[2]int, int64]
	for rows.Next() {
		var ct, status int
		var num int64
		if err := rows.Scan(&ct, &status, &num); err != nil {
			return nil, err
		}
		out = append(out, hydrus.KeyValuePair[[2]int, int64]{Key: [2]int{ct, status}, Value: num})
	}
	return out, rows.Err()
}

// regeneratePetitionCounts rebuilds the denormalized counts from the backing
// tables. Part of the regenerate maintenance RPC.
func regeneratePetitionCounts(tx *db.Tx, serviceID int64) error {
	if _, err := tx.Exec("DELETE FROM petition_counts WHERE service_id = ?", serviceID); err != nil {
		return err
	}
	for _, ct := range hydrus.RepositoryContentTypes {
		for _, status := range []hydrus.ContentStatus{hydrus.StatusPending, hydrus.StatusPetitioned} {
			table, err := petitionTable(serviceID, ct, status)
			if err != nil {
				return err
			}
			var n int64
			if err := tx.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
				return err
			}
			if err := adjustPetitionCount(tx, serviceID, ct, status, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetPetitionsSummary returns up to limit petition headers for one (content
// type, status). It over-fetches distinct (account, reason) pairs and then
// round-robins across accounts, so a bulk submitter cannot crowd everyone
// else off the moderator's list.
func GetPetitionsSummary(tx *db.Tx, serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus, limit int) ([]encoding.PetitionHeader, error) {
	if limit <= 0 {
		limit = 100
	}
	table, err := petitionTable(serviceID, ct, status)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT account_id, reason_id FROM %s p", table)
	// A pending tag-pair petition is not actionable while the same (account,
	// reason) still has an open removal petition: the moderator must resolve
	// the removal first, and resolving it sweeps the pend too.
	if status == hydrus.StatusPending && (ct == hydrus.ContentTagParents || ct == hydrus.ContentTagSiblings) {
		petitioned, err := petitionTable(serviceID, ct, hydrus.StatusPetitioned)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(
			" WHERE NOT EXISTS (SELECT 1 FROM %s q WHERE q.account_id = p.account_id AND q.reason_id = p.reason_id)",
			petitioned)
	}
	query += " ORDER BY account_id LIMIT ?"
	rows, err := tx.Query(query, limit*summaryFetchFactor)
	if err != nil {
		return nil, err
	}
	byAccount := map[int64][]int64{}
	var accountOrder []int64
	for rows.Next() {
		var accountID, reasonID int64
		if err := rows.Scan(&accountID, &reasonID); err != nil {
			rows.Close()
			return nil, err
		}
		if _, seen := byAccount[accountID]; !seen {
			accountOrder = append(accountOrder, accountID)
		}
		byAccount[accountID] = append(byAccount[accountID], reasonID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rand.Shuffle(len(accountOrder), func(i, j int) {
		accountOrder[i], accountOrder[j] = accountOrder[j], accountOrder[i]
	})

	var headers []encoding.PetitionHeader
	for len(headers) < limit {
		progressed := false
		for _, accountID := range accountOrder {
			reasons := byAccount[accountID]
			if len(reasons) == 0 {
				continue
			}
			byAccount[accountID] = reasons[1:]
			progressed = true

			acct, err := account.GetAccountByID(tx, accountID)
			if err != nil {
				return nil, err
			}
			reason, err := GetReason(tx, reasons[0])
			if err != nil {
				return nil, err
			}
			headers = append(headers, encoding.PetitionHeader{
				ContentType: ct,
				Status:      status,
				AccountKey:  acct.Key.String(),
				Reason:      reason,
			})
			if len(headers) == limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return headers, nil
}

// GetPetition materializes the full petition for one (account, reason) pair.
// Output is capped by rows, tags and wall time; a capped petition is marked
// Truncated so the moderator knows approval only covers what they see.
func GetPetition(tx *db.Tx, serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus, accountKey hydrus.Key, reason string) (encoding.Petition, error) {
	var p encoding.Petition

	acct, err := account.GetAccount(tx, serviceID, accountKey)
	if err != nil {
		return p, err
	}
	var reasonID int64
	if err := tx.QueryRow("SELECT reason_id FROM reasons WHERE reason = ?", reason).Scan(&reasonID); err != nil {
		return p, hydrus.Errorf(hydrus.NotFound, "no petition with that reason")
	}

	p.Header = encoding.PetitionHeader{
		ContentType: ct,
		Status:      status,
		AccountKey:  acct.Key.String(),
		Reason:      reason,
	}
	p.Account = encoding.PetitionAccount{
		AccountKey:       acct.Key.String(),
		AccountTypeTitle: acct.Type.Title,
		Created:          acct.Created,
		Expires:          acct.Expires,
	}
	if acct.Bandwidth != nil {
		p.Account.BytesUsedMonth = acct.Bandwidth.GetUsage(bandwidth.Data, bandwidth.WindowMonth)
		p.Account.RequestsMonth = acct.Bandwidth.GetUsage(bandwidth.Requests, bandwidth.WindowMonth)
	}

	action := hydrus.ActionPetition
	if status == hydrus.StatusPending {
		action = hydrus.ActionPend
	}

	var contents []encoding.Content
	var truncated bool
	switch ct {
	case hydrus.ContentFiles:
		contents, truncated, err = petitionFileContents(tx, serviceID, status, acct.ID, reasonID)
	case hydrus.ContentMappings:
		contents, truncated, err = petitionMappingContents(tx, serviceID, status, acct.ID, reasonID)
	case hydrus.ContentTagParents, hydrus.ContentTagSiblings:
		contents, truncated, err = petitionPairContents(tx, serviceID, ct, status, acct.ID, reasonID)
	}
	if err != nil {
		return p, err
	}
	if len(contents) == 0 {
		return p, hydrus.Errorf(hydrus.NotFound, "that petition no longer exists")
	}

	p.Actions = []encoding.PetitionedAction{{Action: action, Contents: contents}}
	p.Truncated = truncated
	return p, nil
}

func petitionFileContents(tx *db.Tx, serviceID int64, status hydrus.ContentStatus, accountID, reasonID int64) ([]encoding.Content, bool, error) {
	table, _ := petitionTable(serviceID, hydrus.ContentFiles, status)
	idCol, toHash := "service_hash_id", HashForServiceHashID
	if status == hydrus.StatusPending {
		idCol = "master_hash_id"
		toHash = func(tx *db.Tx, _ int64, masterID int64) (hydrus.Hash, error) {
			return master.GetHash(tx, masterID)
		}
	}
	rows, err := tx.Query(
		fmt.Sprintf("SELECT %s FROM %s WHERE account_id = ? AND reason_id = ? LIMIT ?", idCol, table),
		accountID, reasonID, petitionMaxRows+1)
	if err != nil {
		return nil, false, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, false, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, false, err
	}
	rows.Close()

	truncated := len(ids) > petitionMaxRows
	if truncated {
		ids = ids[:petitionMaxRows]
	}
	hashes := make([]string, 0, len(ids))
	for _, id := range ids {
		h, err := toHash(tx, serviceID, id)
		if err != nil {
			return nil, false, err
		}
		hashes = append(hashes, h.String())
	}
	if len(hashes) == 0 {
		return nil, false, nil
	}
	return []encoding.Content{{ContentType: hydrus.ContentFiles, Hashes: hashes}}, truncated, nil
}

func petitionMappingContents(tx *db.Tx, serviceID int64, status hydrus.ContentStatus, accountID, reasonID int64) ([]encoding.Content, bool, error) {
	table, _ := petitionTable(serviceID, hydrus.ContentMappings, status)
	tagCol, hashCol := "service_tag_id", "service_hash_id"
	if status == hydrus.StatusPending {
		tagCol, hashCol = "master_tag_id", "master_hash_id"
	}

	// Largest tags first: a moderator clearing the queue wants the bulk
	// submissions on top.
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS n FROM %[2]s
		WHERE account_id = ? AND reason_id = ?
		GROUP BY %[1]s ORDER BY n DESC LIMIT ?`, tagCol, table),
		accountID, reasonID, petitionMaxTags+1)
	if err != nil {
		return nil, false, err
	}
	var tagIDs []int64
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, false, err
		}
		tagIDs = append(tagIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, false, err
	}
	rows.Close()

	truncated := len(tagIDs) > petitionMaxTags
	if truncated {
		tagIDs = tagIDs[:petitionMaxTags]
	}

	deadline := hydrus.Now().Add(petitionTimeLimit)
	var contents []encoding.Content
	totalRows := 0
	for _, tagID := range tagIDs {
		if totalRows >= petitionMaxRows || hydrus.Now().After(deadline) {
			truncated = true
			break
		}
		var tag string
		var err error
		if status == hydrus.StatusPending {
			tag, err = master.GetTag(tx, tagID)
		} else {
			tag, err = TagForServiceTagID(tx, serviceID, tagID)
		}
		if err != nil {
			return nil, false, err
		}

		hashRows, err := tx.Query(
			fmt.Sprintf("SELECT %s FROM %s WHERE account_id = ? AND reason_id = ? AND %s = ? LIMIT ?", hashCol, table, tagCol),
			accountID, reasonID, tagID, petitionMaxRows-totalRows+1)
		if err != nil {
			return nil, false, err
		}
		var hashIDs []int64
		for hashRows.Next() {
			var id int64
			if err := hashRows.Scan(&id); err != nil {
				hashRows.Close()
				return nil, false, err
			}
			hashIDs = append(hashIDs, id)
		}
		if err := hashRows.Err(); err != nil {
			hashRows.Close()
			return nil, false, err
		}
		hashRows.Close()

		if totalRows+len(hashIDs) > petitionMaxRows {
			hashIDs = hashIDs[:petitionMaxRows-totalRows]
			truncated = true
		}
		hashes := make([]string, 0, len(hashIDs))
		for _, id := range hashIDs {
			var h hydrus.Hash
			if status == hydrus.StatusPending {
				h, err = master.GetHash(tx, id)
			} else {
				h, err = HashForServiceHashID(tx, serviceID, id)
			}
			if err != nil {
				return nil, false, err
			}
			hashes = append(hashes, h.String())
		}
		totalRows += len(hashes)
		contents = append(contents, encoding.Content{
			ContentType: hydrus.ContentMappings,
			Tag:         tag,
			Hashes:      hashes,
		})
	}
	return contents, truncated, nil
}

func petitionPairContents(tx *db.Tx, serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus, accountID, reasonID int64) ([]encoding.Content, bool, error) {
	table, _ := petitionTable(serviceID, ct, status)
	var colA, colB string
	switch {
	case ct == hydrus.ContentTagParents && status == hydrus.StatusPending:
		colA, colB = "child_master_tag_id", "parent_master_tag_id"
	case ct == hydrus.ContentTagParents:
		colA, colB = "child_service_tag_id", "parent_service_tag_id"
	case status == hydrus.StatusPending:
		colA, colB = "bad_master_tag_id", "good_master_tag_id"
	default:
		colA, colB = "bad_service_tag_id", "good_service_tag_id"
	}

	rows, err := tx.Query(
		fmt.Sprintf("SELECT %s, %s FROM %s WHERE account_id = ? AND reason_id = ? LIMIT ?", colA, colB, table),
		accountID, reasonID, petitionMaxRows+1)
	if err != nil {
		return nil, false, err
	}
	var pairs []IDPair
	for rows.Next() {
		var p IDPair
		if err := rows.Scan(&p.A, &p.B); err != nil {
			rows.Close()
			return nil, false, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, false, err
	}
	rows.Close()

	truncated := len(pairs) > petitionMaxRows
	if truncated {
		pairs = pairs[:petitionMaxRows]
	}

	resolve := func(id int64) (string, error) {
		if status == hydrus.StatusPending {
			return master.GetTag(tx, id)
		}
		return TagForServiceTagID(tx, serviceID, id)
	}
	var contents []encoding.Content
	for _, p := range pairs {
		a, err := resolve(p.A)
		if err != nil {
			return nil, false, err
		}
		b, err := resolve(p.B)
		if err != nil {
			return nil, false, err
		}
		c := encoding.Content{ContentType: ct}
		if ct == hydrus.ContentTagParents {
			c.ChildTag, c.ParentTag = a, b
		} else {
			c.BadTag, c.GoodTag = a, b
		}
		contents = append(contents, c)
	}
	return contents, truncated, nil
}
