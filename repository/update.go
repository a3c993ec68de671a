package repository

import (
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/service"
)

// ProcessUpdate applies one client submission inside one serializer job. What
// each action does depends on the account's permission for the content type:
// create applies adds immediately, moderate applies deletes and denials
// immediately, petition records the wish for a moderator. Anything below
// petition is forbidden.
func ProcessUpdate(tx *db.Tx, svc *service.Service, acct *account.Account, upd encoding.ClientToServerUpdate, allServiceIDs []int64, now int64) error {
	for _, action := range upd.Actions {
		ct := action.Content.ContentType
		if err := acct.CheckPermission(ct, hydrus.PermissionPetition, now); err != nil {
			return err
		}
		canCreate := acct.CheckPermission(ct, hydrus.PermissionCreate, now) == nil
		canModerate := acct.CheckPermission(ct, hydrus.PermissionModerate, now) == nil

		var err error
		switch action.Action {
		case hydrus.ActionPend:
			err = applyPend(tx, svc, acct, action, canCreate, now)
		case hydrus.ActionPetition:
			err = applyPetition(tx, svc, acct, action, canModerate, allServiceIDs, now)
		case hydrus.ActionDenyPend, hydrus.ActionDenyPetition:
			if !canModerate {
				return hydrus.Errorf(hydrus.Forbidden, "denying petitions requires moderation permission")
			}
			status := hydrus.StatusPetitioned
			if action.Action == hydrus.ActionDenyPend {
				status = hydrus.StatusPending
			}
			err = applyDeny(tx, svc, action.Content, status)
		default:
			return hydrus.Errorf(hydrus.BadRequest, "action %d cannot appear in a client submission", action.Action)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func applyPend(tx *db.Tx, svc *service.Service, acct *account.Account, action encoding.SubmittedAction, canCreate bool, now int64) error {
	c := action.Content
	switch c.ContentType {
	case hydrus.ContentFiles:
		// File bytes arrive through the upload endpoint; a pend is only ever
		// a request, whatever the account can do.
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		return PendFiles(tx, svc.ID, acct.ID, hashes, action.Reason, now)

	case hydrus.ContentMappings:
		if !svc.Options.TagAllowed(c.Tag) {
			return nil
		}
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		if canCreate {
			tagID, err := ServiceTagIDForTag(tx, svc.ID, c.Tag, now)
			if err != nil {
				return err
			}
			shids := make([]int64, 0, len(hashes))
			for _, h := range hashes {
				shid, err := ServiceHashIDForHash(tx, svc.ID, h, now)
				if err != nil {
					return err
				}
				shids = append(shids, shid)
			}
			return AddMappings(tx, svc.ID, acct.ID, tagID, shids, false, now)
		}
		masterTagID, err := master.GetTagID(tx, c.Tag)
		if err != nil {
			return err
		}
		masterHashIDs := make([]int64, 0, len(hashes))
		for _, h := range hashes {
			mhid, err := master.GetHashID(tx, h)
			if err != nil {
				return err
			}
			masterHashIDs = append(masterHashIDs, mhid)
		}
		return PendMappings(tx, svc.ID, acct.ID, masterTagID, masterHashIDs, action.Reason)

	case hydrus.ContentTagParents, hydrus.ContentTagSiblings:
		tagA, tagB := pairTags(c)
		if !svc.Options.TagAllowed(tagA) || !svc.Options.TagAllowed(tagB) {
			return nil
		}
		if canCreate {
			pair, err := resolveServicePair(tx, svc.ID, tagA, tagB, now)
			if err != nil {
				return err
			}
			if c.ContentType == hydrus.ContentTagParents {
				return AddTagParents(tx, svc.ID, acct.ID, []IDPair{pair}, false, now)
			}
			return AddTagSiblings(tx, svc.ID, acct.ID, []IDPair{pair}, false, now)
		}
		pair, err := resolveMasterPair(tx, tagA, tagB)
		if err != nil {
			return err
		}
		if c.ContentType == hydrus.ContentTagParents {
			return PendTagParents(tx, svc.ID, acct.ID, []IDPair{pair}, action.Reason)
		}
		return PendTagSiblings(tx, svc.ID, acct.ID, []IDPair{pair}, action.Reason)
	}
	return hydrus.Errorf(hydrus.BadRequest, "content type %d cannot be pended", c.ContentType)
}

func applyPetition(tx *db.Tx, svc *service.Service, acct *account.Account, action encoding.SubmittedAction, canModerate bool, allServiceIDs []int64, now int64) error {
	c := action.Content
	switch c.ContentType {
	case hydrus.ContentFiles:
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		if canModerate {
			var shids []int64
			for _, h := range hashes {
				masterID, err := master.LookupHashID(tx, h)
				if err != nil {
					if hydrus.IsCode(err, hydrus.NotFound) {
						continue
					}
					return err
				}
				shid, err := LookupServiceHashID(tx, svc.ID, masterID)
				if err != nil {
					if hydrus.IsCode(err, hydrus.NotFound) {
						continue
					}
					return err
				}
				shids = append(shids, shid)
			}
			return DeleteFiles(tx, svc, shids, allServiceIDs, now)
		}
		return PetitionFiles(tx, svc.ID, acct.ID, hashes, action.Reason, now)

	case hydrus.ContentMappings:
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		tagID, err := ServiceTagIDForTag(tx, svc.ID, c.Tag, now)
		if err != nil {
			return err
		}
		shids := make([]int64, 0, len(hashes))
		for _, h := range hashes {
			shid, err := ServiceHashIDForHash(tx, svc.ID, h, now)
			if err != nil {
				return err
			}
			shids = append(shids, shid)
		}
		if canModerate {
			return DeleteMappings(tx, svc.ID, tagID, shids, now)
		}
		return PetitionMappings(tx, svc.ID, acct.ID, tagID, shids, action.Reason)

	case hydrus.ContentTagParents, hydrus.ContentTagSiblings:
		tagA, tagB := pairTags(c)
		pair, err := resolveServicePair(tx, svc.ID, tagA, tagB, now)
		if err != nil {
			return err
		}
		if canModerate {
			if c.ContentType == hydrus.ContentTagParents {
				return DeleteTagParents(tx, svc.ID, []IDPair{pair}, now)
			}
			return DeleteTagSiblings(tx, svc.ID, []IDPair{pair}, now)
		}
		if c.ContentType == hydrus.ContentTagParents {
			return PetitionTagParents(tx, svc.ID, acct.ID, []IDPair{pair}, action.Reason)
		}
		return PetitionTagSiblings(tx, svc.ID, acct.ID, []IDPair{pair}, action.Reason)
	}
	return hydrus.Errorf(hydrus.BadRequest, "content type %d cannot be petitioned", c.ContentType)
}

// applyDeny removes open pend or petition rows matching the content, for
// every account that filed them, and scores each filer down one point per
// row. The moderator saw this exact content in the petition they rejected.
func applyDeny(tx *db.Tx, svc *service.Service, c encoding.Content, status hydrus.ContentStatus) error {
	switch c.ContentType {
	case hydrus.ContentFiles:
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			masterID, err := master.LookupHashID(tx, h)
			if err != nil {
				if hydrus.IsCode(err, hydrus.NotFound) {
					continue
				}
				return err
			}
			if status == hydrus.StatusPending {
				if err := denyRows(tx, svc.ID, c.ContentType, status,
					tbl("pending_files", svc.ID), "master_hash_id = ?", masterID); err != nil {
					return err
				}
				continue
			}
			shid, err := LookupServiceHashID(tx, svc.ID, masterID)
			if err != nil {
				if hydrus.IsCode(err, hydrus.NotFound) {
					continue
				}
				return err
			}
			if err := denyRows(tx, svc.ID, c.ContentType, status,
				tbl("petitioned_files", svc.ID), "service_hash_id = ?", shid); err != nil {
				return err
			}
		}
		return nil

	case hydrus.ContentMappings:
		hashes, err := decodeHashes(c.Hashes)
		if err != nil {
			return err
		}
		masterTagID, err := master.GetTagID(tx, c.Tag)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			masterHashID, err := master.LookupHashID(tx, h)
			if err != nil {
				if hydrus.IsCode(err, hydrus.NotFound) {
					continue
				}
				return err
			}
			if status == hydrus.StatusPending {
				if err := denyRows(tx, svc.ID, c.ContentType, status,
					mapTbl("pending_mappings", svc.ID), "master_tag_id = ? AND master_hash_id = ?",
					masterTagID, masterHashID); err != nil {
					return err
				}
				continue
			}
			tagID, err := lookupServiceTagID(tx, svc.ID, masterTagID)
			if err != nil {
				if hydrus.IsCode(err, hydrus.NotFound) {
					continue
				}
				return err
			}
			shid, err := LookupServiceHashID(tx, svc.ID, masterHashID)
			if err != nil {
				if hydrus.IsCode(err, hydrus.NotFound) {
					continue
				}
				return err
			}
			if err := denyRows(tx, svc.ID, c.ContentType, status,
				mapTbl("petitioned_mappings", svc.ID), "service_tag_id = ? AND service_hash_id = ?",
				tagID, shid); err != nil {
				return err
			}
		}
		return nil

	case hydrus.ContentTagParents, hydrus.ContentTagSiblings:
		tagA, tagB := pairTags(c)
		if status == hydrus.StatusPending {
			pair, err := resolveMasterPair(tx, tagA, tagB)
			if err != nil {
				return err
			}
			table, cols := tbl("pending_tag_parents", svc.ID), "child_master_tag_id = ? AND parent_master_tag_id = ?"
			if c.ContentType == hydrus.ContentTagSiblings {
				table, cols = tbl("pending_tag_siblings", svc.ID), "bad_master_tag_id = ? AND good_master_tag_id = ?"
			}
			return denyRows(tx, svc.ID, c.ContentType, status, table, cols, pair.A, pair.B)
		}
		pair, err := resolveServicePair(tx, svc.ID, tagA, tagB, hydrus.NowUnix())
		if err != nil {
			return err
		}
		table, cols := tbl("petitioned_tag_parents", svc.ID), "child_service_tag_id = ? AND parent_service_tag_id = ?"
		if c.ContentType == hydrus.ContentTagSiblings {
			table, cols = tbl("petitioned_tag_siblings", svc.ID), "bad_service_tag_id = ? AND good_service_tag_id = ?"
		}
		return denyRows(tx, svc.ID, c.ContentType, status, table, cols, pair.A, pair.B)
	}
	return hydrus.Errorf(hydrus.BadRequest, "content type %d cannot be denied", c.ContentType)
}

// denyRows deletes matching rows, scoring each filing account down.
func denyRows(tx *db.Tx, serviceID int64, ct hydrus.ContentType, status hydrus.ContentStatus, table, where string, args ...any) error {
	rows, err := tx.Query(fmt.Sprintf("SELECT account_id FROM %s WHERE %s", table, where), args...)
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
	if len(accountIDs) == 0 {
		return nil
	}
	for _, id := range accountIDs {
		if err := AdjustAccountScore(tx, serviceID, id, -1); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...); err != nil {
		return err
	}
	return adjustPetitionCount(tx, serviceID, ct, status, -int64(len(accountIDs)))
}

func pairTags(c encoding.Content) (string, string) {
	if c.ContentType == hydrus.ContentTagParents {
		return c.ChildTag, c.ParentTag
	}
	return c.BadTag, c.GoodTag
}

func resolveServicePair(tx *db.Tx, serviceID int64, tagA, tagB string, now int64) (IDPair, error) {
	a, err := ServiceTagIDForTag(tx, serviceID, tagA, now)
	if err != nil {
		return IDPair{}, err
	}
	b, err := ServiceTagIDForTag(tx, serviceID, tagB, now)
	if err != nil {
		return IDPair{}, err
	}
	return IDPair{A: a, B: b}, nil
}

func resolveMasterPair(tx *db.Tx, tagA, tagB string) (IDPair, error) {
	a, err := master.GetTagID(tx, tagA)
	if err != nil {
		return IDPair{}, err
	}
	b, err := master.GetTagID(tx, tagB)
	if err != nil {
		return IDPair{}, err
	}
	return IDPair{A: a, B: b}, nil
}

func lookupServiceTagID(tx *db.Tx, serviceID, masterTagID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT service_tag_id FROM %s WHERE master_tag_id = ?", tbl("service_tag_ids", serviceID)),
		masterTagID).Scan(&id)
	if err != nil {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d does not know master tag %d", serviceID, masterTagID)
	}
	return id, nil
}

func decodeHashes(hexes []string) ([]hydrus.Hash, error) {
	out := make([]hydrus.Hash, 0, len(hexes))
	for _, hx := range hexes {
		h, err := hydrus.HashFromHex(hx)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
