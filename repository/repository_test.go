package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/service"
)

type harness struct {
	ser    *db.Serializer
	svc    *service.Service
	admin  *account.Account
	member *account.Account
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conn := database.Conn()
	require.NoError(t, master.CreateTables(ctx, conn))
	require.NoError(t, account.CreateTables(ctx, conn))
	require.NoError(t, CreateTables(ctx, conn))

	ser := db.NewSerializer(database, nil, time.Hour)
	ser.Start()
	t.Cleanup(ser.Shutdown)

	h := &harness{
		ser: ser,
		svc: &service.Service{ID: 1, Type: hydrus.ServiceTagRepo, Name: "test repo"},
	}

	now := hydrus.NowUnix()
	h.write(t, "bootstrap", func(tx *db.Tx) error {
		if err := CreateServiceTables(tx, h.svc.ID); err != nil {
			return err
		}
		if err := InitServiceSync(tx, h.svc.ID, now); err != nil {
			return err
		}

		adminAccess, err := account.ProvisionService(tx, h.svc.ID, now)
		if err != nil {
			return err
		}
		adminKey, err := account.ResolveAccessKey(tx, h.svc.ID, adminAccess, now)
		if err != nil {
			return err
		}
		if h.admin, err = account.GetAccount(tx, h.svc.ID, adminKey); err != nil {
			return err
		}

		memberType := &account.Type{
			ServiceID: h.svc.ID,
			Title:     "member",
			Permissions: map[hydrus.ContentType]hydrus.Permission{
				hydrus.ContentFiles:       hydrus.PermissionPetition,
				hydrus.ContentMappings:    hydrus.PermissionPetition,
				hydrus.ContentTagParents:  hydrus.PermissionPetition,
				hydrus.ContentTagSiblings: hydrus.PermissionPetition,
			},
		}
		if err := account.InsertType(tx, memberType); err != nil {
			return err
		}
		regKeys, err := account.IssueRegistrationKeys(tx, h.svc.ID, memberType.ID, 1, 0)
		if err != nil {
			return err
		}
		memberAccess, err := account.FetchAccessKey(tx, h.svc.ID, regKeys[0], now)
		if err != nil {
			return err
		}
		memberKey, err := account.ResolveAccessKey(tx, h.svc.ID, memberAccess, now)
		if err != nil {
			return err
		}
		h.member, err = account.GetAccount(tx, h.svc.ID, memberKey)
		return err
	})
	return h
}

func (h *harness) write(t *testing.T, name string, fn func(tx *db.Tx) error) {
	t.Helper()
	_, err := h.ser.Write(context.Background(), name, func(tx *db.Tx) (any, error) {
		return nil, fn(tx)
	})
	require.NoError(t, err)
}

func (h *harness) writeErr(t *testing.T, name string, fn func(tx *db.Tx) error) error {
	t.Helper()
	_, err := h.ser.Write(context.Background(), name, func(tx *db.Tx) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func (h *harness) info(t *testing.T, infoType InfoType) int64 {
	t.Helper()
	v, err := h.ser.Read(context.Background(), "info", func(tx *db.Tx) (any, error) {
		return GetServiceInfo(tx, h.svc.ID, infoType)
	})
	require.NoError(t, err)
	return v.(int64)
}

func (h *harness) score(t *testing.T, accountID int64) int64 {
	t.Helper()
	v, err := h.ser.Read(context.Background(), "score", func(tx *db.Tx) (any, error) {
		return GetAccountScore(tx, h.svc.ID, accountID)
	})
	require.NoError(t, err)
	return v.(int64)
}

func testMeta(payload string, size uint64) hydrus.FileMetadata {
	return hydrus.FileMetadata{Hash: hydrus.HashBytes([]byte(payload)), Size: size, Mime: 1}
}

func TestAddFileLifecycle(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	meta := testMeta("file-1", 1000)

	h.write(t, "add", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, meta, false, "", now)
	})
	assert.Equal(t, int64(1), h.info(t, NumFiles))
	assert.Equal(t, int64(1000), h.info(t, TotalFileSize))

	// Adding the same file again is a no-op.
	h.write(t, "re-add", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, meta, false, "", now)
	})
	assert.Equal(t, int64(1), h.info(t, NumFiles))

	h.write(t, "delete", func(tx *db.Tx) error {
		masterID, err := master.LookupHashID(tx, meta.Hash)
		if err != nil {
			return err
		}
		shid, err := LookupServiceHashID(tx, h.svc.ID, masterID)
		if err != nil {
			return err
		}
		return DeleteFiles(tx, h.svc, []int64{shid}, []int64{h.svc.ID}, now)
	})
	assert.Equal(t, int64(0), h.info(t, NumFiles))
	assert.Equal(t, int64(1), h.info(t, NumDeletedFiles))
	assert.Equal(t, int64(0), h.info(t, TotalFileSize))

	err := h.writeErr(t, "re-add deleted", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, meta, false, "", now)
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Conflict))

	h.write(t, "overwrite deleted", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, meta, true, "", now)
	})
	assert.Equal(t, int64(1), h.info(t, NumFiles))
	assert.Equal(t, int64(0), h.info(t, NumDeletedFiles))
}

func TestAddFileStorageCap(t *testing.T) {
	h := newHarness(t)
	h.svc.Options.MaxStorage = 1500
	now := hydrus.NowUnix()

	h.write(t, "first", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, testMeta("file-1", 1000), false, "", now)
	})

	err := h.writeErr(t, "over cap", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.member, testMeta("file-2", 1000), false, "", now)
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Conflict))

	// Moderators bypass the cap.
	h.write(t, "moderator over cap", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.admin, testMeta("file-2", 1000), false, "", now)
	})
	assert.Equal(t, int64(2), h.info(t, NumFiles))
}

func TestFilePetitionRewardAndSweep(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	meta := testMeta("file-1", 100)

	h.write(t, "add", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.admin, meta, false, "", now)
	})
	h.write(t, "petition", func(tx *db.Tx) error {
		return PetitionFiles(tx, h.svc.ID, h.member.ID, []hydrus.Hash{meta.Hash}, "bad content", now)
	})

	v, err := h.ser.Read(context.Background(), "counts", func(tx *db.Tx) (any, error) {
		return NumPetitions(tx, h.svc.ID)
	})
	require.NoError(t, err)
	counts := v.([]hydrus.KeyValuePair[[2]int, int64])
	require.Len(t, counts, 1)
	assert.Equal(t, [2]int{int(hydrus.ContentFiles), int(hydrus.StatusPetitioned)}, counts[0].Key)
	assert.Equal(t, int64(1), counts[0].Value)

	h.write(t, "delete petitioned file", func(tx *db.Tx) error {
		masterID, err := master.LookupHashID(tx, meta.Hash)
		if err != nil {
			return err
		}
		shid, err := LookupServiceHashID(tx, h.svc.ID, masterID)
		if err != nil {
			return err
		}
		return DeleteFiles(tx, h.svc, []int64{shid}, []int64{h.svc.ID}, now)
	})

	// The petitioner got their point and the petition row is gone.
	assert.Equal(t, int64(1), h.score(t, h.member.ID))
	v, err = h.ser.Read(context.Background(), "counts after", func(tx *db.Tx) (any, error) {
		return NumPetitions(tx, h.svc.ID)
	})
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestPendFilesClearedByUpload(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	meta := testMeta("file-1", 100)

	h.write(t, "pend", func(tx *db.Tx) error {
		return PendFiles(tx, h.svc.ID, h.member.ID, []hydrus.Hash{meta.Hash}, "please add", now)
	})
	v, err := h.ser.Read(context.Background(), "counts", func(tx *db.Tx) (any, error) {
		return NumPetitions(tx, h.svc.ID)
	})
	require.NoError(t, err)
	require.Len(t, v.([]hydrus.KeyValuePair[[2]int, int64]), 1)

	h.write(t, "upload supersedes pend", func(tx *db.Tx) error {
		return AddFile(tx, h.svc, h.admin, meta, false, "", now)
	})
	v, err = h.ser.Read(context.Background(), "counts after", func(tx *db.Tx) (any, error) {
		return NumPetitions(tx, h.svc.ID)
	})
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestMappingsLifecycle(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	var tagID int64
	var shids []int64
	h.write(t, "add mappings", func(tx *db.Tx) error {
		var err error
		tagID, err = ServiceTagIDForTag(tx, h.svc.ID, "series:test", now)
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte(fmt.Sprintf("file-%d", i))), now)
			if err != nil {
				return err
			}
			shids = append(shids, shid)
		}
		return AddMappings(tx, h.svc.ID, h.admin.ID, tagID, shids, false, now)
	})
	assert.Equal(t, int64(3), h.info(t, NumMappings))

	h.write(t, "petition two", func(tx *db.Tx) error {
		return PetitionMappings(tx, h.svc.ID, h.member.ID, tagID, shids[:2], "wrong tag")
	})
	h.write(t, "delete two", func(tx *db.Tx) error {
		return DeleteMappings(tx, h.svc.ID, tagID, shids[:2], now)
	})
	assert.Equal(t, int64(1), h.info(t, NumMappings))
	assert.Equal(t, int64(2), h.info(t, NumDeletedMappings))
	assert.Equal(t, int64(2), h.score(t, h.member.ID), "one point per deleted row the member petitioned")

	// Deleted rows are skipped on re-add unless overwrite is set.
	h.write(t, "re-add without overwrite", func(tx *db.Tx) error {
		return AddMappings(tx, h.svc.ID, h.admin.ID, tagID, shids, false, now)
	})
	assert.Equal(t, int64(1), h.info(t, NumMappings))
	h.write(t, "re-add with overwrite", func(tx *db.Tx) error {
		return AddMappings(tx, h.svc.ID, h.admin.ID, tagID, shids, true, now)
	})
	assert.Equal(t, int64(3), h.info(t, NumMappings))
	assert.Equal(t, int64(0), h.info(t, NumDeletedMappings))
}

func TestDenyMappingPetitionScoresDown(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	var tagID int64
	var shids []int64
	h.write(t, "setup", func(tx *db.Tx) error {
		var err error
		tagID, err = ServiceTagIDForTag(tx, h.svc.ID, "bad tag", now)
		if err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte(fmt.Sprintf("file-%d", i))), now)
			if err != nil {
				return err
			}
			shids = append(shids, shid)
		}
		if err := AddMappings(tx, h.svc.ID, h.admin.ID, tagID, shids, false, now); err != nil {
			return err
		}
		return PetitionMappings(tx, h.svc.ID, h.member.ID, tagID, shids, "remove these")
	})

	h.write(t, "deny", func(tx *db.Tx) error {
		reasonID, err := GetReasonID(tx, "remove these")
		if err != nil {
			return err
		}
		return DenyMappingPetition(tx, h.svc.ID, h.member.ID, reasonID, hydrus.StatusPetitioned)
	})
	assert.Equal(t, int64(-2), h.score(t, h.member.ID))
	assert.Equal(t, int64(2), h.info(t, NumMappings), "denial leaves the content alone")
}

func TestSiblingReplaceRetiresOldPair(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	var bad, good1, good2 int64
	h.write(t, "setup", func(tx *db.Tx) error {
		var err error
		if bad, err = ServiceTagIDForTag(tx, h.svc.ID, "misspellinng", now); err != nil {
			return err
		}
		if good1, err = ServiceTagIDForTag(tx, h.svc.ID, "misspelling", now); err != nil {
			return err
		}
		if good2, err = ServiceTagIDForTag(tx, h.svc.ID, "correct spelling", now); err != nil {
			return err
		}
		return AddTagSiblings(tx, h.svc.ID, h.admin.ID, []IDPair{{A: bad, B: good1}}, false, now)
	})
	assert.Equal(t, int64(1), h.info(t, NumTagSiblings))

	// A bad tag points at one good tag; installing a new target retires the
	// old pair to deleted.
	h.write(t, "replace", func(tx *db.Tx) error {
		return AddTagSiblings(tx, h.svc.ID, h.admin.ID, []IDPair{{A: bad, B: good2}}, false, now)
	})
	assert.Equal(t, int64(1), h.info(t, NumTagSiblings))
	assert.Equal(t, int64(1), h.info(t, NumDeletedTagSiblings))

	v, err := h.ser.Read(context.Background(), "current target", func(tx *db.Tx) (any, error) {
		var goodID int64
		err := tx.QueryRow(
			fmt.Sprintf("SELECT good_service_tag_id FROM current_tag_siblings_%d WHERE bad_service_tag_id = ?", h.svc.ID),
			bad).Scan(&goodID)
		return goodID, err
	})
	require.NoError(t, err)
	assert.Equal(t, good2, v)
}

func TestPetitionSummaryAndFetch(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	var tagID int64
	var shids []int64
	h.write(t, "setup", func(tx *db.Tx) error {
		var err error
		tagID, err = ServiceTagIDForTag(tx, h.svc.ID, "character:someone", now)
		if err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte(fmt.Sprintf("file-%d", i))), now)
			if err != nil {
				return err
			}
			shids = append(shids, shid)
		}
		if err := AddMappings(tx, h.svc.ID, h.admin.ID, tagID, shids, false, now); err != nil {
			return err
		}
		return PetitionMappings(tx, h.svc.ID, h.member.ID, tagID, shids, "not this character")
	})

	v, err := h.ser.Read(context.Background(), "summary", func(tx *db.Tx) (any, error) {
		return GetPetitionsSummary(tx, h.svc.ID, hydrus.ContentMappings, hydrus.StatusPetitioned, 10)
	})
	require.NoError(t, err)
	headers := v.([]encoding.PetitionHeader)
	require.Len(t, headers, 1)
	assert.Equal(t, h.member.Key.String(), headers[0].AccountKey)
	assert.Equal(t, "not this character", headers[0].Reason)

	v, err = h.ser.Read(context.Background(), "fetch", func(tx *db.Tx) (any, error) {
		return GetPetition(tx, h.svc.ID, hydrus.ContentMappings, hydrus.StatusPetitioned, h.member.Key, "not this character")
	})
	require.NoError(t, err)
	p := v.(encoding.Petition)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, hydrus.ActionPetition, p.Actions[0].Action)
	require.Len(t, p.Actions[0].Contents, 1)
	assert.Equal(t, "character:someone", p.Actions[0].Contents[0].Tag)
	assert.Len(t, p.Actions[0].Contents[0].Hashes, 4)
	assert.False(t, p.Truncated)

	// A petition that was swept away reads as gone.
	h.write(t, "delete the content", func(tx *db.Tx) error {
		return DeleteMappings(tx, h.svc.ID, tagID, shids, now)
	})
	_, err = h.ser.Read(context.Background(), "fetch gone", func(tx *db.Tx) (any, error) {
		return GetPetition(tx, h.svc.ID, hydrus.ContentMappings, hydrus.StatusPetitioned, h.member.Key, "not this character")
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.NotFound))
}

func TestPendingSiblingSummaryHiddenByOpenPetition(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	// The member petitions a current pair away and, under the same reason,
	// pends its replacement. The pend is not actionable until the removal is
	// resolved.
	h.write(t, "setup", func(tx *db.Tx) error {
		bad, err := ServiceTagIDForTag(tx, h.svc.ID, "misspeling", now)
		if err != nil {
			return err
		}
		good, err := ServiceTagIDForTag(tx, h.svc.ID, "misspelling", now)
		if err != nil {
			return err
		}
		if err := AddTagSiblings(tx, h.svc.ID, h.admin.ID, []IDPair{{A: bad, B: good}}, false, now); err != nil {
			return err
		}
		if err := PetitionTagSiblings(tx, h.svc.ID, h.member.ID, []IDPair{{A: bad, B: good}}, "merge these"); err != nil {
			return err
		}
		badMaster, err := master.GetTagID(tx, "misspeling")
		if err != nil {
			return err
		}
		goodMaster, err := master.GetTagID(tx, "correct spelling")
		if err != nil {
			return err
		}
		return PendTagSiblings(tx, h.svc.ID, h.member.ID, []IDPair{{A: badMaster, B: goodMaster}}, "merge these")
	})

	summary := func(status hydrus.ContentStatus) []encoding.PetitionHeader {
		v, err := h.ser.Read(context.Background(), "summary", func(tx *db.Tx) (any, error) {
			return GetPetitionsSummary(tx, h.svc.ID, hydrus.ContentTagSiblings, status, 10)
		})
		require.NoError(t, err)
		return v.([]encoding.PetitionHeader)
	}

	assert.Empty(t, summary(hydrus.StatusPending), "a pend superseded by an open removal petition stays hidden")
	require.Len(t, summary(hydrus.StatusPetitioned), 1)

	// Resolving the removal makes the pend actionable.
	h.write(t, "deny removal", func(tx *db.Tx) error {
		reasonID, err := GetReasonID(tx, "merge these")
		if err != nil {
			return err
		}
		return DenyTagSiblingPetition(tx, h.svc.ID, h.member.ID, reasonID, hydrus.StatusPetitioned)
	})
	headers := summary(hydrus.StatusPending)
	require.Len(t, headers, 1)
	assert.Equal(t, h.member.Key.String(), headers[0].AccountKey)
	assert.Equal(t, "merge these", headers[0].Reason)
}

func TestRegenerateServiceInfo(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	h.write(t, "content", func(tx *db.Tx) error {
		if err := AddFile(tx, h.svc, h.admin, testMeta("file-1", 500), false, "", now); err != nil {
			return err
		}
		tagID, err := ServiceTagIDForTag(tx, h.svc.ID, "some tag", now)
		if err != nil {
			return err
		}
		shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte("file-1")), now)
		if err != nil {
			return err
		}
		return AddMappings(tx, h.svc.ID, h.admin.ID, tagID, []int64{shid}, false, now)
	})

	// Smash the counters, then rebuild them from the authoritative tables.
	h.write(t, "smash", func(tx *db.Tx) error {
		_, err := tx.Exec("UPDATE service_info SET info = 999 WHERE service_id = ?", h.svc.ID)
		return err
	})
	h.write(t, "regenerate", func(tx *db.Tx) error {
		return RegenerateServiceInfo(tx, h.svc.ID)
	})
	assert.Equal(t, int64(1), h.info(t, NumFiles))
	assert.Equal(t, int64(1), h.info(t, NumMappings))
	assert.Equal(t, int64(500), h.info(t, TotalFileSize))
}

func TestDeleteFilesEnqueuesOrphans(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	meta := testMeta("file-1", 100)

	h.write(t, "add and delete", func(tx *db.Tx) error {
		if err := AddFile(tx, h.svc, h.admin, meta, false, "", now); err != nil {
			return err
		}
		masterID, err := master.LookupHashID(tx, meta.Hash)
		if err != nil {
			return err
		}
		shid, err := LookupServiceHashID(tx, h.svc.ID, masterID)
		if err != nil {
			return err
		}
		return DeleteFiles(tx, h.svc, []int64{shid}, []int64{h.svc.ID}, now)
	})

	v, err := h.ser.Read(context.Background(), "pop deferred", func(tx *db.Tx) (any, error) {
		file, _, ok, err := NextDeferredDelete(tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return "", nil
		}
		return file.String(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, meta.Hash.String(), v, "a file no service holds goes to physical deletion")

	h.write(t, "clear deferred", func(tx *db.Tx) error {
		return ClearDeferredDelete(tx, meta.Hash, meta.Hash)
	})
	v, err = h.ser.Read(context.Background(), "queue empty", func(tx *db.Tx) (any, error) {
		_, _, ok, err := NextDeferredDelete(tx)
		return ok, err
	})
	require.NoError(t, err)
	assert.False(t, v.(bool))
}

func TestProcessUpdatePermissionDispatch(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	hash := hydrus.HashBytes([]byte("file-1"))

	// A petition-level account's mapping pend lands in the pending table.
	upd := encoding.ClientToServerUpdate{Actions: []encoding.SubmittedAction{{
		Action: hydrus.ActionPend,
		Content: encoding.Content{
			ContentType: hydrus.ContentMappings,
			Tag:         "series:test",
			Hashes:      []string{hash.String()},
		},
		Reason: "please add",
	}}}
	h.write(t, "member pend", func(tx *db.Tx) error {
		return ProcessUpdate(tx, h.svc, h.member, upd, []int64{h.svc.ID}, now)
	})
	v, err := h.ser.Read(context.Background(), "counts", func(tx *db.Tx) (any, error) {
		return NumPetitions(tx, h.svc.ID)
	})
	require.NoError(t, err)
	counts := v.([]hydrus.KeyValuePair[[2]int, int64])
	require.Len(t, counts, 1)
	assert.Equal(t, [2]int{int(hydrus.ContentMappings), int(hydrus.StatusPending)}, counts[0].Key)

	// The same submission from a moderator applies immediately.
	h.write(t, "admin pend applies", func(tx *db.Tx) error {
		return ProcessUpdate(tx, h.svc, h.admin, upd, []int64{h.svc.ID}, now)
	})
	assert.Equal(t, int64(1), h.info(t, NumMappings))

	// An account below petition level is refused outright.
	h.write(t, "nobody type", func(tx *db.Tx) error {
		nobodyType := &account.Type{ServiceID: h.svc.ID, Title: "nobody", Permissions: map[hydrus.ContentType]hydrus.Permission{}}
		if err := account.InsertType(tx, nobodyType); err != nil {
			return err
		}
		h.member.Type = nobodyType
		return nil
	})
	err = h.writeErr(t, "nobody pend", func(tx *db.Tx) error {
		return ProcessUpdate(tx, h.svc, h.member, upd, []int64{h.svc.ID}, now)
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Forbidden))
}

func TestProcessUpdateRespectsTagFilter(t *testing.T) {
	h := newHarness(t)
	h.svc.Options.TagFilter = []string{"banned:"}
	now := hydrus.NowUnix()
	hash := hydrus.HashBytes([]byte("file-1"))

	upd := encoding.ClientToServerUpdate{Actions: []encoding.SubmittedAction{{
		Action: hydrus.ActionPend,
		Content: encoding.Content{
			ContentType: hydrus.ContentMappings,
			Tag:         "banned:whatever",
			Hashes:      []string{hash.String()},
		},
	}}}
	h.write(t, "filtered pend", func(tx *db.Tx) error {
		return ProcessUpdate(tx, h.svc, h.admin, upd, []int64{h.svc.ID}, now)
	})
	assert.Equal(t, int64(0), h.info(t, NumMappings), "filtered tags drop silently")
}

func TestDeleteAllAccountContent(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	h.write(t, "member content", func(tx *db.Tx) error {
		if err := AddFile(tx, h.svc, h.member, testMeta("file-1", 100), false, "", now); err != nil {
			return err
		}
		tagID, err := ServiceTagIDForTag(tx, h.svc.ID, "some tag", now)
		if err != nil {
			return err
		}
		shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte("file-1")), now)
		if err != nil {
			return err
		}
		if err := AddMappings(tx, h.svc.ID, h.member.ID, tagID, []int64{shid}, false, now); err != nil {
			return err
		}
		// Another account's content must survive.
		return AddFile(tx, h.svc, h.admin, testMeta("file-2", 100), false, "", now)
	})

	var done bool
	h.write(t, "delete all", func(tx *db.Tx) error {
		var err error
		done, err = DeleteAllAccountContent(tx, h.svc, h.member.ID, []int64{h.svc.ID}, now)
		return err
	})
	assert.True(t, done, "this little account fits in one pass")
	assert.Equal(t, int64(1), h.info(t, NumFiles), "the admin's file survives")
	assert.Equal(t, int64(0), h.info(t, NumMappings))
	assert.Equal(t, int64(1), h.info(t, NumDeletedFiles))
}

func TestDeleteAllAccountContentDrainsLargeBacklog(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	// Several batches' worth of mappings under one account.
	const total = 1250
	h.write(t, "bulk mappings", func(tx *db.Tx) error {
		tagID, err := ServiceTagIDForTag(tx, h.svc.ID, "bulk tag", now)
		if err != nil {
			return err
		}
		shids := make([]int64, 0, total)
		for i := 0; i < total; i++ {
			shid, err := ServiceHashIDForHash(tx, h.svc.ID, hydrus.HashBytes([]byte(fmt.Sprintf("bulk-%d", i))), now)
			if err != nil {
				return err
			}
			shids = append(shids, shid)
		}
		return AddMappings(tx, h.svc.ID, h.member.ID, tagID, shids, false, now)
	})
	assert.Equal(t, int64(total), h.info(t, NumMappings))

	// One invocation loops its batches until the account is clean.
	var done bool
	h.write(t, "delete all", func(tx *db.Tx) error {
		var err error
		done, err = DeleteAllAccountContent(tx, h.svc, h.member.ID, []int64{h.svc.ID}, now)
		return err
	})
	assert.True(t, done)
	assert.Equal(t, int64(0), h.info(t, NumMappings))
	assert.Equal(t, int64(total), h.info(t, NumDeletedMappings))
}
