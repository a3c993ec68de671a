package nullifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/scheduler"
	"github.com/nedfreetoplay/hydrus/service"
)

type harness struct {
	ser   *db.Serializer
	busy  *scheduler.BusyFlag
	svc   *service.Service
	admin *account.Account
}

func newHarness(t *testing.T, anchor int64) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conn := database.Conn()
	require.NoError(t, master.CreateTables(ctx, conn))
	require.NoError(t, account.CreateTables(ctx, conn))
	require.NoError(t, repository.CreateTables(ctx, conn))

	ser := db.NewSerializer(database, nil, time.Hour)
	ser.Start()
	t.Cleanup(ser.Shutdown)

	h := &harness{
		ser:  ser,
		busy: &scheduler.BusyFlag{},
		svc: &service.Service{
			ID:   1,
			Type: hydrus.ServiceTagRepo,
			Name: "aging repo",
			Options: service.Options{
				UpdatePeriodSeconds:        100,
				NullificationPeriodSeconds: 500,
			},
		},
	}

	_, err = ser.Write(ctx, "bootstrap", func(tx *db.Tx) (any, error) {
		if err := repository.CreateServiceTables(tx, h.svc.ID); err != nil {
			return nil, err
		}
		if err := repository.InitServiceSync(tx, h.svc.ID, anchor); err != nil {
			return nil, err
		}
		access, err := account.ProvisionService(tx, h.svc.ID, anchor)
		if err != nil {
			return nil, err
		}
		key, err := account.ResolveAccessKey(tx, h.svc.ID, access, anchor)
		if err != nil {
			return nil, err
		}
		h.admin, err = account.GetAccount(tx, h.svc.ID, key)
		return nil, err
	})
	require.NoError(t, err)
	return h
}

// addWindow records a published window in the service's update index.
func (h *harness) addWindow(t *testing.T, index, begin, end int64) {
	t.Helper()
	_, err := h.ser.Write(context.Background(), "add window", func(tx *db.Tx) (any, error) {
		_, err := tx.Exec(
			"INSERT INTO update_indices_1 (update_index, begin, end) VALUES (?, ?, ?)",
			index, begin, end)
		return nil, err
	})
	require.NoError(t, err)
}

func (h *harness) addFile(t *testing.T, payload string, at int64) {
	t.Helper()
	meta := hydrus.FileMetadata{Hash: hydrus.HashBytes([]byte(payload)), Size: 100, Mime: 1}
	_, err := h.ser.Write(context.Background(), "add file", func(tx *db.Tx) (any, error) {
		return nil, repository.AddFile(tx, h.svc, h.admin, meta, false, "", at)
	})
	require.NoError(t, err)
}

// next runs one cursor step and reports whether it consumed an update.
func (h *harness) next(t *testing.T) bool {
	t.Helper()
	v, err := h.ser.Write(context.Background(), "nullify", func(tx *db.Tx) (any, error) {
		return nullifyNext(tx, h.svc)
	})
	require.NoError(t, err)
	return v.(bool)
}

func (h *harness) cursor(t *testing.T) int64 {
	t.Helper()
	v, err := h.ser.Read(context.Background(), "cursor", func(tx *db.Tx) (any, error) {
		return repository.NextNullificationIndex(tx, h.svc.ID)
	})
	require.NoError(t, err)
	return v.(int64)
}

func (h *harness) fileAccountIDs(t *testing.T) []int64 {
	t.Helper()
	v, err := h.ser.Read(context.Background(), "file accounts", func(tx *db.Tx) (any, error) {
		rows, err := tx.Query("SELECT account_id FROM current_files_1 ORDER BY service_hash_id")
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
	require.NoError(t, err)
	return v.([]int64)
}

func (h *harness) nullAccountID(t *testing.T) int64 {
	t.Helper()
	v, err := h.ser.Read(context.Background(), "null account", func(tx *db.Tx) (any, error) {
		return account.GetNullAccountID(tx, h.svc.ID)
	})
	require.NoError(t, err)
	return v.(int64)
}

func TestNullifyAgedWindowErasesAttribution(t *testing.T) {
	anchor := hydrus.NowUnix() - 1000
	h := newHarness(t, anchor)
	h.addFile(t, "old file", anchor+10)
	h.addWindow(t, 0, anchor, anchor+100)

	require.True(t, h.next(t))

	nullID := h.nullAccountID(t)
	assert.NotEqual(t, h.admin.ID, nullID)
	assert.Equal(t, []int64{nullID}, h.fileAccountIDs(t))
	assert.Equal(t, int64(1), h.cursor(t))
}

func TestNullifyYoungWindowWaits(t *testing.T) {
	now := hydrus.NowUnix()
	anchor := now - 200
	h := newHarness(t, anchor)
	h.addFile(t, "fresh file", anchor+10)
	// The window closed recently; its nullification period has not elapsed.
	h.addWindow(t, 0, anchor, anchor+100)

	assert.False(t, h.next(t))
	assert.Equal(t, []int64{h.admin.ID}, h.fileAccountIDs(t))
	assert.Equal(t, int64(0), h.cursor(t))
}

func TestNullifyEmptyWindowAdvancesCursor(t *testing.T) {
	anchor := hydrus.NowUnix() - 1000
	h := newHarness(t, anchor)
	h.addWindow(t, 0, anchor, anchor+100)

	require.True(t, h.next(t))
	assert.Equal(t, int64(1), h.cursor(t))
}

func TestNullifyCaughtUp(t *testing.T) {
	h := newHarness(t, hydrus.NowUnix())
	assert.False(t, h.next(t))
	assert.Equal(t, int64(0), h.cursor(t))
}

func TestRunStopsWhenCaughtUp(t *testing.T) {
	h := newHarness(t, hydrus.NowUnix())
	n := New(h.ser, h.busy)
	require.NoError(t, n.Run(context.Background(), h.svc))
}

func TestRunDrainsBacklogPacedByWork(t *testing.T) {
	anchor := hydrus.NowUnix() - 5000
	h := newHarness(t, anchor)
	h.addFile(t, "old file", anchor+10)
	h.addWindow(t, 0, anchor, anchor+100)
	h.addWindow(t, 1, anchor+100, anchor+200)
	h.addWindow(t, 2, anchor+200, anchor+300)

	// The pause after each update is bounded by that update's work duration,
	// so a backlog of cheap windows drains in one quick cycle.
	n := New(h.ser, h.busy)
	started := time.Now()
	require.NoError(t, n.Run(context.Background(), h.svc))
	assert.Less(t, time.Since(started), time.Minute)
	assert.Equal(t, int64(3), h.cursor(t))
	assert.Equal(t, []int64{h.nullAccountID(t)}, h.fileAccountIDs(t))
}

func TestRunYieldsToMaintenance(t *testing.T) {
	anchor := hydrus.NowUnix() - 1000
	h := newHarness(t, anchor)
	h.addFile(t, "held file", anchor+10)
	h.addWindow(t, 0, anchor, anchor+100)

	require.True(t, h.busy.TryAcquire())
	defer h.busy.Release()

	n := New(h.ser, h.busy)
	require.NoError(t, n.Run(context.Background(), h.svc))
	assert.Equal(t, []int64{h.admin.ID}, h.fileAccountIDs(t), "a held busy flag defers the pass")
	assert.Equal(t, int64(0), h.cursor(t))
}
