package session

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
)

type harness struct {
	ser    *db.Serializer
	access hydrus.AccessKey
	key    hydrus.Key
}

const testServiceID = int64(1)

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

	h := &harness{ser: ser}
	now := hydrus.NowUnix()
	_, err = ser.Write(ctx, "bootstrap", func(tx *db.Tx) (any, error) {
		access, err := account.ProvisionService(tx, testServiceID, now)
		if err != nil {
			return nil, err
		}
		h.access = access
		h.key, err = account.ResolveAccessKey(tx, testServiceID, access, now)
		return nil, err
	})
	require.NoError(t, err)
	return h
}

func (h *harness) begin(t *testing.T, m *Manager, now int64) (hydrus.Key, int64) {
	t.Helper()
	var sessionKey hydrus.Key
	var expires int64
	_, err := h.ser.Write(context.Background(), "begin session", func(tx *db.Tx) (any, error) {
		var err error
		sessionKey, expires, err = m.Begin(tx, testServiceID, h.access, now)
		return nil, err
	})
	require.NoError(t, err)
	return sessionKey, expires
}

func TestBeginAndResolve(t *testing.T) {
	h := newHarness(t)
	m := NewManager(time.Hour, nil)
	now := hydrus.NowUnix()

	sessionKey, expires := h.begin(t, m, now)
	assert.Equal(t, now+3600, expires)

	a, err := m.AccountForSession(testServiceID, sessionKey, now)
	require.NoError(t, err)
	assert.Equal(t, h.key, a.Key)

	_, err = m.AccountForSession(testServiceID, hydrus.NewKey(), now)
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))
}

func TestBeginRejectsBadAccessKey(t *testing.T) {
	h := newHarness(t)
	m := NewManager(time.Hour, nil)

	_, err := h.ser.Write(context.Background(), "bad access key", func(tx *db.Tx) (any, error) {
		_, _, err := m.Begin(tx, testServiceID, hydrus.NewAccessKey(), hydrus.NowUnix())
		return nil, err
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t)
	m := NewManager(time.Hour, nil)
	now := hydrus.NowUnix()

	sessionKey, expires := h.begin(t, m, now)
	_, err := m.AccountForSession(testServiceID, sessionKey, expires)
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))

	// The expired entry was evicted; a second lookup takes the unknown path.
	_, err = m.AccountForSession(testServiceID, sessionKey, now)
	require.Error(t, err)
}

func TestLoadRehydratesLiveSessions(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()

	first := NewManager(time.Hour, nil)
	sessionKey, _ := h.begin(t, first, now)

	// A fresh manager over the same table sees the open session.
	second := NewManager(time.Hour, nil)
	_, err := h.ser.Write(context.Background(), "rehydrate", func(tx *db.Tx) (any, error) {
		return nil, second.Load(tx, now)
	})
	require.NoError(t, err)

	a, err := second.AccountForSession(testServiceID, sessionKey, now)
	require.NoError(t, err)
	assert.Equal(t, h.key, a.Key)
}

func TestDropExpiredPrunesTableAndCache(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	m := NewManager(time.Hour, nil)
	sessionKey, expires := h.begin(t, m, now)

	_, err := h.ser.Write(context.Background(), "drop expired", func(tx *db.Tx) (any, error) {
		return nil, m.DropExpired(tx, expires)
	})
	require.NoError(t, err)

	_, err = m.AccountForSession(testServiceID, sessionKey, now)
	require.Error(t, err)

	v, err := h.ser.Read(context.Background(), "count sessions", func(tx *db.Tx) (any, error) {
		var n int
		err := tx.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
		return n, err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestRefreshAccountsUpdatesSnapshots(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	m := NewManager(time.Hour, nil)
	sessionKey, _ := h.begin(t, m, now)

	h.setMessage(t, "maintenance tonight", now)
	_, err := h.ser.Write(context.Background(), "refresh", func(tx *db.Tx) (any, error) {
		return nil, m.RefreshAccounts(tx, testServiceID, []hydrus.Key{h.key})
	})
	require.NoError(t, err)

	a, err := m.AccountForSession(testServiceID, sessionKey, now)
	require.NoError(t, err)
	assert.Equal(t, "maintenance tonight", a.Message)
}

func TestRefreshAllUpdatesEverySession(t *testing.T) {
	h := newHarness(t)
	now := hydrus.NowUnix()
	m := NewManager(time.Hour, nil)
	one, _ := h.begin(t, m, now)
	two, _ := h.begin(t, m, now)

	h.setMessage(t, "rules changed", now)
	_, err := h.ser.Write(context.Background(), "refresh all", func(tx *db.Tx) (any, error) {
		return nil, m.RefreshAll(tx, testServiceID)
	})
	require.NoError(t, err)

	for _, key := range []hydrus.Key{one, two} {
		a, err := m.AccountForSession(testServiceID, key, now)
		require.NoError(t, err)
		assert.Equal(t, "rules changed", a.Message)
	}
}

func (h *harness) setMessage(t *testing.T, message string, now int64) {
	t.Helper()
	_, err := h.ser.Write(context.Background(), "set message", func(tx *db.Tx) (any, error) {
		a, err := account.GetAccount(tx, testServiceID, h.key)
		if err != nil {
			return nil, err
		}
		return nil, account.SetMessage(tx, a, message, now)
	})
	require.NoError(t, err)
}
