package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
)

const testServiceID = int64(1)

func newTestSerializer(t *testing.T) *db.Serializer {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conn := database.Conn()
	require.NoError(t, master.CreateTables(ctx, conn))
	require.NoError(t, CreateTables(ctx, conn))

	ser := db.NewSerializer(database, nil, time.Hour)
	ser.Start()
	t.Cleanup(ser.Shutdown)
	return ser
}

func write(t *testing.T, ser *db.Serializer, name string, fn func(tx *db.Tx) error) {
	t.Helper()
	_, err := ser.Write(context.Background(), name, func(tx *db.Tx) (any, error) {
		return nil, fn(tx)
	})
	require.NoError(t, err)
}

func TestProvisionServiceCreatesNullAndAdmin(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	write(t, ser, "provision", func(tx *db.Tx) error {
		access, err := ProvisionService(tx, testServiceID, now)
		if err != nil {
			return err
		}
		key, err := ResolveAccessKey(tx, testServiceID, access, now)
		if err != nil {
			return err
		}
		admin, err := GetAccount(tx, testServiceID, key)
		if err != nil {
			return err
		}
		if !admin.IsAdmin() {
			t.Error("the provisioned account must be an admin")
		}

		nullID, err := GetNullAccountID(tx, testServiceID)
		if err != nil {
			return err
		}
		if nullID == admin.ID {
			t.Error("null and admin accounts must be distinct")
		}
		nullAccount, err := GetAccountByID(tx, nullID)
		if err != nil {
			return err
		}
		if !nullAccount.Type.IsNull {
			t.Error("the null account must carry the null type")
		}
		return nil
	})
}

func TestRegistrationKeyLifecycle(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	var (
		memberType = &Type{
			ServiceID: testServiceID,
			Title:     "member",
			Permissions: map[hydrus.ContentType]hydrus.Permission{
				hydrus.ContentMappings: hydrus.PermissionCreate,
			},
		}
		regKey hydrus.Key
	)
	write(t, ser, "issue", func(tx *db.Tx) error {
		if err := InsertType(tx, memberType); err != nil {
			return err
		}
		keys, err := IssueRegistrationKeys(tx, testServiceID, memberType.ID, 2, 0)
		if err != nil {
			return err
		}
		if len(keys) != 2 {
			return hydrus.Errorf(hydrus.Internal, "expected 2 keys, got %d", len(keys))
		}
		regKey = keys[0]
		return nil
	})

	// Each redemption rotates the access key, so a snooped registration key
	// cannot keep a usable secret.
	var stale, fresh hydrus.AccessKey
	write(t, ser, "redeem twice", func(tx *db.Tx) error {
		var err error
		if stale, err = FetchAccessKey(tx, testServiceID, regKey, now); err != nil {
			return err
		}
		fresh, err = FetchAccessKey(tx, testServiceID, regKey, now)
		return err
	})
	assert.NotEqual(t, stale, fresh)

	_, err := ser.Write(context.Background(), "stale access key", func(tx *db.Tx) (any, error) {
		_, err := ResolveAccessKey(tx, testServiceID, stale, now)
		return nil, err
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))

	// First successful resolve materializes the account and burns the
	// registration row; later resolves hit the account directly.
	var first, second hydrus.Key
	write(t, ser, "materialize", func(tx *db.Tx) error {
		var err error
		if first, err = ResolveAccessKey(tx, testServiceID, fresh, now); err != nil {
			return err
		}
		second, err = ResolveAccessKey(tx, testServiceID, fresh, now)
		return err
	})
	assert.Equal(t, first, second)

	write(t, ser, "check account", func(tx *db.Tx) error {
		a, err := GetAccount(tx, testServiceID, first)
		if err != nil {
			return err
		}
		assert.Equal(t, memberType.ID, a.Type.ID)
		assert.False(t, a.IsAdmin())

		var remaining int
		if err := tx.QueryRow("SELECT COUNT(*) FROM registration_keys").Scan(&remaining); err != nil {
			return err
		}
		assert.Equal(t, 0, remaining, "redeemed registration rows are deleted")
		return nil
	})
}

func TestExpiredRegistrationKeyRejected(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	var regKey hydrus.Key
	write(t, ser, "issue expiring", func(tx *db.Tx) error {
		memberType := &Type{ServiceID: testServiceID, Title: "member"}
		if err := InsertType(tx, memberType); err != nil {
			return err
		}
		keys, err := IssueRegistrationKeys(tx, testServiceID, memberType.ID, 1, now-1)
		if err != nil {
			return err
		}
		regKey = keys[0]
		return nil
	})

	_, err := ser.Write(context.Background(), "redeem expired", func(tx *db.Tx) (any, error) {
		_, err := FetchAccessKey(tx, testServiceID, regKey, now)
		return nil, err
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))
}

func TestNullTypeCannotBeIssued(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	_, err := ser.Write(context.Background(), "issue null", func(tx *db.Tx) (any, error) {
		if _, err := ProvisionService(tx, testServiceID, now); err != nil {
			return nil, err
		}
		nullType, err := GetNullType(tx, testServiceID)
		if err != nil {
			return nil, err
		}
		_, err = IssueRegistrationKeys(tx, testServiceID, nullType.ID, 1, 0)
		return nil, err
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.BadRequest))
}

func TestNullAccountIsImmutable(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	_, err := ser.Write(context.Background(), "ban null account", func(tx *db.Tx) (any, error) {
		if _, err := ProvisionService(tx, testServiceID, now); err != nil {
			return nil, err
		}
		nullID, err := GetNullAccountID(tx, testServiceID)
		if err != nil {
			return nil, err
		}
		nullAccount, err := GetAccountByID(tx, nullID)
		if err != nil {
			return nil, err
		}
		return nil, BanAccount(tx, nullAccount, "no", now, 0)
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.BadRequest))
}

func TestCheckPermission(t *testing.T) {
	now := hydrus.NowUnix()
	member := &Account{
		Type: &Type{Permissions: map[hydrus.ContentType]hydrus.Permission{
			hydrus.ContentMappings: hydrus.PermissionCreate,
		}},
	}

	require.NoError(t, member.CheckPermission(hydrus.ContentMappings, hydrus.PermissionCreate, now))

	err := member.CheckPermission(hydrus.ContentFiles, hydrus.PermissionCreate, now)
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Forbidden))

	member.Ban = &Ban{Reason: "spam", Created: now}
	err = member.CheckPermission(hydrus.ContentMappings, hydrus.PermissionCreate, now)
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))

	// A lapsed ban no longer blocks.
	member.Ban.Expires = now - 1
	require.NoError(t, member.CheckPermission(hydrus.ContentMappings, hydrus.PermissionCreate, now))

	member.Ban = nil
	member.Expires = now - 1
	err = member.CheckPermission(hydrus.ContentMappings, hydrus.PermissionCreate, now)
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Unauthorized))

	admin := &Account{
		Type: &Type{Permissions: map[hydrus.ContentType]hydrus.Permission{
			hydrus.ContentServices: hydrus.PermissionModerate,
		}},
	}
	require.NoError(t, admin.CheckPermission(hydrus.ContentFiles, hydrus.PermissionModerate, now))
}

func TestAutoCreateVelocity(t *testing.T) {
	ser := newTestSerializer(t)

	var typeID int64
	write(t, ser, "insert auto type", func(tx *db.Tx) error {
		autoType := &Type{
			ServiceID:        testServiceID,
			Title:            "open door",
			AutoCreateCount:  1,
			AutoCreatePeriod: 3600,
		}
		if err := InsertType(tx, autoType); err != nil {
			return err
		}
		typeID = autoType.ID
		return nil
	})

	write(t, ser, "first auto create", func(tx *db.Tx) error {
		_, err := AutoCreateRegistrationKey(tx, testServiceID, typeID)
		return err
	})

	// The velocity rule admits one account per hour.
	_, err := ser.Write(context.Background(), "second auto create", func(tx *db.Tx) (any, error) {
		_, err := AutoCreateRegistrationKey(tx, testServiceID, typeID)
		return nil, err
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Conflict))
}

func TestBanRoundTrip(t *testing.T) {
	ser := newTestSerializer(t)
	now := hydrus.NowUnix()

	var key hydrus.Key
	write(t, ser, "provision", func(tx *db.Tx) error {
		access, err := ProvisionService(tx, testServiceID, now)
		if err != nil {
			return err
		}
		key, err = ResolveAccessKey(tx, testServiceID, access, now)
		return err
	})

	write(t, ser, "ban and reload", func(tx *db.Tx) error {
		a, err := GetAccount(tx, testServiceID, key)
		if err != nil {
			return err
		}
		if err := BanAccount(tx, a, "rude", now, now+3600); err != nil {
			return err
		}

		reloaded, err := GetAccount(tx, testServiceID, key)
		if err != nil {
			return err
		}
		assert.True(t, reloaded.IsBanned(now))
		assert.Equal(t, "rude", reloaded.Ban.Reason)
		assert.False(t, reloaded.IsBanned(now+3601))

		if err := UnbanAccount(tx, reloaded); err != nil {
			return err
		}
		final, err := GetAccount(tx, testServiceID, key)
		if err != nil {
			return err
		}
		assert.False(t, final.IsBanned(now))
		return nil
	})
}
