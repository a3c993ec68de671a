package account

import (
	"database/sql"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// IssueRegistrationKeys mints count (reg_key, account_key, access_key)
// tuples for the given account type. The table stores SHA-256(reg_key) as
// the lookup and the raw access_key transiently, until first redemption.
// The null type cannot be issued.
func IssueRegistrationKeys(tx *db.Tx, serviceID, accountTypeID int64, count int, expires int64) ([]hydrus.Key, error) {
	t, err := GetType(tx, accountTypeID)
	if err != nil {
		return nil, err
	}
	if t.IsNull {
		return nil, hydrus.Errorf(hydrus.BadRequest, "registration keys cannot be issued for the null account type")
	}
	if t.ServiceID != serviceID {
		return nil, hydrus.Errorf(hydrus.BadRequest, "account type %d belongs to another service", accountTypeID)
	}
	if count < 1 {
		return nil, hydrus.Errorf(hydrus.BadRequest, "count must be positive")
	}

	regKeys := make([]hydrus.Key, 0, count)
	for i := 0; i < count; i++ {
		regKey := hydrus.NewKey()
		if _, err := tx.Exec(`
			INSERT INTO registration_keys (registration_key_hash, service_id, account_type_id, account_key, access_key, expires)
			VALUES (?, ?, ?, ?, ?, ?)`,
			hydrus.HashKey(regKey), serviceID, accountTypeID,
			[]byte(hydrus.NewKey()), []byte(hydrus.NewAccessKey()), expires); err != nil {
			return nil, err
		}
		regKeys = append(regKeys, regKey)
	}
	return regKeys, nil
}

// FetchAccessKey redeems a registration key for an access key, rotating to a
// fresh secret on every call so a snooped reg_key cannot race the rightful
// owner out of the account.
func FetchAccessKey(tx *db.Tx, serviceID int64, regKey hydrus.Key, now int64) (hydrus.AccessKey, error) {
	regHash := hydrus.HashKey(regKey)
	var expires int64
	err := tx.QueryRow(
		"SELECT expires FROM registration_keys WHERE registration_key_hash = ? AND service_id = ?",
		regHash, serviceID).Scan(&expires)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "unknown registration key")
	}
	if err != nil {
		return nil, err
	}
	if expires != 0 && expires <= now {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "registration key has expired")
	}

	fresh := hydrus.NewAccessKey()
	if _, err := tx.Exec(
		"UPDATE registration_keys SET access_key = ? WHERE registration_key_hash = ?",
		[]byte(fresh), regHash); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ResolveAccessKey maps an access key to its account key. On the first
// success for a registered-but-unmaterialized key, the account row is
// created and the registration row deleted, discarding every superseded
// secret. Unknown keys are unauthorized.
func ResolveAccessKey(tx *db.Tx, serviceID int64, accessKey hydrus.AccessKey, now int64) (hydrus.Key, error) {
	hashed := hydrus.HashAccessKey(accessKey)

	var key []byte
	err := tx.QueryRow(
		"SELECT account_key FROM accounts WHERE service_id = ? AND hashed_access_key = ?",
		serviceID, hashed).Scan(&key)
	if err == nil {
		return hydrus.Key(key), nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Maybe a redeemed registration key awaiting materialization.
	var (
		regHash       []byte
		accountTypeID int64
		accountKey    []byte
		storedAccess  []byte
		expires       int64
	)
	err = tx.QueryRow(`
		SELECT registration_key_hash, account_type_id, account_key, access_key, expires
		FROM registration_keys WHERE service_id = ? AND access_key = ?`,
		serviceID, []byte(accessKey)).Scan(&regHash, &accountTypeID, &accountKey, &storedAccess, &expires)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "unknown access key")
	}
	if err != nil {
		return nil, err
	}
	if expires != 0 && expires <= now {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "registration key has expired")
	}

	if _, err := insertAccount(tx, serviceID, accountTypeID, hydrus.Key(accountKey), accessKey, 0, now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec("DELETE FROM registration_keys WHERE registration_key_hash = ?", regHash); err != nil {
		return nil, err
	}
	return hydrus.Key(accountKey), nil
}

// AutoCreateRegistrationKey mints a single registration key when the type's
// auto-creation velocity admits another account, recording the creation in
// the velocity history.
func AutoCreateRegistrationKey(tx *db.Tx, serviceID, accountTypeID int64) (hydrus.Key, error) {
	t, err := GetType(tx, accountTypeID)
	if err != nil {
		return nil, err
	}
	if !t.CanAutoCreate() {
		return nil, hydrus.Errorf(hydrus.Conflict, "account type %q is not auto-creating accounts right now", t.Title)
	}
	keys, err := IssueRegistrationKeys(tx, serviceID, accountTypeID, 1, 0)
	if err != nil {
		return nil, err
	}
	t.AutoCreateTracker.ReportRequestUsed()
	if err := UpdateType(tx, t); err != nil {
		return nil, err
	}
	return keys[0], nil
}
