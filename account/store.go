package account

import (
	"context"
	"database/sql"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/bandwidth"
	"github.com/nedfreetoplay/hydrus/db"
)

// TopicRefreshAccounts fires after any account mutation commits; the session
// manager subscribes to re-read fresh account state. Args: service id (int64),
// account key hex (string).
const TopicRefreshAccounts = "refresh_accounts"

// TopicRefreshAllAccounts fires after account-type changes. Args: service id.
const TopicRefreshAllAccounts = "refresh_all_accounts"

// CreateTables bootstraps the account schema.
func CreateTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account_types (
			account_type_id INTEGER PRIMARY KEY,
			service_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			is_null INTEGER NOT NULL DEFAULT 0,
			dump TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS accounts (
			account_id INTEGER PRIMARY KEY,
			service_id INTEGER NOT NULL,
			account_key BLOB NOT NULL UNIQUE,
			hashed_access_key BLOB NOT NULL UNIQUE,
			account_type_id INTEGER NOT NULL,
			created INTEGER NOT NULL,
			expires INTEGER NOT NULL DEFAULT 0,
			dump TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS accounts_service_idx ON accounts (service_id);
		CREATE TABLE IF NOT EXISTS registration_keys (
			registration_key_hash BLOB PRIMARY KEY,
			service_id INTEGER NOT NULL,
			account_type_id INTEGER NOT NULL,
			account_key BLOB NOT NULL,
			access_key BLOB NOT NULL,
			expires INTEGER NOT NULL DEFAULT 0
		);`)
	return err
}

// InsertType persists a new account type.
func InsertType(tx *db.Tx, t *Type) error {
	dump, err := t.encodeDump()
	if err != nil {
		return err
	}
	res, err := tx.Exec(
		"INSERT INTO account_types (service_id, title, is_null, dump) VALUES (?, ?, ?, ?)",
		t.ServiceID, t.Title, boolToInt(t.IsNull), dump)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// UpdateType rewrites a type's dictionary (permissions, rules, velocity).
func UpdateType(tx *db.Tx, t *Type) error {
	dump, err := t.encodeDump()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		"UPDATE account_types SET title = ?, dump = ? WHERE account_type_id = ?",
		t.Title, dump, t.ID); err != nil {
		return err
	}
	tx.PubAfterCommit(TopicRefreshAllAccounts, t.ServiceID)
	return nil
}

// GetType loads one account type.
func GetType(tx *db.Tx, typeID int64) (*Type, error) {
	t := &Type{ID: typeID}
	var isNull int
	var dump string
	err := tx.QueryRow(
		"SELECT service_id, title, is_null, dump FROM account_types WHERE account_type_id = ?",
		typeID).Scan(&t.ServiceID, &t.Title, &isNull, &dump)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.NotFound, "no account type %d", typeID)
	}
	if err != nil {
		return nil, err
	}
	t.IsNull = isNull != 0
	if err := t.decodeDump(dump); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTypesForService loads all of a service's account types.
func GetTypesForService(tx *db.Tx, serviceID int64) ([]*Type, error) {
	rows, err := tx.Query(
		"SELECT account_type_id FROM account_types WHERE service_id = ? ORDER BY account_type_id",
		serviceID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Type, 0, len(ids))
	for _, id := range ids {
		t, err := GetType(tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetNullType returns the service's sentinel type.
func GetNullType(tx *db.Tx, serviceID int64) (*Type, error) {
	var id int64
	err := tx.QueryRow(
		"SELECT account_type_id FROM account_types WHERE service_id = ? AND is_null = 1",
		serviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.NotFound, "service %d has no null account type", serviceID)
	}
	if err != nil {
		return nil, err
	}
	return GetType(tx, id)
}

// GetNullAccountID returns the service's null account, the attribution sink.
func GetNullAccountID(tx *db.Tx, serviceID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`
		SELECT account_id FROM accounts
		WHERE service_id = ? AND account_type_id IN
			(SELECT account_type_id FROM account_types WHERE service_id = ? AND is_null = 1)`,
		serviceID, serviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d has no null account", serviceID)
	}
	return id, err
}

// ProvisionService creates the null type + account and the admin type +
// account for a new service. The admin access key is returned exactly once;
// only its hash is retained.
func ProvisionService(tx *db.Tx, serviceID int64, now int64) (hydrus.AccessKey, error) {
	nullType := &Type{
		ServiceID:   serviceID,
		Title:       "null account",
		IsNull:      true,
		Permissions: map[hydrus.ContentType]hydrus.Permission{},
	}
	if err := InsertType(tx, nullType); err != nil {
		return nil, err
	}
	if _, err := insertAccount(tx, serviceID, nullType.ID, hydrus.NewKey(), hydrus.NewAccessKey(), 0, now); err != nil {
		return nil, err
	}

	adminType := &Type{
		ServiceID: serviceID,
		Title:     "administrator",
		Permissions: map[hydrus.ContentType]hydrus.Permission{
			hydrus.ContentServices:    hydrus.PermissionModerate,
			hydrus.ContentAccounts:    hydrus.PermissionModerate,
			hydrus.ContentFiles:       hydrus.PermissionModerate,
			hydrus.ContentMappings:    hydrus.PermissionModerate,
			hydrus.ContentTagParents:  hydrus.PermissionModerate,
			hydrus.ContentTagSiblings: hydrus.PermissionModerate,
		},
	}
	if err := InsertType(tx, adminType); err != nil {
		return nil, err
	}
	adminAccessKey := hydrus.NewAccessKey()
	if _, err := insertAccount(tx, serviceID, adminType.ID, hydrus.NewKey(), adminAccessKey, 0, now); err != nil {
		return nil, err
	}
	return adminAccessKey, nil
}

func insertAccount(tx *db.Tx, serviceID, typeID int64, key hydrus.Key, accessKey hydrus.AccessKey, expires, now int64) (int64, error) {
	a := Account{Bandwidth: bandwidth.NewTracker()}
	dump, err := a.encodeDump()
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`
		INSERT INTO accounts (service_id, account_key, hashed_access_key, account_type_id, created, expires, dump)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		serviceID, []byte(key), hydrus.HashAccessKey(accessKey), typeID, now, expires, dump)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanAccount(tx *db.Tx, row *sql.Row) (*Account, error) {
	a := &Account{}
	var key []byte
	var typeID int64
	var dump string
	err := row.Scan(&a.ID, &a.Service, &key, &typeID, &a.Created, &a.Expires, &dump)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "unknown account")
	}
	if err != nil {
		return nil, err
	}
	a.Key = hydrus.Key(key)
	if err := a.decodeDump(dump); err != nil {
		return nil, err
	}
	if a.Type, err = GetType(tx, typeID); err != nil {
		return nil, err
	}
	return a, nil
}

const accountCols = "account_id, service_id, account_key, account_type_id, created, expires, dump"

// GetAccount loads an account by key within a service.
func GetAccount(tx *db.Tx, serviceID int64, accountKey hydrus.Key) (*Account, error) {
	return scanAccount(tx, tx.QueryRow(
		"SELECT "+accountCols+" FROM accounts WHERE service_id = ? AND account_key = ?",
		serviceID, []byte(accountKey)))
}

// GetAccountByID loads an account by row id.
func GetAccountByID(tx *db.Tx, accountID int64) (*Account, error) {
	return scanAccount(tx, tx.QueryRow(
		"SELECT "+accountCols+" FROM accounts WHERE account_id = ?", accountID))
}

// SaveAccount persists an account's mutable dictionary and expiry.
func SaveAccount(tx *db.Tx, a *Account) error {
	dump, err := a.encodeDump()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		"UPDATE accounts SET expires = ?, account_type_id = ?, dump = ? WHERE account_id = ?",
		a.Expires, a.Type.ID, dump, a.ID); err != nil {
		return err
	}
	tx.PubAfterCommit(TopicRefreshAccounts, a.Service, a.Key.String())
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireMortal rejects mutations aimed at the null account.
func requireMortal(a *Account) error {
	if a.Type.IsNull {
		return hydrus.Errorf(hydrus.BadRequest, "the null account cannot be modified")
	}
	return nil
}

// ModifyAccountType moves the subject to a different account type of the
// same service.
func ModifyAccountType(tx *db.Tx, subject *Account, newTypeID int64) error {
	if err := requireMortal(subject); err != nil {
		return err
	}
	t, err := GetType(tx, newTypeID)
	if err != nil {
		return err
	}
	if t.IsNull {
		return hydrus.Errorf(hydrus.BadRequest, "accounts cannot be moved to the null account type")
	}
	if t.ServiceID != subject.Service {
		return hydrus.Errorf(hydrus.BadRequest, "account type %d belongs to another service", newTypeID)
	}
	subject.Type = t
	return SaveAccount(tx, subject)
}

// BanAccount applies a ban. bannedUntil zero means forever.
func BanAccount(tx *db.Tx, subject *Account, reason string, now, bannedUntil int64) error {
	if err := requireMortal(subject); err != nil {
		return err
	}
	subject.Ban = &Ban{Reason: reason, Created: now, Expires: bannedUntil}
	return SaveAccount(tx, subject)
}

// UnbanAccount lifts any ban.
func UnbanAccount(tx *db.Tx, subject *Account) error {
	if err := requireMortal(subject); err != nil {
		return err
	}
	subject.Ban = nil
	return SaveAccount(tx, subject)
}

// SetExpires rewrites the account expiry; zero means never.
func SetExpires(tx *db.Tx, subject *Account, expires int64) error {
	if err := requireMortal(subject); err != nil {
		return err
	}
	subject.Expires = expires
	return SaveAccount(tx, subject)
}

// SetMessage sets the moderator note shown to the owner; the owner's next
// account fetch clears it.
func SetMessage(tx *db.Tx, subject *Account, message string, now int64) error {
	if err := requireMortal(subject); err != nil {
		return err
	}
	subject.Message = message
	subject.MessageCreated = now
	if message == "" {
		subject.MessageCreated = 0
	}
	return SaveAccount(tx, subject)
}
