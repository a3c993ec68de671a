// Package master is the shared definition store: stable numeric ids for
// hashes and tags, unique across the whole database and shared by every
// service. It lives in the attached external_master database.
package master

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
)

// CreateTables bootstraps the master schema.
func CreateTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s.hashes (
			master_hash_id INTEGER PRIMARY KEY,
			hash BLOB NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS %[1]s.tags (
			master_tag_id INTEGER PRIMARY KEY,
			tag TEXT NOT NULL UNIQUE
		);`, db.SchemaMaster))
	return err
}

// GetHashID returns the master id for hash, minting one on first sighting.
func GetHashID(tx *db.Tx, hash hydrus.Hash) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT master_hash_id FROM %s.hashes WHERE hash = ?", db.SchemaMaster),
		[]byte(hash)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s.hashes (hash) VALUES (?)", db.SchemaMaster),
		[]byte(hash))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LookupHashID returns the master id for hash, or not_found.
func LookupHashID(tx *db.Tx, hash hydrus.Hash) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT master_hash_id FROM %s.hashes WHERE hash = ?", db.SchemaMaster),
		[]byte(hash)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "hash %s is unknown", hash)
	}
	return id, err
}

// GetHash resolves a master hash id back to its digest.
func GetHash(tx *db.Tx, id int64) (hydrus.Hash, error) {
	var b []byte
	err := tx.QueryRow(
		fmt.Sprintf("SELECT hash FROM %s.hashes WHERE master_hash_id = ?", db.SchemaMaster),
		id).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, hydrus.Errorf(hydrus.NotFound, "no hash with master id %d", id)
	}
	return hydrus.Hash(b), err
}

// GetTagID returns the master id for tag, normalizing first and minting an
// id on first sighting.
func GetTagID(tx *db.Tx, tag string) (int64, error) {
	clean, err := NormalizeTag(tag)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(
		fmt.Sprintf("SELECT master_tag_id FROM %s.tags WHERE tag = ?", db.SchemaMaster),
		clean).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s.tags (tag) VALUES (?)", db.SchemaMaster), clean)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTag resolves a master tag id back to its text.
func GetTag(tx *db.Tx, id int64) (string, error) {
	var tag string
	err := tx.QueryRow(
		fmt.Sprintf("SELECT tag FROM %s.tags WHERE master_tag_id = ?", db.SchemaMaster),
		id).Scan(&tag)
	if err == sql.ErrNoRows {
		return "", hydrus.Errorf(hydrus.NotFound, "no tag with master id %d", id)
	}
	return tag, err
}

// HashType identifies the digest algorithm behind a raw hash value.
type HashType int

const (
	MD5 HashType = iota
	SHA1
	SHA256
	SHA512
)

// HashTypeForLength maps a raw hash length to its algorithm. Guessing from
// length alone is only done when the caller explicitly opts in; legacy
// archives without a recorded hash type must not be silently interpreted.
func HashTypeForLength(n int, allowGuess bool) (HashType, error) {
	if !allowGuess {
		return 0, hydrus.Errorf(hydrus.BadRequest, "hash type is unrecorded; refusing to guess from %d-byte length without explicit opt-in", n)
	}
	switch n {
	case 16:
		return MD5, nil
	case 20:
		return SHA1, nil
	case 32:
		return SHA256, nil
	case 64:
		return SHA512, nil
	}
	return 0, hydrus.Errorf(hydrus.BadRequest, "no hash algorithm has %d-byte digests", n)
}
