package repository

import (
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/master"
)

// GetServiceHashID maps a master hash id to the service's dense id, minting
// one (stamped with now, for the bundler's window scans) on first sighting.
func GetServiceHashID(tx *db.Tx, serviceID, masterHashID, now int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT service_hash_id FROM %s WHERE master_hash_id = ?", tbl("service_hash_ids", serviceID)),
		masterHashID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (master_hash_id, hash_id_timestamp) VALUES (?, ?)", tbl("service_hash_ids", serviceID)),
		masterHashID, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LookupServiceHashID resolves without minting, or not_found.
func LookupServiceHashID(tx *db.Tx, serviceID, masterHashID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT service_hash_id FROM %s WHERE master_hash_id = ?", tbl("service_hash_ids", serviceID)),
		masterHashID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d does not know master hash %d", serviceID, masterHashID)
	}
	return id, err
}

// MasterHashID resolves a service hash id back to the master id.
func MasterHashID(tx *db.Tx, serviceID, serviceHashID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT master_hash_id FROM %s WHERE service_hash_id = ?", tbl("service_hash_ids", serviceID)),
		serviceHashID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d has no hash id %d", serviceID, serviceHashID)
	}
	return id, err
}

// ServiceHashIDForHash is the common digest-to-service-id path, minting
// master and service ids as needed.
func ServiceHashIDForHash(tx *db.Tx, serviceID int64, hash hydrus.Hash, now int64) (int64, error) {
	masterID, err := master.GetHashID(tx, hash)
	if err != nil {
		return 0, err
	}
	return GetServiceHashID(tx, serviceID, masterID, now)
}

// HashForServiceHashID resolves a service hash id all the way to the digest.
func HashForServiceHashID(tx *db.Tx, serviceID, serviceHashID int64) (hydrus.Hash, error) {
	masterID, err := MasterHashID(tx, serviceID, serviceHashID)
	if err != nil {
		return nil, err
	}
	return master.GetHash(tx, masterID)
}

// GetServiceTagID maps a master tag id to the service's dense id, minting on
// first sighting.
func GetServiceTagID(tx *db.Tx, serviceID, masterTagID, now int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT service_tag_id FROM %s WHERE master_tag_id = ?", tbl("service_tag_ids", serviceID)),
		masterTagID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (master_tag_id, tag_id_timestamp) VALUES (?, ?)", tbl("service_tag_ids", serviceID)),
		masterTagID, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MasterTagID resolves a service tag id back to the master id.
func MasterTagID(tx *db.Tx, serviceID, serviceTagID int64) (int64, error) {
	var id int64
	err := tx.QueryRow(
		fmt.Sprintf("SELECT master_tag_id FROM %s WHERE service_tag_id = ?", tbl("service_tag_ids", serviceID)),
		serviceTagID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, hydrus.Errorf(hydrus.NotFound, "service %d has no tag id %d", serviceID, serviceTagID)
	}
	return id, err
}

// ServiceTagIDForTag normalizes and resolves a tag to the service's dense
// id, minting master and service ids as needed.
func ServiceTagIDForTag(tx *db.Tx, serviceID int64, tag string, now int64) (int64, error) {
	masterID, err := master.GetTagID(tx, tag)
	if err != nil {
		return 0, err
	}
	return GetServiceTagID(tx, serviceID, masterID, now)
}

// TagForServiceTagID resolves a service tag id back to its text.
func TagForServiceTagID(tx *db.Tx, serviceID, serviceTagID int64) (string, error) {
	masterID, err := MasterTagID(tx, serviceID, serviceTagID)
	if err != nil {
		return "", err
	}
	return master.GetTag(tx, masterID)
}
