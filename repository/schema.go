// Package repository owns the per-service content tables - current, deleted,
// pending and petitioned rows for files, mappings, tag parents and tag
// siblings - and the primitives that mutate them: add, delete, pend,
// petition, deny, and the petition engine built on top. Every primitive runs
// inside a single serializer job and maintains the service_info counters
// with signed deltas.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus/db"
)

// Per-service table name helpers. Mappings tables live in the attached
// external_mappings database; everything else in main.
func tbl(name string, serviceID int64) string {
	return fmt.Sprintf("%s_%d", name, serviceID)
}

func mapTbl(name string, serviceID int64) string {
	return fmt.Sprintf("%s.%s_%d", db.SchemaMappings, name, serviceID)
}

// CreateTables bootstraps the service-independent repository schema.
func CreateTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS files_info (
			master_hash_id INTEGER PRIMARY KEY,
			size INTEGER NOT NULL,
			mime INTEGER NOT NULL,
			width INTEGER, height INTEGER, duration INTEGER,
			num_frames INTEGER, num_words INTEGER
		);
		CREATE TABLE IF NOT EXISTS reasons (
			reason_id INTEGER PRIMARY KEY,
			reason TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS service_info (
			service_id INTEGER NOT NULL,
			info_type INTEGER NOT NULL,
			info INTEGER NOT NULL,
			PRIMARY KEY (service_id, info_type)
		);
		CREATE TABLE IF NOT EXISTS petition_counts (
			service_id INTEGER NOT NULL,
			content_type INTEGER NOT NULL,
			status INTEGER NOT NULL,
			num INTEGER NOT NULL,
			PRIMARY KEY (service_id, content_type, status)
		);
		CREATE TABLE IF NOT EXISTS account_scores (
			service_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			score INTEGER NOT NULL,
			PRIMARY KEY (service_id, account_id)
		);
		CREATE TABLE IF NOT EXISTS ip_addresses (
			service_id INTEGER NOT NULL,
			master_hash_id INTEGER NOT NULL,
			ip TEXT NOT NULL,
			ip_timestamp INTEGER NOT NULL,
			PRIMARY KEY (service_id, master_hash_id)
		);
		CREATE TABLE IF NOT EXISTS deferred_physical_file_deletes (
			master_hash_id INTEGER PRIMARY KEY,
			queued_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS deferred_physical_thumbnail_deletes (
			master_hash_id INTEGER PRIMARY KEY,
			queued_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS service_sync (
			service_id INTEGER PRIMARY KEY,
			sync_anchor INTEGER NOT NULL,
			next_nullification_index INTEGER NOT NULL DEFAULT 0
		);`))
	return err
}

// CreateServiceTables provisions the per-service tables for a new repository
// service: the dense id maps, the four tables per content kind, and the
// update index.
func CreateServiceTables(tx *db.Tx, serviceID int64) error {
	stmts := []string{
		// Dense per-service ids, with mint timestamps so the bundler can
		// enumerate definitions added in a window.
		fmt.Sprintf(`CREATE TABLE %s (
			service_hash_id INTEGER PRIMARY KEY,
			master_hash_id INTEGER NOT NULL UNIQUE,
			hash_id_timestamp INTEGER NOT NULL)`, tbl("service_hash_ids", serviceID)),
		fmt.Sprintf(`CREATE INDEX %s_ts ON %s (hash_id_timestamp)`,
			tbl("service_hash_ids", serviceID), tbl("service_hash_ids", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			service_tag_id INTEGER PRIMARY KEY,
			master_tag_id INTEGER NOT NULL UNIQUE,
			tag_id_timestamp INTEGER NOT NULL)`, tbl("service_tag_ids", serviceID)),

		// Files.
		fmt.Sprintf(`CREATE TABLE %s (
			service_hash_id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			file_timestamp INTEGER NOT NULL)`, tbl("current_files", serviceID)),
		fmt.Sprintf(`CREATE INDEX %s_ts ON %s (file_timestamp)`,
			tbl("current_files", serviceID), tbl("current_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			service_hash_id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			file_timestamp INTEGER NOT NULL)`, tbl("deleted_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			master_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (master_hash_id, account_id))`, tbl("pending_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (service_hash_id, account_id))`, tbl("petitioned_files", serviceID)),

		// Mappings, in the attached mappings database.
		fmt.Sprintf(`CREATE TABLE %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			mapping_timestamp INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id))`, mapTbl("current_mappings", serviceID)),
		fmt.Sprintf(`CREATE INDEX %s.%s_ts ON %s (mapping_timestamp)`,
			db.SchemaMappings, tbl("current_mappings", serviceID), tbl("current_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			mapping_timestamp INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id))`, mapTbl("deleted_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			master_tag_id INTEGER NOT NULL,
			master_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (master_tag_id, master_hash_id, account_id))`, mapTbl("pending_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id, account_id))`, mapTbl("petitioned_mappings", serviceID)),

		// Tag parents (child, parent) and tag siblings (bad, good). The
		// sibling current table keys on bad alone: a bad tag maps to at
		// most one good tag at a time.
		fmt.Sprintf(`CREATE TABLE %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			parent_timestamp INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id))`, tbl("current_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			parent_timestamp INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id))`, tbl("deleted_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			child_master_tag_id INTEGER NOT NULL,
			parent_master_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (child_master_tag_id, parent_master_tag_id, account_id))`, tbl("pending_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id, account_id))`, tbl("petitioned_tag_parents", serviceID)),

		fmt.Sprintf(`CREATE TABLE %s (
			bad_service_tag_id INTEGER PRIMARY KEY,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			sibling_timestamp INTEGER NOT NULL)`, tbl("current_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			bad_service_tag_id INTEGER NOT NULL,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			sibling_timestamp INTEGER NOT NULL,
			PRIMARY KEY (bad_service_tag_id, good_service_tag_id))`, tbl("deleted_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			bad_master_tag_id INTEGER NOT NULL,
			good_master_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (bad_master_tag_id, good_master_tag_id, account_id))`, tbl("pending_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			bad_service_tag_id INTEGER NOT NULL,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (bad_service_tag_id, good_service_tag_id, account_id))`, tbl("petitioned_tag_siblings", serviceID)),

		// Update bundles: the blob hashes of published updates and the
		// index of (update_index, begin, end).
		fmt.Sprintf(`CREATE TABLE %s (
			master_hash_id INTEGER NOT NULL,
			update_index INTEGER NOT NULL,
			PRIMARY KEY (master_hash_id))`, tbl("updates", serviceID)),
		fmt.Sprintf(`CREATE TABLE %s (
			update_index INTEGER PRIMARY KEY,
			begin INTEGER NOT NULL,
			end INTEGER NOT NULL)`, tbl("update_indices", serviceID)),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("provisioning service %d tables: %w", serviceID, err)
		}
	}
	return nil
}
