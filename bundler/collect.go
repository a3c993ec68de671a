package bundler

import (
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
)

// collectDefinitions enumerates the hash and tag ids minted inside the
// window, chunked into bundles of at most maxDefinitionRows.
func collectDefinitions(tx *db.Tx, serviceID, lower, end int64) ([]encoding.DefinitionsUpdate, error) {
	var out []encoding.DefinitionsUpdate
	current := encoding.DefinitionsUpdate{}
	flush := func() {
		if current.NumRows() > 0 {
			out = append(out, current)
			current = encoding.DefinitionsUpdate{}
		}
	}

	rows, err := tx.Query(fmt.Sprintf(`
		SELECT shi.service_hash_id, h.hash FROM %s shi
		JOIN %s.hashes h ON h.master_hash_id = shi.master_hash_id
		WHERE shi.hash_id_timestamp BETWEEN ? AND ?
		ORDER BY shi.service_hash_id`,
		svcTable("service_hash_ids", serviceID), db.SchemaMaster),
		lower, end)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var hash []byte
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		current.Hashes = append(current.Hashes, encoding.HashDefinition{
			ServiceHashID: id,
			Hash:          hydrus.Hash(hash).String(),
		})
		if current.NumRows() >= maxDefinitionRows {
			flush()
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = tx.Query(fmt.Sprintf(`
		SELECT sti.service_tag_id, t.tag FROM %s sti
		JOIN %s.tags t ON t.master_tag_id = sti.master_tag_id
		WHERE sti.tag_id_timestamp BETWEEN ? AND ?
		ORDER BY sti.service_tag_id`,
		svcTable("service_tag_ids", serviceID), db.SchemaMaster),
		lower, end)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			rows.Close()
			return nil, err
		}
		current.Tags = append(current.Tags, encoding.TagDefinition{ServiceTagID: id, Tag: tag})
		if current.NumRows() >= maxDefinitionRows {
			flush()
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	flush()
	return out, nil
}

// collectContent enumerates every row change inside the window and packs them
// into content bundles of at most maxContentRows, in a fixed kind order so
// the bytes of a given window are reproducible.
func collectContent(tx *db.Tx, serviceID, lower, end int64) ([]encoding.ContentUpdate, error) {
	var out []encoding.ContentUpdate
	current := encoding.ContentUpdate{}
	room := func() int { return maxContentRows - current.NumRows() }
	flush := func() {
		if current.NumRows() > 0 {
			out = append(out, current)
			current = encoding.ContentUpdate{}
		}
	}

	// Files added.
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT cf.service_hash_id, fi.size, fi.mime,
			COALESCE(fi.width, 0), COALESCE(fi.height, 0), COALESCE(fi.duration, 0),
			COALESCE(fi.num_frames, 0), COALESCE(fi.num_words, 0)
		FROM %s cf
		JOIN %s shi ON shi.service_hash_id = cf.service_hash_id
		JOIN files_info fi ON fi.master_hash_id = shi.master_hash_id
		WHERE cf.file_timestamp BETWEEN ? AND ?
		ORDER BY cf.service_hash_id`,
		svcTable("current_files", serviceID), svcTable("service_hash_ids", serviceID)),
		lower, end)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r encoding.FileRow
		if err := rows.Scan(&r.ServiceHashID, &r.Size, &r.Mime, &r.Width, &r.Height, &r.Duration, &r.NumFrames, &r.NumWords); err != nil {
			rows.Close()
			return nil, err
		}
		if room() < 1 {
			flush()
		}
		current.FilesAdded = append(current.FilesAdded, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Files deleted.
	ids, err := queryIDs(tx, fmt.Sprintf(
		"SELECT service_hash_id FROM %s WHERE file_timestamp BETWEEN ? AND ? ORDER BY service_hash_id",
		svcTable("deleted_files", serviceID)), lower, end)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if room() < 1 {
			flush()
		}
		current.FilesDeleted = append(current.FilesDeleted, id)
	}

	// Mappings, added then deleted, one row per tag split at the per-row
	// hash cap.
	for _, src := range []struct {
		table string
		added bool
	}{
		{mappingsTable("current_mappings", serviceID), true},
		{mappingsTable("deleted_mappings", serviceID), false},
	} {
		mappingRows, err := collectMappingRows(tx, src.table, lower, end)
		if err != nil {
			return nil, err
		}
		for _, r := range mappingRows {
			if room() < r.NumRows() {
				flush()
			}
			if src.added {
				current.MappingsAdded = append(current.MappingsAdded, r)
			} else {
				current.MappingsDeleted = append(current.MappingsDeleted, r)
			}
		}
	}

	// Tag pairs.
	for _, src := range []struct {
		query string
		dest  *[]encoding.PairRow
	}{
		{fmt.Sprintf("SELECT child_service_tag_id, parent_service_tag_id FROM %s WHERE parent_timestamp BETWEEN ? AND ? ORDER BY 1, 2",
			svcTable("current_tag_parents", serviceID)), &current.ParentsAdded},
		{fmt.Sprintf("SELECT child_service_tag_id, parent_service_tag_id FROM %s WHERE parent_timestamp BETWEEN ? AND ? ORDER BY 1, 2",
			svcTable("deleted_tag_parents", serviceID)), &current.ParentsDeleted},
		{fmt.Sprintf("SELECT bad_service_tag_id, good_service_tag_id FROM %s WHERE sibling_timestamp BETWEEN ? AND ? ORDER BY 1, 2",
			svcTable("current_tag_siblings", serviceID)), &current.SiblingsAdded},
		{fmt.Sprintf("SELECT bad_service_tag_id, good_service_tag_id FROM %s WHERE sibling_timestamp BETWEEN ? AND ? ORDER BY 1, 2",
			svcTable("deleted_tag_siblings", serviceID)), &current.SiblingsDeleted},
	} {
		rows, err := tx.Query(src.query, lower, end)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p encoding.PairRow
			if err := rows.Scan(&p.A, &p.B); err != nil {
				rows.Close()
				return nil, err
			}
			if room() < 1 {
				flush()
			}
			*src.dest = append(*src.dest, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	flush()
	return out, nil
}

// collectMappingRows groups a window's mapping changes per tag, splitting any
// tag with more than maxHashesPerMappingRow hashes into several rows.
func collectMappingRows(tx *db.Tx, table string, lower, end int64) ([]encoding.MappingRow, error) {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT service_tag_id, service_hash_id FROM %s
		WHERE mapping_timestamp BETWEEN ? AND ?
		ORDER BY service_tag_id, service_hash_id`, table),
		lower, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []encoding.MappingRow
	var open *encoding.MappingRow
	for rows.Next() {
		var tagID, hashID int64
		if err := rows.Scan(&tagID, &hashID); err != nil {
			return nil, err
		}
		if open == nil || open.ServiceTagID != tagID || len(open.ServiceHashIDs) >= maxHashesPerMappingRow {
			out = append(out, encoding.MappingRow{ServiceTagID: tagID})
			open = &out[len(out)-1]
		}
		open.ServiceHashIDs = append(open.ServiceHashIDs, hashID)
	}
	return out, rows.Err()
}

func queryIDs(tx *db.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
