// Package bundler cuts the immutable update bundles repository clients sync
// from. On each service's cadence it freezes the window that just closed,
// serializes the definitions and content rows minted inside it, writes the
// bundles to the blob store under their digests and appends the window to the
// service's update index.
package bundler

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/blobstore"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/scheduler"
	"github.com/nedfreetoplay/hydrus/service"
)

// Bundle caps. Clients stream and apply bundles row by row; capping keeps any
// single fetch and apply pass bounded.
const (
	maxDefinitionRows      = 50_000
	maxHashesPerMappingRow = 25_000
	maxContentRows         = 250_000
)

// Bundler drives update creation through the serializer.
type Bundler struct {
	ser   *db.Serializer
	store *blobstore.Store
	busy  *scheduler.BusyFlag
}

// New wires the bundler to its serializer, blob store and the shared
// maintenance busy flag.
func New(ser *db.Serializer, store *blobstore.Store, busy *scheduler.BusyFlag) *Bundler {
	return &Bundler{ser: ser, store: store, busy: busy}
}

// Sync cuts every due window for one service and returns when the next cut is
// due. It is a no-op returning the pending due time when no window has closed
// yet, and skips entirely when maintenance holds the busy flag.
func (b *Bundler) Sync(ctx context.Context, svc *service.Service) (nextDue int64, err error) {
	if !b.busy.TryAcquire() {
		return hydrus.NowUnix() + 60, nil
	}
	defer b.busy.Release()

	for {
		var due int64
		v, err := b.ser.Write(ctx, fmt.Sprintf("sync service %d", svc.ID), func(tx *db.Tx) (any, error) {
			return b.cutDueWindow(ctx, tx, svc)
		})
		if err != nil {
			return 0, err
		}
		due = v.(int64)
		if due > hydrus.NowUnix() {
			return due, nil
		}
	}
}

// cutDueWindow publishes at most one window and returns the next due time.
func (b *Bundler) cutDueWindow(ctx context.Context, tx *db.Tx, svc *service.Service) (int64, error) {
	index, begin, end, err := nextWindow(tx, svc)
	if err != nil {
		return 0, err
	}
	now := hydrus.NowUnix()
	if end > now {
		return end, nil
	}

	entry, err := b.publishWindow(ctx, tx, svc, index, begin, end)
	if err != nil {
		return 0, err
	}
	log.Info("update published",
		"service", svc.Name, "index", entry.UpdateIndex,
		"bundles", len(entry.Hashes), "begin", entry.Begin, "end", entry.End)
	return end + periodSeconds(svc), nil
}

func periodSeconds(svc *service.Service) int64 {
	return int64(svc.Options.UpdatePeriod() / time.Second)
}

// nextWindow computes the window following the newest published one. A fresh
// service's first window opens at its sync anchor.
func nextWindow(tx *db.Tx, svc *service.Service) (index, begin, end int64, err error) {
	lastIndex, _, lastEnd, ok, err := repository.LastUpdateWindow(tx, svc.ID)
	if err != nil {
		return 0, 0, 0, err
	}
	if ok {
		begin = lastEnd
		index = lastIndex + 1
	} else {
		if begin, err = repository.SyncAnchor(tx, svc.ID); err != nil {
			return 0, 0, 0, err
		}
	}
	return index, begin, begin + periodSeconds(svc), nil
}

// publishWindow materializes, stores and registers every bundle of one
// window, then appends the index entry.
func (b *Bundler) publishWindow(ctx context.Context, tx *db.Tx, svc *service.Service, index, begin, end int64) (encoding.UpdateEntry, error) {
	var entry encoding.UpdateEntry

	// The first window is inclusive of its begin instant; later windows
	// open just after the boundary their predecessor closed on.
	lower := begin
	if index > 0 {
		lower = begin + 1
	}

	defs, err := collectDefinitions(tx, svc.ID, lower, end)
	if err != nil {
		return entry, err
	}
	content, err := collectContent(tx, svc.ID, lower, end)
	if err != nil {
		return entry, err
	}

	var hashes []string
	register := func(data []byte, hash hydrus.Hash) error {
		if err := b.store.Put(ctx, hash, blobstore.KindFile, data); err != nil {
			return err
		}
		masterID, err := master.GetHashID(tx, hash)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (master_hash_id, update_index) VALUES (?, ?)", svcTable("updates", svc.ID)),
			masterID, index); err != nil {
			return err
		}
		hashes = append(hashes, hash.String())
		return nil
	}

	// Definitions bundles first: clients must know an id before a content
	// row references it.
	for _, d := range defs {
		data, hash, err := encoding.EncodeDefinitionsUpdate(d)
		if err != nil {
			return entry, err
		}
		if err := register(data, hash); err != nil {
			return entry, err
		}
	}
	for _, c := range content {
		data, hash, err := encoding.EncodeContentUpdate(c)
		if err != nil {
			return entry, err
		}
		if err := register(data, hash); err != nil {
			return entry, err
		}
	}

	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (update_index, begin, end) VALUES (?, ?, ?)", svcTable("update_indices", svc.ID)),
		index, begin, end); err != nil {
		return entry, err
	}

	entry = encoding.UpdateEntry{UpdateIndex: index, Hashes: hashes, Begin: begin, End: end}
	return entry, nil
}

// Metadata assembles the service's update index from fromIndex on. Zero
// serves the whole index.
func Metadata(tx *db.Tx, svc *service.Service, fromIndex int64) (encoding.Metadata, error) {
	var m encoding.Metadata
	rows, err := tx.Query(
		fmt.Sprintf("SELECT update_index, begin, end FROM %s WHERE update_index >= ? ORDER BY update_index", svcTable("update_indices", svc.ID)),
		fromIndex)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var e encoding.UpdateEntry
		if err := rows.Scan(&e.UpdateIndex, &e.Begin, &e.End); err != nil {
			rows.Close()
			return m, err
		}
		m.Entries = append(m.Entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return m, err
	}
	rows.Close()

	for i := range m.Entries {
		hashRows, err := tx.Query(fmt.Sprintf(`
			SELECT h.hash FROM %s u
			JOIN %s.hashes h ON h.master_hash_id = u.master_hash_id
			WHERE u.update_index = ? ORDER BY u.rowid`,
			svcTable("updates", svc.ID), db.SchemaMaster),
			m.Entries[i].UpdateIndex)
		if err != nil {
			return m, err
		}
		for hashRows.Next() {
			var h []byte
			if err := hashRows.Scan(&h); err != nil {
				hashRows.Close()
				return m, err
			}
			m.Entries[i].Hashes = append(m.Entries[i].Hashes, hydrus.Hash(h).String())
		}
		if err := hashRows.Err(); err != nil {
			hashRows.Close()
			return m, err
		}
		hashRows.Close()
	}

	_, _, lastEnd, ok, err := repository.LastUpdateWindow(tx, svc.ID)
	if err != nil {
		return m, err
	}
	if ok {
		m.NextUpdateAt = lastEnd + periodSeconds(svc)
	} else {
		anchor, err := repository.SyncAnchor(tx, svc.ID)
		if err != nil {
			return m, err
		}
		m.NextUpdateAt = anchor + periodSeconds(svc)
	}
	return m, nil
}

func svcTable(name string, serviceID int64) string {
	return fmt.Sprintf("%s_%d", name, serviceID)
}

func mappingsTable(name string, serviceID int64) string {
	return fmt.Sprintf("%s.%s_%d", db.SchemaMappings, name, serviceID)
}
