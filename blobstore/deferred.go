package blobstore

import (
	"context"
	log "log/slog"

	"github.com/nedfreetoplay/hydrus"
)

// DeleteQueue is the database side of deferred physical deletion: rows that
// name blobs no service references anymore. The row stays queued until the
// filesystem move succeeds.
type DeleteQueue interface {
	// NextDeferredDelete returns up to one file hash and one thumbnail hash
	// awaiting physical deletion. ok is false when both queues are empty.
	NextDeferredDelete(ctx context.Context) (file, thumbnail hydrus.Hash, ok bool, err error)
	// ClearDeferredDelete removes the queue rows once the blobs are gone.
	ClearDeferredDelete(ctx context.Context, file, thumbnail hydrus.Hash) error
}

// DeferredDeleter pops one (file, thumbnail) pair per tick and recycles the
// underlying blobs. The scheduler drives it.
type DeferredDeleter struct {
	store *Store
	queue DeleteQueue
}

// NewDeferredDeleter wires the worker to its store and queue.
func NewDeferredDeleter(store *Store, queue DeleteQueue) *DeferredDeleter {
	return &DeferredDeleter{store: store, queue: queue}
}

// Tick processes one queue entry. It reports whether any work was done so
// the caller can reschedule eagerly while the queue drains.
func (d *DeferredDeleter) Tick(ctx context.Context) (bool, error) {
	file, thumbnail, ok, err := d.queue.NextDeferredDelete(ctx)
	if err != nil || !ok {
		return false, err
	}
	if file != nil {
		if err := d.store.Recycle(ctx, file, KindFile); err != nil {
			return true, err
		}
	}
	if thumbnail != nil {
		if err := d.store.Recycle(ctx, thumbnail, KindThumbnail); err != nil {
			return true, err
		}
	}
	if err := d.queue.ClearDeferredDelete(ctx, file, thumbnail); err != nil {
		return true, err
	}
	log.Debug("deferred delete processed", "file", file, "thumbnail", thumbnail)
	return true, nil
}
