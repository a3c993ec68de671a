// Package blobstore is the content-addressed on-disk store for files,
// thumbnails and update bundles. Blobs live under a 256-way shard layout
// keyed by the leading byte of their SHA-256 digest:
//
//	<root>/<first-two-hex>/<hex-hash>[.thumbnail]
//
// Writes are atomic-rename-into-place and idempotent. Physical deletion is
// deferred: logical deletion enqueues the hash in the database, and a
// background worker moves the file into the store's recycle directory, so a
// crash mid-delete never breaks referential integrity.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nedfreetoplay/hydrus"
)

// BlobKind distinguishes a file blob from its thumbnail. Update bundles are
// plain file blobs.
type BlobKind int

const (
	KindFile BlobKind = iota
	KindThumbnail
)

func (k BlobKind) suffix() string {
	if k == KindThumbnail {
		return ".thumbnail"
	}
	return ""
}

// Directory/File permission.
const permission os.FileMode = 0o755

const recycleDirName = "recycle_bin"

// Store is the sharded blob store. Concurrency follows the shard layout: a
// per-shard RWMutex keyed by the digest's leading byte, writers take the
// write side, readers the read side.
type Store struct {
	root   string
	fileIO FileIO
	locks  [256]sync.RWMutex
}

// NewStore opens (or initializes) a blob store rooted at dir, creating all
// 256 shard directories and the recycle directory up front.
func NewStore(ctx context.Context, dir string, fileIO FileIO) (*Store, error) {
	if fileIO == nil {
		fileIO = NewFileIO()
	}
	s := &Store{root: dir, fileIO: fileIO}
	for i := 0; i < 256; i++ {
		shard := filepath.Join(dir, fmt.Sprintf("%02x", i))
		if err := fileIO.MkdirAll(ctx, shard, permission); err != nil {
			return nil, err
		}
	}
	if err := fileIO.MkdirAll(ctx, filepath.Join(dir, recycleDirName), permission); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the on-disk location for a blob, whether or not it exists.
func (s *Store) Path(hash hydrus.Hash, kind BlobKind) string {
	hex := hash.String()
	return filepath.Join(s.root, hex[:2], hex+kind.suffix())
}

func (s *Store) lockFor(hash hydrus.Hash) *sync.RWMutex {
	return &s.locks[hash[0]]
}

// Put writes the blob atomically. It is a no-op if the blob already exists;
// content addressing makes same-name writes byte-identical by construction.
func (s *Store) Put(ctx context.Context, hash hydrus.Hash, kind BlobKind, data []byte) error {
	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	final := s.Path(hash, kind)
	if s.fileIO.Exists(ctx, final) {
		return nil
	}
	tmp := final + ".incoming." + uuid.NewString()
	if err := s.fileIO.WriteFile(ctx, tmp, data, 0o644); err != nil {
		return hydrus.Error{Code: hydrus.Internal, Err: err}
	}
	if err := s.fileIO.Rename(ctx, tmp, final); err != nil {
		_ = s.fileIO.Remove(ctx, tmp)
		return hydrus.Error{Code: hydrus.Internal, Err: err}
	}
	return nil
}

// OpenRead returns a streaming reader for the blob, or not_found.
func (s *Store) OpenRead(ctx context.Context, hash hydrus.Hash, kind BlobKind) (io.ReadCloser, error) {
	mu := s.lockFor(hash)
	mu.RLock()
	defer mu.RUnlock()

	f, err := s.fileIO.Open(ctx, s.Path(hash, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hydrus.Errorf(hydrus.NotFound, "no blob for %s", hash)
		}
		return nil, hydrus.Error{Code: hydrus.Internal, Err: err}
	}
	return f, nil
}

// Read returns the whole blob, or not_found.
func (s *Store) Read(ctx context.Context, hash hydrus.Hash, kind BlobKind) ([]byte, error) {
	mu := s.lockFor(hash)
	mu.RLock()
	defer mu.RUnlock()

	b, err := s.fileIO.ReadFile(ctx, s.Path(hash, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hydrus.Errorf(hydrus.NotFound, "no blob for %s", hash)
		}
		return nil, hydrus.Error{Code: hydrus.Internal, Err: err}
	}
	return b, nil
}

// Exists reports whether the blob is present on disk.
func (s *Store) Exists(ctx context.Context, hash hydrus.Hash, kind BlobKind) bool {
	mu := s.lockFor(hash)
	mu.RLock()
	defer mu.RUnlock()
	return s.fileIO.Exists(ctx, s.Path(hash, kind))
}

// Recycle moves the blob into the recycle directory instead of unlinking it,
// the final step of a deferred physical delete. Missing blobs are a no-op.
func (s *Store) Recycle(ctx context.Context, hash hydrus.Hash, kind BlobKind) error {
	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	src := s.Path(hash, kind)
	if !s.fileIO.Exists(ctx, src) {
		return nil
	}
	dst := filepath.Join(s.root, recycleDirName, hash.String()+kind.suffix())
	if err := s.fileIO.Rename(ctx, src, dst); err != nil {
		return hydrus.Error{Code: hydrus.Internal, Err: err}
	}
	return nil
}
