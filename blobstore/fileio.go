package blobstore

import (
	"context"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"

	"github.com/nedfreetoplay/hydrus"
)

// FileIO defines filesystem operations used by this package. The default
// implementation delegates to the standard library's os package with retry
// semantics for transient errors.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Open(ctx context.Context, name string) (*os.File, error)
	Rename(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, path string) bool
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
}

type defaultFileIO struct{}

// NewFileIO returns a FileIO that performs I/O via the os package with basic
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(name, data, perm); err != nil {
		dirPath := filepath.Dir(name)
		if derr := dio.MkdirAll(ctx, dirPath, perm); derr == nil {
			return hydrus.Retry(ctx, func(context.Context) error {
				err := os.WriteFile(name, data, perm)
				if hydrus.ShouldRetry(err) {
					return retry.RetryableError(hydrus.Error{Code: hydrus.FileIOError, Err: err})
				}
				return err
			}, nil)
		}
		return err
	}
	return nil
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := hydrus.Retry(ctx, func(context.Context) error {
		var err error
		ba, err = os.ReadFile(name)
		if hydrus.ShouldRetry(err) {
			return retry.RetryableError(hydrus.Error{Code: hydrus.FileIOError, Err: err})
		}
		return err
	}, nil)
	return ba, err
}

func (dio defaultFileIO) Open(ctx context.Context, name string) (*os.File, error) {
	return os.Open(name)
}

func (dio defaultFileIO) Rename(ctx context.Context, oldName, newName string) error {
	return hydrus.Retry(ctx, func(context.Context) error {
		err := os.Rename(oldName, newName)
		if hydrus.ShouldRetry(err) {
			return retry.RetryableError(hydrus.Error{Code: hydrus.FileIOError, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return hydrus.Retry(ctx, func(context.Context) error {
		err := os.Remove(name)
		if hydrus.ShouldRetry(err) {
			return retry.RetryableError(hydrus.Error{Code: hydrus.FileIOError, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return hydrus.Retry(ctx, func(context.Context) error {
		err := os.MkdirAll(path, perm)
		if hydrus.ShouldRetry(err) {
			return retry.RetryableError(hydrus.Error{Code: hydrus.FileIOError, Err: err})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return true
	}
	return false
}
