// Package storage provides read access to archives kept in object storage.
package storage

import (
	"context"
	"errors"
	"io"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage abstracts the object stores archives are imported from.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Open returns a stream of the object's bytes and its size in bytes.
	// The caller must close the stream.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, int64, error)

	// Download copies an object to a local file. Used when the whole object
	// must be available for random access, e.g. zip containers.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
