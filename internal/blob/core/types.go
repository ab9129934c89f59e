// Package core defines the blob storage abstractions used by the forest
// snapshot export path.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem is the local filesystem backend (default, dev).
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible backend.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory backend used in tests.
	DriverMemory Driver = "memory"
)

// Info describes a stored blob.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a thin S3-like abstraction over snapshot storage backends.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Driver() Driver
}

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = errors.New("blobstore: unsupported operation")

// ErrNotFound is returned when the key does not exist.
var ErrNotFound = errors.New("blobstore: key not found")
