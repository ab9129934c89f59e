// Package blob re-exports the core blob abstractions for stable imports
// and selects a backend from the environment.
package blob

import (
	blobcore "canopy/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = blobcore.Driver
	// Info describes stored blob metadata.
	Info = blobcore.Info
	// Store is the interface for blob storage backends.
	Store = blobcore.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = blobcore.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = blobcore.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = blobcore.DriverMemory
)

// ErrUnsupported indicates an operation is not supported by a driver.
var ErrUnsupported = blobcore.ErrUnsupported

// ErrNotFound indicates the key does not exist.
var ErrNotFound = blobcore.ErrNotFound
