package blob

import (
	"context"
	"fmt"
	"os"

	fsblob "canopy/internal/infra/blob/fs"
	memoryblob "canopy/internal/infra/blob/memory"
	s3blob "canopy/internal/infra/blob/s3"
)

// Open selects a Store implementation using environment variables.
//
//	CANOPY_BLOB_DRIVER: fs|s3|memory (default fs)
//	CANOPY_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("CANOPY_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("CANOPY_BLOB_FS_ROOT")
		if root == "" {
			root = "./blobdata"
		}
		return fsblob.NewStore(root)
	case DriverS3:
		return s3blob.OpenFromEnv(ctx)
	case DriverMemory:
		return memoryblob.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
