// Package blob opens the configured blob.Store implementation. Other
// packages depend on transactor/pkg/blob and never import the infra drivers.
package blob

import (
	"context"
	"fmt"

	"transactor/internal/config"
	"transactor/internal/infra/blob/fs"
	"transactor/internal/infra/blob/memory"
	"transactor/internal/infra/blob/s3"
	blobapi "transactor/pkg/blob"
)

// Open selects a store by cfg.Driver: fs, s3 or memory (default).
func Open(ctx context.Context, cfg config.Blob) (blobapi.Store, error) {
	switch blobapi.Driver(cfg.Driver) {
	case blobapi.DriverMemory, "":
		return memory.New(), nil
	case blobapi.DriverFilesystem:
		return fs.New(cfg.Root)
	case blobapi.DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// ForWorkspace scopes store to one workspace.
func ForWorkspace(store blobapi.Store, workspace string) blobapi.Store {
	return blobapi.Prefixed(store, workspace)
}
