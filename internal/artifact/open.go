package artifact

import (
	"context"
	"fmt"

	"github.com/resonantgeodata/rgd-jobs/internal/config"
)

// FromConfig opens the artifact store selected by STORAGE_BACKEND.
// tempDir is where S3 downloads are staged.
func FromConfig(ctx context.Context, cfg config.StorageConfig, tempDir string) (Store, error) {
	switch cfg.Backend {
	case "disk":
		return NewDiskStore(cfg.Disk.Root)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			TempDir:         tempDir,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
