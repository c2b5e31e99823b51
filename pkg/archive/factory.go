package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openclaw/guardian/pkg/config"
)

// NewStore builds the archive store selected by the configuration. An
// empty backend defaults to a filesystem store next to the journal
// directory.
func NewStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(config.DefaultLogDir(), "archive")
		}
		return NewFSStore(dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for the s3 backend")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for the gcs backend")
		}
		return newGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}
