package gcs

import (
	"context"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/exthttp"
	"github.com/thanos-io/objstore/providers/gcs"
)

// NewBucketClient returns a client for the bucket named in cfg.
func NewBucketClient(ctx context.Context, cfg Config, name string, logger log.Logger) (objstore.Bucket, error) {
	return gcs.NewBucketWithConfig(ctx, logger, providerConfig(cfg), name)
}

func providerConfig(cfg Config) gcs.Config {
	return gcs.Config{
		Bucket:         cfg.BucketName,
		ServiceAccount: cfg.ServiceAccount.String(),
		ChunkSizeBytes: cfg.UploadChunkSize,
		MaxRetries:     cfg.MaxRetries,
		HTTPConfig:     exthttp.DefaultHTTPConfig,
	}
}
