package s3

import (
	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/s3"
)

// NewBucketClient creates a new S3 bucket client
func NewBucketClient(cfg Config, name string, logger log.Logger) (objstore.Bucket, error) {
	bucketConfig := s3.DefaultConfig
	bucketConfig.Bucket = cfg.BucketName
	bucketConfig.Endpoint = cfg.Endpoint
	bucketConfig.Region = cfg.Region
	bucketConfig.AccessKey = cfg.AccessKeyID
	bucketConfig.SecretKey = cfg.SecretAccessKey.String()
	bucketConfig.Insecure = cfg.Insecure

	return s3.NewBucketWithConfig(logger, bucketConfig, name, nil)
}
