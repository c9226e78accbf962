package gcs

import (
	"errors"
	"flag"

	"github.com/grafana/dskit/flagext"
	jsoniter "github.com/json-iterator/go"
)

var (
	errMissingBucketName     = errors.New("gcs bucket name is required")
	errInvalidServiceAccount = errors.New("gcs service account must be the content of a JSON key file")
	errNegativeChunkSize     = errors.New("gcs upload chunk size must not be negative")
)

// Config selects the Google Cloud Storage bucket that output files are
// uploaded to.
type Config struct {
	BucketName string `yaml:"bucket_name"`

	// ServiceAccount is a JSON key. Application default credentials are used
	// when it is empty.
	ServiceAccount flagext.Secret `yaml:"service_account"`

	// UploadChunkSize splits uploads into requests of at most this many
	// bytes. 0 uploads every object in a single request.
	UploadChunkSize int `yaml:"upload_chunk_size"`
	MaxRetries      int `yaml:"max_retries"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BucketName, prefix+"gcs.bucket-name", "", "Name of the GCS bucket output files are written to.")
	f.Var(&cfg.ServiceAccount, prefix+"gcs.service-account", "Content of a service account JSON key. Application default credentials are used when empty.")
	f.IntVar(&cfg.UploadChunkSize, prefix+"gcs.upload-chunk-size", 0, "Maximum number of bytes sent in a single upload request. 0 uploads each file in one request.")
	f.IntVar(&cfg.MaxRetries, prefix+"gcs.max-retries", 0, "Number of attempts for idempotent requests. 0 keeps the client default, 1 disables retries.")
}

func (cfg *Config) Validate() error {
	if cfg.BucketName == "" {
		return errMissingBucketName
	}
	if sa := cfg.ServiceAccount.String(); sa != "" && !jsoniter.Valid([]byte(sa)) {
		return errInvalidServiceAccount
	}
	if cfg.UploadChunkSize < 0 {
		return errNegativeChunkSize
	}
	return nil
}
