package bucket

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"

	"github.com/tessera-db/tessera/pkg/storage/bucket/filesystem"
	"github.com/tessera-db/tessera/pkg/storage/bucket/gcs"
	"github.com/tessera-db/tessera/pkg/storage/bucket/s3"
)

const (
	// S3 is the value for the S3 storage backend.
	S3 = "s3"

	// GCS is the value for the GCS storage backend.
	GCS = "gcs"

	// Filesystem is the value for the filesystem storage backend.
	Filesystem = "filesystem"

	// InMemory is the value for the in-memory storage backend, used by tests
	// and local experiments.
	InMemory = "inmemory"

	// validPrefixCharactersRegex allows only alphanumeric characters to prevent subtle bugs and simplify validation
	validPrefixCharactersRegex = `^[\da-zA-Z]+$`
)

var (
	SupportedBackends = []string{S3, GCS, Filesystem, InMemory}

	ErrUnsupportedStorageBackend        = errors.New("unsupported storage backend")
	ErrInvalidCharactersInStoragePrefix = errors.New("storage prefix contains invalid characters, it may only contain digits and English alphabet letters")

	// ErrInMemoryWithoutBucket is returned for the in-memory backend without
	// an injected bucket. Every file would be uploaded to its own bucket and
	// dropped once written.
	ErrInMemoryWithoutBucket = errors.New("the inmemory storage backend requires an injected bucket")
)

// Config holds configuration for accessing object storage. A *Config is the
// IO configuration handed to writers and scan operators.
type Config struct {
	Backend       string            `yaml:"backend"`
	S3            s3.Config         `yaml:"s3"`
	GCS           gcs.Config        `yaml:"gcs"`
	Filesystem    filesystem.Config `yaml:"filesystem"`
	StoragePrefix string            `yaml:"storage_prefix"`

	// Bucket, when set, is used as is instead of creating a client from the
	// backend settings. Allows callers to share one client between writers.
	Bucket objstore.Bucket `yaml:"-"`
}

// RegisterFlags registers the backend storage config.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefixAndDefaultDirectory(prefix, dir string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", Filesystem, fmt.Sprintf("Backend storage to use. Supported backends are: %s.", strings.Join(SupportedBackends, ", ")))
	cfg.S3.RegisterFlagsWithPrefix(prefix, f)
	cfg.GCS.RegisterFlagsWithPrefix(prefix, f)
	cfg.Filesystem.RegisterFlagsWithPrefixAndDefaultDirectory(prefix, dir, f)
	f.StringVar(&cfg.StoragePrefix, prefix+"storage-prefix", "", "Prefix for all objects stored in the backend storage. For simplicity, it may only contain digits and English alphabet letters.")
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefixAndDefaultDirectory(prefix, "", f)
}

func (cfg *Config) Validate() error {
	if cfg.Bucket == nil && !slices.Contains(SupportedBackends, cfg.Backend) {
		return fmt.Errorf("%w: %q", ErrUnsupportedStorageBackend, cfg.Backend)
	}
	if cfg.Bucket == nil && cfg.Backend == InMemory {
		return ErrInMemoryWithoutBucket
	}

	if cfg.StoragePrefix != "" {
		acceptablePrefixCharacters := regexp.MustCompile(validPrefixCharactersRegex)
		if !acceptablePrefixCharacters.MatchString(cfg.StoragePrefix) {
			return ErrInvalidCharactersInStoragePrefix
		}
	}

	if cfg.Bucket != nil {
		return nil
	}
	switch cfg.Backend {
	case S3:
		return cfg.S3.Validate()
	case GCS:
		return cfg.GCS.Validate()
	}
	return nil
}

// NewClient creates a new bucket client based on the configured backend. If
// reg is non-nil, the client is instrumented with bucket operation metrics.
func NewClient(ctx context.Context, cfg Config, name string, logger log.Logger, reg prometheus.Registerer) (objstore.Bucket, error) {
	var (
		client objstore.Bucket
		err    error
	)

	switch {
	case cfg.Bucket != nil:
		client = cfg.Bucket
	case cfg.Backend == S3:
		client, err = s3.NewBucketClient(cfg.S3, name, logger)
	case cfg.Backend == GCS:
		client, err = gcs.NewBucketClient(ctx, cfg.GCS, name, logger)
	case cfg.Backend == Filesystem:
		client, err = filesystem.NewBucketClient(cfg.Filesystem)
	case cfg.Backend == InMemory:
		client = objstore.NewInMemBucket()
	default:
		return nil, ErrUnsupportedStorageBackend
	}

	if err != nil {
		return nil, err
	}

	if cfg.StoragePrefix != "" {
		client = objstore.NewPrefixedBucket(client, cfg.StoragePrefix)
	}

	if reg != nil {
		client = objstore.WrapWith(client, objstore.BucketMetrics(reg, name))
	}
	return client, nil
}

// Target is a destination for objects written below a root directory.
type Target struct {
	Bucket objstore.Bucket

	prefix string // Object key prefix within Bucket.
	root   string // Root as given by the caller, used to report paths.
	local  bool
	owned  bool
}

// Resolve returns the Target for rootDir. With a nil cfg, objects are
// written to the local filesystem below rootDir. Otherwise rootDir, stripped
// of any URL scheme and host, becomes the key prefix within the configured
// bucket.
func Resolve(ctx context.Context, cfg *Config, rootDir string, logger log.Logger) (*Target, error) {
	if cfg == nil {
		bkt, err := filesystem.NewBucketClient(filesystem.Config{Directory: rootDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open directory %s: %w", rootDir, err)
		}
		return &Target{Bucket: bkt, root: rootDir, local: true, owned: true}, nil
	}
	if cfg.Bucket == nil && cfg.Backend == InMemory {
		return nil, ErrInMemoryWithoutBucket
	}

	bkt, err := NewClient(ctx, *cfg, "writer", logger, nil)
	if err != nil {
		return nil, err
	}
	return &Target{
		Bucket: bkt,
		prefix: keyPrefix(rootDir),
		root:   rootDir,
		owned:  cfg.Bucket == nil,
	}, nil
}

func keyPrefix(rootDir string) string {
	if u, err := url.Parse(rootDir); err == nil && u.Scheme != "" {
		return strings.Trim(u.Path, "/")
	}
	return strings.Trim(rootDir, "/")
}

// Key returns the object key of name within the target bucket.
func (t *Target) Key(name string) string {
	if t.prefix == "" {
		return name
	}
	return path.Join(t.prefix, name)
}

// Path returns the user facing location of name.
func (t *Target) Path(name string) string {
	if t.local {
		return filepath.Join(t.root, filepath.FromSlash(name))
	}
	return strings.TrimSuffix(t.root, "/") + "/" + name
}

// Close closes the bucket if it was created by [Resolve].
func (t *Target) Close() error {
	if !t.owned {
		return nil
	}
	return t.Bucket.Close()
}
