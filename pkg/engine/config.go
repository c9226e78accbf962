package engine

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/grafana/dskit/flagext"

	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// Output formats supported by [WriterConfig].
const (
	FormatParquet   = "parquet"
	FormatCSV       = "csv"
	FormatIceberg   = "iceberg"
	FormatDeltaLake = "deltalake"
)

var supportedFormats = []string{FormatParquet, FormatCSV, FormatIceberg, FormatDeltaLake}

// Config configures an [Engine].
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Writer   WriterConfig   `yaml:"writer"`
	Storage  bucket.Config  `yaml:"storage"`
}

// RegisterFlags registers the engine flags with their defaults.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Executor.RegisterFlagsWithPrefix(prefix+"executor.", f)
	cfg.Writer.RegisterFlagsWithPrefix(prefix+"writer.", f)
	cfg.Storage.RegisterFlagsWithPrefix(prefix+"storage.", f)
}

// Validate reports the first invalid setting of cfg.
func (cfg *Config) Validate() error {
	if err := cfg.Executor.Validate(); err != nil {
		return fmt.Errorf("invalid executor config: %w", err)
	}
	if err := cfg.Writer.Validate(); err != nil {
		return fmt.Errorf("invalid writer config: %w", err)
	}
	if cfg.Writer.UseStorage {
		if err := cfg.Storage.Validate(); err != nil {
			return fmt.Errorf("invalid storage config: %w", err)
		}
	}
	return nil
}

// ExecutorConfig configures local plan execution.
type ExecutorConfig struct {
	// Prefetch reads scan results ahead of their consumers.
	Prefetch bool `yaml:"prefetch"`

	// PartitionCacheSize is the number of cached in-memory sources.
	PartitionCacheSize int `yaml:"partition_cache_size"`

	// MaxShardConcurrency bounds the number of shards written in parallel.
	MaxShardConcurrency int `yaml:"max_shard_concurrency"`

	EnableRange           bool  `yaml:"enable_range"`
	RangeRowsPerPartition int64 `yaml:"range_rows_per_partition"`
	RangeBatchSize        int64 `yaml:"range_batch_size"`
}

func (cfg *ExecutorConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Prefetch, prefix+"prefetch", true, "Read scan results in a separate goroutine ahead of the operators consuming them.")
	f.IntVar(&cfg.PartitionCacheSize, prefix+"partition-cache-size", 128, "Number of in-memory sources kept in the partition cache.")
	f.IntVar(&cfg.MaxShardConcurrency, prefix+"max-shard-concurrency", 0, "Maximum number of shards written in parallel. 0 means no limit.")
	f.BoolVar(&cfg.EnableRange, prefix+"enable-range", true, "Allow range relations. When disabled, range relations are rejected as unsupported.")
	f.Int64Var(&cfg.RangeRowsPerPartition, prefix+"range.rows-per-partition", 128<<10, "Number of rows generated by a single range scan task.")
	f.Int64Var(&cfg.RangeBatchSize, prefix+"range.batch-size", 8<<10, "Number of rows in each micropartition emitted by a range scan.")
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.MaxShardConcurrency < 0 {
		return fmt.Errorf("max shard concurrency must not be negative, got %d", cfg.MaxShardConcurrency)
	}
	if cfg.RangeRowsPerPartition < 0 || cfg.RangeBatchSize < 0 {
		return fmt.Errorf("range partition and batch sizes must not be negative")
	}
	return nil
}

// WriterConfig configures how query results are persisted.
type WriterConfig struct {
	Format      string                 `yaml:"format"`
	Compression string                 `yaml:"compression"`
	PartitionBy flagext.StringSliceCSV `yaml:"partition_by"`

	// UseStorage writes through the storage config instead of the local
	// filesystem.
	UseStorage bool `yaml:"use_storage"`

	Iceberg   IcebergConfig   `yaml:"iceberg"`
	DeltaLake DeltaLakeConfig `yaml:"deltalake"`
}

// IcebergConfig holds the table metadata of iceberg output, each in its
// Iceberg JSON form.
type IcebergConfig struct {
	Schema        string `yaml:"schema"`
	Properties    string `yaml:"properties"`
	PartitionSpec string `yaml:"partition_spec"`
}

func (cfg *IcebergConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Schema, prefix+"schema", "", "Iceberg table schema as JSON. Its field ids are written to the data files.")
	f.StringVar(&cfg.Properties, prefix+"properties", "", "Iceberg table properties as a JSON object.")
	f.StringVar(&cfg.PartitionSpec, prefix+"partition-spec", "", "Iceberg partition spec as JSON.")
}

// DeltaLakeConfig configures deltalake output.
type DeltaLakeConfig struct {
	Version     int  `yaml:"version"`
	LargeDtypes bool `yaml:"large_dtypes"`
}

func (cfg *DeltaLakeConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Version, prefix+"version", 0, "Table version the data files are written for.")
	f.BoolVar(&cfg.LargeDtypes, prefix+"large-dtypes", false, "Write string and binary columns with 64-bit offsets.")
}

func (cfg *WriterConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Format, prefix+"format", FormatParquet, fmt.Sprintf("Output file format. Supported formats are: %s.", strings.Join(supportedFormats, ", ")))
	f.StringVar(&cfg.Compression, prefix+"compression", "", "Compression codec of the output files. Defaults to snappy for parquet and no compression for csv.")
	f.Var(&cfg.PartitionBy, prefix+"partition-by", "Comma separated list of columns to partition the output by. Each distinct value is written to its own directory.")
	f.BoolVar(&cfg.UseStorage, prefix+"use-storage", false, "Write output files to the configured object storage instead of the local filesystem.")
	cfg.Iceberg.RegisterFlagsWithPrefix(prefix+"iceberg.", f)
	cfg.DeltaLake.RegisterFlagsWithPrefix(prefix+"deltalake.", f)
}

func (cfg *WriterConfig) Validate() error {
	if !slices.Contains(supportedFormats, cfg.Format) {
		return fmt.Errorf("unsupported output format %q", cfg.Format)
	}
	if cfg.DeltaLake.Version < 0 {
		return fmt.Errorf("deltalake version must not be negative, got %d", cfg.DeltaLake.Version)
	}
	return nil
}
