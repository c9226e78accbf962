package engine

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/tessera-db/tessera/pkg/storage/bucket"
	"github.com/tessera-db/tessera/pkg/util/arrowtest"
)

func defaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	return cfg
}

func newEngine(t *testing.T, cfg Config, alloc memory.Allocator) (*Engine, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	e, err := New(Params{Registerer: reg, Config: cfg, Allocator: alloc})
	require.NoError(t, err)
	return e, reg
}

// onlyObject returns the key and content of the single object in bkt.
func onlyObject(t *testing.T, bkt *objstore.InMemBucket) (string, []byte) {
	t.Helper()
	objects := bkt.Objects()
	require.Len(t, objects, 1)
	for key, data := range objects {
		return key, data
	}
	return "", nil
}

func recordRows(t *testing.T, rec arrow.Record) arrowtest.Rows {
	t.Helper()
	rows, err := arrowtest.RecordRows(rec)
	require.NoError(t, err)
	return rows
}

func TestEngine_Run(t *testing.T) {
	t.Run("tail over range to local parquet", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		e, _ := newEngine(t, defaultConfig(), alloc)
		dir := t.TempDir()

		manifest, err := e.Run(t.Context(), []byte(`{"tail": {"input": {"range": {"end": 10, "step": 1}}, "limit": 3}}`), dir)
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		rows := recordRows(t, manifest)
		require.Len(t, rows, 1)

		path := rows[0]["path"].(string)
		require.True(t, strings.HasPrefix(path, dir), path)
		require.True(t, strings.HasSuffix(path, "-0.parquet"), path)

		_, err = os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("range to csv in object storage", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		bkt := objstore.NewInMemBucket()
		cfg := defaultConfig()
		cfg.Writer.Format = FormatCSV
		cfg.Writer.UseStorage = true
		cfg.Storage = bucket.Config{Backend: bucket.InMemory, Bucket: bkt}

		e, reg := newEngine(t, cfg, alloc)

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"start": 0, "end": 5, "step": 2}}`), "mem://bucket/out")
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		objects := bkt.Objects()
		require.Len(t, objects, 1)
		for key, data := range objects {
			require.True(t, strings.HasPrefix(key, "out/"), key)
			require.True(t, strings.HasSuffix(key, "-0.csv"), key)
			require.Equal(t, "id\n0\n2\n4\n", string(data))
		}

		require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.runs.WithLabelValues(statusSuccess)))
		count, err := testutil.GatherAndCount(reg, "tessera_executor_sink_rows_total")
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("tail keeps the first rows", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		bkt := objstore.NewInMemBucket()
		cfg := defaultConfig()
		cfg.Writer.Format = FormatCSV
		cfg.Writer.UseStorage = true
		cfg.Storage = bucket.Config{Backend: bucket.InMemory, Bucket: bkt}
		e, _ := newEngine(t, cfg, alloc)

		manifest, err := e.Run(t.Context(), []byte(`{"tail": {"input": {"range": {"end": 10, "step": 1}}, "limit": 3}}`), "mem://bucket/out")
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		_, data := onlyObject(t, bkt)
		require.Equal(t, "id\n0\n1\n2\n", string(data))
	})

	t.Run("one file per scan task", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		bkt := objstore.NewInMemBucket()
		cfg := defaultConfig()
		cfg.Executor.RangeRowsPerPartition = 4
		cfg.Executor.MaxShardConcurrency = 2
		cfg.Writer.Format = FormatCSV
		cfg.Writer.UseStorage = true
		cfg.Storage = bucket.Config{Backend: bucket.InMemory, Bucket: bkt}
		e, _ := newEngine(t, cfg, alloc)

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"end": 10, "step": 1}}`), "mem://bucket/out")
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		rows := recordRows(t, manifest)
		require.Len(t, rows, 3)

		objects := bkt.Objects()
		var contents []string
		for i, row := range rows {
			path := row["path"].(string)
			require.True(t, strings.HasSuffix(path, fmt.Sprintf("-%d.csv", i)), path)
			contents = append(contents, string(objects[strings.TrimPrefix(path, "mem://bucket/")]))
		}
		require.Equal(t, []string{"id\n0\n1\n2\n3\n", "id\n4\n5\n6\n7\n", "id\n8\n9\n"}, contents)
	})

	t.Run("iceberg data files", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		cfg := defaultConfig()
		cfg.Writer.Format = FormatIceberg
		cfg.Writer.Iceberg.Schema = `{"schema-id": 1, "fields": [{"id": 1, "name": "id", "required": false, "type": "long"}]}`
		cfg.Writer.Iceberg.PartitionSpec = `{"spec-id": 3, "fields": []}`
		e, _ := newEngine(t, cfg, alloc)

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"end": 5, "step": 1}}`), t.TempDir())
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		rows := recordRows(t, manifest)
		require.Len(t, rows, 1)
		require.Equal(t, int64(5), rows[0]["record_count"])
		require.Contains(t, rows[0]["data_file"], `"spec-id":3`)
	})

	t.Run("delta lake data files by partition", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		cfg := defaultConfig()
		cfg.Writer.Format = FormatDeltaLake
		cfg.Writer.DeltaLake.Version = 7
		cfg.Writer.PartitionBy = []string{"id"}
		e, _ := newEngine(t, cfg, alloc)
		dir := t.TempDir()

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"end": 2, "step": 1}}`), dir)
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		rows := recordRows(t, manifest)
		require.Len(t, rows, 2)
		for i, row := range rows {
			path := row["path"].(string)
			require.Equal(t, fmt.Sprintf("id=%d", i), filepath.Base(filepath.Dir(path)))
			require.True(t, strings.HasPrefix(filepath.Base(path), "7-"), path)
			require.Contains(t, row["add_action"], `"dataChange":true`)
		}
	})

	t.Run("partitioned output", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		cfg := defaultConfig()
		cfg.Writer.PartitionBy = []string{"id"}
		e, _ := newEngine(t, cfg, alloc)
		dir := t.TempDir()

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"end": 3, "step": 1}}`), dir)
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		rows := recordRows(t, manifest)
		require.Len(t, rows, 3)

		var dirs []string
		for i, row := range rows {
			require.Equal(t, int64(i), row["id"])
			dirs = append(dirs, filepath.Base(filepath.Dir(row["path"].(string))))
		}
		sort.Strings(dirs)
		require.Equal(t, []string{"id=0", "id=1", "id=2"}, dirs)
	})

	t.Run("empty result", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		e, _ := newEngine(t, defaultConfig(), alloc)
		dir := t.TempDir()

		manifest, err := e.Run(t.Context(), []byte(`{"range": {"start": 5, "end": 5, "step": 1}}`), dir)
		require.NoError(t, err)
		require.Nil(t, manifest)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestEngine_RunErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		relation string
		cfg      func(*Config)
		expect   error
		status   string
	}{
		{
			name:     "unsupported relation type",
			relation: `{"sql": {"query": "SELECT 1"}}`,
			expect:   ErrNotSupported,
			status:   statusNotImplemented,
		},
		{
			name:     "range disabled",
			relation: `{"range": {"end": 10, "step": 1}}`,
			cfg:      func(cfg *Config) { cfg.Executor.EnableRange = false },
			expect:   ErrNotSupported,
			status:   statusNotImplemented,
		},
		{
			name:     "invalid step",
			relation: `{"range": {"end": 10, "step": 0}}`,
			expect:   ErrPlanningFailed,
			status:   statusFailure,
		},
		{
			name:     "tail without input",
			relation: `{"tail": {"limit": 1}}`,
			expect:   ErrPlanningFailed,
			status:   statusFailure,
		},
		{
			name:     "malformed json",
			relation: `{"range": `,
			expect:   ErrPlanningFailed,
			status:   statusFailure,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			e, _ := newEngine(t, cfg, nil)

			_, err := e.Run(t.Context(), []byte(tc.relation), t.TempDir())
			require.ErrorIs(t, err, tc.expect)
			require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.runs.WithLabelValues(tc.status)))
		})
	}
}

func TestNew_InMemoryStorage(t *testing.T) {
	cfg := defaultConfig()
	cfg.Writer.Format = FormatCSV
	cfg.Writer.UseStorage = true
	cfg.Storage.Backend = bucket.InMemory

	e, _ := newEngine(t, cfg, nil)
	require.NotNil(t, e.cfg.Storage.Bucket)

	manifest, err := e.Run(t.Context(), []byte(`{"range": {"end": 2, "step": 1}}`), "mem://bucket/out")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	manifest.Release()

	bkt, ok := e.cfg.Storage.Bucket.(*objstore.InMemBucket)
	require.True(t, ok)
	require.Len(t, bkt.Objects(), 1)
}

func TestEngine_RunPartitionColumnMissing(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	cfg := defaultConfig()
	cfg.Writer.PartitionBy = []string{"country"}
	e, _ := newEngine(t, cfg, alloc)

	_, err := e.Run(t.Context(), []byte(`{"range": {"end": 3, "step": 1}}`), t.TempDir())
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.runs.WithLabelValues(statusFailure)))
}

func TestEngine_Explain(t *testing.T) {
	e, _ := newEngine(t, defaultConfig(), nil)

	plan, err := e.Explain(t.Context(), []byte(`{"tail": {"input": {"range": {"end": 10, "step": 1}}, "limit": 3}}`))
	require.NoError(t, err)
	require.Equal(t, "Limit limit=3 eager=false\n"+
		"└── Source Physical(Range(start=0, end=10, step=1), Pushdowns{})\n", plan)
}

func TestConfig_Validate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cfg     func(*Config)
		wantErr bool
	}{
		{name: "defaults"},
		{name: "csv", cfg: func(cfg *Config) { cfg.Writer.Format = FormatCSV }},
		{name: "unknown format", cfg: func(cfg *Config) { cfg.Writer.Format = "orc" }, wantErr: true},
		{name: "negative delta lake version", cfg: func(cfg *Config) {
			cfg.Writer.Format = FormatDeltaLake
			cfg.Writer.DeltaLake.Version = -1
		}, wantErr: true},
		{
			name: "inmemory storage without bucket",
			cfg: func(cfg *Config) {
				cfg.Writer.UseStorage = true
				cfg.Storage.Backend = bucket.InMemory
			},
			wantErr: true,
		},
		{name: "negative shard concurrency", cfg: func(cfg *Config) { cfg.Executor.MaxShardConcurrency = -1 }, wantErr: true},
		{
			name: "storage is only validated when used",
			cfg:  func(cfg *Config) { cfg.Storage.Backend = "tape" },
		},
		{
			name: "invalid storage backend",
			cfg: func(cfg *Config) {
				cfg.Writer.UseStorage = true
				cfg.Storage.Backend = "tape"
			},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}

			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_RegisterFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"-writer.format=csv",
		"-writer.partition-by=year,country",
		"-executor.max-shard-concurrency=4",
	}))

	require.Equal(t, FormatCSV, cfg.Writer.Format)
	require.Equal(t, []string{"year", "country"}, []string(cfg.Writer.PartitionBy))
	require.Equal(t, 4, cfg.Executor.MaxShardConcurrency)
	require.True(t, cfg.Executor.Prefetch)
	require.True(t, cfg.Executor.EnableRange)
	require.Equal(t, bucket.Filesystem, cfg.Storage.Backend)
}
