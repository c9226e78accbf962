package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	tesserrors "github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/engine/internal/writer"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
	"github.com/tessera-db/tessera/pkg/util/arrowtest"
)

// recordingWriter remembers the names it was given and reports a manifest
// with a single path column.
type recordingWriter struct {
	mem       memory.Allocator
	path      string
	partition string
	failWrite error

	names  []string
	closed bool
}

var _ writer.FileWriter = (*recordingWriter)(nil)

func (w *recordingWriter) Write(_ context.Context, mp *table.MicroPartition) error {
	if w.failWrite != nil {
		return w.failWrite
	}
	for _, rec := range mp.Records() {
		rows, err := arrowtest.RecordRows(rec)
		if err != nil {
			return err
		}
		for _, row := range rows {
			w.names = append(w.names, row["name"].(string))
		}
	}
	return nil
}

func (w *recordingWriter) Close(_ context.Context) (*table.Table, error) {
	if w.closed {
		return nil, errors.New("closed twice")
	}
	w.closed = true
	if len(w.names) == 0 {
		return nil, nil
	}
	return table.FromStrings(w.mem, writer.PathColumn, []*string{&w.path}), nil
}

func manifestPaths(t *testing.T, manifest *table.Table) []string {
	t.Helper()
	rows, err := arrowtest.RecordRows(manifest.Record())
	require.NoError(t, err)

	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		paths = append(paths, row[writer.PathColumn].(string))
	}
	return paths
}

func TestCollect(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()[:3], sampleUsers()[3:])
	defer p.Close()

	mp, err := Collect(t.Context(), p, usersSchema)
	require.NoError(t, err)
	defer mp.Release()

	require.EqualValues(t, 4, mp.NumRows())
	require.Len(t, mp.Tables(), 2)
}

func TestWriteAll(t *testing.T) {
	t.Run("parquet file in a bucket", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		bkt := objstore.NewInMemBucket()
		ioCfg := &bucket.Config{Backend: bucket.InMemory, Bucket: bkt}

		w, err := writer.NewParquetWriter("mem://bucket/out", 0, "", ioCfg, nil, writer.WithAllocator(alloc))
		require.NoError(t, err)

		metrics := NewMetrics(nil)
		p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()[:2], sampleUsers()[2:])
		defer p.Close()

		manifest, err := WriteAll(t.Context(), Config{Allocator: alloc, Metrics: metrics}, p, w)
		require.NoError(t, err)
		require.NotNil(t, manifest)
		defer manifest.Release()

		paths := manifestPaths(t, manifest)
		require.Len(t, paths, 1)
		require.True(t, strings.HasPrefix(paths[0], "mem://bucket/out/"), paths[0])
		require.Len(t, bkt.Objects(), 1)
	})

	t.Run("nothing written", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		w := &recordingWriter{mem: alloc, path: "a"}
		manifest, err := WriteAll(t.Context(), Config{Allocator: alloc}, emptyPipeline(), w)
		require.NoError(t, err)
		require.Nil(t, manifest)
		require.True(t, w.closed)
	})

	t.Run("write failure closes the writer", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		failure := errors.New("disk full")
		w := &recordingWriter{mem: alloc, path: "a", failWrite: failure}

		p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers())
		defer p.Close()

		_, err := WriteAll(t.Context(), Config{Allocator: alloc}, p, w)
		require.Equal(t, failure, err)
		require.True(t, w.closed)
	})

	t.Run("read failure closes the writer", func(t *testing.T) {
		failure := errors.New("read failed")
		w := &recordingWriter{path: "a"}

		_, err := WriteAll(t.Context(), Config{}, errorPipeline(t.Context(), failure), w)
		require.Equal(t, failure, err)
		require.True(t, w.closed)
	})
}

func TestWriteShards(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	pipelines := []Pipeline{
		newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()[:2]),
		emptyPipeline(),
		newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()[2:]),
	}
	defer closeAll(pipelines)

	writers := make([]*recordingWriter, len(pipelines))
	for i := range writers {
		writers[i] = &recordingWriter{mem: alloc, path: fmt.Sprintf("shard-%d", i)}
	}

	manifest, err := WriteShards(t.Context(), Config{Allocator: alloc, MaxShardConcurrency: 2}, pipelines, func(shard int) (writer.FileWriter, error) {
		return writers[shard], nil
	})
	require.NoError(t, err)
	require.NotNil(t, manifest)
	defer manifest.Release()

	require.Equal(t, []string{"shard-0", "shard-2"}, manifestPaths(t, manifest))
	require.Equal(t, []string{"Alice", "Bob"}, writers[0].names)
	require.Equal(t, []string{"Charlie", "Dana"}, writers[2].names)
	for _, w := range writers {
		require.True(t, w.closed)
	}
}

func TestWriteShards_Errors(t *testing.T) {
	t.Run("no rows", func(t *testing.T) {
		manifest, err := WriteShards(t.Context(), Config{}, []Pipeline{emptyPipeline(), emptyPipeline()}, func(shard int) (writer.FileWriter, error) {
			return &recordingWriter{path: "unused"}, nil
		})
		require.NoError(t, err)
		require.Nil(t, manifest)
	})

	t.Run("writer creation fails", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		failure := errors.New("no credentials")
		pipelines := []Pipeline{
			newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()),
			newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()),
		}
		defer closeAll(pipelines)

		_, err := WriteShards(t.Context(), Config{Allocator: alloc}, pipelines, func(shard int) (writer.FileWriter, error) {
			if shard == 1 {
				return nil, failure
			}
			return &recordingWriter{mem: alloc, path: "ok"}, nil
		})
		require.ErrorIs(t, err, failure)
		require.ErrorIs(t, err, tesserrors.ErrUnderlyingFailure)
	})
}

func TestPartitionedWrite(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers()[:2], sampleUsers()[2:])
	defer p.Close()

	var writers []*recordingWriter
	manifest, err := PartitionedWrite(t.Context(), Config{Allocator: alloc, Metrics: NewMetrics(nil)}, p, []string{"valid"}, func(idx int, partition *table.Table) (writer.FileWriter, error) {
		require.Equal(t, len(writers), idx)
		require.EqualValues(t, 1, partition.NumRows())

		col, ok := partition.Column("valid")
		require.True(t, ok)

		value := "null"
		if col.IsValid(0) {
			value = col.ValueStr(0)
		}
		w := &recordingWriter{mem: alloc, path: fmt.Sprintf("part-%d", idx), partition: value}
		writers = append(writers, w)
		return w, nil
	})
	require.NoError(t, err)
	require.NotNil(t, manifest)
	defer manifest.Release()

	require.Equal(t, []string{"part-0", "part-1", "part-2"}, manifestPaths(t, manifest))

	require.Len(t, writers, 3)
	require.Equal(t, "true", writers[0].partition)
	require.Equal(t, []string{"Alice", "Charlie"}, writers[0].names)
	require.Equal(t, "false", writers[1].partition)
	require.Equal(t, []string{"Bob"}, writers[1].names)
	require.Equal(t, "null", writers[2].partition)
	require.Equal(t, []string{"Dana"}, writers[2].names)
}

func TestPartitionedWrite_DistinctValueTuples(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "c1", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "c2", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	// Concatenating the values of both rows gives the same bytes.
	p := newArrowtestPipeline(t, alloc, schema, arrowtest.Rows{
		{"name": "first", "c1": "a", "c2": "b\xff\x01c"},
		{"name": "second", "c1": "a\xff\x01b", "c2": "c"},
		{"name": "third", "c1": "a", "c2": "b\xff\x01c"},
	})
	defer p.Close()

	var writers []*recordingWriter
	manifest, err := PartitionedWrite(t.Context(), Config{Allocator: alloc}, p, []string{"c1", "c2"}, func(idx int, partition *table.Table) (writer.FileWriter, error) {
		c1, ok := partition.Column("c1")
		require.True(t, ok)
		w := &recordingWriter{mem: alloc, path: fmt.Sprintf("part-%d", idx), partition: c1.ValueStr(0)}
		writers = append(writers, w)
		return w, nil
	})
	require.NoError(t, err)
	require.NotNil(t, manifest)
	defer manifest.Release()

	require.Len(t, writers, 2)
	require.Equal(t, "a", writers[0].partition)
	require.Equal(t, []string{"first", "third"}, writers[0].names)
	require.Equal(t, "a\xff\x01b", writers[1].partition)
	require.Equal(t, []string{"second"}, writers[1].names)
}

func TestPartitionedWrite_Parquet(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	bkt := objstore.NewInMemBucket()
	ioCfg := &bucket.Config{Backend: bucket.InMemory, Bucket: bkt}

	p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers())
	defer p.Close()

	manifest, err := PartitionedWrite(t.Context(), Config{Allocator: alloc}, p, []string{"valid"}, func(idx int, partition *table.Table) (writer.FileWriter, error) {
		return writer.NewParquetWriter("mem://bucket/out", idx, "", ioCfg, partition, writer.WithAllocator(alloc))
	})
	require.NoError(t, err)
	require.NotNil(t, manifest)
	defer manifest.Release()

	require.Equal(t, []string{writer.PathColumn, "valid"}, manifest.ColumnNames())

	var dirs []string
	for key := range bkt.Objects() {
		dirs = append(dirs, key[:strings.LastIndex(key, "/")])
	}
	sort.Strings(dirs)
	require.Equal(t, []string{
		"out/valid=__HIVE_DEFAULT_PARTITION__",
		"out/valid=false",
		"out/valid=true",
	}, dirs)
}

func TestPartitionedWrite_Errors(t *testing.T) {
	t.Run("no partition columns", func(t *testing.T) {
		_, err := PartitionedWrite(t.Context(), Config{}, emptyPipeline(), nil, nil)
		require.ErrorIs(t, err, tesserrors.ErrInvalidArgument)
	})

	t.Run("missing partition column", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers())
		defer p.Close()

		_, err := PartitionedWrite(t.Context(), Config{Allocator: alloc}, p, []string{"country"}, func(int, *table.Table) (writer.FileWriter, error) {
			t.Fatal("no writer expected")
			return nil, nil
		})
		require.ErrorIs(t, err, tesserrors.ErrInvalidArgument)
	})

	t.Run("writer creation fails", func(t *testing.T) {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
		defer alloc.AssertSize(t, 0)

		p := newArrowtestPipeline(t, alloc, usersSchema, sampleUsers())
		defer p.Close()

		failure := errors.New("no credentials")
		var created []*recordingWriter
		_, err := PartitionedWrite(t.Context(), Config{Allocator: alloc}, p, []string{"valid"}, func(idx int, _ *table.Table) (writer.FileWriter, error) {
			if idx == 1 {
				return nil, failure
			}
			w := &recordingWriter{mem: alloc, path: "ok"}
			created = append(created, w)
			return w, nil
		})
		require.ErrorIs(t, err, failure)

		require.Len(t, created, 1)
		require.True(t, created[0].closed)
	})
}
