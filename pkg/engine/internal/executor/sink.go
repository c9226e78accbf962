package executor

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"golang.org/x/sync/errgroup"

	tesserrors "github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/engine/internal/writer"
)

// Collect reads every micropartition of p and returns them as a single
// micropartition with schema. The caller owns the result.
func Collect(ctx context.Context, p Pipeline, schema *arrow.Schema) (*table.MicroPartition, error) {
	var tables []*table.Table
	release := func() {
		for _, t := range tables {
			t.Release()
		}
	}

	for {
		mp, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			break
		} else if err != nil {
			release()
			return nil, err
		}
		// The tables of mp are moved into the result.
		tables = append(tables, mp.Tables()...)
	}

	res, err := table.NewMicroPartition(schema, tables...)
	if err != nil {
		release()
		return nil, err
	}
	return res, nil
}

// WriteAll writes every micropartition of p to w and closes w. It returns
// the manifest of w, which is nil if no rows were written. w is closed even
// if reading or writing fails.
func WriteAll(ctx context.Context, cfg Config, p Pipeline, w writer.FileWriter) (*table.Table, error) {
	if err := writeAll(ctx, cfg, p, w); err != nil {
		if manifest, closeErr := w.Close(ctx); closeErr == nil && manifest != nil {
			manifest.Release()
		}
		cfg.Metrics.observeClose(false, err)
		return nil, err
	}

	manifest, err := w.Close(ctx)
	cfg.Metrics.observeClose(manifest != nil, err)
	return manifest, err
}

func writeAll(ctx context.Context, cfg Config, p Pipeline, w writer.FileWriter) error {
	for {
		mp, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			return nil
		} else if err != nil {
			return err
		}

		err = w.Write(ctx, mp)
		cfg.Metrics.observeWrite(mp.NumRows())
		mp.Release()
		if err != nil {
			return err
		}
	}
}

// WriteShards writes each pipeline to its own writer in parallel and
// returns the manifests concatenated in shard order. Shards that wrote no
// rows contribute nothing; WriteShards returns nil if no shard wrote rows.
func WriteShards(ctx context.Context, cfg Config, pipelines []Pipeline, newWriter func(shard int) (writer.FileWriter, error)) (*table.Table, error) {
	manifests := make([]*table.Table, len(pipelines))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MaxShardConcurrency > 0 {
		g.SetLimit(cfg.MaxShardConcurrency)
	}

	for i, p := range pipelines {
		g.Go(func() error {
			w, err := newWriter(i)
			if err != nil {
				return tesserrors.Wrapf(err, "failed to create writer for shard %d", i)
			}
			manifests[i], err = WriteAll(ctx, cfg, p, w)
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		releaseTables(manifests)
		return nil, err
	}
	return concatManifests(cfg.allocator(), manifests)
}

// PartitionedWrite splits the rows of p by the values of partitionCols and
// writes each distinct value to its own writer. Writers are created on the
// first row of their value, with a one-row table of the partition values,
// and numbered in order of creation. The manifests are concatenated in the
// same order.
func PartitionedWrite(ctx context.Context, cfg Config, p Pipeline, partitionCols []string, newWriter func(idx int, partition *table.Table) (writer.FileWriter, error)) (*table.Table, error) {
	if len(partitionCols) == 0 {
		return nil, tesserrors.InvalidArgument("at least one partition column is required")
	}

	pw := &partitionedWriter{
		cfg:       cfg,
		mem:       cfg.allocator(),
		cols:      partitionCols,
		newWriter: newWriter,
		byHash:    make(map[uint64][]*partitionState),
	}

	if err := pw.run(ctx, p); err != nil {
		pw.abort(ctx)
		return nil, err
	}
	return pw.close(ctx)
}

type partitionState struct {
	key string
	w   writer.FileWriter
}

type partitionedWriter struct {
	cfg       Config
	mem       memory.Allocator
	cols      []string
	newWriter func(idx int, partition *table.Table) (writer.FileWriter, error)

	byHash map[uint64][]*partitionState
	order  []*partitionState
}

func (pw *partitionedWriter) run(ctx context.Context, p Pipeline) error {
	for {
		mp, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			return nil
		} else if err != nil {
			return err
		}

		for _, t := range mp.Tables() {
			if err := pw.writeTable(ctx, t); err != nil {
				mp.Release()
				return err
			}
		}
		pw.cfg.Metrics.observeWrite(mp.NumRows())
		mp.Release()
	}
}

func (pw *partitionedWriter) writeTable(ctx context.Context, t *table.Table) error {
	cols := make([]arrow.Array, len(pw.cols))
	for i, name := range pw.cols {
		col, ok := t.Column(name)
		if !ok {
			return tesserrors.InvalidArgument("partition column %q not found", name)
		}
		cols[i] = col
	}

	// Group rows by partition, keeping the order in which partitions are
	// first seen.
	var (
		groups = make(map[*partitionState][]int)
		seen   []*partitionState
	)
	for row := 0; row < int(t.NumRows()); row++ {
		state, err := pw.partitionFor(cols, row)
		if err != nil {
			return err
		}
		if _, ok := groups[state]; !ok {
			seen = append(seen, state)
		}
		groups[state] = append(groups[state], row)
	}

	for _, state := range seen {
		if err := pw.writeRows(ctx, state.w, t, groups[state]); err != nil {
			return err
		}
	}
	return nil
}

// partitionFor returns the partition of a row, creating its writer on first
// use.
func (pw *partitionedWriter) partitionFor(cols []arrow.Array, row int) (*partitionState, error) {
	key := partitionKey(cols, row)
	hash := xxhash.Sum64String(key)
	for _, state := range pw.byHash[hash] {
		if state.key == key {
			return state, nil
		}
	}

	partition := pw.partitionTable(cols, row)
	defer partition.Release()

	w, err := pw.newWriter(len(pw.order), partition)
	if err != nil {
		return nil, tesserrors.Wrapf(err, "failed to create writer for partition %d", len(pw.order))
	}

	state := &partitionState{key: key, w: w}
	pw.byHash[hash] = append(pw.byHash[hash], state)
	pw.order = append(pw.order, state)
	return state, nil
}

// partitionKey encodes the partition values of a row. Values are length
// prefixed, and nulls are distinct from every string value.
func partitionKey(cols []arrow.Array, row int) string {
	var key []byte
	for _, col := range cols {
		if col.IsNull(row) {
			key = append(key, 0)
			continue
		}
		v := col.ValueStr(row)
		key = append(key, 1)
		key = binary.AppendUvarint(key, uint64(len(v)))
		key = append(key, v...)
	}
	return string(key)
}

func (pw *partitionedWriter) partitionTable(cols []arrow.Array, row int) *table.Table {
	fields := make([]arrow.Field, len(cols))
	slices := make([]arrow.Array, len(cols))
	for i, col := range cols {
		fields[i] = arrow.Field{Name: pw.cols[i], Type: col.DataType(), Nullable: true}
		slices[i] = array.NewSlice(col, int64(row), int64(row+1))
	}
	defer releaseArrays(slices)

	return table.New(array.NewRecord(arrow.NewSchema(fields, nil), slices, 1))
}

func (pw *partitionedWriter) writeRows(ctx context.Context, w writer.FileWriter, t *table.Table, rows []int) error {
	builder := array.NewBooleanBuilder(pw.mem)
	defer builder.Release()

	next := 0
	for i := 0; i < int(t.NumRows()); i++ {
		match := next < len(rows) && rows[next] == i
		if match {
			next++
		}
		builder.Append(match)
	}
	mask := builder.NewArray()
	defer mask.Release()

	filtered, err := t.Filter(ctx, pw.mem, mask)
	if err != nil {
		return err
	}

	mp, err := table.NewMicroPartition(t.Schema(), filtered)
	if err != nil {
		filtered.Release()
		return err
	}
	defer mp.Release()
	return w.Write(ctx, mp)
}

func (pw *partitionedWriter) close(ctx context.Context) (*table.Table, error) {
	var (
		errs      multierror.MultiError
		manifests = make([]*table.Table, 0, len(pw.order))
	)
	for _, state := range pw.order {
		manifest, err := state.w.Close(ctx)
		pw.cfg.Metrics.observeClose(manifest != nil, err)
		errs.Add(err)
		manifests = append(manifests, manifest)
	}

	if err := errs.Err(); err != nil {
		releaseTables(manifests)
		return nil, err
	}
	return concatManifests(pw.mem, manifests)
}

// abort closes every writer and discards their manifests.
func (pw *partitionedWriter) abort(ctx context.Context) {
	for _, state := range pw.order {
		manifest, err := state.w.Close(ctx)
		if err != nil {
			level.Warn(pw.cfg.logger()).Log("msg", "failed to close partition writer", "err", err)
			continue
		}
		if manifest != nil {
			manifest.Release()
		}
	}
}

// concatManifests concatenates the non-nil manifests. It takes ownership of
// the manifests and returns nil if all of them are nil.
func concatManifests(mem memory.Allocator, manifests []*table.Table) (*table.Table, error) {
	var present []*table.Table
	for _, m := range manifests {
		if m != nil {
			present = append(present, m)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}
	defer releaseTables(present)

	res, err := table.Concat(mem, present...)
	if err != nil {
		return nil, tesserrors.Wrap(err, "failed to concatenate manifests")
	}
	return res, nil
}

func releaseTables(tables []*table.Table) {
	for _, t := range tables {
		if t != nil {
			t.Release()
		}
	}
}

func releaseArrays(arrs []arrow.Array) {
	for _, arr := range arrs {
		arr.Release()
	}
}
