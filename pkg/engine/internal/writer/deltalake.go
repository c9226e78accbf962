package writer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/google/uuid"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// Delta Lake manifest columns.
const (
	SizeColumn      = "size"
	AddActionColumn = "add_action"
)

// DeltaAddAction is the add action of a written data file, as recorded in
// the Delta transaction log.
type DeltaAddAction struct {
	Path             string             `json:"path"`
	PartitionValues  map[string]*string `json:"partitionValues"`
	Size             int64              `json:"size"`
	ModificationTime int64              `json:"modificationTime"`
	DataChange       bool               `json:"dataChange"`
	Stats            string             `json:"stats"`
}

// DeltaLakeWriter writes a single Parquet data file of a Delta table.
type DeltaLakeWriter struct {
	sink        *fileSink
	largeDtypes bool
	partition   *table.Table

	now func() time.Time
}

var _ FileWriter = (*DeltaLakeWriter)(nil)

// NewDeltaLakeWriter returns a writer for data file fileIdx of table
// version version. The file is named "<version>-<uuid>-<fileIdx>.parquet"
// and placed below rootDir/postfix, where postfix is usually the partition
// directory. With largeDtypes, string and binary columns are converted to
// their 64-bit offset variants before encoding.
func NewDeltaLakeWriter(rootDir string, fileIdx int, version int, largeDtypes bool, partitionValues *table.Table, postfix string, ioConfig *bucket.Config, opts ...Option) (*DeltaLakeWriter, error) {
	if _, err := partitionStrings(partitionValues); err != nil {
		return nil, err
	}

	codec, err := parquetCodec(DefaultParquetCompression)
	if err != nil {
		return nil, err
	}

	name := joinName(postfix, fmt.Sprintf("%d-%s-%d.parquet", version, uuid.NewString(), fileIdx))
	newEncoder := func(w io.Writer, schema *arrow.Schema) (encoder, error) {
		return newParquetEncoder(w, schema, codec, nil)
	}
	return &DeltaLakeWriter{
		sink:        newFileSink("deltalake", rootDir, name, ioConfig, newEncoder, newOptions(opts)),
		largeDtypes: largeDtypes,
		partition:   retainPartition(partitionValues),
		now:         time.Now,
	}, nil
}

// Write implements [FileWriter].
func (w *DeltaLakeWriter) Write(ctx context.Context, mp *table.MicroPartition) error {
	if !w.largeDtypes {
		return w.sink.write(ctx, mp, nil)
	}
	return w.sink.write(ctx, mp, func(rec arrow.Record) (arrow.Record, error) {
		return toLargeTypes(compute.WithAllocator(ctx, w.sink.mem), rec)
	})
}

// Close implements [FileWriter]. The manifest holds the path and size of
// the written file and its JSON [DeltaAddAction], followed by the partition
// columns.
func (w *DeltaLakeWriter) Close(ctx context.Context) (*table.Table, error) {
	partition := w.partition
	w.partition = nil
	defer releasePartition(partition)

	file, err := w.sink.finish(ctx)
	if err != nil || file == nil {
		return nil, err
	}

	values, err := partitionMap(partition)
	if err != nil {
		return nil, err
	}
	stats, err := json.Marshal(map[string]int64{"numRecords": file.rows})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode delta file statistics")
	}
	action, err := json.Marshal(DeltaAddAction{
		Path:             w.sink.name,
		PartitionValues:  values,
		Size:             file.size,
		ModificationTime: w.now().UnixMilli(),
		DataChange:       true,
		Stats:            string(stats),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode delta add action")
	}

	return newManifestRow(w.sink.mem).
		String(PathColumn, file.path).
		Int64(SizeColumn, file.size).
		String(AddActionColumn, string(action)).
		Build(partition)
}

// toLargeTypes casts the string and binary columns of rec to large_string
// and large_binary. The caller owns the returned record.
func toLargeTypes(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	fields := make([]arrow.Field, rec.NumCols())
	cols := make([]arrow.Array, rec.NumCols())
	defer func() {
		for _, col := range cols {
			if col != nil {
				col.Release()
			}
		}
	}()

	for i, col := range rec.Columns() {
		field := rec.Schema().Field(i)

		var large arrow.DataType
		switch field.Type.ID() {
		case arrow.STRING:
			large = arrow.BinaryTypes.LargeString
		case arrow.BINARY:
			large = arrow.BinaryTypes.LargeBinary
		}

		if large == nil {
			col.Retain()
			fields[i], cols[i] = field, col
			continue
		}

		casted, err := compute.CastArray(ctx, col, compute.SafeCastOptions(large))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to convert column %q to %s", field.Name, large)
		}
		field.Type = large
		fields[i], cols[i] = field, casted
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}
