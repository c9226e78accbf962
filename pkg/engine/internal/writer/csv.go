package writer

import (
	"context"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/klauspost/compress/gzip"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// CSVWriter writes a single CSV file with a header row. Null values are
// written as empty fields.
type CSVWriter struct {
	sink      *fileSink
	partition *table.Table
}

var _ FileWriter = (*CSVWriter)(nil)

// NewCSVWriter returns a writer for data file fileIdx below rootDir.
// compression is either empty, "none" or "gzip". Partition values are
// handled as in [NewParquetWriter].
func NewCSVWriter(rootDir string, fileIdx int, compression string, ioConfig *bucket.Config, partition *table.Table, opts ...Option) (*CSVWriter, error) {
	var gzipped bool
	switch strings.ToLower(compression) {
	case "", "none", "uncompressed":
	case "gzip":
		gzipped = true
	default:
		return nil, errors.InvalidArgument("unsupported csv compression %q", compression)
	}

	dir, err := PartitionDir(partition)
	if err != nil {
		return nil, err
	}

	ext := "csv"
	if gzipped {
		ext = "csv.gz"
	}

	sink := newFileSink("csv", rootDir, joinName(dir, fileName(fileIdx, ext)), ioConfig, newCSVEncoder, newOptions(opts))
	if gzipped {
		sink.out = gzip.NewWriter(&sink.buf)
	}

	return &CSVWriter{
		sink:      sink,
		partition: retainPartition(partition),
	}, nil
}

// Write implements [FileWriter].
func (w *CSVWriter) Write(ctx context.Context, mp *table.MicroPartition) error {
	return w.sink.write(ctx, mp, nil)
}

// Close implements [FileWriter]. The manifest has a path column followed by
// the partition columns.
func (w *CSVWriter) Close(ctx context.Context) (*table.Table, error) {
	partition := w.partition
	w.partition = nil
	defer releasePartition(partition)

	file, err := w.sink.finish(ctx)
	if err != nil || file == nil {
		return nil, err
	}
	return pathManifest(w.sink.mem, file, partition)
}

type csvEncoder struct {
	w *csv.Writer
}

func newCSVEncoder(w io.Writer, schema *arrow.Schema) (encoder, error) {
	for _, field := range schema.Fields() {
		if !csvSupported(field.Type) {
			return nil, errors.Unsupported("cannot write column %q of type %s to csv", field.Name, field.Type)
		}
	}
	return &csvEncoder{
		w: csv.NewWriter(w, schema, csv.WithHeader(true), csv.WithNullWriter("")),
	}, nil
}

func csvSupported(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.BOOL,
		arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64,
		arrow.STRING, arrow.LARGE_STRING, arrow.BINARY, arrow.LARGE_BINARY:
		return true
	}
	return false
}

func (e *csvEncoder) Write(rec arrow.Record) error {
	if err := e.w.Write(rec); err != nil {
		return err
	}
	return e.w.Error()
}

func (e *csvEncoder) Close() error { return e.w.Flush() }
