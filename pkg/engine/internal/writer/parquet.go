package writer

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// DefaultParquetCompression is used when no compression is requested.
const DefaultParquetCompression = "snappy"

// ArrowSchemaKey is the Parquet key/value metadata entry holding the
// base64 encoded IPC schema of the written records. Readers use it to
// restore Arrow types that Parquet does not distinguish, such as
// large_string.
const ArrowSchemaKey = "ARROW:schema"

var parquetCodecs = map[string]compress.Codec{
	"none":         &parquet.Uncompressed,
	"uncompressed": &parquet.Uncompressed,
	"snappy":       &parquet.Snappy,
	"gzip":         &parquet.Gzip,
	"zstd":         &parquet.Zstd,
	"brotli":       &parquet.Brotli,
	"lz4":          &parquet.Lz4Raw,
}

// parquetCodec returns the codec for a compression name. The empty name
// selects [DefaultParquetCompression].
func parquetCodec(name string) (compress.Codec, error) {
	if name == "" {
		name = DefaultParquetCompression
	}
	codec, ok := parquetCodecs[strings.ToLower(name)]
	if !ok {
		return nil, errors.InvalidArgument("unsupported parquet compression %q", name)
	}
	return codec, nil
}

// ParquetWriter writes a single Parquet file.
type ParquetWriter struct {
	sink      *fileSink
	partition *table.Table
}

var _ FileWriter = (*ParquetWriter)(nil)

// NewParquetWriter returns a writer for data file fileIdx below rootDir.
// When partition is set, the file is written to the hive style directory of
// its values and the values are appended to the manifest. The writer takes
// its own reference to partition.
func NewParquetWriter(rootDir string, fileIdx int, compression string, ioConfig *bucket.Config, partition *table.Table, opts ...Option) (*ParquetWriter, error) {
	codec, err := parquetCodec(compression)
	if err != nil {
		return nil, err
	}

	dir, err := PartitionDir(partition)
	if err != nil {
		return nil, err
	}

	name := joinName(dir, fileName(fileIdx, "parquet"))
	newEncoder := func(w io.Writer, schema *arrow.Schema) (encoder, error) {
		return newParquetEncoder(w, schema, codec, nil)
	}
	return &ParquetWriter{
		sink:      newFileSink("parquet", rootDir, name, ioConfig, newEncoder, newOptions(opts)),
		partition: retainPartition(partition),
	}, nil
}

// Write implements [FileWriter].
func (w *ParquetWriter) Write(ctx context.Context, mp *table.MicroPartition) error {
	return w.sink.write(ctx, mp, nil)
}

// Close implements [FileWriter]. The manifest has a path column followed by
// the partition columns.
func (w *ParquetWriter) Close(ctx context.Context) (*table.Table, error) {
	partition := w.partition
	w.partition = nil
	defer releasePartition(partition)

	file, err := w.sink.finish(ctx)
	if err != nil || file == nil {
		return nil, err
	}
	return pathManifest(w.sink.mem, file, partition)
}

// parquetEncoder writes Arrow records as Parquet rows. Every column is
// optional.
type parquetEncoder struct {
	w       *parquet.Writer
	columns []int // Parquet column index of each Arrow field.
	row     parquet.Row
}

func newParquetEncoder(w io.Writer, schema *arrow.Schema, codec compress.Codec, fieldIDs map[string]int) (*parquetEncoder, error) {
	group := make(parquet.Group, schema.NumFields())
	for _, field := range schema.Fields() {
		node, err := parquetNode(field.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", field.Name)
		}
		node = parquet.Optional(node)
		if id, ok := fieldIDs[field.Name]; ok {
			node = parquet.FieldID(node, id)
		}
		group[field.Name] = node
	}
	pqSchema := parquet.NewSchema("schema", group)

	// Parquet orders the columns of a group by name.
	index := make(map[string]int, schema.NumFields())
	for i, path := range pqSchema.Columns() {
		index[path[0]] = i
	}
	columns := make([]int, schema.NumFields())
	for i, field := range schema.Fields() {
		columns[i] = index[field.Name]
	}

	arrowSchema, err := encodeArrowSchema(schema)
	if err != nil {
		return nil, err
	}

	pw := parquet.NewWriter(w, pqSchema,
		parquet.Compression(codec),
		parquet.KeyValueMetadata(ArrowSchemaKey, arrowSchema),
	)
	return &parquetEncoder{
		w:       pw,
		columns: columns,
		row:     make(parquet.Row, schema.NumFields()),
	}, nil
}

// encodeArrowSchema serializes schema as an IPC stream without record
// batches.
func encodeArrowSchema(schema *arrow.Schema) (string, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "failed to serialize arrow schema")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func parquetNode(dt arrow.DataType) (parquet.Node, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return parquet.Leaf(parquet.BooleanType), nil
	case arrow.INT8:
		return parquet.Int(8), nil
	case arrow.INT16:
		return parquet.Int(16), nil
	case arrow.INT32:
		return parquet.Int(32), nil
	case arrow.INT64:
		return parquet.Int(64), nil
	case arrow.UINT8:
		return parquet.Uint(8), nil
	case arrow.UINT16:
		return parquet.Uint(16), nil
	case arrow.UINT32:
		return parquet.Uint(32), nil
	case arrow.UINT64:
		return parquet.Uint(64), nil
	case arrow.FLOAT32:
		return parquet.Leaf(parquet.FloatType), nil
	case arrow.FLOAT64:
		return parquet.Leaf(parquet.DoubleType), nil
	case arrow.STRING, arrow.LARGE_STRING:
		return parquet.String(), nil
	case arrow.BINARY, arrow.LARGE_BINARY:
		return parquet.Leaf(parquet.ByteArrayType), nil
	}
	return nil, errors.Unsupported("cannot write %s to parquet", dt)
}

func (e *parquetEncoder) Write(rec arrow.Record) error {
	rows := make([]parquet.Row, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		for j, col := range rec.Columns() {
			idx := e.columns[j]
			e.row[idx] = parquetValue(col, i).Level(0, definitionLevel(col, i), idx)
		}
		rows = append(rows, e.row.Clone())
	}

	_, err := e.w.WriteRows(rows)
	return err
}

func (e *parquetEncoder) Close() error { return e.w.Close() }

func definitionLevel(col arrow.Array, i int) int {
	if col.IsNull(i) {
		return 0
	}
	return 1
}

func parquetValue(col arrow.Array, i int) parquet.Value {
	if col.IsNull(i) {
		return parquet.NullValue()
	}

	switch col := col.(type) {
	case *array.Boolean:
		return parquet.BooleanValue(col.Value(i))
	case *array.Int8:
		return parquet.Int32Value(int32(col.Value(i)))
	case *array.Int16:
		return parquet.Int32Value(int32(col.Value(i)))
	case *array.Int32:
		return parquet.Int32Value(col.Value(i))
	case *array.Int64:
		return parquet.Int64Value(col.Value(i))
	case *array.Uint8:
		return parquet.Int32Value(int32(col.Value(i)))
	case *array.Uint16:
		return parquet.Int32Value(int32(col.Value(i)))
	case *array.Uint32:
		return parquet.Int32Value(int32(col.Value(i)))
	case *array.Uint64:
		return parquet.Int64Value(int64(col.Value(i)))
	case *array.Float32:
		return parquet.FloatValue(col.Value(i))
	case *array.Float64:
		return parquet.DoubleValue(col.Value(i))
	case *array.String:
		return parquet.ByteArrayValue([]byte(col.Value(i)))
	case *array.LargeString:
		return parquet.ByteArrayValue([]byte(col.Value(i)))
	case *array.Binary:
		return parquet.ByteArrayValue(col.Value(i))
	case *array.LargeBinary:
		return parquet.ByteArrayValue(col.Value(i))
	}
	return parquet.NullValue()
}
