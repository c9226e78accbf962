package writer

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	jsoniter "github.com/json-iterator/go"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Iceberg manifest columns.
const (
	RecordCountColumn   = "record_count"
	FileSizeBytesColumn = "file_size_bytes"
	DataFileColumn      = "data_file"
)

const (
	icebergCompressionProperty = "write.parquet.compression-codec"
	defaultIcebergCompression  = "zstd"
)

// IcebergSchema is the subset of an Iceberg table schema used when writing
// data files.
type IcebergSchema struct {
	SchemaID int            `json:"schema-id"`
	Fields   []IcebergField `json:"fields"`
}

type IcebergField struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Type     any    `json:"type"`
}

// IcebergPartitionSpec is the subset of an Iceberg partition spec used when
// writing data files.
type IcebergPartitionSpec struct {
	SpecID int `json:"spec-id"`
	Fields []struct {
		SourceID  int    `json:"source-id"`
		FieldID   int    `json:"field-id"`
		Name      string `json:"name"`
		Transform string `json:"transform"`
	} `json:"fields"`
}

// IcebergDataFile describes a written data file the way it is added to an
// Iceberg snapshot.
type IcebergDataFile struct {
	Content         string             `json:"content"`
	FilePath        string             `json:"file-path"`
	FileFormat      string             `json:"file-format"`
	SpecID          int                `json:"spec-id"`
	Partition       map[string]*string `json:"partition"`
	RecordCount     int64              `json:"record-count"`
	FileSizeInBytes int64              `json:"file-size-in-bytes"`
}

// IcebergWriter writes a single Parquet data file of an Iceberg table.
// Parquet field ids are taken from the table schema.
type IcebergWriter struct {
	sink      *fileSink
	spec      IcebergPartitionSpec
	partition *table.Table
}

var _ FileWriter = (*IcebergWriter)(nil)

// NewIcebergWriter returns a writer for data file fileIdx below rootDir.
// schemaJSON, propertiesJSON and partitionSpecJSON hold the table schema,
// table properties and partition spec in their Iceberg JSON form; empty
// inputs are allowed. When compression is empty, the
// write.parquet.compression-codec property is used, and zstd otherwise.
func NewIcebergWriter(rootDir string, fileIdx int, schemaJSON, propertiesJSON, partitionSpecJSON []byte, partitionValues *table.Table, compression string, ioConfig *bucket.Config, opts ...Option) (*IcebergWriter, error) {
	var (
		schema     IcebergSchema
		properties map[string]string
		spec       IcebergPartitionSpec
	)
	if err := unmarshalOptional(schemaJSON, &schema); err != nil {
		return nil, errors.Wrap(err, "invalid iceberg schema")
	}
	if err := unmarshalOptional(propertiesJSON, &properties); err != nil {
		return nil, errors.Wrap(err, "invalid iceberg table properties")
	}
	if err := unmarshalOptional(partitionSpecJSON, &spec); err != nil {
		return nil, errors.Wrap(err, "invalid iceberg partition spec")
	}

	if compression == "" {
		compression = properties[icebergCompressionProperty]
	}
	if compression == "" {
		compression = defaultIcebergCompression
	}
	codec, err := parquetCodec(compression)
	if err != nil {
		return nil, err
	}

	fieldIDs := make(map[string]int, len(schema.Fields))
	for _, f := range schema.Fields {
		fieldIDs[f.Name] = f.ID
	}

	dir, err := PartitionDir(partitionValues)
	if err != nil {
		return nil, err
	}

	newEncoder := func(w io.Writer, schema *arrow.Schema) (encoder, error) {
		return newParquetEncoder(w, schema, codec, fieldIDs)
	}
	return &IcebergWriter{
		sink:      newFileSink("iceberg", rootDir, joinName(dir, fileName(fileIdx, "parquet")), ioConfig, newEncoder, newOptions(opts)),
		spec:      spec,
		partition: retainPartition(partitionValues),
	}, nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Write implements [FileWriter].
func (w *IcebergWriter) Write(ctx context.Context, mp *table.MicroPartition) error {
	return w.sink.write(ctx, mp, nil)
}

// Close implements [FileWriter]. The manifest holds the path, record count,
// file size and the JSON [IcebergDataFile] of the written file, followed by
// the partition columns.
func (w *IcebergWriter) Close(ctx context.Context) (*table.Table, error) {
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
	dataFile, err := json.Marshal(IcebergDataFile{
		Content:         "DATA",
		FilePath:        file.path,
		FileFormat:      "PARQUET",
		SpecID:          w.spec.SpecID,
		Partition:       values,
		RecordCount:     file.rows,
		FileSizeInBytes: file.size,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode iceberg data file")
	}

	return newManifestRow(w.sink.mem).
		String(PathColumn, file.path).
		Int64(RecordCountColumn, file.rows).
		Int64(FileSizeBytesColumn, file.size).
		String(DataFileColumn, string(dataFile)).
		Build(partition)
}
