// Package writer implements the file sinks of the engine. A FileWriter
// encodes the micropartitions it receives into a single file, uploads it on
// Close and describes the result in a manifest table.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

var tracer = otel.Tracer("pkg/engine/internal/writer")

// PathColumn is the manifest column holding the location of the written
// file.
const PathColumn = "path"

// hiveDefaultPartition names the directory of null partition values.
const hiveDefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// FileWriter writes micropartitions to a single output file.
//
// Write may be called any number of times, followed by exactly one call to
// Close. Calling Write after Close is not allowed. A FileWriter is not safe
// for concurrent use.
type FileWriter interface {
	// Write appends the rows of mp to the file. mp is not retained.
	Write(ctx context.Context, mp *table.MicroPartition) error
	// Close finishes and uploads the file, and returns the manifest table
	// describing it. Close returns a nil table if no rows were written.
	Close(ctx context.Context) (*table.Table, error)
}

// Option configures a writer.
type Option func(*options)

type options struct {
	logger log.Logger
	mem    memory.Allocator
}

// WithLogger sets the logger of a writer.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAllocator sets the allocator used for manifests and converted
// batches.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

func newOptions(opts []Option) options {
	o := options{
		logger: log.NewNopLogger(),
		mem:    memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encoder encodes Arrow records into a file format.
type encoder interface {
	Write(rec arrow.Record) error
	// Close flushes buffered data. It does not close the underlying writer.
	Close() error
}

type encoderFunc func(w io.Writer, schema *arrow.Schema) (encoder, error)

// fileSink buffers an encoded file in memory and uploads it on finish.
// Encoders are created on the first write with rows, so a sink that only
// receives empty micropartitions uploads nothing.
type fileSink struct {
	options

	format     string
	rootDir    string
	name       string // Object name relative to rootDir.
	ioConfig   *bucket.Config
	newEncoder encoderFunc

	buf    bytes.Buffer
	out    io.WriteCloser // Wraps buf when the file is compressed as a whole.
	enc    encoder
	schema *arrow.Schema
	rows   int64
	closed bool
}

func newFileSink(format, rootDir, name string, ioConfig *bucket.Config, newEncoder encoderFunc, o options) *fileSink {
	return &fileSink{
		options:    o,
		format:     format,
		rootDir:    rootDir,
		name:       name,
		ioConfig:   ioConfig,
		newEncoder: newEncoder,
	}
}

func (s *fileSink) write(_ context.Context, mp *table.MicroPartition, convert func(arrow.Record) (arrow.Record, error)) error {
	if s.closed {
		return errors.InvalidArgument("%s writer for %s is closed", s.format, s.name)
	}

	for _, rec := range mp.Records() {
		if rec.NumRows() == 0 {
			continue
		}

		if convert != nil {
			converted, err := convert(rec)
			if err != nil {
				return err
			}
			defer converted.Release()
			rec = converted
		}

		if s.enc == nil {
			enc, err := s.newEncoder(s.writer(), rec.Schema())
			if err != nil {
				return errors.Wrapf(err, "failed to create %s encoder", s.format)
			}
			s.enc, s.schema = enc, rec.Schema()
		} else if !rec.Schema().Equal(s.schema) {
			return errors.InvalidArgument("schema %s does not match the schema of previous writes %s", rec.Schema(), s.schema)
		}

		if err := s.enc.Write(rec); err != nil {
			return errors.Wrapf(err, "failed to encode %s", s.format)
		}
		s.rows += rec.NumRows()
	}
	return nil
}

func (s *fileSink) writer() io.Writer {
	if s.out != nil {
		return s.out
	}
	return &s.buf
}

type writtenFile struct {
	path string
	rows int64
	size int64
}

// finish uploads the encoded file. It returns nil if no rows were written.
func (s *fileSink) finish(ctx context.Context) (*writtenFile, error) {
	if s.closed {
		return nil, errors.InvalidArgument("%s writer for %s is already closed", s.format, s.name)
	}
	s.closed = true

	if s.enc == nil {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "fileSink.finish")
	defer span.End()

	if err := s.enc.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed to finish %s file", s.format)
	}
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			return nil, errors.Wrapf(err, "failed to finish %s file", s.format)
		}
	}

	target, err := bucket.Resolve(ctx, s.ioConfig, s.rootDir, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrapf(err, "failed to resolve output location %s", s.rootDir)
	}
	defer target.Close()

	size := int64(s.buf.Len())
	if err := target.Bucket.Upload(ctx, target.Key(s.name), bytes.NewReader(s.buf.Bytes())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrapf(err, "failed to upload %s", s.name)
	}
	s.buf.Reset()

	file := &writtenFile{path: target.Path(s.name), rows: s.rows, size: size}
	span.SetAttributes(
		attribute.String("path", file.path),
		attribute.Int64("rows", file.rows),
		attribute.Int64("size", file.size),
	)
	level.Debug(s.logger).Log("msg", "wrote file", "format", s.format, "path", file.path, "rows", file.rows, "size", humanize.Bytes(uint64(size)))
	return file, nil
}

// fileName returns the name of data file fileIdx with extension ext.
func fileName(fileIdx int, ext string) string {
	return fmt.Sprintf("%s-%d.%s", uuid.NewString(), fileIdx, ext)
}

// PartitionDir returns the hive style directory of a one-row partition
// table, for example "year=2024/country=NL". A nil table yields "".
func PartitionDir(partition *table.Table) (string, error) {
	values, err := partitionStrings(partition)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(values))
	for _, kv := range values {
		v := hiveDefaultPartition
		if kv.value != nil {
			v = url.PathEscape(*kv.value)
		}
		parts = append(parts, url.PathEscape(kv.name)+"="+v)
	}
	return strings.Join(parts, "/"), nil
}

type partitionValue struct {
	name  string
	value *string // Nil for null.
}

// partitionStrings returns the values of a one-row partition table in
// column order.
func partitionStrings(partition *table.Table) ([]partitionValue, error) {
	if partition == nil {
		return nil, nil
	}
	if partition.NumRows() != 1 {
		return nil, errors.InvalidArgument("partition values must have exactly one row, got %d", partition.NumRows())
	}

	rec := partition.Record()
	values := make([]partitionValue, 0, rec.NumCols())
	for i, col := range rec.Columns() {
		kv := partitionValue{name: rec.ColumnName(i)}
		if col.IsValid(0) {
			s := col.ValueStr(0)
			kv.value = &s
		}
		values = append(values, kv)
	}
	return values, nil
}

// joinName joins a directory and a file name with a slash.
func joinName(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// pathManifest returns the manifest {path} ∪ partition for a written file.
func pathManifest(mem memory.Allocator, file *writtenFile, partition *table.Table) (*table.Table, error) {
	manifest := table.FromStrings(mem, PathColumn, []*string{&file.path})
	if partition == nil {
		return manifest, nil
	}
	defer manifest.Release()
	return manifest.Union(mem, partition)
}

func retainPartition(partition *table.Table) *table.Table {
	if partition != nil {
		partition.Retain()
	}
	return partition
}

func releasePartition(partition *table.Table) {
	if partition != nil {
		partition.Release()
	}
}
