// Package table provides the immutable columnar structures exchanged by the
// execution core: [Table], a single Arrow record with named typed columns, and
// [MicroPartition], the streaming unit made of an ordered list of tables.
//
// Both types are reference counted through the Arrow records they wrap.
// Holders call Retain to share a value and Release when done; no operation
// mutates a value in place.
package table

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
)

// Table is an immutable columnar structure backed by an Arrow record.
type Table struct {
	rec arrow.Record
}

// New wraps rec. The reference held by the caller is transferred to the
// returned Table.
func New(rec arrow.Record) *Table {
	return &Table{rec: rec}
}

// Empty returns a Table with schema and no rows.
func Empty(mem memory.Allocator, schema *arrow.Schema) *Table {
	cols := make([]arrow.Array, len(schema.Fields()))
	for i, field := range schema.Fields() {
		cols[i] = array.MakeArrayOfNull(mem, field.Type, 0)
	}
	defer releaseAll(cols)
	return New(array.NewRecord(schema, cols, 0))
}

// FromColumn returns a single-column Table named name. The table retains
// arr; the caller keeps its own reference.
func FromColumn(name string, arr arrow.Array) *Table {
	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arr.DataType(), Nullable: true}}, nil)
	return New(array.NewRecord(schema, []arrow.Array{arr}, int64(arr.Len())))
}

// FromStrings returns a single string column Table. Nil entries become
// nulls.
func FromStrings(mem memory.Allocator, name string, values []*string) *Table {
	builder := array.NewStringBuilder(mem)
	defer builder.Release()

	for _, v := range values {
		if v == nil {
			builder.AppendNull()
			continue
		}
		builder.Append(*v)
	}

	arr := builder.NewArray()
	defer arr.Release()
	return FromColumn(name, arr)
}

// Schema returns the schema of t.
func (t *Table) Schema() *arrow.Schema { return t.rec.Schema() }

// NumRows returns the number of rows in t.
func (t *Table) NumRows() int64 { return t.rec.NumRows() }

// NumCols returns the number of columns in t.
func (t *Table) NumCols() int64 { return t.rec.NumCols() }

// Record returns the underlying record. The caller must Retain it to keep it
// beyond the lifetime of t.
func (t *Table) Record() arrow.Record { return t.rec }

// ColumnNames returns the column names of t in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, t.rec.NumCols())
	for _, field := range t.rec.Schema().Fields() {
		names = append(names, field.Name)
	}
	return names
}

// Column returns the first column named name.
func (t *Table) Column(name string) (arrow.Array, bool) {
	indices := t.rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, false
	}
	return t.rec.Column(indices[0]), true
}

// Retain increases the reference count of t.
func (t *Table) Retain() { t.rec.Retain() }

// Release decreases the reference count of t.
func (t *Table) Release() { t.rec.Release() }

// Slice returns the rows [i, j) of t.
func (t *Table) Slice(i, j int64) *Table {
	return New(t.rec.NewSlice(i, j))
}

// Filter returns the rows of t for which mask is true. Null mask entries drop
// the row.
func (t *Table) Filter(ctx context.Context, mem memory.Allocator, mask arrow.Array) (*Table, error) {
	if mask.DataType().ID() != arrow.BOOL {
		return nil, errors.InvalidArgument("filter mask has type %s, expected bool", mask.DataType())
	}
	if int64(mask.Len()) != t.NumRows() {
		return nil, errors.InvalidArgument("filter mask has %d rows, table has %d", mask.Len(), t.NumRows())
	}

	ctx = compute.WithAllocator(ctx, mem)
	filtered, err := compute.FilterRecordBatch(ctx, t.rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, errors.Wrap(err, "failed to filter table")
	}
	return New(filtered), nil
}

// Union concatenates the columns of t and other horizontally. Row counts
// must match, unless one side has exactly one row, in which case that row is
// broadcast to the row count of the other side.
func (t *Table) Union(mem memory.Allocator, other *Table) (*Table, error) {
	if other == nil {
		t.Retain()
		return t, nil
	}

	for _, name := range other.ColumnNames() {
		if t.rec.Schema().HasField(name) {
			return nil, errors.InvalidArgument("cannot union tables: duplicate column %q", name)
		}
	}

	left, right, err := reconcileRows(mem, t, other)
	if err != nil {
		return nil, err
	}
	defer releaseAll(left)
	defer releaseAll(right)

	fields := make([]arrow.Field, 0, len(left)+len(right))
	fields = append(fields, t.Schema().Fields()...)
	fields = append(fields, other.Schema().Fields()...)

	cols := make([]arrow.Array, 0, len(fields))
	cols = append(cols, left...)
	cols = append(cols, right...)

	rows := int64(0)
	if len(cols) > 0 {
		rows = int64(cols[0].Len())
	}
	return New(array.NewRecord(arrow.NewSchema(fields, nil), cols, rows)), nil
}

// reconcileRows returns owned references to the columns of a and b with equal
// lengths.
func reconcileRows(mem memory.Allocator, a, b *Table) ([]arrow.Array, []arrow.Array, error) {
	an, bn := a.NumRows(), b.NumRows()
	switch {
	case an == bn:
		return retainColumns(a), retainColumns(b), nil
	case an == 1:
		left, err := broadcastColumns(mem, a, bn)
		return left, retainColumns(b), err
	case bn == 1:
		right, err := broadcastColumns(mem, b, an)
		return retainColumns(a), right, err
	default:
		return nil, nil, errors.InvalidArgument("cannot union tables with %d and %d rows", an, bn)
	}
}

func retainColumns(t *Table) []arrow.Array {
	cols := make([]arrow.Array, t.NumCols())
	for i := range cols {
		cols[i] = t.rec.Column(i)
		cols[i].Retain()
	}
	return cols
}

func broadcastColumns(mem memory.Allocator, t *Table, n int64) ([]arrow.Array, error) {
	cols := make([]arrow.Array, 0, t.NumCols())
	for i := 0; i < int(t.NumCols()); i++ {
		col := t.rec.Column(i)
		if n == 0 {
			cols = append(cols, array.NewSlice(col, 0, 0))
			continue
		}

		repeated := make([]arrow.Array, n)
		for j := range repeated {
			repeated[j] = col
		}
		arr, err := array.Concatenate(repeated, mem)
		if err != nil {
			releaseAll(cols)
			return nil, errors.Wrapf(err, "failed to broadcast column %q", t.Schema().Field(i).Name)
		}
		cols = append(cols, arr)
	}
	return cols, nil
}

// Concat concatenates tables vertically. All tables must share the same
// schema.
func Concat(mem memory.Allocator, tables ...*Table) (*Table, error) {
	switch len(tables) {
	case 0:
		return nil, errors.InvalidArgument("cannot concatenate zero tables")
	case 1:
		tables[0].Retain()
		return tables[0], nil
	}

	schema := tables[0].Schema()
	var rows int64
	for _, t := range tables {
		if !t.Schema().Equal(schema) {
			return nil, errors.InvalidArgument("cannot concatenate tables with schemas %s and %s", schema, t.Schema())
		}
		rows += t.NumRows()
	}

	cols := make([]arrow.Array, 0, len(schema.Fields()))
	defer func() { releaseAll(cols) }()

	for i := range schema.Fields() {
		parts := make([]arrow.Array, len(tables))
		for j, t := range tables {
			parts[j] = t.rec.Column(i)
		}
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to concatenate column %q", schema.Field(i).Name)
		}
		cols = append(cols, arr)
	}

	return New(array.NewRecord(schema, cols, rows)), nil
}

// String returns a short description of t.
func (t *Table) String() string {
	return fmt.Sprintf("Table[rows=%d, columns=%v]", t.NumRows(), t.ColumnNames())
}

func releaseAll(arrs []arrow.Array) {
	for _, arr := range arrs {
		if arr != nil {
			arr.Release()
		}
	}
}
