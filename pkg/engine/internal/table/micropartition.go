package table

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
)

// MaskFunc evaluates a boolean mask over a single table.
type MaskFunc func(ctx context.Context, t *Table) (arrow.Array, error)

// MicroPartition is an immutable batch of rows made of an ordered list of
// tables sharing one schema. It is the unit of data flowing between
// pipeline stages.
type MicroPartition struct {
	schema *arrow.Schema
	tables []*Table
}

// NewMicroPartition returns a MicroPartition over tables. References held by
// the caller are transferred to the returned value.
func NewMicroPartition(schema *arrow.Schema, tables ...*Table) (*MicroPartition, error) {
	for _, t := range tables {
		if !t.Schema().Equal(schema) {
			return nil, errors.InvalidArgument("table schema %s does not match micropartition schema %s", t.Schema(), schema)
		}
	}
	return &MicroPartition{schema: schema, tables: tables}, nil
}

// FromRecords returns a MicroPartition over recs, which must share a schema.
// References held by the caller are transferred.
func FromRecords(recs ...arrow.Record) (*MicroPartition, error) {
	if len(recs) == 0 {
		return nil, errors.InvalidArgument("cannot build a micropartition without a schema")
	}
	tables := make([]*Table, len(recs))
	for i, rec := range recs {
		tables[i] = New(rec)
	}
	return NewMicroPartition(recs[0].Schema(), tables...)
}

// EmptyMicroPartition returns a MicroPartition with no tables.
func EmptyMicroPartition(schema *arrow.Schema) *MicroPartition {
	return &MicroPartition{schema: schema}
}

// Schema returns the schema shared by all tables of mp.
func (mp *MicroPartition) Schema() *arrow.Schema { return mp.schema }

// Tables returns the tables of mp in order. The slice must not be modified.
func (mp *MicroPartition) Tables() []*Table { return mp.tables }

// Records returns the Arrow records of mp in order.
func (mp *MicroPartition) Records() []arrow.Record {
	recs := make([]arrow.Record, len(mp.tables))
	for i, t := range mp.tables {
		recs[i] = t.Record()
	}
	return recs
}

// NumRows returns the total number of rows across all tables.
func (mp *MicroPartition) NumRows() int64 {
	var n int64
	for _, t := range mp.tables {
		n += t.NumRows()
	}
	return n
}

// Retain increases the reference count of every table of mp.
func (mp *MicroPartition) Retain() {
	for _, t := range mp.tables {
		t.Retain()
	}
}

// Release decreases the reference count of every table of mp.
func (mp *MicroPartition) Release() {
	for _, t := range mp.tables {
		t.Release()
	}
}

// Concat returns a single table holding every row of mp. An empty
// MicroPartition yields an empty table with mp's schema.
func (mp *MicroPartition) Concat(mem memory.Allocator) (*Table, error) {
	if len(mp.tables) == 0 {
		return Empty(mem, mp.schema), nil
	}
	return Concat(mem, mp.tables...)
}

// Filter returns a new MicroPartition holding the rows for which mask
// evaluates to true. Errors from mask are returned unchanged.
func (mp *MicroPartition) Filter(ctx context.Context, mem memory.Allocator, mask MaskFunc) (*MicroPartition, error) {
	out := make([]*Table, 0, len(mp.tables))
	release := func() {
		for _, t := range out {
			t.Release()
		}
	}

	for _, t := range mp.tables {
		arr, err := mask(ctx, t)
		if err != nil {
			release()
			return nil, err
		}

		filtered, err := t.Filter(ctx, mem, arr)
		arr.Release()
		if err != nil {
			release()
			return nil, err
		}
		out = append(out, filtered)
	}

	return &MicroPartition{schema: mp.schema, tables: out}, nil
}

// Slice returns the rows [offset, offset+length) of mp. The range is
// clamped to the rows available.
func (mp *MicroPartition) Slice(offset, length int64) *MicroPartition {
	out := make([]*Table, 0, len(mp.tables))
	for _, t := range mp.tables {
		if length <= 0 {
			break
		}

		rows := t.NumRows()
		if offset >= rows {
			offset -= rows
			continue
		}

		end := min(offset+length, rows)
		out = append(out, t.Slice(offset, end))
		length -= end - offset
		offset = 0
	}
	return &MicroPartition{schema: mp.schema, tables: out}
}

// Map applies fn to each table of mp and returns the results as a new
// MicroPartition with schema. fn must return a table with that schema.
func (mp *MicroPartition) Map(ctx context.Context, schema *arrow.Schema, fn func(context.Context, *Table) (*Table, error)) (*MicroPartition, error) {
	out := make([]*Table, 0, len(mp.tables))
	for _, t := range mp.tables {
		res, err := fn(ctx, t)
		if err != nil {
			for _, o := range out {
				o.Release()
			}
			return nil, err
		}
		out = append(out, res)
	}

	res, err := NewMicroPartition(schema, out...)
	if err != nil {
		for _, o := range out {
			o.Release()
		}
		return nil, err
	}
	return res, nil
}
