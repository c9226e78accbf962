package writer

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// manifestRow builds a one-row manifest table from typed values.
type manifestRow struct {
	mem    memory.Allocator
	fields []arrow.Field
	cols   []arrow.Array
}

func newManifestRow(mem memory.Allocator) *manifestRow {
	return &manifestRow{mem: mem}
}

func (m *manifestRow) String(name, value string) *manifestRow {
	b := array.NewStringBuilder(m.mem)
	defer b.Release()
	b.Append(value)
	return m.add(name, arrow.BinaryTypes.String, b.NewArray())
}

func (m *manifestRow) Int64(name string, value int64) *manifestRow {
	b := array.NewInt64Builder(m.mem)
	defer b.Release()
	b.Append(value)
	return m.add(name, arrow.PrimitiveTypes.Int64, b.NewArray())
}

func (m *manifestRow) add(name string, dt arrow.DataType, arr arrow.Array) *manifestRow {
	m.fields = append(m.fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	m.cols = append(m.cols, arr)
	return m
}

// Build returns the manifest row unioned with partition, which may be nil.
func (m *manifestRow) Build(partition *table.Table) (*table.Table, error) {
	rec := array.NewRecord(arrow.NewSchema(m.fields, nil), m.cols, 1)
	for _, col := range m.cols {
		col.Release()
	}
	m.cols = nil

	manifest := table.New(rec)
	if partition == nil {
		return manifest, nil
	}
	defer manifest.Release()
	return manifest.Union(m.mem, partition)
}

// partitionMap returns the partition values keyed by column name, with nil
// for null values.
func partitionMap(partition *table.Table) (map[string]*string, error) {
	values, err := partitionStrings(partition)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*string, len(values))
	for _, kv := range values {
		out[kv.name] = kv.value
	}
	return out, nil
}
