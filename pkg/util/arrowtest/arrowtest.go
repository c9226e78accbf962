// Package arrowtest provides helpers for building and inspecting Arrow
// records in tests.
package arrowtest

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Rows is a list of rows, each mapping column names to values. Nil or missing
// values denote nulls.
type Rows []map[string]any

// Record builds an Arrow record with schema from rows. Record panics if a
// value does not match the type of its column.
func (rows Rows) Record(alloc memory.Allocator, schema *arrow.Schema) arrow.Record {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	for _, row := range rows {
		for i, field := range schema.Fields() {
			appendValue(builder.Field(i), field, row[field.Name])
		}
	}
	return builder.NewRecord()
}

func appendValue(b array.Builder, field arrow.Field, v any) {
	if v == nil {
		b.AppendNull()
		return
	}

	switch b := b.(type) {
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.Int32Builder:
		b.Append(v.(int32))
	case *array.Int64Builder:
		b.Append(toInt64(v))
	case *array.Uint64Builder:
		b.Append(v.(uint64))
	case *array.Float64Builder:
		b.Append(v.(float64))
	case *array.StringBuilder:
		b.Append(v.(string))
	case *array.LargeStringBuilder:
		b.Append(v.(string))
	case *array.BinaryBuilder:
		b.Append(v.([]byte))
	default:
		panic(fmt.Sprintf("arrowtest: unsupported column %s of type %s", field.Name, field.Type))
	}
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	default:
		panic(fmt.Sprintf("arrowtest: %T is not an integer", v))
	}
}

// RecordRows converts rec into Rows. Null values are reported as nil.
func RecordRows(rec arrow.Record) (Rows, error) {
	rows := make(Rows, rec.NumRows())
	for i := range rows {
		rows[i] = make(map[string]any, rec.NumCols())
	}

	for colIdx, field := range rec.Schema().Fields() {
		col := rec.Column(colIdx)
		for rowIdx := range rows {
			v, err := value(col, rowIdx)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", field.Name, err)
			}
			rows[rowIdx][field.Name] = v
		}
	}
	return rows, nil
}

func value(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}

	switch col := col.(type) {
	case *array.Boolean:
		return col.Value(i), nil
	case *array.Int32:
		return col.Value(i), nil
	case *array.Int64:
		return col.Value(i), nil
	case *array.Uint64:
		return col.Value(i), nil
	case *array.Float64:
		return col.Value(i), nil
	case *array.String:
		return col.Value(i), nil
	case *array.LargeString:
		return col.Value(i), nil
	case *array.Binary:
		return col.Value(i), nil
	default:
		return nil, fmt.Errorf("unsupported type %s", col.DataType())
	}
}
