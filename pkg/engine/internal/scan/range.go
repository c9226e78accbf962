package scan

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// RangeColumn is the name of the column emitted by range scans.
const RangeColumn = "id"

const (
	DefaultRowsPerPartition = 128 << 10
	DefaultBatchSize        = 8 << 10
)

var rangeSchema = arrow.NewSchema([]arrow.Field{
	{Name: RangeColumn, Type: arrow.PrimitiveTypes.Int64},
}, nil)

// NativeRange is a [RangeCapability] that generates ranges in process.
// Zero values select the defaults.
type NativeRange struct {
	RowsPerPartition int64 // Rows per scan task.
	BatchSize        int64 // Rows per emitted micropartition.
}

var _ RangeCapability = NativeRange{}

// NewRangeScan implements [RangeCapability]. The IO configuration is unused
// since ranges are generated rather than read.
func (r NativeRange) NewRangeScan(start, end int64, step uint64, _ *bucket.Config) (Operator, error) {
	if step == 0 {
		return nil, errors.InvalidArgument("step must be a positive integer")
	}

	op := &RangeOperator{
		Start:            start,
		End:              end,
		Step:             step,
		rowsPerPartition: r.RowsPerPartition,
		batchSize:        r.BatchSize,
	}
	if op.rowsPerPartition <= 0 {
		op.rowsPerPartition = DefaultRowsPerPartition
	}
	if op.batchSize <= 0 {
		op.batchSize = DefaultBatchSize
	}
	return op, nil
}

// RangeOperator scans the integers in [Start, End) with step Step.
type RangeOperator struct {
	Start, End int64
	Step       uint64

	rowsPerPartition int64
	batchSize        int64
}

var _ Operator = (*RangeOperator)(nil)

func (o *RangeOperator) Name() string { return "Range" }

func (o *RangeOperator) Schema() *arrow.Schema { return rangeSchema }

func (o *RangeOperator) String() string {
	return fmt.Sprintf("Range(start=%d, end=%d, step=%d)", o.Start, o.End, o.Step)
}

// NumRows returns the number of values in the range.
func (o *RangeOperator) NumRows() uint64 {
	if o.End <= o.Start {
		return 0
	}
	span := uint64(o.End) - uint64(o.Start)
	rows := span / o.Step
	if span%o.Step != 0 {
		rows++
	}
	return rows
}

// ToTasks splits the range into tasks of at most rowsPerPartition rows. A
// limit pushdown truncates the range; a column pushdown may only name the
// range column.
func (o *RangeOperator) ToTasks(pushdowns Pushdowns) ([]Task, error) {
	for _, col := range pushdowns.Columns {
		if col != RangeColumn {
			return nil, errors.InvalidArgument("range scan has no column %q", col)
		}
	}

	rows := o.NumRows()
	if pushdowns.Limit != nil {
		if *pushdowns.Limit < 0 {
			return nil, errors.InvalidArgument("limit must be non-negative, got %d", *pushdowns.Limit)
		}
		rows = min(rows, uint64(*pushdowns.Limit))
	}

	var tasks []Task
	for offset := uint64(0); offset < rows; offset += uint64(o.rowsPerPartition) {
		tasks = append(tasks, &rangeTask{
			op:     o,
			offset: offset,
			count:  min(uint64(o.rowsPerPartition), rows-offset),
		})
	}
	return tasks, nil
}

type rangeTask struct {
	op     *RangeOperator
	offset uint64 // Index of the first value of the task within the range.
	count  uint64
}

func (t *rangeTask) String() string {
	return fmt.Sprintf("%s[%d:%d]", t.op, t.offset, t.offset+t.count)
}

func (t *rangeTask) Open(_ context.Context, mem memory.Allocator) (Reader, error) {
	return &rangeReader{task: t, mem: mem}, nil
}

type rangeReader struct {
	task *rangeTask
	mem  memory.Allocator
	read uint64
}

func (r *rangeReader) Read(_ context.Context) (*table.MicroPartition, error) {
	remaining := r.task.count - r.read
	if remaining == 0 {
		return nil, io.EOF
	}
	n := min(remaining, uint64(r.task.op.batchSize))

	builder := array.NewInt64Builder(r.mem)
	defer builder.Release()
	builder.Reserve(int(n))

	op := r.task.op
	for i := uint64(0); i < n; i++ {
		idx := r.task.offset + r.read + i
		builder.UnsafeAppend(op.Start + int64(idx*op.Step))
	}
	r.read += n

	arr := builder.NewArray()
	defer arr.Release()

	rec := array.NewRecord(rangeSchema, []arrow.Array{arr}, int64(n))
	return table.NewMicroPartition(rangeSchema, table.New(rec))
}

func (r *rangeReader) Close() error { return nil }
