package scan

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	enginerrors "github.com/tessera-db/tessera/pkg/engine/internal/errors"
)

func readAll(t *testing.T, alloc memory.Allocator, op Operator, pushdowns Pushdowns) []int64 {
	t.Helper()

	tasks, err := op.ToTasks(pushdowns)
	require.NoError(t, err)

	var values []int64
	for _, task := range tasks {
		r, err := task.Open(context.Background(), alloc)
		require.NoError(t, err)

		for {
			mp, err := r.Read(t.Context())
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			for _, rec := range mp.Records() {
				values = append(values, rec.Column(0).(*array.Int64).Int64Values()...)
			}
			mp.Release()
		}
		require.NoError(t, r.Close())
	}
	return values
}

func TestNativeRange(t *testing.T) {
	for _, tc := range []struct {
		name             string
		start, end       int64
		step             uint64
		rowsPerPartition int64
		batchSize        int64
		expect           []int64
		tasks            int
	}{
		{name: "zero to ten", start: 0, end: 10, step: 1, expect: []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, tasks: 1},
		{name: "step three", start: 1, end: 10, step: 3, expect: []int64{1, 4, 7}, tasks: 1},
		{name: "negative start", start: -3, end: 1, step: 2, expect: []int64{-3, -1}, tasks: 1},
		{name: "empty", start: 5, end: 5, step: 1, expect: nil, tasks: 0},
		{name: "inverted", start: 5, end: 0, step: 1, expect: nil, tasks: 0},
		{name: "small partitions and batches", start: 0, end: 7, step: 1, rowsPerPartition: 3, batchSize: 2, expect: []int64{0, 1, 2, 3, 4, 5, 6}, tasks: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
			defer alloc.AssertSize(t, 0)

			op, err := NativeRange{RowsPerPartition: tc.rowsPerPartition, BatchSize: tc.batchSize}.NewRangeScan(tc.start, tc.end, tc.step, nil)
			require.NoError(t, err)

			tasks, err := op.ToTasks(Pushdowns{})
			require.NoError(t, err)
			require.Len(t, tasks, tc.tasks)

			require.Equal(t, tc.expect, readAll(t, alloc, op, Pushdowns{}))
		})
	}
}

func TestNativeRange_ZeroStep(t *testing.T) {
	_, err := NativeRange{}.NewRangeScan(0, 10, 0, nil)
	require.ErrorIs(t, err, enginerrors.ErrInvalidArgument)
}

func TestRangeOperator_NumRowsNoOverflow(t *testing.T) {
	op, err := NativeRange{}.NewRangeScan(math.MinInt64, math.MaxInt64, math.MaxUint64, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), op.(*RangeOperator).NumRows())
}

func TestRangeOperator_Pushdowns(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	op, err := NativeRange{}.NewRangeScan(0, 100, 1, nil)
	require.NoError(t, err)

	limit := int64(3)
	require.Equal(t, []int64{0, 1, 2}, readAll(t, alloc, op, Pushdowns{Limit: &limit, Columns: []string{RangeColumn}}))

	_, err = op.ToTasks(Pushdowns{Columns: []string{"name"}})
	require.ErrorIs(t, err, enginerrors.ErrInvalidArgument)

	require.Equal(t, "Pushdowns{columns=[id], limit=3}", Pushdowns{Limit: &limit, Columns: []string{RangeColumn}}.String())
	require.Equal(t, "Range(start=0, end=100, step=1)", op.String())
}
