package executor

import (
	"context"

	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// NewLimitPipeline returns a pipeline that skips the first skip rows of
// input and then yields at most fetch rows.
func NewLimitPipeline(input Pipeline, skip, fetch int64) Pipeline {
	// Both counters carry over between micropartitions.
	toSkip, toFetch := skip, fetch

	return newFuncPipeline(func(ctx context.Context, inputs []Pipeline) (*table.MicroPartition, error) {
		for toFetch > 0 {
			mp, err := inputs[0].Read(ctx)
			if err != nil {
				return nil, err
			}

			rows := mp.NumRows()
			offset := min(toSkip, rows)
			length := min(rows-offset, toFetch)
			toSkip -= offset
			toFetch -= length

			if length == 0 {
				mp.Release()
				continue
			}
			res := mp.Slice(offset, length)
			mp.Release()
			return res, nil
		}
		return nil, EOF
	}, input)
}
