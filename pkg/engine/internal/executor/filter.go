package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// FilterOperator keeps the rows for which its predicate evaluates to true.
// Rows evaluating to false or null are dropped.
type FilterOperator struct {
	predicate logical.Expr
	evaluator expressionEvaluator
}

var _ IntermediateOperator = (*FilterOperator)(nil)

// NewFilterOperator returns a FilterOperator for predicate. Result columns
// are allocated from mem.
func NewFilterOperator(predicate logical.Expr, mem memory.Allocator) *FilterOperator {
	return &FilterOperator{
		predicate: predicate,
		evaluator: newExpressionEvaluator(mem),
	}
}

// Name implements [IntermediateOperator].
func (f *FilterOperator) Name() string { return "FilterOperator" }

// Execute implements [IntermediateOperator]. Errors evaluating the predicate
// are returned unchanged.
func (f *FilterOperator) Execute(ctx context.Context, input *table.MicroPartition) (*table.MicroPartition, error) {
	return input.Filter(ctx, f.evaluator.mem, func(_ context.Context, t *table.Table) (arrow.Array, error) {
		return f.evaluator.evalMask(f.predicate, t)
	})
}
