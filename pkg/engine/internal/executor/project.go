package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// ProjectOperator evaluates a list of expressions into the columns of
// schema, one column per expression.
type ProjectOperator struct {
	exprs     []logical.Expr
	schema    *arrow.Schema
	evaluator expressionEvaluator
}

var _ IntermediateOperator = (*ProjectOperator)(nil)

// NewProjectOperator returns a ProjectOperator. schema must have one field
// per expression.
func NewProjectOperator(exprs []logical.Expr, schema *arrow.Schema, mem memory.Allocator) (*ProjectOperator, error) {
	if len(exprs) != schema.NumFields() {
		return nil, errors.InvalidArgument("projection has %d expressions but %d output fields", len(exprs), schema.NumFields())
	}
	return &ProjectOperator{
		exprs:     exprs,
		schema:    schema,
		evaluator: newExpressionEvaluator(mem),
	}, nil
}

// Name implements [IntermediateOperator].
func (p *ProjectOperator) Name() string { return "ProjectOperator" }

// Execute implements [IntermediateOperator].
func (p *ProjectOperator) Execute(ctx context.Context, input *table.MicroPartition) (*table.MicroPartition, error) {
	return input.Map(ctx, p.schema, func(_ context.Context, t *table.Table) (*table.Table, error) {
		return p.project(t)
	})
}

func (p *ProjectOperator) project(t *table.Table) (*table.Table, error) {
	cols := make([]arrow.Array, 0, len(p.exprs))
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	for i, expr := range p.exprs {
		vec, err := p.evaluator.eval(expr, t)
		if err != nil {
			return nil, err
		}
		cols = append(cols, vec.ToArray(p.evaluator.mem, p.schema.Field(i).Type))
		vec.Release()
	}

	return table.New(array.NewRecord(p.schema, cols, t.NumRows())), nil
}
