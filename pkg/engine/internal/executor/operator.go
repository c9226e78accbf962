package executor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// IntermediateOperator is a stateless transformation from one micropartition
// to another.
//
// Execute does not consume its input: the caller keeps its reference and
// owns the returned micropartition. Implementations must be safe to call
// from several pipelines at once.
type IntermediateOperator interface {
	Execute(ctx context.Context, input *table.MicroPartition) (*table.MicroPartition, error)
	Name() string
}

// NewOperatorPipeline adapts op into a [Pipeline] reading from input. Each
// call to Execute is recorded in its own span.
func NewOperatorPipeline(op IntermediateOperator, input Pipeline, metrics *Metrics) Pipeline {
	name := op.Name()

	return newFuncPipeline(func(ctx context.Context, inputs []Pipeline) (*table.MicroPartition, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		defer batch.Release()

		ctx, span := tracer.Start(ctx, name+".Execute", trace.WithAttributes(
			attribute.Int64("rows_in", batch.NumRows()),
		))
		defer span.End()

		res, err := op.Execute(ctx, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.observeOperatorError(name)
			return nil, err
		}

		span.SetAttributes(attribute.Int64("rows_out", res.NumRows()))
		metrics.observeOperator(name, batch.NumRows(), res.NumRows())
		return res, nil
	}, input)
}
