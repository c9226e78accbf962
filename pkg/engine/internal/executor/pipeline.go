package executor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// Pipeline is a pull-based stream of micropartitions.
type Pipeline interface {
	// Read returns the next micropartition, owned by the caller. It returns
	// EOF once the pipeline is exhausted.
	Read(context.Context) (*table.MicroPartition, error)

	// Close releases the pipeline and every input it reads from.
	Close()
}

// EOF is returned by Read when a pipeline has no more micropartitions.
var EOF = errors.New("pipeline exhausted") //nolint:revive,staticcheck

// funcPipeline calls next to produce each micropartition. It owns inputs.
type funcPipeline struct {
	next   func(ctx context.Context, inputs []Pipeline) (*table.MicroPartition, error)
	inputs []Pipeline
}

func newFuncPipeline(next func(ctx context.Context, inputs []Pipeline) (*table.MicroPartition, error), inputs ...Pipeline) *funcPipeline {
	return &funcPipeline{next: next, inputs: inputs}
}

func (p *funcPipeline) Read(ctx context.Context) (*table.MicroPartition, error) {
	return p.next(ctx, p.inputs)
}

func (p *funcPipeline) Close() {
	for _, in := range p.inputs {
		in.Close()
	}
}

// errorPipeline fails every Read with err. err is also recorded on the span
// of ctx, since it is usually a planning error.
func errorPipeline(ctx context.Context, err error) Pipeline {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return newFuncPipeline(func(context.Context, []Pipeline) (*table.MicroPartition, error) {
		return nil, err
	})
}

func emptyPipeline() Pipeline {
	return newFuncPipeline(func(context.Context, []Pipeline) (*table.MicroPartition, error) {
		return nil, EOF
	})
}

// concatPipeline reads its inputs one after another.
func concatPipeline(inputs ...Pipeline) Pipeline {
	var current int
	return newFuncPipeline(func(ctx context.Context, inputs []Pipeline) (*table.MicroPartition, error) {
		for ; current < len(inputs); current++ {
			mp, err := inputs[current].Read(ctx)
			if !errors.Is(err, EOF) {
				return mp, err
			}
		}
		return nil, EOF
	}, inputs...)
}

type prefetchResult struct {
	mp  *table.MicroPartition
	err error
}

// prefetchPipeline reads its input on a separate goroutine, so the next
// micropartition is produced while the consumer handles the current one.
// The goroutine starts on the first Read and uses that call's context.
type prefetchPipeline struct {
	input Pipeline

	results chan prefetchResult
	stop    context.CancelFunc
	err     error // terminal error, returned by every later Read
}

var _ Pipeline = (*prefetchPipeline)(nil)

func newPrefetchingPipeline(input Pipeline) *prefetchPipeline {
	return &prefetchPipeline{input: input}
}

func (p *prefetchPipeline) Read(ctx context.Context) (*table.MicroPartition, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.results == nil {
		var runCtx context.Context
		runCtx, p.stop = context.WithCancel(ctx)
		p.results = make(chan prefetchResult, 1)
		go p.run(runCtx)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-p.results:
		if !ok {
			// The producer only exits early when its context is canceled.
			p.err = context.Canceled
			return nil, p.err
		}
		if res.err != nil {
			p.err = res.err
		}
		return res.mp, res.err
	}
}

// run sends the micropartitions of the input to results, ending with the
// first error (EOF included).
func (p *prefetchPipeline) run(ctx context.Context) {
	defer close(p.results)

	for ctx.Err() == nil {
		mp, err := p.input.Read(ctx)
		select {
		case p.results <- prefetchResult{mp: mp, err: err}:
		case <-ctx.Done():
			if mp != nil {
				mp.Release()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Close stops the producer and releases what it had read ahead before
// closing the input.
func (p *prefetchPipeline) Close() {
	if p.stop != nil {
		p.stop()
		for res := range p.results {
			if res.mp != nil {
				res.mp.Release()
			}
		}
		p.stop = nil
	}
	p.input.Close()
}

// tracedPipeline records a span named "<name>.Read" for every Read. EOF is
// not an error.
type tracedPipeline struct {
	name  string
	inner Pipeline
}

var _ Pipeline = (*tracedPipeline)(nil)

func tracePipeline(name string, pipeline Pipeline) *tracedPipeline {
	return &tracedPipeline{name: name, inner: pipeline}
}

func (p *tracedPipeline) Read(ctx context.Context) (*table.MicroPartition, error) {
	ctx, span := tracer.Start(ctx, p.name+".Read")
	defer span.End()

	mp, err := p.inner.Read(ctx)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, EOF):
		span.SetStatus(codes.Ok, "exhausted")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return mp, err
}

func (p *tracedPipeline) Close() { p.inner.Close() }

// lazyPipeline builds its pipeline from inputs on the first Read. Scans use
// it to plan their tasks once execution starts.
type lazyPipeline struct {
	build  func(ctx context.Context, inputs []Pipeline) Pipeline
	inputs []Pipeline
	built  Pipeline
}

var _ Pipeline = (*lazyPipeline)(nil)

func newLazyPipeline(build func(ctx context.Context, inputs []Pipeline) Pipeline, inputs []Pipeline) *lazyPipeline {
	return &lazyPipeline{build: build, inputs: inputs}
}

func (lp *lazyPipeline) Read(ctx context.Context) (*table.MicroPartition, error) {
	if lp.built == nil {
		lp.built = lp.build(ctx, lp.inputs)
	}
	return lp.built.Read(ctx)
}

// Close closes the built pipeline, which owns the inputs, or the inputs
// themselves when nothing was built.
func (lp *lazyPipeline) Close() {
	if lp.built != nil {
		lp.built.Close()
		lp.built = nil
		return
	}
	for _, in := range lp.inputs {
		in.Close()
	}
}
