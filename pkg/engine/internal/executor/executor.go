// Package executor runs logical plans locally as pull-based pipelines of
// micropartitions, and drives their results into file writers.
package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
)

var tracer = otel.Tracer("pkg/engine/internal/executor")

type Config struct {
	// Allocator used for all batches produced by the pipelines. Defaults to
	// memory.DefaultAllocator.
	Allocator memory.Allocator
	// Cache serves in-memory sources. Plans with in-memory sources fail
	// without one.
	Cache *PartitionCache
	// Metrics records operator throughput. May be nil.
	Metrics *Metrics
	Logger  log.Logger

	// Prefetch reads scan results in a separate goroutine.
	Prefetch bool
	// MaxShardConcurrency limits the number of shards written at once by
	// [WriteShards]. Zero means no limit.
	MaxShardConcurrency int
}

func (cfg Config) allocator() memory.Allocator {
	if cfg.Allocator == nil {
		return memory.DefaultAllocator
	}
	return cfg.Allocator
}

func (cfg Config) logger() log.Logger {
	if cfg.Logger == nil {
		return log.NewNopLogger()
	}
	return cfg.Logger
}

// Build lowers a logical plan into a [Pipeline]. Errors are reported by the
// first call to Read of the returned pipeline.
func Build(ctx context.Context, cfg Config, node logical.Node) Pipeline {
	if node == nil {
		return errorPipeline(ctx, errors.MissingField("plan is nil"))
	}
	return newContext(cfg, nil).execute(ctx, node)
}

// BuildShards lowers a logical plan into one [Pipeline] per scan task, for
// use with [WriteShards]. Plans are only split when every node above a
// physical scan works row by row (filters and projections). Any other plan
// is returned as the single pipeline of [Build].
func BuildShards(ctx context.Context, cfg Config, node logical.Node) []Pipeline {
	info, ok := shardedScan(node)
	if !ok {
		return []Pipeline{Build(ctx, cfg, node)}
	}

	tasks, err := info.Operator.ToTasks(info.Pushdowns)
	if err != nil {
		return []Pipeline{errorPipeline(ctx, errors.Wrapf(err, "failed to plan tasks for %s", info.Operator.Name()))}
	}
	if len(tasks) == 0 {
		return []Pipeline{emptyPipeline()}
	}

	shards := make([]Pipeline, 0, len(tasks))
	for _, task := range tasks {
		shards = append(shards, newContext(cfg, task).execute(ctx, node))
	}
	return shards
}

// shardedScan returns the physical scan below a chain of filters and
// projections.
func shardedScan(node logical.Node) (*logical.PhysicalScanInfo, bool) {
	for {
		switch n := node.(type) {
		case *logical.Filter:
			node = n.Input
		case *logical.Project:
			node = n.Input
		case *logical.Source:
			info, ok := n.Info.(*logical.PhysicalScanInfo)
			return info, ok
		default:
			return nil, false
		}
	}
}

// Context is the execution context
type Context struct {
	mem      memory.Allocator
	cache    *PartitionCache
	metrics  *Metrics
	logger   log.Logger
	prefetch bool

	// task restricts physical scans to a single task when set.
	task scan.Task
}

func newContext(cfg Config, task scan.Task) *Context {
	return &Context{
		mem:      cfg.allocator(),
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		logger:   cfg.logger(),
		prefetch: cfg.Prefetch,
		task:     task,
	}
}

func (c *Context) execute(ctx context.Context, node logical.Node) Pipeline {
	children := node.Children()
	inputs := make([]Pipeline, 0, len(children))
	for _, child := range children {
		inputs = append(inputs, c.execute(ctx, child))
	}

	switch n := node.(type) {
	case *logical.Source:
		return tracePipeline("logical.Source", c.executeSource(ctx, n))
	case *logical.Filter:
		return tracePipeline("logical.Filter", c.executeFilter(ctx, n, inputs))
	case *logical.Project:
		return tracePipeline("logical.Project", c.executeProject(ctx, n, inputs))
	case *logical.Limit:
		return tracePipeline("logical.Limit", c.executeLimit(ctx, n, inputs))
	default:
		closeAll(inputs)
		return errorPipeline(ctx, errors.Unsupported("invalid node type: %T", node))
	}
}

func (c *Context) executeSource(ctx context.Context, node *logical.Source) Pipeline {
	ctx, span := tracer.Start(ctx, "Context.executeSource", trace.WithAttributes(
		attribute.String("source", node.Info.String()),
	))
	defer span.End()

	switch info := node.Info.(type) {
	case *logical.PhysicalScanInfo:
		var p Pipeline
		if c.task != nil {
			p = &taskPipeline{task: c.task, mem: c.mem, logger: c.logger}
		} else {
			p = newScanPipeline(info, c.mem, c.logger)
		}
		if c.prefetch {
			return newPrefetchingPipeline(p)
		}
		return p
	case *logical.InMemoryInfo:
		return newCachePipeline(ctx, c.cache, info)
	case *logical.PlaceholderInfo:
		return errorPipeline(ctx, errors.Unsupported("unresolved placeholder %d", info.SourceID))
	default:
		return errorPipeline(ctx, errors.Unsupported("invalid source type: %T", node.Info))
	}
}

func (c *Context) executeFilter(ctx context.Context, node *logical.Filter, inputs []Pipeline) Pipeline {
	if len(inputs) != 1 {
		closeAll(inputs)
		return errorPipeline(ctx, errors.InvalidArgument("filter expects exactly one input, got %d", len(inputs)))
	}
	return NewOperatorPipeline(NewFilterOperator(node.Predicate, c.mem), inputs[0], c.metrics)
}

func (c *Context) executeProject(ctx context.Context, node *logical.Project, inputs []Pipeline) Pipeline {
	if len(inputs) != 1 {
		closeAll(inputs)
		return errorPipeline(ctx, errors.InvalidArgument("projection expects exactly one input, got %d", len(inputs)))
	}

	op, err := NewProjectOperator(node.Exprs, node.Schema(), c.mem)
	if err != nil {
		closeAll(inputs)
		return errorPipeline(ctx, err)
	}
	return NewOperatorPipeline(op, inputs[0], c.metrics)
}

func (c *Context) executeLimit(ctx context.Context, node *logical.Limit, inputs []Pipeline) Pipeline {
	if len(inputs) != 1 {
		closeAll(inputs)
		return errorPipeline(ctx, errors.InvalidArgument("limit expects exactly one input, got %d", len(inputs)))
	}
	return NewLimitPipeline(inputs[0], 0, node.Limit)
}

func closeAll(pipelines []Pipeline) {
	for _, p := range pipelines {
		p.Close()
	}
}
