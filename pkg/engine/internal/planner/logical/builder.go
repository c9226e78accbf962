package logical

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
)

// Builder provides an ergonomic interface for constructing a logical plan.
// Every method returns a new Builder and leaves the receiver unchanged, so a
// Builder can be shared and extended along several branches.
//
// Validation errors are recorded on the returned Builder and reported by
// [Builder.Build]. Once an error is recorded, further calls propagate it.
type Builder struct {
	node Node
	err  error
}

// NewBuilder creates a new Builder rooted at node.
func NewBuilder(node Node) *Builder {
	if node == nil {
		return &Builder{err: errors.MissingField("plan root is required")}
	}
	return &Builder{node: node}
}

func failedBuilder(err error) *Builder { return &Builder{err: err} }

// TableScan starts a plan reading from a physical scan.
func TableScan(info *PhysicalScanInfo) *Builder {
	if info == nil || info.Operator == nil {
		return failedBuilder(errors.MissingField("scan operator is required"))
	}
	return NewBuilder(&Source{Info: info})
}

// TableScanOperator starts a plan reading all columns and rows of op.
func TableScanOperator(op scan.Operator) *Builder {
	if op == nil {
		return failedBuilder(errors.MissingField("scan operator is required"))
	}
	return TableScan(NewPhysicalScanInfo(op, scan.Pushdowns{}))
}

// InMemoryScan starts a plan reading cached partitions.
func InMemoryScan(info *InMemoryInfo) *Builder {
	if info == nil {
		return failedBuilder(errors.MissingField("in-memory source is required"))
	}
	if info.CacheKey == "" {
		return failedBuilder(errors.MissingField("cache key is required"))
	}
	return NewBuilder(&Source{Info: info})
}

// PlaceholderScan starts a plan reading from a placeholder with a fresh id
// from alloc.
func PlaceholderScan(alloc *IDAllocator, schema *arrow.Schema, clustering *ClusteringSpec) *Builder {
	return NewBuilder(&Source{Info: NewPlaceholderInfo(alloc, schema, clustering)})
}

// Filter applies a filter to the plan. The predicate must resolve to a
// boolean.
func (b *Builder) Filter(predicate Expr) *Builder {
	if b.err != nil {
		return b
	}
	if predicate == nil {
		return failedBuilder(errors.MissingField("filter predicate is required"))
	}

	dt, err := predicate.DataType(b.node.Schema())
	if err != nil {
		return failedBuilder(errors.Wrap(err, "invalid filter predicate"))
	}
	if !isBoolean(dt) {
		return failedBuilder(errors.InvalidArgument("filter predicate %s has type %s, expected bool", predicate, dt))
	}

	return &Builder{node: &Filter{Input: b.node, Predicate: predicate}}
}

// Select projects the plan to exprs.
func (b *Builder) Select(exprs ...Expr) *Builder {
	if b.err != nil {
		return b
	}

	project, err := newProject(b.node, exprs)
	if err != nil {
		return failedBuilder(errors.Wrap(err, "invalid projection"))
	}
	return &Builder{node: project}
}

// Limit applies a limit of n rows to the plan.
func (b *Builder) Limit(n int64, eager bool) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		return failedBuilder(errors.InvalidArgument("limit must be non-negative, got %d", n))
	}
	return &Builder{node: &Limit{Input: b.node, Limit: n, Eager: eager}}
}

// Build returns the root of the plan, or the first error recorded while
// building it.
func (b *Builder) Build() (Node, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.node, nil
}

// Err returns the first error recorded while building the plan.
func (b *Builder) Err() error { return b.err }

// Node returns the root of the plan, or nil if building failed.
func (b *Builder) Node() Node { return b.node }

// Schema returns the output schema of the plan, or nil if building failed.
func (b *Builder) Schema() *arrow.Schema {
	if b.err != nil {
		return nil
	}
	return b.node.Schema()
}

// String returns the plan as an indented tree.
func (b *Builder) String() string {
	if b.err != nil {
		return "<error: " + b.err.Error() + ">"
	}
	var sb strings.Builder
	PrintTree(&sb, b.node)
	return sb.String()
}

// Sources returns the source infos of all leaves in depth-first order.
func (b *Builder) Sources() []SourceInfo {
	if b.err != nil {
		return nil
	}

	var sources []SourceInfo
	Walk(b.node, func(n Node) bool {
		if src, ok := n.(*Source); ok {
			sources = append(sources, src.Info)
		}
		return true
	})
	return sources
}

// ReplacePlaceholders substitutes placeholder leaves. For each placeholder,
// fn returns the replacement node and true, or false to keep the
// placeholder. A replacement must produce the schema of the placeholder it
// replaces.
func (b *Builder) ReplacePlaceholders(fn func(*PlaceholderInfo) (Node, bool)) *Builder {
	if b.err != nil {
		return b
	}

	node, err := replacePlaceholders(b.node, fn)
	if err != nil {
		return failedBuilder(err)
	}
	return &Builder{node: node}
}

func replacePlaceholders(node Node, fn func(*PlaceholderInfo) (Node, bool)) (Node, error) {
	switch n := node.(type) {
	case *Source:
		info, ok := n.Info.(*PlaceholderInfo)
		if !ok {
			return n, nil
		}
		replacement, ok := fn(info)
		if !ok {
			return n, nil
		}
		if replacement == nil {
			return nil, errors.MissingField("replacement for %s is nil", info)
		}
		if !replacement.Schema().Equal(info.Schema()) {
			return nil, errors.InvalidArgument("replacement for %s has schema %s, expected %s", info, replacement.Schema(), info.Schema())
		}
		return replacement, nil

	case *Filter:
		input, err := replacePlaceholders(n.Input, fn)
		if err != nil {
			return nil, err
		}
		return &Filter{Input: input, Predicate: n.Predicate}, nil

	case *Project:
		input, err := replacePlaceholders(n.Input, fn)
		if err != nil {
			return nil, err
		}
		return &Project{Input: input, Exprs: n.Exprs, schema: n.schema}, nil

	case *Limit:
		input, err := replacePlaceholders(n.Input, fn)
		if err != nil {
			return nil, err
		}
		return &Limit{Input: input, Limit: n.Limit, Eager: n.Eager}, nil

	default:
		return nil, errors.Unsupported("unknown plan node %T", node)
	}
}
