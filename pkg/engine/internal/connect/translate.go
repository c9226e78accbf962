package connect

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// Options configures a [Translator].
type Options struct {
	// Range creates range scans. Nil disables range relations.
	Range scan.RangeCapability
	// IO is passed unmodified to scan operators.
	IO *bucket.Config
}

// Translator converts relations into logical plans. A Translator holds no
// mutable state and may be used concurrently.
type Translator struct {
	logger log.Logger
	opts   Options
}

// NewTranslator returns a Translator. A nil logger discards log output.
func NewTranslator(logger log.Logger, opts Options) *Translator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Translator{logger: logger, opts: opts}
}

// ToLogicalPlan translates rel into a logical plan builder.
//
// Only range and tail relations are supported; every other relation type
// fails with an unsupported operation error naming the type. Common metadata
// is ignored with a warning.
func (t *Translator) ToLogicalPlan(rel *Relation) (*logical.Builder, error) {
	if rel == nil {
		return nil, errors.MissingField("relation is required")
	}

	if rel.Common != nil {
		level.Warn(t.logger).Log("msg", "ignoring common metadata for relation; not yet implemented", "common", rel.Common)
	}

	switch r := rel.RelType.(type) {
	case nil:
		return nil, errors.MissingField("relation type is required")
	case *Range:
		b, err := t.rangeScan(r)
		return b, errors.Wrap(err, "failed to apply range to logical plan")
	case *Tail:
		b, err := t.tail(r)
		return b, errors.Wrap(err, "failed to apply tail to logical plan")
	default:
		return nil, errors.Unsupported("unsupported relation type: %s", r.Tag())
	}
}

func (t *Translator) tail(r *Tail) (*logical.Builder, error) {
	if r.Input == nil {
		return nil, errors.MissingField("input is required")
	}

	input, err := t.ToLogicalPlan(r.Input)
	if err != nil {
		return nil, err
	}

	b := input.Limit(int64(r.Limit), false)
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *Translator) rangeScan(r *Range) (*logical.Builder, error) {
	if r.NumPartitions != nil {
		level.Warn(t.logger).Log("msg", "ignoring num_partitions for range; partitioning is determined by the engine", "num_partitions", *r.NumPartitions)
	}

	var start int64
	if r.Start != nil {
		start = *r.Start
	}

	if r.Step <= 0 {
		return nil, errors.InvalidArgument("step must be a positive integer")
	}

	if t.opts.Range == nil {
		return nil, errors.Unsupported("range requires the scripting capability")
	}

	op, err := t.opts.Range.NewRangeScan(start, r.End, uint64(r.Step), t.opts.IO)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create range scan")
	}

	b := logical.TableScanOperator(op)
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b, nil
}
