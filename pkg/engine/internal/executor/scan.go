package executor

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	tesserrors "github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// newScanPipeline reads every task of a physical scan in order. Tasks are
// planned on the first call to Read.
func newScanPipeline(info *logical.PhysicalScanInfo, mem memory.Allocator, logger log.Logger) Pipeline {
	return newLazyPipeline(func(ctx context.Context, _ []Pipeline) Pipeline {
		tasks, err := info.Operator.ToTasks(info.Pushdowns)
		if err != nil {
			return errorPipeline(ctx, tesserrors.Wrapf(err, "failed to plan tasks for %s", info.Operator.Name()))
		}

		level.Debug(logger).Log("msg", "planned scan tasks", "scan", info.Operator, "tasks", len(tasks))

		inputs := make([]Pipeline, 0, len(tasks))
		for _, task := range tasks {
			inputs = append(inputs, &taskPipeline{task: task, mem: mem, logger: logger})
		}
		return concatPipeline(inputs...)
	}, nil)
}

// taskPipeline reads a single scan task. The task reader is opened on the
// first call to Read.
type taskPipeline struct {
	task   scan.Task
	mem    memory.Allocator
	logger log.Logger

	reader scan.Reader
}

var _ Pipeline = (*taskPipeline)(nil)

func (p *taskPipeline) Read(ctx context.Context) (*table.MicroPartition, error) {
	if p.reader == nil {
		reader, err := p.task.Open(ctx, p.mem)
		if err != nil {
			return nil, tesserrors.Wrapf(err, "failed to open scan task %s", p.task)
		}
		p.reader = reader
	}

	mp, err := p.reader.Read(ctx)
	if errors.Is(err, io.EOF) {
		return nil, EOF
	}
	return mp, err
}

func (p *taskPipeline) Close() {
	if p.reader == nil {
		return
	}
	if err := p.reader.Close(); err != nil {
		level.Warn(p.logger).Log("msg", "failed to close scan task", "task", p.task, "err", err)
	}
	p.reader = nil
}
