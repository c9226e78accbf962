// Package engine runs relations end to end: a relation is translated into a
// logical plan, executed locally as a pipeline of micropartitions, and its
// result persisted through a file writer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tessera-db/tessera/pkg/engine/internal/connect"
	tesserrors "github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/executor"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/engine/internal/writer"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

var (
	// ErrNotSupported is returned when a relation uses a feature that is not
	// implemented.
	ErrNotSupported = errors.New("feature not supported")

	// ErrPlanningFailed is returned when a relation cannot be translated into
	// a logical plan for any other reason.
	ErrPlanningFailed = errors.New("planning failed")
)

var tracer = otel.Tracer("pkg/engine")

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config // Config for the Engine.

	// Allocator for all batches produced while running relations. Defaults
	// to memory.DefaultAllocator.
	Allocator memory.Allocator
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Allocator == nil {
		p.Allocator = memory.DefaultAllocator
	}
	if p.Config.Storage.Bucket == nil && p.Config.Storage.Backend == bucket.InMemory {
		// Writers resolve the bucket for every file, so they must share one
		// in-memory bucket to see each other's objects.
		p.Config.Storage.Bucket = objstore.NewInMemBucket()
	}
	return p.Config.Validate()
}

// Engine runs relations locally.
type Engine struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config
	mem     memory.Allocator

	translator  *connect.Translator
	cache       *executor.PartitionCache
	execMetrics *executor.Metrics
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	cfg := params.Config
	e := &Engine{
		logger:      params.Logger,
		metrics:     newMetrics(params.Registerer),
		cfg:         cfg,
		mem:         params.Allocator,
		cache:       executor.NewPartitionCache(cfg.Executor.PartitionCacheSize),
		execMetrics: executor.NewMetrics(params.Registerer),
	}

	var rangeCapability scan.RangeCapability
	if cfg.Executor.EnableRange {
		rangeCapability = scan.NativeRange{
			RowsPerPartition: cfg.Executor.RangeRowsPerPartition,
			BatchSize:        cfg.Executor.RangeBatchSize,
		}
	}
	e.translator = connect.NewTranslator(e.logger, connect.Options{
		Range: rangeCapability,
		IO:    e.ioConfig(),
	})
	return e, nil
}

// ioConfig returns the IO configuration passed to writers and scans. A nil
// config writes to the local filesystem.
func (e *Engine) ioConfig() *bucket.Config {
	if !e.cfg.Writer.UseStorage {
		return nil
	}
	return &e.cfg.Storage
}

// Run executes the JSON encoded relation and writes its result below
// outputDir. It returns the manifest of the written files, one row per file,
// or nil if the relation produced no rows. The caller owns the returned
// record.
func (e *Engine) Run(ctx context.Context, relation []byte, outputDir string) (arrow.Record, error) {
	ctx, span := tracer.Start(ctx, "Engine.Run")
	defer span.End()

	logger := log.With(e.logger, "output", outputDir)
	start := time.Now()

	plan, err := e.buildPlan(ctx, logger, relation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create logical plan")
		return nil, err
	}

	manifest, durExecution, err := e.execute(ctx, logger, plan, outputDir)
	if err != nil {
		level.Warn(logger).Log("msg", "error during execution", "err", err)
		e.metrics.runs.WithLabelValues(statusFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "error during execution")
		return nil, err
	}
	e.metrics.runs.WithLabelValues(statusSuccess).Inc()
	span.SetStatus(codes.Ok, "")

	var files int64
	if manifest != nil {
		files = manifest.NumRows()
	}
	level.Info(logger).Log(
		"msg", "finished executing",
		"files", files,
		"duration_execution", durExecution,
		"duration_full", time.Since(start),
	)

	if manifest == nil {
		return nil, nil
	}
	rec := manifest.Record()
	rec.Retain()
	manifest.Release()
	return rec, nil
}

// Explain returns the logical plan of the JSON encoded relation as an
// indented tree.
func (e *Engine) Explain(ctx context.Context, relation []byte) (string, error) {
	plan, err := e.buildPlan(ctx, e.logger, relation)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	logical.PrintTree(&sb, plan)
	return sb.String(), nil
}

// buildPlan decodes and translates relation into a logical plan.
func (e *Engine) buildPlan(ctx context.Context, logger log.Logger, relation []byte) (logical.Node, error) {
	_, span := tracer.Start(ctx, "Engine.buildPlan")
	defer span.End()

	timer := prometheus.NewTimer(e.metrics.planning)

	plan, err := e.translate(relation)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to create logical plan", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if tesserrors.KindOf(err) == tesserrors.KindUnsupportedOperation {
			e.metrics.runs.WithLabelValues(statusNotImplemented).Inc()
			return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
		}
		e.metrics.runs.WithLabelValues(statusFailure).Inc()
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}

	duration := timer.ObserveDuration()
	level.Debug(logger).Log(
		"msg", "finished logical planning",
		"plan", plan.String(),
		"duration", duration.String(),
	)
	span.AddEvent("finished logical planning",
		attribute.Stringer("plan", plan),
		attribute.Stringer("duration", duration),
	)
	return plan, nil
}

func (e *Engine) translate(relation []byte) (logical.Node, error) {
	rel, err := connect.DecodeRelation(relation)
	if err != nil {
		return nil, err
	}
	builder, err := e.translator.ToLogicalPlan(rel)
	if err != nil {
		return nil, err
	}
	return builder.Build()
}

// execute runs plan and writes its result below outputDir.
func (e *Engine) execute(ctx context.Context, logger log.Logger, plan logical.Node, outputDir string) (*table.Table, time.Duration, error) {
	timer := prometheus.NewTimer(e.metrics.execution)

	cfg := executor.Config{
		Allocator:           e.mem,
		Cache:               e.cache,
		Metrics:             e.execMetrics,
		Logger:              logger,
		Prefetch:            e.cfg.Executor.Prefetch,
		MaxShardConcurrency: e.cfg.Executor.MaxShardConcurrency,
	}

	var (
		manifest *table.Table
		err      error
	)
	if len(e.cfg.Writer.PartitionBy) > 0 {
		pipeline := executor.Build(ctx, cfg, plan)
		defer pipeline.Close()

		manifest, err = executor.PartitionedWrite(ctx, cfg, pipeline, e.cfg.Writer.PartitionBy, func(idx int, partition *table.Table) (writer.FileWriter, error) {
			return e.newWriter(logger, outputDir, idx, partition)
		})
	} else {
		// Every shard is written to its own file.
		shards := executor.BuildShards(ctx, cfg, plan)
		defer func() {
			for _, p := range shards {
				p.Close()
			}
		}()

		manifest, err = executor.WriteShards(ctx, cfg, shards, func(shard int) (writer.FileWriter, error) {
			return e.newWriter(logger, outputDir, shard, nil)
		})
	}
	return manifest, timer.ObserveDuration(), err
}

func (e *Engine) newWriter(logger log.Logger, outputDir string, idx int, partition *table.Table) (writer.FileWriter, error) {
	var (
		wcfg = e.cfg.Writer
		opts = []writer.Option{writer.WithLogger(logger), writer.WithAllocator(e.mem)}
	)

	switch wcfg.Format {
	case FormatCSV:
		return writer.NewCSVWriter(outputDir, idx, wcfg.Compression, e.ioConfig(), partition, opts...)
	case FormatIceberg:
		return writer.NewIcebergWriter(outputDir, idx,
			[]byte(wcfg.Iceberg.Schema), []byte(wcfg.Iceberg.Properties), []byte(wcfg.Iceberg.PartitionSpec),
			partition, wcfg.Compression, e.ioConfig(), opts...)
	case FormatDeltaLake:
		postfix, err := writer.PartitionDir(partition)
		if err != nil {
			return nil, err
		}
		return writer.NewDeltaLakeWriter(outputDir, idx, wcfg.DeltaLake.Version, wcfg.DeltaLake.LargeDtypes, partition, postfix, e.ioConfig(), opts...)
	default:
		return writer.NewParquetWriter(outputDir, idx, wcfg.Compression, e.ioConfig(), partition, opts...)
	}
}
