package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/coerce"
	"github.com/fyrsmithlabs/researchd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/stage"

// Config configures the stage executor.
type Config struct {
	// InvokeTimeout bounds a single invoker call.
	InvokeTimeout time.Duration

	// MaxRawRefLen bounds the audit rendering of raw output stored with
	// each result.
	MaxRawRefLen int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InvokeTimeout: 5 * time.Minute,
		MaxRawRefLen:  2000,
	}
}

// Executor runs one named stage of a run with at-most-once semantics
// against the checkpoint store: a stage whose result is already recorded
// is never re-invoked, re-billed, or re-normalized.
type Executor struct {
	config   *Config
	store    checkpoint.Store
	invoker  Invoker
	pipeline *Pipeline
	tables   coerce.TableProvider
	logger   *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	invokeCounter   metric.Int64Counter
	memoHitCounter  metric.Int64Counter
	coercionCounter metric.Int64Counter
}

// NewExecutor creates a stage executor.
func NewExecutor(cfg *Config, store checkpoint.Store, invoker Invoker, pipeline *Pipeline, tables coerce.TableProvider, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if pipeline == nil {
		return nil, errors.New("pipeline definition is required")
	}
	if tables == nil {
		tables = coerce.StaticTables{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		config:   cfg,
		store:    store,
		invoker:  invoker,
		pipeline: pipeline,
		tables:   tables,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Executor) initMetrics() {
	var err error

	e.invokeCounter, err = e.meter.Int64Counter(
		"researchd.stage.invocations_total",
		metric.WithDescription("Total stage invocations sent to the model"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create invoke counter", zap.Error(err))
	}

	e.memoHitCounter, err = e.meter.Int64Counter(
		"researchd.stage.memo_hits_total",
		metric.WithDescription("Stage executions satisfied from the checkpoint store"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		e.logger.Warn("failed to create memo hit counter", zap.Error(err))
	}

	e.coercionCounter, err = e.meter.Int64Counter(
		"researchd.stage.coercions_total",
		metric.WithDescription("Stage results that needed output repair"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		e.logger.Warn("failed to create coercion counter", zap.Error(err))
	}
}

// Execute runs stageID for r. If the checkpoint store already holds a
// result for (r.ID, stageID) it is returned unchanged and the invoker is
// never called.
//
// A result that signals a clarification pause is returned without being
// checkpointed; the stage re-runs once the answer arrives. Every other
// successful invocation is durably written before it is returned, and a
// concurrent writer's earlier result wins silently.
func (e *Executor) Execute(ctx context.Context, r *run.Run, stageID string) (*run.StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "stage.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", r.ID),
		attribute.String("stage_id", stageID),
	)

	// Memoization check first: crash recovery and redeploys land here.
	existing, err := e.store.GetStage(ctx, r.ID, stageID)
	if err == nil {
		if e.memoHitCounter != nil {
			e.memoHitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage_id", stageID)))
		}
		e.logger.Debug("stage already checkpointed",
			zap.String("run_id", r.ID),
			zap.String("stage_id", stageID),
		)
		return existing, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("failed to check stage checkpoint: %w", err)
	}

	def, ok := e.pipeline.Lookup(stageID)
	if !ok {
		return nil, Fatal(stageID, fmt.Errorf("stage %q is not defined in the pipeline", stageID))
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.config.InvokeTimeout)
	defer cancel()

	if e.invokeCounter != nil {
		e.invokeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage_id", stageID)))
	}

	started := time.Now()
	raw, err := e.invoker.Invoke(invokeCtx, stageID, invocationContext(r, def))
	duration := time.Since(started)
	if err != nil {
		classified := Classify(stageID, err)
		span.RecordError(classified)
		e.logger.Warn("stage invocation failed",
			zap.String("run_id", r.ID),
			zap.String("stage_id", stageID),
			zap.String("kind", string(classified.Kind)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, classified
	}

	result := e.normalize(def, raw, duration)
	if result.WasCoerced && e.coercionCounter != nil {
		e.coercionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage_id", stageID)))
	}

	if result.NeedsClarification {
		// Not checkpointed: the stage re-runs with the answer merged in.
		e.logger.Info("stage requested clarification",
			zap.String("run_id", r.ID),
			zap.String("stage_id", stageID),
			zap.String("question", result.Question),
		)
		return result, nil
	}

	wrote, winner, err := e.store.TryWriteStage(ctx, r.ID, result)
	if err != nil {
		// The invocation succeeded but nothing durable exists, so the
		// stage has not happened as far as the pipeline is concerned.
		return nil, Retryable(stageID, fmt.Errorf("failed to checkpoint stage: %w", err))
	}
	if !wrote {
		return winner, nil
	}

	e.logger.Info("stage checkpointed",
		zap.String("run_id", r.ID),
		zap.String("stage_id", stageID),
		zap.Bool("was_coerced", result.WasCoerced),
		zap.Duration("duration", duration),
	)
	return result, nil
}

func (e *Executor) normalize(def *Definition, raw map[string]any, duration time.Duration) *run.StageResult {
	payload, res := def.Schema.Normalize(raw, e.tables.Current())
	needsClarification, question := def.Schema.ClarificationSignal(raw)

	return &run.StageResult{
		StageID:            def.ID,
		RawRef:             coerce.String(raw, e.config.MaxRawRefLen, nil),
		Payload:            payload,
		WasCoerced:         res.Coerced,
		Warnings:           res.Warnings,
		NeedsClarification: needsClarification,
		Question:           question,
		Duration:           duration,
		RecordedAt:         time.Now().UTC(),
	}
}

// invocationContext assembles what the invoker sees: the stage prompt,
// the run's accumulated context, and prior stage payloads.
func invocationContext(r *run.Run, def *Definition) map[string]any {
	out := make(map[string]any, len(r.Context)+2)
	for k, v := range r.Context {
		out[k] = v
	}
	out["prompt"] = def.Prompt

	prior := make(map[string]any, len(r.Results))
	for stageID, res := range r.Results {
		prior[stageID] = res.Payload
	}
	out["prior_stages"] = prior
	return out
}
