package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/admission"
	"github.com/fyrsmithlabs/researchd/internal/cancel"
	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/clarify"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/run"
	"github.com/fyrsmithlabs/researchd/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/orchestrator"

// Config configures the orchestrator.
type Config struct {
	// MaxAttempts bounds invocation attempts per stage, including the
	// first. Fatal errors stop earlier.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the retry delay between
	// attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SweepInterval is how often abandoned clarifications are collected.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		SweepInterval:  time.Minute,
	}
}

// DeniedError reports that admission control refused to start a run.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("run denied: %s", e.Reason)
}

// Orchestrator advances runs through the pipeline. All methods are safe
// for concurrent use; a per-run lock serializes driving within this
// process, and the store's compare-and-swap serializes across processes.
type Orchestrator struct {
	config   *Config
	store    checkpoint.Store
	executor *stage.Executor
	pipeline *stage.Pipeline
	gate     *clarify.Gate
	monitor  *cancel.Monitor
	admitter admission.Controller
	events   events.Publisher
	logger   *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	startCounter  metric.Int64Counter
	finishCounter metric.Int64Counter

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an orchestrator.
func New(cfg *Config, store checkpoint.Store, executor *stage.Executor, pipeline *stage.Pipeline, gate *clarify.Gate, monitor *cancel.Monitor, admitter admission.Controller, publisher events.Publisher, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if executor == nil {
		return nil, errors.New("stage executor is required")
	}
	if pipeline == nil {
		return nil, errors.New("pipeline definition is required")
	}
	if gate == nil {
		return nil, errors.New("clarification gate is required")
	}
	if monitor == nil {
		return nil, errors.New("cancellation monitor is required")
	}
	if admitter == nil {
		admitter = admission.AllowAll{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:   cfg,
		store:    store,
		executor: executor,
		pipeline: pipeline,
		gate:     gate,
		monitor:  monitor,
		admitter: admitter,
		events:   publisher,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		runLocks: make(map[string]*sync.Mutex),
		done:     make(chan struct{}),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error

	o.startCounter, err = o.meter.Int64Counter(
		"researchd.runs.started_total",
		metric.WithDescription("Runs admitted and created"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create start counter", zap.Error(err))
	}

	o.finishCounter, err = o.meter.Int64Counter(
		"researchd.runs.finished_total",
		metric.WithDescription("Runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create finish counter", zap.Error(err))
	}
}

// Start resumes interrupted runs and launches the deadline sweeper. Call
// Close to stop background work.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.ResumeAll(ctx); err != nil {
		return err
	}
	o.wg.Add(1)
	go o.sweepLoop()
	return nil
}

// Close stops background goroutines and waits for in-flight drives.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	o.wg.Wait()
	return nil
}

// StartRun authorizes, creates, and begins driving a run. stageIDs may be
// nil to run the full pipeline in definition order. A *DeniedError means
// admission control refused; no run was created.
func (o *Orchestrator) StartRun(ctx context.Context, ownerID string, stageIDs []string, initialContext map[string]any) (*run.Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_run")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID))

	if len(stageIDs) == 0 {
		stageIDs = o.pipeline.StageIDs()
	}
	if err := o.pipeline.ValidateSequence(stageIDs); err != nil {
		return nil, fmt.Errorf("invalid stage sequence: %w", err)
	}

	decision, err := o.admitter.Authorize(ctx, ownerID, len(stageIDs))
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}
	if !decision.Allowed {
		return nil, &DeniedError{Reason: decision.Reason}
	}

	r := run.New(ownerID, stageIDs, initialContext)
	if err := o.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if o.startCounter != nil {
		o.startCounter.Add(ctx, 1)
	}
	o.events.StatusChanged(ctx, r.ID, r.Status)
	o.logger.Info("run admitted",
		zap.String("run_id", r.ID),
		zap.String("owner_id", ownerID),
		zap.Int("stages", len(stageIDs)),
	)

	o.Kick(r.ID)
	return r, nil
}

// GetRun returns the current snapshot of a run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return o.store.LoadRun(ctx, runID)
}

// Cancel records a cancellation signal and nudges the run so suspended
// runs finalize promptly. recorded is false for repeats and terminal runs.
func (o *Orchestrator) Cancel(ctx context.Context, runID, requesterID string) (recorded bool, err error) {
	recorded, err = o.monitor.Request(ctx, runID, requesterID)
	if err != nil {
		return false, err
	}
	if recorded {
		o.Kick(runID)
	}
	return recorded, nil
}

// AnswerClarification records an answer and, when this call won, resumes
// the run with the answer merged into its context.
func (o *Orchestrator) AnswerClarification(ctx context.Context, runID, requestID, answer string) (clarify.ResolveOutcome, error) {
	outcome, err := o.gate.Resolve(ctx, runID, requestID, answer)
	if err != nil {
		return outcome, err
	}
	if outcome == clarify.OutcomeResolved {
		o.Kick(runID)
	}
	return outcome, nil
}

// ResumeAll re-drives every run that was interrupted mid-pipeline. Runs
// waiting on an open clarification are picked up too: driving them is a
// no-op until answered, and it finalizes any that were cancelled or
// answered while no instance was alive.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	interrupted, err := o.store.ListRunsByStatus(ctx,
		run.StatusAdmitted,
		run.StatusRunning,
		run.StatusAwaitingClarification,
	)
	if err != nil {
		return fmt.Errorf("failed to list interrupted runs: %w", err)
	}
	for _, r := range interrupted {
		o.logger.Info("resuming run",
			zap.String("run_id", r.ID),
			zap.String("status", string(r.Status)),
			zap.Int("current_stage", r.CurrentStage),
		)
		o.Kick(r.ID)
	}
	return nil
}

// Kick drives a run on a background goroutine. Errors are logged; the
// run's own status carries its outcome.
func (o *Orchestrator) Kick(runID string) {
	select {
	case <-o.done:
		return
	default:
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Drive(context.Background(), runID); err != nil {
			o.logger.Error("drive failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// Drive advances a run until it reaches a terminal status or suspends on
// a clarification. It is idempotent: driving a finished or waiting run is
// a cheap no-op, and concurrent drivers on other instances are fenced by
// the store's version check. The returned run is the snapshot Drive
// stopped on.
func (o *Orchestrator) Drive(ctx context.Context, runID string) (*run.Run, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.drive")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	for {
		r, err := o.store.LoadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return r, nil
		}

		// Reconcile the cursor with checkpointed results. A stage whose
		// durable write landed counts as done even when the snapshot
		// save lost a race, so it is never re-run or discarded by a
		// late signal.
		for !r.Finished() {
			if _, ok := r.Results[r.Stages[r.CurrentStage]]; !ok {
				break
			}
			r.AdvanceStage()
		}

		// Once the final stage's durable write has landed the run is
		// complete, even against a concurrent cancellation signal.
		if r.Finished() {
			if err := o.finish(ctx, r, run.StatusComplete); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return r, nil
		}

		if r.CancelRequested {
			if err := o.finish(ctx, r, run.StatusCancelled); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return r, nil
		}

		if c := r.Clarification; c.Open() {
			if c.Expired(time.Now().UTC()) {
				if err := o.gate.Expire(ctx, r); err != nil {
					if errors.Is(err, checkpoint.ErrVersionConflict) {
						continue
					}
					return nil, err
				}
				o.events.StatusChanged(ctx, r.ID, run.StatusFailed)
				o.recordFinish(ctx, run.StatusFailed)
				return r, nil
			}
			// Suspended. The run is pure data until an answer arrives.
			return r, nil
		}

		if r.Status == run.StatusAwaitingClarification {
			// Fresh answer: merge it into the context so the paused
			// stage re-runs with it visible, then resume.
			if c := r.Clarification; c != nil {
				r.Context["clarification."+c.ID] = c.Answer
			}
			if err := o.transition(ctx, r, run.StatusRunning); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			continue
		}

		if r.Status == run.StatusAdmitted {
			if err := o.transition(ctx, r, run.StatusRunning); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			continue
		}

		stageID := r.Stages[r.CurrentStage]
		result, execErr := o.executeWithRetry(ctx, r, stageID)
		if execErr != nil {
			r.FailureReason = run.ReasonStageError
			r.ErrorDetail = execErr.Error()
			r.FailedStage = stageID
			if err := o.finish(ctx, r, run.StatusFailed); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return r, nil
		}

		if result.NeedsClarification {
			if _, err := o.gate.Begin(ctx, r, stageID, result.Question); err != nil {
				if errors.Is(err, checkpoint.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			o.events.StatusChanged(ctx, r.ID, run.StatusAwaitingClarification)
			return r, nil
		}

		r.Results[stageID] = result
		r.AdvanceStage()
		if err := o.store.SaveRun(ctx, r); err != nil {
			if errors.Is(err, checkpoint.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("failed to save run after stage %s: %w", stageID, err)
		}

		o.events.StageCompleted(ctx, r.ID, stageID)
		o.events.RunProgress(ctx, r.ID, stageID, r.PercentComplete())
		o.logger.Info("stage boundary crossed",
			zap.String("run_id", r.ID),
			zap.String("stage_id", stageID),
			zap.Int("percent", r.PercentComplete()),
		)
		// Loop: the reload at the top observes any signal raised while
		// the stage was in flight.
	}
}

// executeWithRetry runs one stage with exponential backoff. Fatal errors
// and context cancellation stop immediately; everything else retries up
// to MaxAttempts.
func (o *Orchestrator) executeWithRetry(ctx context.Context, r *run.Run, stageID string) (*run.StageResult, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.config.InitialBackoff
	expo.MaxInterval = o.config.MaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (*run.StageResult, error) {
		attempt++
		result, err := o.executor.Execute(ctx, r, stageID)
		if err == nil {
			return result, nil
		}
		if stage.IsFatal(err) {
			return nil, backoff.Permanent(err)
		}
		o.logger.Warn("stage attempt failed",
			zap.String("run_id", r.ID),
			zap.String("stage_id", stageID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(o.config.MaxAttempts)))
}

// transition moves r to next and persists the snapshot.
func (o *Orchestrator) transition(ctx context.Context, r *run.Run, next run.Status) error {
	if err := r.Transition(next); err != nil {
		return err
	}
	if err := o.store.SaveRun(ctx, r); err != nil {
		return err
	}
	o.events.StatusChanged(ctx, r.ID, next)
	return nil
}

// finish moves r to a terminal status and persists it.
func (o *Orchestrator) finish(ctx context.Context, r *run.Run, status run.Status) error {
	if err := o.transition(ctx, r, status); err != nil {
		return err
	}
	o.recordFinish(ctx, status)
	o.logger.Info("run finished",
		zap.String("run_id", r.ID),
		zap.String("status", string(status)),
		zap.Int("percent", r.PercentComplete()),
	)
	return nil
}

func (o *Orchestrator) recordFinish(ctx context.Context, status run.Status) {
	if o.finishCounter != nil {
		o.finishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (o *Orchestrator) lockFor(runID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		o.runLocks[runID] = l
	}
	return l
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
			expired, err := o.gate.ExpireDue(ctx)
			if err != nil {
				o.logger.Warn("deadline sweep failed", zap.Error(err))
			}
			for _, id := range expired {
				o.events.StatusChanged(ctx, id, run.StatusFailed)
				o.recordFinish(ctx, run.StatusFailed)
			}
			cancelFn()
		}
	}
}
