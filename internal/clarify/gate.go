// Package clarify suspends runs that need external input. A waiting run
// is purely persisted data: no goroutine blocks on the answer, and the
// process is free to exit and redeploy while a question is open.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/clarify"

// ResolveOutcome reports what a Resolve call did.
type ResolveOutcome string

const (
	// OutcomeResolved means this call recorded the answer.
	OutcomeResolved ResolveOutcome = "resolved"

	// OutcomeAlreadyResolved means an earlier call won; this one is a
	// no-op.
	OutcomeAlreadyResolved ResolveOutcome = "already_resolved"

	// OutcomeExpired means the request's deadline passed (or the run
	// reached a terminal state) before the answer arrived.
	OutcomeExpired ResolveOutcome = "expired"

	// OutcomeNotFound means no request with that id exists on the run.
	OutcomeNotFound ResolveOutcome = "not_found"
)

// saveAttempts bounds CAS retry loops against concurrent writers.
const saveAttempts = 3

// Config configures the clarification gate.
type Config struct {
	// AnswerTTL is how long a question stays open before the run is
	// treated as abandoned.
	AnswerTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{AnswerTTL: 24 * time.Hour}
}

// Gate implements the suspend half of the run state machine.
type Gate struct {
	config *Config
	store  checkpoint.Store
	logger *zap.Logger
	now    func() time.Time

	tracer         trace.Tracer
	meter          metric.Meter
	openCounter    metric.Int64Counter
	resolveCounter metric.Int64Counter
}

// NewGate creates a clarification gate.
func NewGate(cfg *Config, store checkpoint.Store, logger *zap.Logger) (*Gate, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		config: cfg,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g, nil
}

func (g *Gate) initMetrics() {
	var err error

	g.openCounter, err = g.meter.Int64Counter(
		"researchd.clarification.opened_total",
		metric.WithDescription("Clarification requests opened"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		g.logger.Warn("failed to create open counter", zap.Error(err))
	}

	g.resolveCounter, err = g.meter.Int64Counter(
		"researchd.clarification.resolutions_total",
		metric.WithDescription("Clarification resolve calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		g.logger.Warn("failed to create resolve counter", zap.Error(err))
	}
}

// Begin opens a clarification request on r and suspends the run. r is
// mutated and persisted; the caller returns control afterwards instead of
// blocking. If a request is already open the existing one is returned, so
// a run never holds two questions.
func (g *Gate) Begin(ctx context.Context, r *run.Run, stageID, question string) (*run.ClarificationRequest, error) {
	ctx, span := g.tracer.Start(ctx, "clarify.begin")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", r.ID), attribute.String("stage_id", stageID))

	if r.Clarification.Open() {
		return r.Clarification, nil
	}

	now := g.now()
	req := &run.ClarificationRequest{
		ID:        uuid.New().String(),
		RunID:     r.ID,
		StageID:   stageID,
		Question:  question,
		CreatedAt: now,
		Deadline:  now.Add(g.config.AnswerTTL),
	}
	r.Clarification = req
	if err := r.Transition(run.StatusAwaitingClarification); err != nil {
		return nil, err
	}
	if err := g.store.SaveRun(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to persist clarification: %w", err)
	}

	if g.openCounter != nil {
		g.openCounter.Add(ctx, 1)
	}
	g.logger.Info("run awaiting clarification",
		zap.String("run_id", r.ID),
		zap.String("request_id", req.ID),
		zap.Time("deadline", req.Deadline),
	)
	return req, nil
}

// Resolve records an answer for a request. The first resolution wins;
// repeats and late answers are no-ops reported through the outcome. The
// caller re-drives the run after OutcomeResolved.
func (g *Gate) Resolve(ctx context.Context, runID, requestID, answer string) (ResolveOutcome, error) {
	ctx, span := g.tracer.Start(ctx, "clarify.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("request_id", requestID))

	var outcome ResolveOutcome
	for attempt := 0; attempt < saveAttempts; attempt++ {
		r, err := g.store.LoadRun(ctx, runID)
		if err != nil {
			return OutcomeNotFound, err
		}

		outcome = g.classify(r, requestID)
		if outcome != OutcomeResolved {
			break
		}

		now := g.now()
		r.Clarification.Answer = answer
		r.Clarification.Answered = true
		r.Clarification.AnsweredAt = now
		err = g.store.SaveRun(ctx, r)
		if err == nil {
			g.logger.Info("clarification answered",
				zap.String("run_id", runID),
				zap.String("request_id", requestID),
				zap.Duration("waited", now.Sub(r.Clarification.CreatedAt)),
			)
			break
		}
		if !errors.Is(err, checkpoint.ErrVersionConflict) {
			return outcome, fmt.Errorf("failed to persist answer: %w", err)
		}
		// Lost a CAS race; reload and re-classify.
	}

	if g.resolveCounter != nil {
		g.resolveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	return outcome, nil
}

func (g *Gate) classify(r *run.Run, requestID string) ResolveOutcome {
	c := r.Clarification
	if c == nil || c.ID != requestID {
		return OutcomeNotFound
	}
	if c.Answered {
		return OutcomeAlreadyResolved
	}
	if r.Status.Terminal() || c.Expired(g.now()) {
		return OutcomeExpired
	}
	return OutcomeResolved
}

// ExpireDue fails every run whose open clarification deadline has passed.
// It returns the ids of runs it moved to failed. Deadlines are also
// checked lazily at stage boundaries; this sweep catches runs nobody is
// driving.
func (g *Gate) ExpireDue(ctx context.Context) ([]string, error) {
	ctx, span := g.tracer.Start(ctx, "clarify.expire_due")
	defer span.End()

	waiting, err := g.store.ListRunsByStatus(ctx, run.StatusAwaitingClarification)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting runs: %w", err)
	}

	var expired []string
	for _, r := range waiting {
		if !r.Clarification.Expired(g.now()) {
			continue
		}
		if err := g.Expire(ctx, r); err != nil {
			g.logger.Warn("failed to expire run", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		expired = append(expired, r.ID)
	}
	return expired, nil
}

// Expire fails r as abandoned. Called by the sweep and by the
// orchestrator when it observes a lapsed deadline at a stage boundary.
func (g *Gate) Expire(ctx context.Context, r *run.Run) error {
	r.FailureReason = run.ReasonAbandoned
	r.ErrorDetail = "we stopped waiting for your input"
	r.FailedStage = r.Clarification.StageID
	if err := r.Transition(run.StatusFailed); err != nil {
		return err
	}
	if err := g.store.SaveRun(ctx, r); err != nil {
		return err
	}
	g.logger.Info("run abandoned: clarification deadline elapsed",
		zap.String("run_id", r.ID),
		zap.String("request_id", r.Clarification.ID),
	)
	return nil
}
