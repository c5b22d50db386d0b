// Package admission gates run creation on quota and rate limits. Denial
// is a structured answer to the caller, not a run-lifecycle error: a
// denied run is never created.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/admission"

// Deny reasons surfaced to callers.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonRateLimited   = "rate_limited"
	ReasonRunTooLarge   = "run_too_large"
)

// Decision is the structured outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Controller authorizes a run before it is created. estimatedCost is the
// number of billable stage invocations the run may perform.
type Controller interface {
	Authorize(ctx context.Context, ownerID string, estimatedCost int) (Decision, error)
}

// Config configures the quota controller.
type Config struct {
	// MaxStagesPerRun caps a single run's estimated cost.
	MaxStagesPerRun int

	// RunQuotaPerOwner caps total admitted runs per owner. Zero means
	// unlimited.
	RunQuotaPerOwner int

	// StartRatePerMinute and StartBurst shape the per-owner token
	// bucket for run starts.
	StartRatePerMinute float64
	StartBurst         int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxStagesPerRun:    20,
		RunQuotaPerOwner:   0,
		StartRatePerMinute: 6,
		StartBurst:         3,
	}
}

// QuotaController is an in-process Controller combining a per-owner run
// quota with a per-owner start rate limit.
type QuotaController struct {
	config *Config
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	admitted map[string]int

	decisionCounter metric.Int64Counter
}

// NewQuotaController creates a quota controller.
func NewQuotaController(cfg *Config, logger *zap.Logger) (*QuotaController, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxStagesPerRun <= 0 {
		return nil, errors.New("max stages per run must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &QuotaController{
		config:   cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		admitted: make(map[string]int),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.decisionCounter, err = meter.Int64Counter(
		"researchd.admission.decisions_total",
		metric.WithDescription("Admission decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		c.logger.Warn("failed to create decision counter", zap.Error(err))
	}
	return c, nil
}

// Authorize applies size, quota and rate checks in that order. An allowed
// decision counts against the owner's quota immediately.
func (c *QuotaController) Authorize(ctx context.Context, ownerID string, estimatedCost int) (Decision, error) {
	if ownerID == "" {
		return Decision{}, fmt.Errorf("owner id is required")
	}

	decision := c.decide(ownerID, estimatedCost)

	if c.decisionCounter != nil {
		outcome := "allowed"
		if !decision.Allowed {
			outcome = decision.Reason
		}
		c.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if !decision.Allowed {
		c.logger.Info("run admission denied",
			zap.String("owner_id", ownerID),
			zap.String("reason", decision.Reason),
			zap.Int("estimated_cost", estimatedCost),
		)
	}
	return decision, nil
}

func (c *QuotaController) decide(ownerID string, estimatedCost int) Decision {
	if estimatedCost > c.config.MaxStagesPerRun {
		return Decision{Reason: ReasonRunTooLarge}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.RunQuotaPerOwner > 0 && c.admitted[ownerID] >= c.config.RunQuotaPerOwner {
		return Decision{Reason: ReasonQuotaExceeded}
	}

	limiter, ok := c.limiters[ownerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.StartRatePerMinute/60), c.config.StartBurst)
		c.limiters[ownerID] = limiter
	}
	if !limiter.Allow() {
		return Decision{Reason: ReasonRateLimited}
	}

	c.admitted[ownerID]++
	return Decision{Allowed: true}
}

// AllowAll is a Controller that admits everything; for tests and
// standalone mode.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, int) (Decision, error) {
	return Decision{Allowed: true}, nil
}
