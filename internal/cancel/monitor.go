// Package cancel records user-initiated cancellation signals. Signals are
// idempotent and cooperative: they set a flag the orchestrator consults at
// stage boundaries, and never interrupt an in-flight model call.
package cancel

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
	"github.com/fyrsmithlabs/researchd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/cancel"

const saveAttempts = 3

// Monitor records cancellation signals against the checkpoint store.
type Monitor struct {
	store  checkpoint.Store
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	signalCounter metric.Int64Counter
}

// NewMonitor creates a cancellation monitor.
func NewMonitor(store checkpoint.Store, logger *zap.Logger) (*Monitor, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	m.signalCounter, err = m.meter.Int64Counter(
		"researchd.cancellation.signals_total",
		metric.WithDescription("Cancellation signals by disposition"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		m.logger.Warn("failed to create signal counter", zap.Error(err))
	}
	return m, nil
}

// Request records a cancellation signal for runID. recorded is true only
// for the first signal against a non-terminal run; repeats and signals
// against finished runs are silent no-ops. The flag takes effect at the
// run's next stage boundary.
func (m *Monitor) Request(ctx context.Context, runID, requesterID string) (recorded bool, err error) {
	ctx, span := m.tracer.Start(ctx, "cancel.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("requester_id", requesterID),
	)

	disposition := "error"
	defer func() {
		if m.signalCounter != nil {
			m.signalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", disposition)))
		}
	}()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		r, loadErr := m.store.LoadRun(ctx, runID)
		if loadErr != nil {
			return false, loadErr
		}

		if r.Status.Terminal() {
			disposition = "terminal_noop"
			return false, nil
		}
		if r.CancelRequested {
			disposition = "duplicate_noop"
			return false, nil
		}

		r.CancelRequested = true
		r.CancelSignal = &run.CancellationSignal{
			RunID:       runID,
			RequesterID: requesterID,
			RequestedAt: time.Now().UTC(),
		}
		saveErr := m.store.SaveRun(ctx, r)
		if saveErr == nil {
			disposition = "recorded"
			m.logger.Info("cancellation requested",
				zap.String("run_id", runID),
				zap.String("requester_id", requesterID),
				zap.String("status", string(r.Status)),
			)
			return true, nil
		}
		if !errors.Is(saveErr, checkpoint.ErrVersionConflict) {
			return false, fmt.Errorf("failed to record cancellation: %w", saveErr)
		}
		// Another writer moved the run; reload and re-check.
	}
	return false, checkpoint.ErrVersionConflict
}
