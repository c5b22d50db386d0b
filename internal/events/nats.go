package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/run"
)

// Subject suffixes; the configured prefix namespaces a deployment.
const (
	subjectProgress       = "run.progress"
	subjectStageCompleted = "run.stage_completed"
	subjectStatusChanged  = "run.status_changed"
)

// NATSPublisher publishes run events as JSON messages on NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to a NATS server. prefix (e.g. "researchd")
// namespaces the subjects; empty means bare "run.*" subjects.
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("researchd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

func (p *NATSPublisher) RunProgress(ctx context.Context, runID, stageID string, percent int) {
	p.publish(subjectProgress, ProgressEvent{
		RunID:      runID,
		StageID:    stageID,
		Percent:    percent,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *NATSPublisher) StageCompleted(ctx context.Context, runID, stageID string) {
	p.publish(subjectStageCompleted, StageCompletedEvent{
		RunID:      runID,
		StageID:    stageID,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *NATSPublisher) StatusChanged(ctx context.Context, runID string, status run.Status) {
	p.publish(subjectStatusChanged, StatusChangedEvent{
		RunID:      runID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *NATSPublisher) publish(subject string, payload any) {
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the connection so queued events flush before shutdown.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return err
	}
	return nil
}
