// Package llm adapts the Anthropic Messages API to the stage invoker
// contract. The adapter owns prompt assembly, response parsing, and the
// retryable/fatal classification of API failures; it never interprets
// stage semantics.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/llm"

// Config configures the Anthropic invoker.
type Config struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// Model names the model stages run on.
	Model string

	// MaxTokens bounds the response size per invocation.
	MaxTokens int

	// System is prepended to every invocation.
	System string
}

// DefaultConfig returns sensible defaults. APIKey must still be set.
func DefaultConfig() *Config {
	return &Config{
		Model:     string(anthropic.ModelClaudeSonnet4_20250514),
		MaxTokens: 4096,
		System: "You are a research analyst. Respond with a single JSON object " +
			"matching the requested fields and nothing else.",
	}
}

// messageCreator is the slice of the SDK client the invoker uses.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Invoker calls the Anthropic Messages API for each stage invocation.
type Invoker struct {
	config   *Config
	messages messageCreator
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	tokenCounter metric.Int64Counter
}

// NewInvoker creates an Anthropic-backed invoker.
func NewInvoker(cfg *Config, logger *zap.Logger) (*Invoker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.System == "" {
		cfg.System = defaults.System
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	i := &Invoker{
		config:   cfg,
		messages: &client.Messages,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	i.initMetrics()
	return i, nil
}

func (i *Invoker) initMetrics() {
	var err error
	i.tokenCounter, err = i.meter.Int64Counter(
		"researchd.llm.tokens_total",
		metric.WithDescription("Tokens consumed, by direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		i.logger.Warn("failed to create token counter", zap.Error(err))
	}
}

// Invoke sends one stage invocation and returns the model's output as a
// raw field map. The caller's normalization layer absorbs any shape the
// model produces; Invoke only fails on transport and API errors.
func (i *Invoker) Invoke(ctx context.Context, stageID string, runContext map[string]any) (map[string]any, error) {
	ctx, span := i.tracer.Start(ctx, "llm.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("stage_id", stageID))

	prompt, err := buildPrompt(runContext)
	if err != nil {
		return nil, stage.Fatal(stageID, err)
	}

	msg, err := i.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(i.config.Model),
		MaxTokens: int64(i.config.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: i.config.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, i.classify(stageID, err)
	}

	if i.tokenCounter != nil {
		i.tokenCounter.Add(ctx, msg.Usage.InputTokens,
			metric.WithAttributes(attribute.String("direction", "input")))
		i.tokenCounter.Add(ctx, msg.Usage.OutputTokens,
			metric.WithAttributes(attribute.String("direction", "output")))
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	i.logger.Debug("model responded",
		zap.String("stage_id", stageID),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return ParseModelJSON(text.String()), nil
}

// classify maps API failures onto the stage error taxonomy: rate limits,
// overload, and server errors retry; the rest of the 4xx range means the
// request itself is bad and will never succeed.
func (i *Invoker) classify(stageID string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return classifyStatus(stageID, apierr.StatusCode, err)
	}
	// Transport-level failures are worth retrying.
	return stage.Retryable(stageID, err)
}

func classifyStatus(stageID string, status int, err error) *stage.Error {
	switch {
	case status == 408 || status == 429 || status >= 500:
		return stage.Retryable(stageID, err)
	case status >= 400:
		return stage.Fatal(stageID, err)
	default:
		return stage.Retryable(stageID, err)
	}
}

// buildPrompt renders the invocation context. The stage prompt leads;
// everything else travels as a JSON context block.
func buildPrompt(runContext map[string]any) (string, error) {
	prompt, _ := runContext["prompt"].(string)
	rest := make(map[string]any, len(runContext))
	for k, v := range runContext {
		if k == "prompt" {
			continue
		}
		rest[k] = v
	}

	var b strings.Builder
	b.WriteString(prompt)
	if len(rest) > 0 {
		encoded, err := json.MarshalIndent(rest, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode run context: %w", err)
		}
		b.WriteString("\n\nContext:\n")
		b.Write(encoded)
	}
	return b.String(), nil
}

// ParseModelJSON extracts a field map from model output. Code fences are
// stripped, and output that is not a JSON object (plain prose, arrays,
// truncated JSON) is wrapped as {"text": raw} so the normalization layer
// still gets something to coerce. It never fails.
func ParseModelJSON(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if fenced := stripFences(text); fenced != "" {
		text = fenced
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out
	}

	// Models sometimes wrap the object in prose. Try the outermost
	// braces before giving up.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && out != nil {
				return out
			}
		}
	}
	return map[string]any{"text": raw}
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return ""
	}
	body := strings.TrimPrefix(text, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		// Drop the language tag line.
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
