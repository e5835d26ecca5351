package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
)

// Generator performs the outbound model call and returns the raw text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// TurnInput is one user turn plus the transcript that precedes it.
type TurnInput struct {
	History    []domain.Message
	Text       string
	Attachment *Attachment
}

type Pipeline struct {
	gen     Generator
	model   string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func NewPipeline(gen Generator, model string, opts ...Option) (*Pipeline, error) {
	if gen == nil {
		return nil, errors.New("generation: generator must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("generation: model must not be empty")
	}
	p := &Pipeline{gen: gen, model: model}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.OrNop(p.logger)
	return p, nil
}

// Generate runs one turn through the model. Errors from the call itself are
// returned; malformed output yields a Degraded outcome instead.
func (p *Pipeline) Generate(ctx context.Context, in TurnInput) (Outcome, error) {
	req := BuildRequest(p.model, in.History, in.Text, in.Attachment)

	raw, err := p.gen.Generate(ctx, req)
	if err != nil {
		p.metrics.Generation("error")
		return Outcome{}, fmt.Errorf("generation: call model %q: %w", p.model, err)
	}

	out := Parse(raw)
	p.metrics.Generation(out.Kind.String())
	if out.Kind == Degraded {
		p.logger.Warn("model response was not structured", zap.Int("raw_len", len(raw)))
	}
	return out, nil
}
