package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/metrics"
)

type fakeGenerator struct {
	raw  string
	err  error
	last Request
}

func (f *fakeGenerator) Generate(_ context.Context, req Request) (string, error) {
	f.last = req
	return f.raw, f.err
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(nil, "m")
	require.Error(t, err)
	_, err = NewPipeline(&fakeGenerator{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestPipeline_Parsed(t *testing.T) {
	gen := &fakeGenerator{raw: `{"reasoningTrace":"plan","reply":"done","html":"<h1>hi</h1>"}`}
	m := metrics.New()
	p, err := NewPipeline(gen, "model-x", WithMetrics(m))
	require.NoError(t, err)

	out, err := p.Generate(context.Background(), TurnInput{Text: "make a header"})
	require.NoError(t, err)
	require.Equal(t, Parsed, out.Kind)
	require.Equal(t, "<h1>hi</h1>", out.Result.HTML)
	require.Equal(t, "model-x", gen.last.Model)
	require.Equal(t, "make a header", gen.last.Prompt)
	require.NotEmpty(t, gen.last.Schema)
	require.NotEmpty(t, gen.last.System)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Generations().WithLabelValues("parsed")))
}

func TestPipeline_DegradedDoesNotFail(t *testing.T) {
	gen := &fakeGenerator{raw: "plain words"}
	m := metrics.New()
	p, err := NewPipeline(gen, "model-x", WithMetrics(m))
	require.NoError(t, err)

	out, err := p.Generate(context.Background(), TurnInput{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, Degraded, out.Kind)
	require.Equal(t, "plain words", out.Result.Reply)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Generations().WithLabelValues("degraded")))
}

func TestPipeline_NetworkErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	p, err := NewPipeline(&fakeGenerator{err: boom}, "model-x")
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), TurnInput{Text: "hi"})
	require.ErrorIs(t, err, boom)
}

func TestBuildRequest_History(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleUser, Text: "first"},
		{Role: domain.RoleAgent, Text: "answer"},
		{Role: domain.RoleUser, Attachment: &domain.AttachmentDescriptor{Name: "a.png"}},
		{Role: domain.RoleAgent, Text: "  "},
	}
	req := BuildRequest("m", history, "next", nil)
	require.Equal(t, []Turn{
		{Role: TurnUser, Text: "first"},
		{Role: TurnModel, Text: "answer"},
		{Role: TurnUser, Text: "[Attached file: a.png]"},
	}, req.History)
	require.Nil(t, req.Binary)
	require.Equal(t, "next", req.Prompt)
}

func TestBuildRequest_Attachments(t *testing.T) {
	req := BuildRequest("m", nil, "", &Attachment{Name: "shot.png", MediaType: "image/png", Data: pngHeader})
	require.NotNil(t, req.Binary)
	require.Equal(t, "See the attached file shot.png.", req.Prompt)

	req = BuildRequest("m", nil, "summarise", &Attachment{Name: "notes.txt", Data: []byte("line")})
	require.Nil(t, req.Binary)
	require.True(t, strings.HasPrefix(req.Prompt, "summarise\n\n--- BEGIN FILE: notes.txt ---"))

	req = BuildRequest("m", nil, "look", &Attachment{Name: "a.zip", MediaType: "application/zip", Data: []byte("PK")})
	require.Nil(t, req.Binary)
	require.Contains(t, req.Prompt, `could not be included inline`)
}
