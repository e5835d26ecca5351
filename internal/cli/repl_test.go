package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/generation"
	"canvas-agent/internal/usecase"
)

type fakeConversation struct {
	submitted []usecase.TurnInput
	outcome   usecase.TurnOutcome
	sessions  []domain.Session
	opened    string
	deleted   string
	newCalls  int
	closed    bool
	artifact  *domain.ArtifactSnapshot
	binding   domain.Binding
	openErr   error
}

func (f *fakeConversation) Submit(_ context.Context, in usecase.TurnInput) usecase.TurnOutcome {
	f.submitted = append(f.submitted, in)
	return f.outcome
}

func (f *fakeConversation) Sessions(context.Context) ([]domain.Session, error) { return f.sessions, nil }

func (f *fakeConversation) Open(_ context.Context, id string) error {
	f.opened = id
	return f.openErr
}

func (f *fakeConversation) NewConversation() { f.newCalls++ }

func (f *fakeConversation) DeleteSession(_ context.Context, id string) error {
	f.deleted = id
	return nil
}

func (f *fakeConversation) CloseArtifact() { f.closed = true }
func (f *fakeConversation) Transcript() []domain.Message { return []domain.Message{{Role: domain.RoleUser, Text: "hi"}} }
func (f *fakeConversation) Artifact() *domain.ArtifactSnapshot { return f.artifact }
func (f *fakeConversation) Binding() domain.Binding { return f.binding }

type fakeIdentity struct {
	user   *domain.User
	hosted bool
}

func (f fakeIdentity) User(context.Context) *domain.User { return f.user }
func (f fakeIdentity) IsOnPlatform(context.Context) bool { return f.hosted }

func run(t *testing.T, conv *fakeConversation, id Identity, script string, setup ...func(*REPL)) string {
	t.Helper()
	var out bytes.Buffer
	r, err := New(conv, id, strings.NewReader(script), &out)
	require.NoError(t, err)
	for _, fn := range setup {
		fn(r)
	}
	require.NoError(t, r.Run(context.Background()))
	return out.String()
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, fakeIdentity{}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
}

func TestRun_SubmitsTurnAndPrintsReply(t *testing.T) {
	conv := &fakeConversation{outcome: usecase.TurnOutcome{
		Reply:    domain.Message{Text: "Here is your page", ReasoningTrace: "built a hero", ArtifactPreviewRef: "abc123"},
		Artifact: &domain.ArtifactSnapshot{HTML: "<h1>x</h1>"},
	}}
	out := run(t, conv, fakeIdentity{user: domain.LocalUser()}, "make a landing page\n/quit\n")

	require.Len(t, conv.submitted, 1)
	require.Equal(t, "make a landing page", conv.submitted[0].Text)
	require.Contains(t, out, "local storage")
	require.Contains(t, out, "(reasoning) built a hero")
	require.Contains(t, out, "agent: Here is your page")
	require.Contains(t, out, "artifact abc123 updated")
}

func TestRun_FailedTurnShowsGenericMessage(t *testing.T) {
	conv := &fakeConversation{outcome: usecase.TurnOutcome{
		Reply: domain.Message{Text: usecase.FailureMessage},
		Err:   errors.New("boom"),
	}}
	out := run(t, conv, fakeIdentity{}, "hello\n")
	require.Contains(t, out, usecase.FailureMessage)
	require.NotContains(t, out, "boom")
}

func TestRun_AttachIsConsumedByNextTurn(t *testing.T) {
	conv := &fakeConversation{}
	files := map[string][]byte{"/tmp/notes.md": []byte("# notes")}
	out := run(t, conv, fakeIdentity{}, "/attach /tmp/notes.md\nuse this\nagain\n", func(r *REPL) {
		r.readFile = func(p string) ([]byte, error) {
			b, ok := files[p]
			if !ok {
				return nil, os.ErrNotExist
			}
			return b, nil
		}
	})

	require.Contains(t, out, "attached notes.md (text/markdown")
	require.Len(t, conv.submitted, 2)
	require.Equal(t, &generation.Attachment{Name: "notes.md", MediaType: "text/markdown", Data: []byte("# notes")}, conv.submitted[0].Attachment)
	require.Nil(t, conv.submitted[1].Attachment)
}

func TestRun_AttachMissingFile(t *testing.T) {
	conv := &fakeConversation{}
	out := run(t, conv, fakeIdentity{}, "/attach /nope\n", func(r *REPL) {
		r.readFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	})
	require.Contains(t, out, "error: read attachment")
}

func TestRun_SessionCommands(t *testing.T) {
	conv := &fakeConversation{
		sessions: []domain.Session{{ID: "s-1", Title: "Pricing page"}, {ID: "s-2", Title: "Menu"}},
		binding:  domain.Bound("s-2"),
	}
	out := run(t, conv, fakeIdentity{hosted: true, user: &domain.User{ID: "u-1", DisplayName: "Ada"}},
		"/sessions\n/open s-1\n/delete s-2\n/new\n/whoami\n/bogus\n")

	require.Contains(t, out, "s-1  Pricing page")
	require.Contains(t, out, "* s-2")
	require.Equal(t, "s-1", conv.opened)
	require.Equal(t, "s-2", conv.deleted)
	require.Equal(t, 1, conv.newCalls)
	require.Contains(t, out, "you: hi")
	require.Contains(t, out, "Ada (u-1), hosted storage")
	require.Contains(t, out, "unknown command /bogus")
}

func TestRun_ArtifactCommands(t *testing.T) {
	var written []byte
	conv := &fakeConversation{artifact: &domain.ArtifactSnapshot{HTML: "<p>x</p>", BackgroundColor: "#fff", FontFamily: "Inter"}}
	out := run(t, conv, fakeIdentity{}, "/artifact\n/save /tmp/out.html\n/close\n", func(r *REPL) {
		r.writeFile = func(_ string, b []byte, _ os.FileMode) error {
			written = b
			return nil
		}
	})
	require.Contains(t, out, "<p>x</p>")
	require.Equal(t, []byte("<p>x</p>"), written)
	require.True(t, conv.closed)

	out = run(t, &fakeConversation{}, fakeIdentity{}, "/save /tmp/out.html\n")
	require.Contains(t, out, "no artifact to save")
}
