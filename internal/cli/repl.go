package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/generation"
	"canvas-agent/internal/usecase"
)

const maxAttachmentBytes = 20 << 20

// Conversation is the controller surface the REPL drives.
type Conversation interface {
	Submit(ctx context.Context, in usecase.TurnInput) usecase.TurnOutcome
	Sessions(ctx context.Context) ([]domain.Session, error)
	Open(ctx context.Context, id string) error
	NewConversation()
	DeleteSession(ctx context.Context, id string) error
	CloseArtifact()
	Transcript() []domain.Message
	Artifact() *domain.ArtifactSnapshot
	Binding() domain.Binding
}

// Identity reports who is signed in and where sessions are stored.
type Identity interface {
	User(ctx context.Context) *domain.User
	IsOnPlatform(ctx context.Context) bool
}

// REPL is the line-oriented front end.
type REPL struct {
	conv Conversation
	id   Identity
	in   io.Reader
	out  io.Writer

	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte, os.FileMode) error

	pending *generation.Attachment
}

func New(conv Conversation, id Identity, in io.Reader, out io.Writer) (*REPL, error) {
	if conv == nil || id == nil {
		return nil, errors.New("cli: conversation and identity are required")
	}
	return &REPL{
		conv:      conv,
		id:        id,
		in:        in,
		out:       out,
		readFile:  os.ReadFile,
		writeFile: os.WriteFile,
	}, nil
}

// Run reads commands until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	r.printf("canvas-agent (%s). Type /help for commands.\n", r.storageLabel(ctx))
	r.prompt()
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			r.prompt()
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		} else {
			r.turn(ctx, line)
		}
		r.prompt()
	}
	return sc.Err()
}

func (r *REPL) prompt() { r.printf("> ") }

func (r *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) storageLabel(ctx context.Context) string {
	if r.id.IsOnPlatform(ctx) {
		return "hosted storage"
	}
	return "local storage"
}

func (r *REPL) turn(ctx context.Context, text string) {
	att := r.pending
	r.pending = nil

	out := r.conv.Submit(ctx, usecase.TurnInput{Text: text, Attachment: att})
	switch {
	case out.Superseded:
		return
	case out.Failed():
		var uerr *usecase.Error
		if errors.As(out.Err, &uerr) && uerr.Code == usecase.ErrorInvalidInput {
			r.printf("nothing to send\n")
			return
		}
		r.printf("agent: %s\n", out.Reply.Text)
		return
	}

	if trace := strings.TrimSpace(out.Reply.ReasoningTrace); trace != "" {
		r.printf("  (reasoning) %s\n", trace)
	}
	r.printf("agent: %s\n", out.Reply.Text)
	if out.Artifact != nil {
		r.printf("  [artifact %s updated, %d bytes; /artifact to view, /save <path> to write]\n",
			out.Reply.ArtifactPreviewRef, len(out.Artifact.HTML))
	}
	if out.PersistErr != nil {
		r.printf("  (warning: this turn could not be saved)\n")
	}
}

func (r *REPL) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	arg := strings.TrimSpace(strings.TrimPrefix(line, cmd))

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s", helpText)
	case "/attach":
		return false, r.attach(arg)
	case "/sessions":
		return false, r.listSessions(ctx)
	case "/open":
		if len(args) != 1 {
			return false, errors.New("usage: /open <session-id>")
		}
		if err := r.conv.Open(ctx, args[0]); err != nil {
			return false, err
		}
		r.printTranscript()
	case "/new":
		r.conv.NewConversation()
		r.pending = nil
		r.printf("started a new conversation\n")
	case "/delete":
		if len(args) != 1 {
			return false, errors.New("usage: /delete <session-id>")
		}
		if err := r.conv.DeleteSession(ctx, args[0]); err != nil {
			return false, err
		}
		r.printf("deleted %s\n", args[0])
	case "/artifact":
		a := r.conv.Artifact()
		if a == nil {
			r.printf("no artifact\n")
			return false, nil
		}
		r.printf("background %s, font %s\n%s\n", a.BackgroundColor, a.FontFamily, a.HTML)
	case "/save":
		return false, r.save(arg)
	case "/close":
		r.conv.CloseArtifact()
		r.printf("artifact closed\n")
	case "/whoami":
		r.whoami(ctx)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func (r *REPL) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := r.readFile(path)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return fmt.Errorf("attachment is larger than %d MiB", maxAttachmentBytes>>20)
	}
	att := &generation.Attachment{Name: filepath.Base(path), Data: data}
	att.MediaType = generation.ResolveMediaType(*att)
	r.pending = att
	r.printf("attached %s (%s, %d bytes) to the next message\n", att.Name, att.MediaType, len(data))
	return nil
}

func (r *REPL) listSessions(ctx context.Context) error {
	all, err := r.conv.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		r.printf("no saved sessions\n")
		return nil
	}
	current, _ := r.conv.Binding().SessionID()
	for _, s := range all {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		r.printf("%s %s  %-48s  %s  (%d messages)\n", marker, s.ID, s.Title,
			s.LastModified.Local().Format(time.DateTime), len(s.Messages))
	}
	return nil
}

func (r *REPL) printTranscript() {
	for _, m := range r.conv.Transcript() {
		who := "you"
		if m.Role == domain.RoleAgent {
			who = "agent"
		}
		text := m.Text
		if m.Attachment != nil {
			text = strings.TrimSpace(text + " [" + m.Attachment.Name + "]")
		}
		r.printf("%s: %s\n", who, text)
	}
}

func (r *REPL) save(path string) error {
	if path == "" {
		return errors.New("usage: /save <path>")
	}
	a := r.conv.Artifact()
	if a == nil {
		return errors.New("no artifact to save")
	}
	if err := r.writeFile(path, []byte(a.HTML), 0o644); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	r.printf("wrote %s\n", path)
	return nil
}

func (r *REPL) whoami(ctx context.Context) {
	u := r.id.User(ctx)
	switch {
	case u == nil:
		r.printf("not signed in (%s, guest collection)\n", r.storageLabel(ctx))
	case u.DisplayName != "":
		r.printf("%s (%s), %s\n", u.DisplayName, u.ID, r.storageLabel(ctx))
	default:
		r.printf("%s, %s\n", u.ID, r.storageLabel(ctx))
	}
}

const helpText = `Commands:
  /attach <path>   attach a file to the next message
  /sessions        list saved sessions
  /open <id>       continue a saved session
  /new             start a new conversation
  /delete <id>     delete a saved session
  /artifact        print the current artifact HTML
  /save <path>     write the current artifact HTML to a file
  /close           close the artifact preview
  /whoami          show the signed-in user
  /help            show this help
  /quit            exit
Anything else is sent to the agent.
`
