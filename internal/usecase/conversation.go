package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/generation"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
	"canvas-agent/internal/sessions"
)

// FailureMessage is shown in the transcript when a turn's generation call fails.
const FailureMessage = "Sorry, something went wrong while generating a response. Please try again."

const (
	defaultBackground = "#ffffff"
	defaultFont       = "Inter, system-ui, sans-serif"
)

type Pipeline interface {
	Generate(ctx context.Context, in generation.TurnInput) (generation.Outcome, error)
}

// SessionRepository is the session collection as seen by the controller.
type SessionRepository interface {
	SessionStore
	Delete(ctx context.Context, userID, sessionID string) error
	Find(ctx context.Context, userID, sessionID string) (domain.Session, bool, error)
}

// Identity resolves the user that owns the session collection.
type Identity interface {
	User(ctx context.Context) *domain.User
}

// TurnInput is what the user submitted.
type TurnInput struct {
	Text       string
	Attachment *generation.Attachment
}

// TurnOutcome reports how a turn ended.
type TurnOutcome struct {
	// Reply is the agent message appended to the transcript, including the
	// generic failure message.
	Reply domain.Message
	// Kind is set when generation succeeded.
	Kind generation.OutcomeKind
	// Artifact is the snapshot produced by this turn, if any.
	Artifact *domain.ArtifactSnapshot
	// Err is the generation failure, if any.
	Err error
	// PersistErr is set when the turn succeeded but could not be saved.
	PersistErr error
	// Superseded turns were overtaken by a newer turn and left no trace.
	Superseded bool
}

// Failed reports whether generation failed.
func (o TurnOutcome) Failed() bool { return o.Err != nil }

type Controller struct {
	pipeline   Pipeline
	reconciler *Reconciler
	repo       SessionRepository
	identity   Identity
	logger     *zap.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	newID      func() string

	mu         sync.Mutex
	transcript []domain.Message
	artifact   *domain.ArtifactSnapshot
	// hidden is set by CloseArtifact; artifact keeps its styling for the next merge.
	hidden     bool
	binding    domain.Binding
	seq        uint64
	epoch      uint64
	savedSeq   uint64
	processing bool

	// persistMu serialises read-modify-write cycles on the collection.
	persistMu sync.Mutex
}

type ControllerOption func(*Controller)

func WithLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithGenerationTimeout bounds each generation call. Zero means no deadline.
func WithGenerationTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.timeout = d }
}

// WithMessageIDs overrides message id generation.
func WithMessageIDs(fn func() string) ControllerOption {
	return func(c *Controller) { c.newID = fn }
}

func NewController(p Pipeline, r *Reconciler, repo SessionRepository, id Identity, opts ...ControllerOption) (*Controller, error) {
	if p == nil {
		return nil, errors.New("usecase: pipeline must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: reconciler must not be nil")
	}
	if repo == nil {
		return nil, errors.New("usecase: session repository must not be nil")
	}
	if id == nil {
		return nil, errors.New("usecase: identity must not be nil")
	}
	c := &Controller{
		pipeline:   p,
		reconciler: r,
		repo:       repo,
		identity:   id,
		newID:      newTimeOrderedID,
		binding:    domain.Unbound(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.OrNop(c.logger)
	return c, nil
}

// Submit runs one turn end to end. Generation failures become a single
// transcript message; nothing is persisted for a failed turn.
func (c *Controller) Submit(ctx context.Context, in TurnInput) TurnOutcome {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		return TurnOutcome{Err: newError(ErrorInvalidInput, "empty_turn", nil)}
	}

	userMsg := domain.Message{ID: c.newID(), Role: domain.RoleUser, Text: text}
	if in.Attachment != nil {
		userMsg.Attachment = in.Attachment.Descriptor()
	}

	c.mu.Lock()
	history := cloneMessages(c.transcript)
	c.transcript = append(c.transcript, userMsg)
	c.seq++
	seq, epoch := c.seq, c.epoch
	c.processing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.seq == seq {
			c.processing = false
		}
		c.mu.Unlock()
	}()

	genCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, genErr := c.pipeline.Generate(genCtx, generation.TurnInput{
		History:    history,
		Text:       text,
		Attachment: in.Attachment,
	})

	c.mu.Lock()
	if c.seq != seq {
		c.mu.Unlock()
		c.logger.Info("discarding superseded turn", zap.Uint64("turn", seq))
		c.metrics.Turn("superseded")
		return TurnOutcome{Superseded: true}
	}

	if genErr != nil {
		reply := domain.Message{ID: c.newID(), Role: domain.RoleAgent, Text: FailureMessage}
		c.transcript = append(c.transcript, reply)
		c.mu.Unlock()

		uerr := classifyGenerationError(genErr)
		c.logger.Error("turn failed",
			zap.String("code", string(uerr.Code)),
			zap.String("reason", uerr.Reason),
			zap.Error(genErr),
		)
		c.metrics.Turn("failed")
		return TurnOutcome{Reply: reply, Err: uerr}
	}

	reply := domain.Message{
		ID:             c.newID(),
		Role:           domain.RoleAgent,
		Text:           out.Result.Reply,
		ReasoningTrace: out.Result.ReasoningTrace,
	}
	var snapshot *domain.ArtifactSnapshot
	if html := out.Result.HTML; html != "" {
		snapshot = mergeSnapshot(c.artifact, html)
		reply.ArtifactPreviewRef = previewRef(html)
		c.artifact = cloneSnapshot(snapshot)
		c.hidden = false
	}
	c.transcript = append(c.transcript, reply)
	messages := cloneMessages(c.transcript)
	c.mu.Unlock()

	result := TurnOutcome{Reply: reply, Kind: out.Kind, Artifact: snapshot}
	if err := c.persist(ctx, seq, epoch, messages, snapshot); err != nil {
		result.PersistErr = err
		c.metrics.Turn("unsaved")
		return result
	}
	c.metrics.Turn("ok")
	return result
}

func (c *Controller) persist(ctx context.Context, seq, epoch uint64, messages []domain.Message, snapshot *domain.ArtifactSnapshot) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	// Skip when the user switched conversations meanwhile, or a later turn
	// already saved a longer transcript.
	if c.epoch != epoch || seq < c.savedSeq {
		c.mu.Unlock()
		return nil
	}
	binding := c.binding
	c.mu.Unlock()

	next, err := c.reconciler.Reconcile(ctx, c.userID(ctx), binding, messages, snapshot)
	if err != nil {
		if errors.Is(err, ErrStaleBinding) {
			c.logger.Warn("active session missing from collection", zap.Stringer("binding", binding), zap.Error(err))
		} else {
			c.logger.Error("failed to persist turn", zap.Stringer("binding", binding), zap.Error(err))
		}
		return err
	}

	c.mu.Lock()
	if c.binding == binding {
		c.binding = next
	}
	c.savedSeq = seq
	c.mu.Unlock()
	if !binding.IsBound() {
		c.logger.Info("created session", zap.Stringer("binding", next))
	}
	return nil
}

// mergeSnapshot replaces only the html of prev, or starts from defaults.
func mergeSnapshot(prev *domain.ArtifactSnapshot, html string) *domain.ArtifactSnapshot {
	if prev == nil {
		return &domain.ArtifactSnapshot{
			HTML:            html,
			BackgroundColor: defaultBackground,
			FontFamily:      defaultFont,
		}
	}
	next := *prev
	next.HTML = html
	return &next
}

func previewRef(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:6])
}

func (c *Controller) userID(ctx context.Context) string {
	if u := c.identity.User(ctx); u != nil {
		return u.ID
	}
	return ""
}

// Sessions lists the user's sessions, newest first.
func (c *Controller) Sessions(ctx context.Context) ([]domain.Session, error) {
	all, err := c.repo.LoadAll(ctx, c.userID(ctx))
	if err != nil {
		return nil, err
	}
	sessions.SortByRecent(all)
	return all, nil
}

// Open binds the controller to an existing session and loads its state.
func (c *Controller) Open(ctx context.Context, id string) error {
	s, ok, err := c.repo.Find(ctx, c.userID(ctx), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.binding = domain.Bound(s.ID)
	c.transcript = cloneMessages(s.Messages)
	c.artifact = cloneSnapshot(s.Artifact)
	return nil
}

// NewConversation unbinds and clears the in-memory state.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// DeleteSession removes a session; deleting the active one also unbinds.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if err := c.repo.Delete(ctx, c.userID(ctx), id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.binding.SessionID(); ok && cur == id {
		c.reset()
	}
	return nil
}

// reset supersedes any in-flight turn. c.mu must be held.
func (c *Controller) reset() {
	c.seq++
	c.epoch++
	c.processing = false
	c.binding = domain.Unbound()
	c.transcript = nil
	c.artifact = nil
	c.hidden = false
}

// CloseArtifact hides the preview until the next turn produces html. The
// snapshot itself is untouched.
func (c *Controller) CloseArtifact() {
	c.mu.Lock()
	c.hidden = true
	c.mu.Unlock()
}

func (c *Controller) Transcript() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.transcript)
}

func (c *Controller) Artifact() *domain.ArtifactSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hidden {
		return nil
	}
	return cloneSnapshot(c.artifact)
}

func (c *Controller) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

func (c *Controller) Binding() domain.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}
