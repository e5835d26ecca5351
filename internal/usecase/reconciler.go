package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"canvas-agent/internal/domain"
)

// SessionStore loads and overwrites a user's whole session collection.
type SessionStore interface {
	LoadAll(ctx context.Context, userID string) ([]domain.Session, error)
	SaveAll(ctx context.Context, userID string, sessions []domain.Session) error
}

// Reconciler turns the transcript after a turn into the matching session
// mutation: create on the first turn, update afterwards.
type Reconciler struct {
	repo  SessionStore
	now   func() time.Time
	newID func() string
}

type ReconcilerOption func(*Reconciler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides UUIDv7 session ids.
func WithIDGenerator(fn func() string) ReconcilerOption {
	return func(r *Reconciler) { r.newID = fn }
}

func NewReconciler(repo SessionStore, opts ...ReconcilerOption) (*Reconciler, error) {
	if repo == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	r := &Reconciler{
		repo:  repo,
		now:   time.Now,
		newID: newTimeOrderedID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile persists messages (and snapshot, when non-nil) for the current
// binding and returns the binding to adopt. On failure the returned binding is
// the one passed in.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, b domain.Binding, messages []domain.Message, snapshot *domain.ArtifactSnapshot) (domain.Binding, error) {
	all, err := r.repo.LoadAll(ctx, userID)
	if err != nil {
		return b, fmt.Errorf("usecase: reconcile: %w", err)
	}

	id, bound := b.SessionID()
	if !bound {
		return r.create(ctx, userID, all, messages, snapshot)
	}

	idx := -1
	for i := range all {
		if all[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return b, fmt.Errorf("%w: %s", ErrStaleBinding, id)
	}

	s := &all[idx]
	s.Messages = cloneMessages(messages)
	if snapshot != nil {
		s.Artifact = cloneSnapshot(snapshot)
	}
	applyTitleRule(s)
	s.LastModified = r.nextTimestamp(s.LastModified)

	if err := r.repo.SaveAll(ctx, userID, all); err != nil {
		return b, fmt.Errorf("usecase: reconcile update %s: %w", id, err)
	}
	return b, nil
}

func (r *Reconciler) create(ctx context.Context, userID string, all []domain.Session, messages []domain.Message, snapshot *domain.ArtifactSnapshot) (domain.Binding, error) {
	s := domain.Session{
		ID:           r.newID(),
		Title:        domain.PlaceholderTitle,
		OwnerID:      userID,
		Messages:     cloneMessages(messages),
		LastModified: r.nextTimestamp(time.Time{}),
		Artifact:     cloneSnapshot(snapshot),
	}
	applyTitleRule(&s)

	if err := r.repo.SaveAll(ctx, userID, append(all, s)); err != nil {
		return domain.Unbound(), fmt.Errorf("usecase: reconcile create: %w", err)
	}
	return domain.Bound(s.ID), nil
}

// nextTimestamp returns the current time, nudged past prev when the clock
// has not advanced.
func (r *Reconciler) nextTimestamp(prev time.Time) time.Time {
	ts := r.now().UTC()
	if !ts.After(prev) {
		ts = prev.Add(time.Millisecond)
	}
	return ts
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func cloneSnapshot(s *domain.ArtifactSnapshot) *domain.ArtifactSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// newTimeOrderedID returns a UUIDv7, so ids sort in creation order.
var newTimeOrderedID = func() string {
	return uuid.Must(uuid.NewV7()).String()
}
