package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"canvas-agent/internal/domain"
)

const (
	keyPrefix = "sessions:"
	guestUser = "guest"
)

// ErrSaveFailed is returned when the underlying store rejects a write.
var ErrSaveFailed = errors.New("sessions: store rejected write")

// KV is the subset of the persistent store used by Repository.
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value any) bool
}

// Repository persists a user's whole session collection as one record.
type Repository struct {
	kv KV
}

func NewRepository(kv KV) (*Repository, error) {
	if kv == nil {
		return nil, errors.New("sessions: store must not be nil")
	}
	return &Repository{kv: kv}, nil
}

// Key returns the record key for userID. An empty id (hosted mode with nobody
// signed in) maps to a shared guest key.
func Key(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = guestUser
	}
	return keyPrefix + userID
}

// LoadAll returns the user's sessions in stored order. A missing record yields
// an empty collection.
func (r *Repository) LoadAll(ctx context.Context, userID string) ([]domain.Session, error) {
	raw, ok := r.kv.Get(ctx, Key(userID))
	if !ok {
		return []domain.Session{}, nil
	}
	var out []domain.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sessions: decode collection for %q: %w", userID, err)
	}
	if out == nil {
		out = []domain.Session{}
	}
	return out, nil
}

// SaveAll overwrites the user's whole collection.
func (r *Repository) SaveAll(ctx context.Context, userID string, sessions []domain.Session) error {
	if sessions == nil {
		sessions = []domain.Session{}
	}
	if !r.kv.Set(ctx, Key(userID), sessions) {
		return fmt.Errorf("sessions: save collection for %q: %w", userID, ErrSaveFailed)
	}
	return nil
}

// Delete removes sessionID from the user's collection. Deleting an unknown id
// is not an error.
func (r *Repository) Delete(ctx context.Context, userID, sessionID string) error {
	all, err := r.LoadAll(ctx, userID)
	if err != nil {
		return err
	}
	kept := make([]domain.Session, 0, len(all))
	for _, s := range all {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(all) {
		return nil
	}
	return r.SaveAll(ctx, userID, kept)
}

// Find returns the session with sessionID.
func (r *Repository) Find(ctx context.Context, userID, sessionID string) (domain.Session, bool, error) {
	all, err := r.LoadAll(ctx, userID)
	if err != nil {
		return domain.Session{}, false, err
	}
	for _, s := range all {
		if s.ID == sessionID {
			return s, true, nil
		}
	}
	return domain.Session{}, false, nil
}

// SortByRecent orders sessions by LastModified, newest first, for display.
func SortByRecent(sessions []domain.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})
}
