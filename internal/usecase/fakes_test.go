package usecase

import (
	"context"
	"errors"
	"sync"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/generation"
)

// memRepo is an in-memory SessionRepository that copies on every read and write.
type memRepo struct {
	mu       sync.Mutex
	data     map[string][]domain.Session
	saves    int
	failSave bool
	failLoad bool
}

func newMemRepo() *memRepo { return &memRepo{data: map[string][]domain.Session{}} }

func copySessions(in []domain.Session) []domain.Session {
	out := make([]domain.Session, len(in))
	for i, s := range in {
		s.Messages = cloneMessages(s.Messages)
		s.Artifact = cloneSnapshot(s.Artifact)
		out[i] = s
	}
	return out
}

func (m *memRepo) LoadAll(_ context.Context, userID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad {
		return nil, errors.New("load failed")
	}
	return copySessions(m.data[userID]), nil
}

func (m *memRepo) SaveAll(_ context.Context, userID string, sessions []domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("save failed")
	}
	m.saves++
	m.data[userID] = copySessions(sessions)
	return nil
}

func (m *memRepo) Delete(ctx context.Context, userID, sessionID string) error {
	all, err := m.LoadAll(ctx, userID)
	if err != nil {
		return err
	}
	kept := all[:0]
	for _, s := range all {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	return m.SaveAll(ctx, userID, kept)
}

func (m *memRepo) Find(ctx context.Context, userID, sessionID string) (domain.Session, bool, error) {
	all, err := m.LoadAll(ctx, userID)
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

func (m *memRepo) stored(userID string) []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySessions(m.data[userID])
}

func (m *memRepo) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type fixedIdentity struct{ user *domain.User }

func (f fixedIdentity) User(context.Context) *domain.User { return f.user }

// step scripts one pipeline call.
type step struct {
	result generation.Result
	err    error
	// wait, when set, blocks the call until it is closed or ctx ends.
	wait chan struct{}
	// entered is closed once the call starts.
	entered chan struct{}
}

type fakePipeline struct {
	mu    sync.Mutex
	steps []step
	calls []generation.TurnInput
}

func (f *fakePipeline) push(s step) { f.steps = append(f.steps, s) }

func (f *fakePipeline) reply(text, html string) {
	f.push(step{result: generation.Result{ReasoningTrace: "trace: " + text, Reply: text, HTML: html}})
}

func (f *fakePipeline) Generate(ctx context.Context, in generation.TurnInput) (generation.Outcome, error) {
	f.mu.Lock()
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return generation.Outcome{}, errors.New("fakePipeline: no scripted step")
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	f.calls = append(f.calls, in)
	f.mu.Unlock()

	if s.entered != nil {
		close(s.entered)
	}
	if s.wait != nil {
		select {
		case <-s.wait:
		case <-ctx.Done():
			return generation.Outcome{}, ctx.Err()
		}
	}
	if s.err != nil {
		return generation.Outcome{}, s.err
	}
	return generation.Outcome{Kind: generation.Parsed, Result: s.result}, nil
}
