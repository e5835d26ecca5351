package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
)

// ErrUnauthenticated is returned by a remote backend when the hosted service
// recognises the environment but has no signed-in user.
var ErrUnauthenticated = errors.New("store: unauthenticated")

// Mode is the backend selected by environment detection.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeHosted     Mode = "hosted"
)

// RemoteBackend is the hosted storage/identity service.
type RemoteBackend interface {
	// HasSessionCookie reports whether the hosted environment flag is present.
	HasSessionCookie() bool
	FetchUser(ctx context.Context) (*domain.User, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// LocalBackend is the single-device fallback store.
type LocalBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
	Close() error
}

// Store is the environment-adaptive key/value store. Values are stored as JSON
// and returned byte-for-byte as written. No operation returns an error: failures
// degrade to absent/false/empty results and are logged.
type Store struct {
	remote  RemoteBackend
	local   LocalBackend
	logger  *zap.Logger
	metrics *metrics.Metrics

	once sync.Once
	mode Mode
	user *domain.User
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store. remote may be nil, in which case the store always runs
// standalone. Detection is deferred until the first operation or Init.
func New(remote RemoteBackend, local LocalBackend, opts ...Option) *Store {
	s := &Store{remote: remote, local: local}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNop(s.logger).Named("store")
	return s
}

// Init runs environment detection if it has not run yet and returns the
// selected mode. Concurrent callers share a single detection.
func (s *Store) Init(ctx context.Context) Mode {
	s.once.Do(func() { s.detect(ctx) })
	return s.mode
}

// Close releases the local backend.
func (s *Store) Close() error {
	if s.local == nil {
		return nil
	}
	if err := s.local.Close(); err != nil {
		return fmt.Errorf("store: close local backend: %w", err)
	}
	return nil
}

func (s *Store) detect(ctx context.Context) {
	if s.remote == nil || !s.remote.HasSessionCookie() {
		s.useStandalone("no hosted session cookie", nil)
		return
	}

	user, err := s.remote.FetchUser(ctx)
	switch {
	case err == nil:
		s.mode = ModeHosted
		s.user = user
		s.logger.Info("hosted mode", zap.String("user_id", user.ID))
	case errors.Is(err, ErrUnauthenticated):
		s.mode = ModeHosted
		s.user = nil
		s.logger.Info("hosted mode without signed-in user")
	default:
		s.useStandalone("remote identity unavailable", err)
	}
}

func (s *Store) useStandalone(reason string, err error) {
	s.mode = ModeStandalone
	s.user = domain.LocalUser()
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("standalone mode", fields...)
}

// IsOnPlatform reports whether the store runs against the hosted service.
func (s *Store) IsOnPlatform(ctx context.Context) bool {
	return s.Init(ctx) == ModeHosted
}

// User returns the detected identity. It is nil in hosted mode when nobody is
// signed in.
func (s *Store) User(ctx context.Context) *domain.User {
	s.Init(ctx)
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Store) hosted(ctx context.Context) bool {
	return s.Init(ctx) == ModeHosted
}

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if s.hosted(ctx) {
		v, ok, err := s.remote.Get(ctx, key)
		s.record("remote", "get", key, err)
		if err != nil {
			return nil, false
		}
		return v, ok
	}
	if s.local == nil {
		return nil, false
	}
	v, ok, err := s.local.Get(ctx, key)
	s.record("local", "get", key, err)
	if err != nil || !ok {
		return nil, false
	}
	return json.RawMessage(v), true
}

// Has reports whether key holds a value.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Set serialises value as JSON and stores it under key.
func (s *Store) Set(ctx context.Context, key string, value any) bool {
	s.Init(ctx)
	raw, err := json.Marshal(value)
	if err != nil {
		s.record(s.backendName(), "set", key, fmt.Errorf("store: marshal value: %w", err))
		return false
	}
	if s.mode == ModeHosted {
		err = s.remote.Set(ctx, key, raw)
		s.record("remote", "set", key, err)
		return err == nil
	}
	if s.local == nil {
		return false
	}
	err = s.local.Set(ctx, key, raw)
	s.record("local", "set", key, err)
	return err == nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) bool {
	if s.hosted(ctx) {
		err := s.remote.Delete(ctx, key)
		s.record("remote", "delete", key, err)
		return err == nil
	}
	if s.local == nil {
		return false
	}
	err := s.local.Delete(ctx, key)
	s.record("local", "delete", key, err)
	return err == nil
}

// Keys lists stored keys starting with prefix. An empty prefix lists all keys.
func (s *Store) Keys(ctx context.Context, prefix string) []string {
	var (
		keys    []string
		err     error
		backend = "local"
	)
	if s.hosted(ctx) {
		backend = "remote"
		keys, err = s.remote.Keys(ctx, prefix)
	} else if s.local != nil {
		keys, err = s.local.Keys(ctx, prefix)
	}
	s.record(backend, "keys", prefix, err)
	if err != nil || keys == nil {
		return []string{}
	}
	return keys
}

// Clear removes every key in the local namespace. The hosted service defines
// no bulk delete, so Clear always fails in hosted mode.
func (s *Store) Clear(ctx context.Context) bool {
	if s.hosted(ctx) {
		s.logger.Warn("clear is not supported in hosted mode")
		s.metrics.StoreOp("remote", "clear", false)
		return false
	}
	if s.local == nil {
		return false
	}
	err := s.local.Clear(ctx)
	s.record("local", "clear", "", err)
	return err == nil
}

func (s *Store) backendName() string {
	if s.mode == ModeHosted {
		return "remote"
	}
	return "local"
}

func (s *Store) record(backend, op, key string, err error) {
	s.metrics.StoreOp(backend, op, err == nil)
	if err != nil {
		s.logger.Warn("store operation failed",
			zap.String("backend", backend),
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err))
	}
}
