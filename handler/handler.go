package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"canvas-agent/internal/domain"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
	"canvas-agent/internal/repository"
)

const (
	defaultCookieName = "canvas_session"
	maxBodyBytes      = 4 << 20
)

// Repository is the persistence used by the storage API.
type Repository interface {
	UserForToken(ctx context.Context, token string) (domain.User, error)
	GetValue(ctx context.Context, userID, key string) (json.RawMessage, error)
	PutValue(ctx context.Context, userID, key string, value json.RawMessage) error
	DeleteValue(ctx context.Context, userID, key string) error
	ListKeys(ctx context.Context, userID, prefix string) ([]string, error)
}

type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type valueResponse struct {
	Value json.RawMessage `json:"value"`
}

type keysResponse struct {
	Keys []string `json:"keys"`
}

type storeRequest struct {
	Key   string          `json:"key" validate:"required,max=512"`
	Value json.RawMessage `json:"value" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ctxKey struct{}

// Handler serves the hosted storage API.
type Handler struct {
	repo       Repository
	validate   *validator.Validate
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cookieName string
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithCookieName(name string) Option {
	return func(h *Handler) {
		if name = strings.TrimSpace(name); name != "" {
			h.cookieName = name
		}
	}
}

func NewHandler(repo Repository, opts ...Option) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("handler: repository must not be nil")
	}
	h := &Handler{
		repo:       repo,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		cookieName: defaultCookieName,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = observability.OrNop(h.logger)
	return h, nil
}

// Routes builds the router.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/user", h.getUser)
		r.Get("/storage", h.getValue)
		r.Post("/storage", h.putValue)
		r.Delete("/storage", h.deleteValue)
		r.Get("/storage/keys", h.listKeys)
	})
	return r
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.APIRequest(r.Method+" "+route, fmt.Sprintf("%dxx", status/100))
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.cookieName)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		user, err := h.repo.UserForToken(r.Context(), cookie.Value)
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if err != nil {
			h.logger.Error("token lookup failed", zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userFrom(ctx context.Context) domain.User {
	u, _ := ctx.Value(ctxKey{}).(domain.User)
	return u
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, DisplayName: u.DisplayName})
}

func (h *Handler) getValue(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	v, err := h.repo.GetValue(r.Context(), userFrom(r.Context()).ID, key)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.internal(w, r, "get value", err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Value: v})
}

func (h *Handler) putValue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := h.repo.PutValue(r.Context(), userFrom(r.Context()).ID, req.Key, req.Value); err != nil {
		h.internal(w, r, "put value", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteValue(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.repo.DeleteValue(r.Context(), userFrom(r.Context()).ID, key); err != nil {
		h.internal(w, r, "delete value", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.repo.ListKeys(r.Context(), userFrom(r.Context()).ID, r.URL.Query().Get("prefix"))
	if err != nil {
		h.internal(w, r, "list keys", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("storage request failed",
		zap.String("op", op),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
