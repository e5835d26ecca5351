package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"canvas-agent/internal/domain"
)

// DefaultSessionCookie is the cookie the hosted service issues to signed-in
// browsers and clients.
const DefaultSessionCookie = "canvas_session"

var errNotFound = errors.New("store: key not found")

// StatusError captures non-2xx responses from the hosted service.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// RemoteClient talks to the hosted storage service. All calls carry the
// session cookie held in the client's jar.
type RemoteClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	cookieName string
	breaker    *gobreaker.CircuitBreaker
}

type RemoteOption func(*RemoteClient)

// WithHTTPClient uses a copy of c for requests. Its Jar is kept if set,
// otherwise the default jar is attached to the copy.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(rc *RemoteClient) {
		cp := *c
		if cp.Jar == nil {
			cp.Jar = rc.httpClient.Jar
		}
		rc.httpClient = &cp
	}
}

func WithCookieName(name string) RemoteOption {
	return func(rc *RemoteClient) {
		if strings.TrimSpace(name) != "" {
			rc.cookieName = name
		}
	}
}

// WithBreakerSettings overrides the circuit breaker configuration.
func WithBreakerSettings(st gobreaker.Settings) RemoteOption {
	return func(rc *RemoteClient) {
		st.IsSuccessful = isBreakerSuccess
		rc.breaker = gobreaker.NewCircuitBreaker(st)
	}
}

// NewRemoteClient creates a client for the service at baseURL. When
// sessionToken is non-empty it is stored as the session cookie, which is what
// marks the environment as hosted.
func NewRemoteClient(baseURL, sessionToken string, opts ...RemoteOption) (*RemoteClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("store: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("store: base url %q must be absolute", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("store: create cookie jar: %w", err)
	}

	rc := &RemoteClient{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 10 * time.Second, Jar: jar},
		cookieName: DefaultSessionCookie,
	}
	rc.breaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings())
	for _, opt := range opts {
		opt(rc)
	}

	if token := strings.TrimSpace(sessionToken); token != "" {
		rc.httpClient.Jar.SetCookies(u, []*http.Cookie{{Name: rc.cookieName, Value: token, Path: "/"}})
	}
	return rc, nil
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "hosted-storage",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isBreakerSuccess,
	}
}

// Auth and missing-key answers mean the service is healthy.
func isBreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrUnauthenticated) || errors.Is(err, errNotFound)
}

func (c *RemoteClient) HasSessionCookie() bool {
	if c.httpClient.Jar == nil {
		return false
	}
	for _, ck := range c.httpClient.Jar.Cookies(c.baseURL) {
		if ck.Name == c.cookieName && ck.Value != "" {
			return true
		}
	}
	return false
}

type userPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// FetchUser returns the signed-in user, or ErrUnauthenticated on 401.
func (c *RemoteClient) FetchUser(ctx context.Context) (*domain.User, error) {
	raw, err := c.do(ctx, http.MethodGet, c.endpoint("/user", nil), nil)
	if err != nil {
		return nil, err
	}
	var p userPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("store: decode user: %w", err)
	}
	if p.ID == "" {
		return nil, errors.New("store: user response missing id")
	}
	return &domain.User{ID: p.ID, DisplayName: p.DisplayName}, nil
}

type valuePayload struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

func (c *RemoteClient) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := c.do(ctx, http.MethodGet, c.endpoint("/storage", url.Values{"key": {key}}), nil)
	if errors.Is(err, errNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p valuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("store: decode value: %w", err)
	}
	if len(p.Value) == 0 || string(p.Value) == "null" {
		return nil, false, nil
	}
	return p.Value, true, nil
}

func (c *RemoteClient) Set(ctx context.Context, key string, value json.RawMessage) error {
	body, err := json.Marshal(valuePayload{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("store: marshal set request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, c.endpoint("/storage", nil), body)
	return err
}

func (c *RemoteClient) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, c.endpoint("/storage", url.Values{"key": {key}}), nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

type keysPayload struct {
	Keys []string `json:"keys"`
}

func (c *RemoteClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	var q url.Values
	if prefix != "" {
		q = url.Values{"prefix": {prefix}}
	}
	raw, err := c.do(ctx, http.MethodGet, c.endpoint("/storage/keys", q), nil)
	if err != nil {
		return nil, err
	}
	var p keysPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("store: decode keys: %w", err)
	}
	return p.Keys, nil
}

func (c *RemoteClient) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *RemoteClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, fmt.Errorf("store: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("store: %s %s: %w", method, endpoint, err)
		}
		defer func() { _ = res.Body.Close() }()

		switch {
		case res.StatusCode == http.StatusUnauthorized:
			return nil, ErrUnauthenticated
		case res.StatusCode == http.StatusNotFound:
			return nil, errNotFound
		case res.StatusCode < 200 || res.StatusCode >= 300:
			buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return nil, &StatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
		}

		buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("store: read response body: %w", err)
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	buf, _ := out.([]byte)
	return buf, nil
}
