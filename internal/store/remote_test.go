package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, srv *httptest.Server, token string, opts ...RemoteOption) *RemoteClient {
	t.Helper()
	c, err := NewRemoteClient(srv.URL, token, opts...)
	require.NoError(t, err)
	return c
}

func TestNewRemoteClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewRemoteClient("/storage", "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute")
}

func TestRemote_HasSessionCookie(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	require.True(t, newTestRemote(t, srv, "tok").HasSessionCookie())
	require.False(t, newTestRemote(t, srv, "").HasSessionCookie())
}

func TestRemote_FetchUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user", r.URL.Path)
		ck, err := r.Cookie(DefaultSessionCookie)
		if err != nil || ck.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-1","displayName":"Ada"}`))
	}))
	defer srv.Close()

	u, err := newTestRemote(t, srv, "tok").FetchUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u-1", u.ID)
	require.Equal(t, "Ada", u.DisplayName)

	_, err = newTestRemote(t, srv, "wrong").FetchUser(context.Background())
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestWithHTTPClient_LeavesCallerClientUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(DefaultSessionCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-1"}`))
	}))
	defer srv.Close()

	shared := &http.Client{Timeout: 5 * time.Second}
	c, err := NewRemoteClient(srv.URL, "tok", WithHTTPClient(shared))
	require.NoError(t, err)

	require.Nil(t, shared.Jar)
	require.True(t, c.HasSessionCookie())
	u, err := c.FetchUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u-1", u.ID)
}

func TestRemote_StorageCalls(t *testing.T) {
	stored := map[string]json.RawMessage{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/storage":
			v, ok := stored[r.URL.Query().Get("key")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(valuePayload{Value: v})
		case r.Method == http.MethodPost && r.URL.Path == "/storage":
			body, _ := io.ReadAll(r.Body)
			var p valuePayload
			require.NoError(t, json.Unmarshal(body, &p))
			stored[p.Key] = p.Value
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/storage":
			delete(stored, r.URL.Query().Get("key"))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/storage/keys":
			require.Equal(t, "sessions:", r.URL.Query().Get("prefix"))
			_, _ = w.Write([]byte(`{"keys":["sessions:u-1"]}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := newTestRemote(t, srv, "tok")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "sessions:u-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "sessions:u-1", json.RawMessage(`[{"id":"s1"}]`)))
	v, ok, err := c.Get(ctx, "sessions:u-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"id":"s1"}]`, string(v))

	keys, err := c.Keys(ctx, "sessions:")
	require.NoError(t, err)
	require.Equal(t, []string{"sessions:u-1"}, keys)

	require.NoError(t, c.Delete(ctx, "sessions:u-1"))
	require.Empty(t, stored)
}

func TestRemote_ServerErrorIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	err := newTestRemote(t, srv, "tok").Set(context.Background(), "k", json.RawMessage(`1`))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Contains(t, err.Error(), "boom")
}

func TestRemote_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestRemote(t, srv, "tok", WithBreakerSettings(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := c.Get(ctx, "k")
		require.Error(t, err)
	}
	_, _, err := c.Get(ctx, "k")
	require.True(t, errors.Is(err, gobreaker.ErrOpenState))
	require.Equal(t, int32(2), hits.Load())
}

func TestRemote_UnauthorizedDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestRemote(t, srv, "tok", WithBreakerSettings(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 1 },
	}))
	for i := 0; i < 3; i++ {
		_, err := c.FetchUser(context.Background())
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
}

func TestRemote_NetworkError(t *testing.T) {
	c, err := NewRemoteClient("http://127.0.0.1:1", "tok", WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	require.True(t, c.HasSessionCookie())
	_, err = c.FetchUser(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthenticated)
}
