package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sentinel-agent/agent/internal/apiclient"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	token       string
	invalidated atomic.Int32
}

func (a *staticAuth) Token(context.Context) (string, error) { return a.token, nil }

func (a *staticAuth) Invalidate() { a.invalidated.Add(1) }

func TestPostSendsJSONWithBearer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/agent/a1/heartbeat", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "online", body["status"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	c, err := apiclient.New(srv.URL+"/", time.Second, zerolog.Nop())
	require.NoError(t, err)
	c = c.WithAuth(&staticAuth{token: "tok"})

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.Post(t.Context(), "/api/agent/a1/heartbeat", map[string]string{"status": "online"}, &out))
	require.True(t, out.OK)
}

func TestUnauthorizedInvalidates(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	auth := &staticAuth{token: "old"}
	c, err := apiclient.New(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)
	err = c.WithAuth(auth).Get(t.Context(), "/api/agent/a1/policies/pending", nil)
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	require.EqualValues(t, 1, auth.invalidated.Load())

	var serr *apiclient.StatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusUnauthorized, serr.Code)
	require.Equal(t, "expired", serr.Body)
}

func TestServerErrorIsStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := apiclient.New(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)
	err = c.Post(t.Context(), "/x", []byte(`{}`), nil)
	var serr *apiclient.StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusServiceUnavailable, serr.Code)
	require.NotErrorIs(t, err, apiclient.ErrUnauthorized)
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := apiclient.New("localhost", time.Second, zerolog.Nop())
	require.Error(t, err)
}
