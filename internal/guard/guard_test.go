package guard_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"session-gateway/internal/client"
	"session-gateway/internal/events"
	"session-gateway/internal/guard"
	"session-gateway/internal/hashing"
	"session-gateway/internal/models"
	"session-gateway/internal/session"
	"session-gateway/internal/store"
)

const loginRoute = "/login"

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("upstream-secret"))
	require.NoError(t, err)
	return raw
}

func newGuardedServer(t *testing.T) (*httptest.Server, *store.SessionStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = rc.Close() })

	sessions := store.NewSessionStore(rc, zap.NewNop())
	registry := session.NewRegistry(session.Deps{
		Sessions:       sessions,
		Hasher:         hashing.NewHasher(hashing.DefaultParams),
		Audit:          events.NewLogPublisher(zap.NewNop()),
		Logger:         zap.NewNop(),
		ResendCooldown: time.Minute,
	})

	router := chi.NewRouter()
	router.Route("/console", func(r chi.Router) {
		r.Use(guard.RequireSession(registry, loginRoute, zap.NewNop()))
		r.Get("/profile", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, sessions, mr
}

func seedSession(t *testing.T, sessions *store.SessionStore, consoleID, token string) {
	t.Helper()
	rec := &store.Record{
		Token:  token,
		UserID: 42,
		Name:   "Asha Verma",
		Role:   models.RoleAdmin,
		Mobile: "9998887777",
	}
	require.NoError(t, sessions.Save(context.Background(), consoleID, rec, time.Hour))
}

func get(t *testing.T, srv *httptest.Server, consoleID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/console/profile", nil)
	require.NoError(t, err)
	if consoleID != "" {
		req.Header.Set(guard.HeaderConsoleID, consoleID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGuardAllowsLiveSession(t *testing.T) {
	srv, sessions, _ := newGuardedServer(t)
	seedSession(t, sessions, "console-1", signedToken(t, time.Now().Add(time.Hour)))

	resp := get(t, srv, "console-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGuardDeniesExpiredTokenAndClearsStorage(t *testing.T) {
	srv, sessions, mr := newGuardedServer(t)
	seedSession(t, sessions, "console-1", signedToken(t, time.Now().Add(-time.Minute)))

	resp := get(t, srv, "console-1")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error    string `json:"error"`
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, loginRoute, body.Redirect)
	require.NotEmpty(t, body.Error)

	// the stale session is gone: a retry is denied for the same reason
	// an anonymous console would be
	require.Empty(t, mr.Keys())
	resp = get(t, srv, "console-1")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGuardDeniesUnknownConsole(t *testing.T) {
	srv, _, _ := newGuardedServer(t)

	resp := get(t, srv, "console-never-seen")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGuardDeniesMissingConsoleHeader(t *testing.T) {
	srv, sessions, _ := newGuardedServer(t)
	seedSession(t, sessions, "console-1", signedToken(t, time.Now().Add(time.Hour)))

	resp := get(t, srv, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, loginRoute, body.Redirect)
}
