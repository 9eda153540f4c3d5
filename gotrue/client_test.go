package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/staybook"
)

const testAPIKey = "anon-key"

// fakeServer is a minimal GoTrue stand-in.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	requests []string
	headers  []http.Header
	bodies   []map[string]string

	// handlers keyed by "METHOD path?query"
	handlers map[string]http.HandlerFunc
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[route] = h
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		route += "?" + r.URL.RawQuery
	}

	body := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, route)
	f.headers = append(f.headers, r.Header.Clone())
	f.bodies = append(f.bodies, body)
	h, ok := f.handlers[route]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeServer) routes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func writeJSON(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func tokenBody(access, refresh, userID, email string, expiresIn int64) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"user":          map[string]any{"id": userID, "email": email},
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.URL = srv.URL
	cfg.APIKey = testAPIKey
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSignInWithPassword(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=password", writeJSON(http.StatusOK,
		tokenBody("access-1", "refresh-1", "user-ana", "ana@example.com", 3600)))

	c := newTestClient(t, srv, Config{})

	sess, err := c.SignInWithPassword(context.Background(), "ana@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "user-ana", sess.UserID)
	assert.Equal(t, "ana@example.com", sess.Email)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	f.mu.Lock()
	assert.Equal(t, testAPIKey, f.headers[0].Get("apikey"))
	assert.Equal(t, "application/json", f.headers[0].Get("Content-Type"))
	assert.Equal(t, map[string]string{"email": "ana@example.com", "password": "secret123"}, f.bodies[0])
	f.mu.Unlock()

	held, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "user-ana", held.UserID)
}

func TestSignInWithPassword_ClaimsFillGaps(t *testing.T) {
	iat := time.Now().Add(-time.Minute).Truncate(time.Second)
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	access := signedToken(t, jwt.MapClaims{
		"sub":   "user-ben",
		"email": "ben@example.com",
		"iat":   iat.Unix(),
		"exp":   exp.Unix(),
	})

	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=password", writeJSON(http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-ben",
	}))

	c := newTestClient(t, srv, Config{})

	sess, err := c.SignInWithPassword(context.Background(), "ben@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "user-ben", sess.UserID)
	assert.Equal(t, "ben@example.com", sess.Email)
	assert.True(t, iat.Equal(sess.IssuedAt))
	assert.True(t, exp.Equal(sess.ExpiresAt))
}

func TestSignInWithPassword_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantKind staybook.Kind
		wantCode string
		wantMsg  string
	}{
		{
			name:     "invalid credentials",
			status:   http.StatusBadRequest,
			body:     map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"},
			wantKind: staybook.KindAuth,
			wantCode: "invalid_grant",
			wantMsg:  "Invalid login credentials",
		},
		{
			name:     "newer error shape",
			status:   http.StatusBadRequest,
			body:     map[string]any{"code": 400, "error_code": "email_not_confirmed", "msg": "Email not confirmed"},
			wantKind: staybook.KindAuth,
			wantCode: "email_not_confirmed",
			wantMsg:  "Email not confirmed",
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     map[string]string{"msg": "Too many requests"},
			wantKind: staybook.KindTransport,
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     map[string]string{"message": "upstream down"},
			wantKind: staybook.KindTransport,
			wantMsg:  "upstream down",
		},
		{
			name:     "missing user",
			status:   http.StatusOK,
			body:     map[string]string{"access_token": "not-a-jwt"},
			wantKind: staybook.KindAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeServer(t)
			f.handle("POST /auth/v1/token?grant_type=password", writeJSON(tt.status, tt.body))
			c := newTestClient(t, srv, Config{})

			sess, err := c.SignInWithPassword(context.Background(), "ana@example.com", "secret123")
			require.Error(t, err)
			assert.Nil(t, sess)
			assert.Equal(t, tt.wantKind, staybook.KindOf(err))

			var e *staybook.Error
			require.ErrorAs(t, err, &e)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, e.Code)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}

			held, err := c.GetSession(context.Background())
			require.NoError(t, err)
			assert.Nil(t, held)
		})
	}
}

func TestSignInWithPassword_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, Config{})
	srv.Close()

	_, err := c.SignInWithPassword(context.Background(), "ana@example.com", "secret123")
	assert.Equal(t, staybook.KindTransport, staybook.KindOf(err))
}

func TestSignUp(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/signup", writeJSON(http.StatusOK, map[string]any{
		"id": "user-new", "email": "new@example.com",
	}))
	c := newTestClient(t, srv, Config{})

	require.NoError(t, c.SignUp(context.Background(), "new@example.com", "secret123"))

	held, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, held, "sign-up never signs in")
}

func TestSignUp_AlreadyRegistered(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/signup", writeJSON(http.StatusUnprocessableEntity, map[string]any{
		"code": 422, "error_code": "user_already_exists", "msg": "User already registered",
	}))
	c := newTestClient(t, srv, Config{})

	err := c.SignUp(context.Background(), "ana@example.com", "secret123")
	require.Error(t, err)
	assert.Equal(t, staybook.KindAuth, staybook.KindOf(err))
	assert.Contains(t, err.Error(), "user_already_exists")
}

func TestSignOut(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=password", writeJSON(http.StatusOK,
		tokenBody("access-1", "refresh-1", "user-ana", "ana@example.com", 3600)))
	f.handle("POST /auth/v1/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv, Config{})

	_, err := c.SignInWithPassword(context.Background(), "ana@example.com", "secret123")
	require.NoError(t, err)
	require.NoError(t, c.SignOut(context.Background()))

	f.mu.Lock()
	assert.Equal(t, "Bearer access-1", f.headers[1].Get("Authorization"))
	f.mu.Unlock()

	held, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestSignOut_ServerFailureStillClears(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/logout", writeJSON(http.StatusInternalServerError, map[string]string{"msg": "boom"}))
	c := newTestClient(t, srv, Config{})
	c.SetSession(&staybook.RemoteSession{UserID: "user-ana", AccessToken: "access-1"})

	err := c.SignOut(context.Background())
	assert.Equal(t, staybook.KindTransport, staybook.KindOf(err))

	held, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestSignOut_NoSession(t *testing.T) {
	f, srv := newFakeServer(t)
	c := newTestClient(t, srv, Config{})

	require.NoError(t, c.SignOut(context.Background()))
	assert.Empty(t, f.routes())
}

func TestGetSession_RefreshesExpired(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=refresh_token", writeJSON(http.StatusOK,
		tokenBody("access-2", "refresh-2", "user-ana", "ana@example.com", 3600)))
	c := newTestClient(t, srv, Config{})
	c.SetSession(&staybook.RemoteSession{
		UserID:       "user-ana",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-2", sess.AccessToken)

	f.mu.Lock()
	assert.Equal(t, "refresh-1", f.bodies[0]["refresh_token"])
	f.mu.Unlock()
}

func TestGetSession_RejectedRefreshEndsSession(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=refresh_token", writeJSON(http.StatusBadRequest,
		map[string]string{"error": "invalid_grant", "error_description": "Invalid Refresh Token"}))
	c := newTestClient(t, srv, Config{})
	c.SetSession(&staybook.RemoteSession{
		UserID:       "user-ana",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv, Config{})
	c.SetSession(&staybook.RemoteSession{UserID: "user-ana", AccessToken: "access-1"})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	sess.UserID = "mutated"

	again, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-ana", again.UserID)
}

func TestWatchAuthState_TokenRefreshed(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=refresh_token", writeJSON(http.StatusOK,
		tokenBody("access-2", "refresh-2", "user-ana", "ana@example.com", 3600)))

	// A margin wider than the token lifetime makes the refresh due at once.
	c := newTestClient(t, srv, Config{RefreshMargin: 2 * time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := c.WatchAuthState(ctx)
	require.NoError(t, err)

	c.SetSession(&staybook.RemoteSession{
		UserID:       "user-ana",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	select {
	case ev := <-events:
		assert.Equal(t, staybook.AuthEventTokenRefreshed, ev.Type)
		require.NotNil(t, ev.Session)
		assert.Equal(t, "access-2", ev.Session.AccessToken)
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh event")
	}
}

func TestWatchAuthState_RefreshRejected(t *testing.T) {
	f, srv := newFakeServer(t)
	f.handle("POST /auth/v1/token?grant_type=refresh_token", writeJSON(http.StatusUnauthorized,
		map[string]string{"error": "invalid_grant", "error_description": "Refresh Token Not Found"}))

	c := newTestClient(t, srv, Config{RefreshMargin: 2 * time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := c.WatchAuthState(ctx)
	require.NoError(t, err)

	c.SetSession(&staybook.RemoteSession{
		UserID:       "user-ana",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	select {
	case ev := <-events:
		assert.Equal(t, staybook.AuthEventSignedOut, ev.Type)
		assert.Nil(t, ev.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("no sign-out event")
	}

	held, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestWatchAuthState_ClosesOnCancel(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.WatchAuthState(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
