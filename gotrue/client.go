// Package gotrue implements staybook.AuthProvider against a GoTrue
// (Supabase Auth) server.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/aadithya-v/staybook"
)

const (
	defaultRefreshMargin = time.Minute
	defaultRetryDelay    = 30 * time.Second
	defaultHTTPTimeout   = 15 * time.Second
	maxErrorBody         = 4 << 10
)

// Config configures the GoTrue client.
type Config struct {
	// URL is the project URL; requests go to <URL>/auth/v1/...
	URL string `yaml:"url"`

	// APIKey is the project's anon key, sent as the apikey header.
	APIKey string `yaml:"api_key"`

	// RefreshMargin is how long before expiry the session is refreshed.
	// Default: 1 minute.
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// RetryDelay is the wait after a refresh that failed in transport.
	// Default: 30 seconds.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// HTTPClient overrides the HTTP client. Default: 15s timeout.
	HTTPClient *http.Client `yaml:"-"`

	// Logger receives structured logs. Default: no-op.
	Logger *zap.Logger `yaml:"-"`
}

// Client is a GoTrue client holding at most one session.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	session *staybook.RemoteSession
	kick    chan struct{} // wakes the refresh loop after a session change

	subsMu sync.Mutex
	subs   []*subscriber

	loopOnce sync.Once
	stop     context.CancelFunc
	stopped  chan struct{}
}

type subscriber struct {
	ch   chan staybook.AuthEvent
	done <-chan struct{}
}

var _ staybook.AuthProvider = (*Client)(nil)

// New creates a GoTrue client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gotrue: URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("gotrue: invalid URL: %w", err)
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		cfg:    cfg,
		base:   strings.TrimSuffix(cfg.URL, "/") + "/auth/v1",
		http:   cfg.HTTPClient,
		logger: cfg.Logger.Named("gotrue"),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}, nil
}

// SetSession seeds the client with a session obtained earlier, such as
// one restored from local storage. A nil session clears it.
func (c *Client) SetSession(sess *staybook.RemoteSession) {
	c.setSession(sess)
}

// GetSession returns the held session, refreshing it first when it has
// expired. It returns nil when there is no session.
func (c *Client) GetSession(ctx context.Context) (*staybook.RemoteSession, error) {
	c.mu.Lock()
	sess := copySession(c.session)
	c.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	if sess.ExpiresAt.IsZero() || c.now().Before(sess.ExpiresAt) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		c.setSession(nil)
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		if staybook.KindOf(err) == staybook.KindAuth {
			c.setSession(nil)
			return nil, nil
		}
		return nil, err
	}
	c.setSession(refreshed)
	return copySession(refreshed), nil
}

// SignUp registers an account. Servers that require email confirmation
// return no session, so none is adopted here either way.
func (c *Client) SignUp(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/signup", "", body, nil)
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*staybook.RemoteSession, error) {
	var resp tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}

	sess, err := resp.session(c.now())
	if err != nil {
		return nil, staybook.NewError(staybook.KindAuth, "", err)
	}
	c.setSession(sess)
	c.logger.Debug("signed in", zap.String("user_id", sess.UserID))
	return copySession(sess), nil
}

// SignOut revokes the held session. The local copy is dropped even when
// the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	c.setSession(nil)
	if sess == nil || sess.AccessToken == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/logout", sess.AccessToken, nil, nil)
}

// WatchAuthState delivers session changes the client makes on its own:
// TOKEN_REFRESHED after a background refresh and SIGNED_OUT when the
// refresh token is rejected. The channel is closed when ctx is done.
func (c *Client) WatchAuthState(ctx context.Context) (<-chan staybook.AuthEvent, error) {
	c.startLoop()

	sub := &subscriber{ch: make(chan staybook.AuthEvent, 4), done: ctx.Done()}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Close stops the background refresh loop.
func (c *Client) Close() error {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}
	return nil
}

func (c *Client) startLoop() {
	c.loopOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})

		c.mu.Lock()
		c.stop = cancel
		c.stopped = stopped
		c.mu.Unlock()

		go c.refreshLoop(ctx, stopped)
	})
}

// refreshLoop refreshes the held session ahead of its expiry.
func (c *Client) refreshLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	var retryAt time.Time
	for {
		c.mu.Lock()
		sess := copySession(c.session)
		c.mu.Unlock()

		var (
			timer *time.Timer
			wait  <-chan time.Time
		)
		if sess != nil && sess.RefreshToken != "" && !sess.ExpiresAt.IsZero() {
			due := sess.ExpiresAt.Add(-c.cfg.RefreshMargin)
			if retryAt.After(due) {
				due = retryAt
			}
			timer = time.NewTimer(max(due.Sub(c.now()), 0))
			wait = timer.C
		}

		fired := false
		select {
		case <-ctx.Done():
		case <-c.kick:
			retryAt = time.Time{}
		case <-wait:
			fired = true
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		if !fired {
			continue
		}

		refreshed, err := c.refresh(ctx, sess.RefreshToken)
		switch {
		case err == nil:
			if !c.replaceSession(sess, refreshed) {
				continue
			}
			retryAt = time.Time{}
			c.logger.Debug("session refreshed", zap.String("user_id", refreshed.UserID))
			c.broadcast(staybook.AuthEvent{Type: staybook.AuthEventTokenRefreshed, Session: refreshed})
		case staybook.KindOf(err) == staybook.KindAuth:
			if !c.replaceSession(sess, nil) {
				continue
			}
			c.logger.Info("refresh token rejected, session ended", zap.Error(err))
			c.broadcast(staybook.AuthEvent{Type: staybook.AuthEventSignedOut})
		default:
			if ctx.Err() != nil {
				return
			}
			retryAt = c.now().Add(c.cfg.RetryDelay)
			c.logger.Warn("session refresh failed, will retry", zap.Error(err), zap.Duration("retry_in", c.cfg.RetryDelay))
		}
	}
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*staybook.RemoteSession, error) {
	var resp tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	sess, err := resp.session(c.now())
	if err != nil {
		return nil, staybook.NewError(staybook.KindAuth, "", err)
	}
	return sess, nil
}

func (c *Client) setSession(sess *staybook.RemoteSession) {
	c.mu.Lock()
	c.session = copySession(sess)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// replaceSession swaps in next only if the held session is still prev, so a
// refresh never overwrites a sign-in or sign-out that happened meanwhile.
func (c *Client) replaceSession(prev, next *staybook.RemoteSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.AccessToken != prev.AccessToken {
		return false
	}
	c.session = copySession(next)
	return true
}

func (c *Client) broadcast(ev staybook.AuthEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		out := ev
		out.Session = copySession(ev.Session)
		select {
		case s.ch <- out:
		case <-s.done:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return staybook.NewError(staybook.KindTransport, "", fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return staybook.NewError(staybook.KindTransport, "", fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// apiError covers the error shapes GoTrue has used across versions.
type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body apiError
	_ = json.Unmarshal(raw, &body)

	msg := firstNonEmpty(body.ErrorDescription, body.Msg, body.Message, body.Error, strings.TrimSpace(string(raw)), resp.Status)
	code := firstNonEmpty(body.ErrorCode, body.Error)

	kind := staybook.KindAuth
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		kind = staybook.KindTransport
	}
	return &staybook.Error{
		Kind: kind,
		Code: code,
		Err:  fmt.Errorf("gotrue: %d: %s", resp.StatusCode, msg),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// session builds a RemoteSession, filling gaps in the response from the
// access token's claims. The token signature is not verified here; the
// server verifies it on every request.
func (t tokenResponse) session(now time.Time) (*staybook.RemoteSession, error) {
	if t.AccessToken == "" {
		return nil, errors.New("gotrue: response carries no access token")
	}

	sess := &staybook.RemoteSession{
		UserID:       t.User.ID,
		Email:        t.User.Email,
		IssuedAt:     now,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	switch {
	case t.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		sess.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err == nil {
		if sess.UserID == "" {
			sess.UserID, _ = claims.GetSubject()
		}
		if sess.Email == "" {
			sess.Email, _ = claims["email"].(string)
		}
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			sess.IssuedAt = iat.Time
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = exp.Time
		}
	}

	if sess.UserID == "" {
		return nil, errors.New("gotrue: response carries no user id")
	}
	return sess, nil
}

func copySession(s *staybook.RemoteSession) *staybook.RemoteSession {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
