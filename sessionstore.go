package staybook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aadithya-v/staybook/store"
)

// SessionStore is the single source of truth for who, if anyone, is signed in.
// It is the only writer of session state; everything else reads copies.
//
// Every transition (persist then adopt, or erase then clear) runs as one
// critical section, and listeners are notified inside it, so consumers see
// transitions in the order they happened. Listeners must not call back
// into SignIn, SignUp, SignOut or Initialize.
type SessionStore struct {
	auth   AuthProvider
	kv     store.KeyValueStore
	key    string
	device DeviceInfo
	logger *zap.Logger
	clock  Clock

	transition sync.Mutex

	mu      sync.RWMutex
	phase   SessionPhase
	busy    int
	current *Session

	listenersMu sync.Mutex
	listeners   []sessionListener
	nextID      uint64

	watchOnce   sync.Once
	watchErr    error
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type sessionListener struct {
	id uint64
	fn func(SessionState)
}

func newSessionStore(cfg Config, kv store.KeyValueStore) *SessionStore {
	return &SessionStore{
		auth:   cfg.Auth,
		kv:     kv,
		key:    cfg.SessionKey,
		device: ParseDevice(cfg.UserAgent),
		logger: cfg.Logger.Named("session"),
		clock:  cfg.Clock,
	}
}

// Initialize resolves the startup session. A live provider session wins and
// is persisted; otherwise a previously persisted session is adopted without
// re-validation, unless it has expired and carries no refresh token;
// otherwise the store becomes unauthenticated. Lookup
// failures fall through to the next source. Initialize also opens the one
// remote auth-state subscription; the state is resolved even when that fails.
// Calling it again is a no-op.
func (s *SessionStore) Initialize(ctx context.Context) error {
	s.transition.Lock()
	if s.phase != PhaseUninitialized {
		s.transition.Unlock()
		return nil
	}
	s.setLocked(PhaseLoading, nil)
	s.transition.Unlock()

	watchErr := s.startWatch()

	remote, err := s.auth.GetSession(ctx)
	if err != nil {
		s.logger.Warn("failed to get remote session, falling back to persisted copy", zap.Error(err))
		remote = nil
	}

	var restored *Session
	if remote == nil {
		restored = s.loadPersisted(ctx)
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	// A push event may already have resolved the state.
	if s.phase != PhaseLoading {
		return watchErr
	}

	switch {
	case remote != nil:
		s.adoptLocked(ctx, sessionFromRemote(remote, s.device), true)
		s.logger.Info("session restored from provider", zap.String("user_id", remote.UserID))
	case restored != nil:
		s.adoptLocked(ctx, restored, false)
		s.logger.Info("session restored from local storage", zap.String("user_id", restored.UserID))
	default:
		s.setLocked(PhaseUnauthenticated, nil)
		s.logger.Debug("no session to restore")
	}

	return watchErr
}

// SignUp registers an account with the provider. It never signs the caller
// in: the provider may require email confirmation first.
func (s *SessionStore) SignUp(ctx context.Context, email, password string) error {
	if err := validateCredentials(email, password); err != nil {
		return &Error{Kind: KindValidation, Op: "sign_up", Err: err}
	}

	s.setBusy(1)
	defer s.setBusy(-1)

	if err := s.auth.SignUp(ctx, strings.TrimSpace(email), password); err != nil {
		s.logger.Info("sign up rejected", zap.Error(err))
		return classify("sign_up", KindAuth, err)
	}
	return nil
}

// SignIn exchanges credentials for a session, then persists and adopts it.
func (s *SessionStore) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "sign_in", Err: err}
	}

	s.setBusy(1)
	defer s.setBusy(-1)

	remote, err := s.auth.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		s.logger.Info("sign in rejected", zap.Error(err))
		return nil, classify("sign_in", KindAuth, err)
	}
	if remote == nil {
		return nil, &Error{Kind: KindAuth, Op: "sign_in", Err: errors.New("provider returned no session")}
	}

	sess := sessionFromRemote(remote, s.device)

	s.transition.Lock()
	s.adoptLocked(ctx, sess, true)
	s.transition.Unlock()

	s.logger.Info("signed in", zap.String("user_id", sess.UserID))
	return sess.clone(), nil
}

// SignOut ends the session. The local session and its persisted copy are
// cleared even when the provider call fails; only the provider error is
// returned.
func (s *SessionStore) SignOut(ctx context.Context) error {
	s.setBusy(1)
	defer s.setBusy(-1)

	remoteErr := s.auth.SignOut(ctx)

	s.transition.Lock()
	s.clearLocked(ctx)
	s.transition.Unlock()

	if remoteErr != nil {
		s.logger.Warn("provider sign out failed, local session cleared anyway", zap.Error(remoteErr))
		return classify("sign_out", KindAuth, remoteErr)
	}
	s.logger.Info("signed out")
	return nil
}

// OnSessionChange registers fn to be called after every session transition
// and returns a function that removes it.
func (s *SessionStore) OnSessionChange(fn func(SessionState)) (dispose func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, sessionListener{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// State returns the current session state.
func (s *SessionStore) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionState{
		Phase:   s.phase,
		Busy:    s.busy > 0,
		Session: s.current.clone(),
	}
}

// Current returns a copy of the current session, or nil.
func (s *SessionStore) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Close stops the remote auth-state subscription.
func (s *SessionStore) Close() error {
	s.transition.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel = nil
	s.transition.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *SessionStore) startWatch() error {
	s.watchOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		events, err := s.auth.WatchAuthState(ctx)
		if err != nil {
			cancel()
			s.watchErr = classify("watch_auth_state", KindTransport, err)
			s.logger.Warn("failed to subscribe to auth state changes", zap.Error(err))
			return
		}

		done := make(chan struct{})
		s.transition.Lock()
		s.watchCancel = cancel
		s.watchDone = done
		s.transition.Unlock()

		go s.dispatch(events, done)
	})
	return s.watchErr
}

// dispatch applies pushed auth events one at a time.
func (s *SessionStore) dispatch(events <-chan AuthEvent, done chan struct{}) {
	defer close(done)
	for ev := range events {
		s.applyRemote(ev)
	}
}

func (s *SessionStore) applyRemote(ev AuthEvent) {
	ctx := context.Background()

	s.transition.Lock()
	defer s.transition.Unlock()

	if ev.Session != nil {
		s.adoptLocked(ctx, sessionFromRemote(ev.Session, s.device), true)
	} else {
		s.clearLocked(ctx)
	}
	s.logger.Debug("applied auth state change",
		zap.String("event", string(ev.Type)),
		zap.Bool("authenticated", ev.Session != nil),
	)
}

// adoptLocked makes sess current, persisting it first when persist is set.
// Callers hold s.transition.
func (s *SessionStore) adoptLocked(ctx context.Context, sess *Session, persist bool) {
	if persist {
		if err := s.persist(ctx, sess); err != nil {
			s.logger.Warn("failed to persist session", zap.Error(err))
		}
	}
	s.setLocked(PhaseAuthenticated, sess)
}

// clearLocked erases the persisted copy, then clears the current session.
// Callers hold s.transition.
func (s *SessionStore) clearLocked(ctx context.Context) {
	if err := s.kv.Remove(context.WithoutCancel(ctx), s.key); err != nil {
		s.logger.Warn("failed to erase persisted session", zap.Error(err))
	}
	s.setLocked(PhaseUnauthenticated, nil)
}

func (s *SessionStore) setLocked(phase SessionPhase, sess *Session) {
	s.mu.Lock()
	s.phase = phase
	s.current = sess
	s.mu.Unlock()
	s.notify()
}

func (s *SessionStore) setBusy(delta int) {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	s.busy += delta
	s.mu.Unlock()
	s.notify()
}

func (s *SessionStore) notify() {
	state := s.State()

	s.listenersMu.Lock()
	listeners := make([]sessionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(state)
	}
}

func (s *SessionStore) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.kv.Set(context.WithoutCancel(ctx), s.key, data)
}

func (s *SessionStore) loadPersisted(ctx context.Context) *Session {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read persisted session", zap.Error(err))
		return nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("discarding unreadable persisted session", zap.Error(err))
		return nil
	}
	if sess.UserID == "" {
		return nil
	}
	// Nothing can revive an expired session without a refresh token.
	if sess.IsExpired(s.clock.Now()) && sess.Token.RefreshToken == "" {
		s.logger.Info("discarding expired persisted session", zap.String("user_id", sess.UserID))
		if err := s.kv.Remove(ctx, s.key); err != nil {
			s.logger.Warn("failed to erase persisted session", zap.Error(err))
		}
		return nil
	}
	return &sess
}

func validateCredentials(email, password string) error {
	var errs ValidationErrors
	if strings.TrimSpace(email) == "" {
		errs = append(errs, FieldError{Field: "email", Message: "is required"})
	}
	if password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
