package staybook

import "time"

// Session is the locally held proof of an authenticated identity.
type Session struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
	Token     Token      `json:"token"`
	Device    DeviceInfo `json:"device"`
}

// Token is the provider-issued credential blob. Treat it as opaque.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IsExpired returns true if the session carries an expiry that has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func sessionFromRemote(r *RemoteSession, device DeviceInfo) *Session {
	return &Session{
		UserID:    r.UserID,
		Email:     r.Email,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
		Token: Token{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
		},
		Device: device,
	}
}

// SessionPhase is the resolution state of the session store.
type SessionPhase int

const (
	PhaseUninitialized SessionPhase = iota
	PhaseLoading
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return "uninitialized"
	}
}

// SessionState is what consumers observe.
type SessionState struct {
	Phase SessionPhase
	// Busy is set while a sign-up, sign-in or sign-out call is in flight.
	Busy bool
	// Session is nil unless Phase is PhaseAuthenticated.
	Session *Session
}

// Authenticated reports whether a session is current.
func (s SessionState) Authenticated() bool {
	return s.Session != nil
}

// Loading is the single combined flag older screens expect: startup
// resolution or an auth call in flight. It is never an error state.
func (s SessionState) Loading() bool {
	return s.Phase == PhaseUninitialized || s.Phase == PhaseLoading || s.Busy
}
