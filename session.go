package aegis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionExpired is returned by Restore when the stored token has expired.
var ErrSessionExpired = errors.New("aegis: session expired")

// AuthStatus is the lifecycle state of a session.
type AuthStatus string

const (
	StatusVerifying     AuthStatus = "verifying"
	StatusAuthenticated AuthStatus = "authenticated"
	StatusAnonymous     AuthStatus = "anonymous"
)

// SessionSnapshot is an immutable view of the session at one point in time.
type SessionSnapshot struct {
	Identity *UserRef
	Status   AuthStatus
	Token    string
}

// Authenticated reports whether the snapshot carries a verified identity.
func (s SessionSnapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

func (s SessionSnapshot) equal(o SessionSnapshot) bool {
	if s.Status != o.Status || s.Token != o.Token {
		return false
	}
	if (s.Identity == nil) != (o.Identity == nil) {
		return false
	}
	return s.Identity == nil || *s.Identity == *o.Identity
}

// ============================================================================
// Token storage
// ============================================================================

// TokenStore persists the session token between runs.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// MemoryTokenStore keeps the token in memory only.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func (m *MemoryTokenStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryTokenStore) Save(token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryTokenStore) Clear() error {
	return m.Save("")
}

// ============================================================================
// Session
// ============================================================================

// Session holds the current identity and is the lifecycle source for the
// realtime engine. Observers are notified synchronously, in registration
// order, on every change; they must not call back into Login/Logout.
type Session struct {
	client *Client
	store  TokenStore
	logger *slog.Logger
	clock  clock.Clock

	transition sync.Mutex

	mu   sync.RWMutex
	snap SessionSnapshot

	obs observers[SessionSnapshot]
}

// NewSession creates an anonymous session. A nil store keeps the token in memory.
func NewSession(client *Client, store TokenStore) *Session {
	if store == nil {
		store = &MemoryTokenStore{}
	}
	s := &Session{
		client: client,
		store:  store,
		logger: client.Logger().With(slog.String("component", "session")),
		clock:  clock.New(),
		snap:   SessionSnapshot{Status: StatusAnonymous},
	}
	s.obs.logger = s.logger
	return s
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers fn for session changes and returns its remover.
func (s *Session) Subscribe(fn func(SessionSnapshot)) func() {
	return s.obs.add(fn)
}

// IsOwn reports whether senderID is the current user.
func (s *Session) IsOwn(senderID ID) bool {
	snap := s.Snapshot()
	return snap.Identity != nil && senderID != "" && snap.Identity.ID == senderID
}

func (s *Session) set(next SessionSnapshot) {
	s.mu.Lock()
	changed := !s.snap.equal(next)
	s.snap = next
	s.mu.Unlock()
	if changed {
		s.logger.Debug("session changed", slog.String("status", string(next.Status)))
		s.obs.notify(next)
	}
}

// announce stores next and notifies observers even when it is unchanged, so
// authenticating again with the same credentials re-establishes a connection
// that has since dropped.
func (s *Session) announce(next SessionSnapshot) {
	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
	s.logger.Debug("session authenticated", slog.String("user", string(next.Identity.ID)))
	s.obs.notify(next)
}

// Restore verifies a previously stored token and authenticates with it.
// Without a stored token the session becomes anonymous and Restore returns nil.
func (s *Session) Restore(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.set(SessionSnapshot{Status: StatusVerifying})

	token, err := s.store.Load()
	if err != nil {
		s.logger.Warn("cannot load stored token", slog.Any("error", err))
		s.set(SessionSnapshot{Status: StatusAnonymous})
		return nil
	}
	if token == "" {
		s.set(SessionSnapshot{Status: StatusAnonymous})
		return nil
	}

	if tokenExpired(token, s.clock) {
		s.dropToken()
		s.set(SessionSnapshot{Status: StatusAnonymous})
		return ErrSessionExpired
	}

	s.client.SetToken(token)
	user, err := s.client.Auth.Me(ctx)
	if err != nil {
		s.logger.Warn("stored token rejected", slog.Any("error", err))
		s.dropToken()
		s.set(SessionSnapshot{Status: StatusAnonymous})
		return fmt.Errorf("verify token: %w", err)
	}

	s.set(SessionSnapshot{Identity: user, Status: StatusAuthenticated, Token: token})
	return nil
}

// Login authenticates with email and password.
func (s *Session) Login(ctx context.Context, email, password string) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	res, err := s.client.Auth.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return s.authenticate(res)
}

// Register creates an account and authenticates with it.
func (s *Session) Register(ctx context.Context, name, email, password string) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	res, err := s.client.Auth.Register(ctx, name, email, password)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return s.authenticate(res)
}

// Logout forgets the token and makes the session anonymous.
func (s *Session) Logout() {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.dropToken()
	s.set(SessionSnapshot{Status: StatusAnonymous})
}

func (s *Session) authenticate(res *AuthResult) error {
	if res.Token == "" {
		return fmt.Errorf("login: empty token in response")
	}
	if err := s.store.Save(res.Token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.client.SetToken(res.Token)
	user := res.User
	s.announce(SessionSnapshot{Identity: &user, Status: StatusAuthenticated, Token: res.Token})
	return nil
}

func (s *Session) dropToken() {
	if err := s.store.Clear(); err != nil {
		s.logger.Warn("cannot clear stored token", slog.Any("error", err))
	}
	s.client.SetToken("")
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque or unparseable tokens are left for the server to judge.
func tokenExpired(token string, clk clock.Clock) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !clk.Now().Before(exp.Time)
}
