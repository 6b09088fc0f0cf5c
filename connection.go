package aegis

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionManagerConfig configures a ConnectionManager.
type ConnectionManagerConfig struct {
	BaseURL       string
	Realtime      *RealtimeConfig
	Notifications *NotificationStore
	Rooms         *RoomManager
	// OpenTimeout bounds the handshake and the initial notification history
	// fetch of each new connection.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// ConnectionManager owns the single live connection of a session. It opens
// the connection when the session becomes authenticated and closes it, along
// with all session-scoped state, when the session ends. Failures are not
// retried here.
type ConnectionManager struct {
	config ConnectionManagerConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *Conn
	token   string
	lastErr error
	unwatch func()
}

// NewConnectionManager creates a manager with no connection.
func NewConnectionManager(config ConnectionManagerConfig) *ConnectionManager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &ConnectionManager{
		config: config,
		logger: config.Logger.With(slog.String("component", "connection")),
	}
}

// OnSessionChange reconciles the connection with snap. An authenticated
// session with the same token as the live connection keeps it; any other
// authenticated session closes the prior connection before dialing.
func (m *ConnectionManager) OnSessionChange(snap SessionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !snap.Authenticated() {
		if m.conn != nil {
			m.logger.Info("session ended, closing connection")
		}
		m.teardownLocked()
		m.lastErr = nil
		return
	}

	if m.conn != nil && m.token == snap.Token && m.liveLocked() {
		return
	}
	m.teardownLocked()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.OpenTimeout)
	defer cancel()

	conn, err := Dial(ctx, m.config.BaseURL, snap.Token, m.config.Realtime)
	if err != nil {
		m.logger.Warn("realtime connect failed", slog.Any("error", err))
		m.lastErr = err
		return
	}
	m.conn = conn
	m.token = snap.Token
	m.lastErr = nil
	m.logger.Info("realtime connected", slog.String("connID", conn.ID()))

	if m.config.Notifications != nil {
		m.config.Notifications.Attach(conn)
	}
	if m.config.Rooms != nil {
		m.config.Rooms.Attach(conn)
	}
	m.unwatch = conn.OnStateChange(m.watch(conn))

	if m.config.Notifications != nil {
		_ = m.config.Notifications.LoadHistory(ctx)
	}
}

// watch replays histories when conn comes back after a transport reconnect.
func (m *ConnectionManager) watch(conn *Conn) func(RealtimeState) {
	var dropped atomic.Bool
	return func(s RealtimeState) {
		switch s {
		case StateConnected:
			if dropped.CompareAndSwap(true, false) {
				go m.replay(conn)
			}
		case StateReconnecting, StateDisconnected:
			dropped.Store(true)
		}
	}
}

func (m *ConnectionManager) replay(conn *Conn) {
	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if !current {
		return
	}

	m.logger.Info("realtime reconnected, replaying history", slog.String("connID", conn.ID()))
	ctx, cancel := context.WithTimeout(context.Background(), m.config.OpenTimeout)
	defer cancel()
	if m.config.Notifications != nil {
		_ = m.config.Notifications.LoadHistory(ctx)
	}
	if m.config.Rooms != nil {
		m.config.Rooms.Reload(ctx)
	}
}

// teardownLocked closes the connection first, then clears session-scoped state.
func (m *ConnectionManager) teardownLocked() {
	if m.unwatch != nil {
		m.unwatch()
		m.unwatch = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("close connection", slog.Any("error", err))
		}
		m.conn = nil
		m.token = ""
	}
	if m.config.Notifications != nil {
		m.config.Notifications.Reset()
	}
	if m.config.Rooms != nil {
		m.config.Rooms.CloseAll()
	}
}

func (m *ConnectionManager) liveLocked() bool {
	switch m.conn.State() {
	case StateConnected, StateConnecting, StateReconnecting:
		return true
	}
	return false
}

// Live reports whether a connection is open or being re-established.
func (m *ConnectionManager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.liveLocked()
}

// Conn returns the current connection, or nil.
func (m *ConnectionManager) Conn() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// LastError returns the error of the most recent failed connect, if any.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Close closes the connection and clears session-scoped state.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}
