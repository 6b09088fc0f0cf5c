package aegis

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// EngineOptions configures NewEngine. The zero value is usable.
type EngineOptions struct {
	// TokenStore persists the session token. Defaults to memory.
	TokenStore TokenStore
	// Realtime configures the transport. Logger and Clock default to the
	// engine's.
	Realtime *RealtimeConfig
	// HistoryTimeout bounds the wait for the public room's history reply.
	HistoryTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Engine wires the realtime sync components together: session changes drive
// the connection manager, which feeds the notification store and the room
// manager.
type Engine struct {
	Client        *Client
	Session       *Session
	Connection    *ConnectionManager
	Notifications *NotificationStore
	Rooms         *RoomManager

	unsubscribe func()
}

// NewEngine creates an engine around client. The session starts anonymous;
// call Session.Restore or Session.Login to connect.
func NewEngine(client *Client, opts *EngineOptions) *Engine {
	o := EngineOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = client.Logger()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	rt := RealtimeConfig{}
	if o.Realtime != nil {
		rt = *o.Realtime
	}
	if rt.Logger == nil {
		rt.Logger = o.Logger
	}
	if rt.Clock == nil {
		rt.Clock = o.Clock
	}

	session := NewSession(client, o.TokenStore)
	session.clock = o.Clock

	notifications := NewNotificationStore(client.Notifications, o.Logger)
	rooms := NewRoomManager(RoomManagerConfig{
		Conversations:  client.Conversations,
		Users:          client.Users,
		Identity:       func() *UserRef { return session.Snapshot().Identity },
		HistoryTimeout: o.HistoryTimeout,
		Clock:          o.Clock,
		Logger:         o.Logger,
	})
	conn := NewConnectionManager(ConnectionManagerConfig{
		BaseURL:       client.BaseURL(),
		Realtime:      &rt,
		Notifications: notifications,
		Rooms:         rooms,
		Logger:        o.Logger,
	})

	e := &Engine{
		Client:        client,
		Session:       session,
		Connection:    conn,
		Notifications: notifications,
		Rooms:         rooms,
	}
	e.unsubscribe = session.Subscribe(conn.OnSessionChange)
	return e
}

// Close detaches the engine from its session and closes the connection.
// The stored token is kept.
func (e *Engine) Close() {
	e.unsubscribe()
	e.Connection.Close()
}
