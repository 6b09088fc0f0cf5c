package aegis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned when an action needs a live connection.
	ErrNotConnected = errors.New("aegis: not connected")
	// ErrHandshakeRejected is returned when the server refuses the credential.
	ErrHandshakeRejected = errors.New("aegis: handshake rejected")
)

// ============================================================================
// Event names
// ============================================================================

const (
	EventAuthenticated = "authenticated"

	// Notification pushes. All four carry a Notification payload.
	EventProcessAssigned      = "process:assigned"
	EventIncidentCreated      = "incident:created"
	EventProcessStatusUpdated = "process:status_updated"
	EventChatMessageNotified  = "chat:new_message_notification"

	// Public room.
	EventGeneralHistoryRequest = "chat:get_general_history"
	EventGeneralHistory        = "chat:general_history"
	EventGeneralSend           = "chat:send_general"
	EventGeneralReceive        = "chat:receive_general"
	EventGeneralTypingStart    = "chat:general_typing_start"
	EventGeneralTypingStop     = "chat:general_typing_stop"

	// Private rooms.
	EventJoinRoom           = "join_room"
	EventPrivateSend        = "chat:send_private"
	EventPrivateReceive     = "chat:receive_private"
	EventPrivateTypingStart = "chat:private_typing_start"
	EventPrivateTypingStop  = "chat:private_typing_stop"
)

// NotificationEvents lists the push kinds folded into the notification feed.
var NotificationEvents = []string{
	EventProcessAssigned,
	EventIncidentCreated,
	EventProcessStatusUpdated,
	EventChatMessageNotified,
}

// RealtimeEnvelope is the wire format for all realtime frames, both directions.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
//
// AutoReconnect is off by default: a dropped connection stays dropped until
// the session changes. When enabled, the connection re-dials with the same
// credential and the engine replays histories after each reconnect.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the WebSocket ping period. Negative disables it.
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Clock             clock.Clock
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// Subscription is a handle to a registered event handler.
type Subscription struct {
	Event  string
	cancel func()
}

// Unsubscribe removes the handler. It is safe to call more than once and on
// a nil Subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// EventStream is the part of a connection that stores and rooms consume.
type EventStream interface {
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h EventHandler) *Subscription
}

type eventDispatcher struct {
	mu       sync.Mutex
	handlers map[string]*observers[json.RawMessage]
	logger   *slog.Logger
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string]*observers[json.RawMessage]),
		logger:   logger,
	}
}

func (d *eventDispatcher) subscribe(event string, h EventHandler) *Subscription {
	d.mu.Lock()
	obs, ok := d.handlers[event]
	if !ok {
		obs = &observers[json.RawMessage]{logger: d.logger}
		d.handlers[event] = obs
	}
	d.mu.Unlock()
	return &Subscription{Event: event, cancel: obs.add(h)}
}

// dispatch delivers env to its handlers synchronously, preserving arrival order.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.Lock()
	obs := d.handlers[env.Type]
	d.mu.Unlock()
	if obs == nil {
		return
	}
	obs.notify(env.Payload)
}

func (d *eventDispatcher) count(event string) int {
	d.mu.Lock()
	obs := d.handlers[event]
	d.mu.Unlock()
	if obs == nil {
		return 0
	}
	return obs.len()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	clock       clock.Clock
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		clock:       config.Clock,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// Conn is the single live WebSocket of a session. Inbound events are
// dispatched one at a time on the read goroutine, in arrival order.
type Conn struct {
	id         string
	baseURL    string
	token      string
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher
	states     observers[RealtimeState]
	recon      *reconnector

	mu               sync.Mutex
	ws               *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	identity         AuthenticatedPayload

	closed   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// Dial opens a realtime connection to baseURL. The bearer token is passed as
// a connect-time query parameter; it is never sent in-band.
func Dial(ctx context.Context, baseURL, token string, config *RealtimeConfig) (*Conn, error) {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	id := uuid.NewString()
	logger := cfg.Logger.With(slog.String("connID", id))
	c := &Conn{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		config:     &cfg,
		logger:     logger,
		dispatcher: newEventDispatcher(logger),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.states.logger = logger

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// Identity returns the identity the server acknowledged at handshake.
func (c *Conn) Identity() AuthenticatedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// State returns the current connection state.
func (c *Conn) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection will deliver no further events.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Subscribe registers h for inbound events of the given type.
func (c *Conn) Subscribe(event string, h EventHandler) *Subscription {
	return c.dispatcher.subscribe(event, h)
}

// OnStateChange registers h for connection state transitions and returns a
// function that removes it.
func (c *Conn) OnStateChange(h func(RealtimeState)) func() {
	return c.states.add(h)
}

func (c *Conn) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(c.token)
}

func (c *Conn) setState(s RealtimeState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.states.notify(s)
	}
}

func (c *Conn) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(hctx, c.wsURL(), &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: HTTP %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(c.config.ReadLimit)

	// The first frame must acknowledge the credential.
	_, data, err := ws.Read(hctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: expected %q, got %q", ErrHandshakeRejected, EventAuthenticated, env.Type)
	}
	var ident AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &ident)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		loopCancel()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	c.ws = ws
	c.identity = ident
	c.cancelFn = loopCancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Debug("realtime connected", slog.String("user", ident.UserName))
	c.setState(StateConnected)

	go c.readLoop(loopCtx, ws)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(loopCtx, ws)
	}
	return nil
}

// Close gracefully closes the connection. Further events are not delivered.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = true
	close(c.closed)
	ws := c.ws
	c.ws = nil
	cancel := c.cancelFn
	c.cancelFn = nil
	c.mu.Unlock()

	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
	c.finish()
	c.logger.Debug("realtime closed")
	return err
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Emit sends an outbound event.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	env := RealtimeEnvelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleDrop(ws, err)
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			c.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))
			continue
		}
		c.dispatcher.dispatch(env)
	}
}

func (c *Conn) handleDrop(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.intentionalClose || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.mu.Unlock()

	c.logger.Warn("realtime connection dropped", slog.Any("error", err))
	c.setState(StateDisconnected)

	if c.config.AutoReconnect && c.recon.shouldReconnect() {
		go c.reconnectLoop()
		return
	}
	c.finish()
}

func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := c.config.Clock.Ticker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", slog.Any("error", err))
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Conn) reconnectLoop() {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.logger.Info("reconnecting", slog.Int("attempt", c.recon.attempt), slog.Duration("delay", delay))

		select {
		case <-c.closed:
			return
		case <-c.config.Clock.After(delay):
		}

		err := c.connect(context.Background())
		if err == nil {
			c.recon.reset()
			c.recon.markConnected()
			return
		}
		c.logger.Warn("reconnect failed", slog.Any("error", err))
		if errors.Is(err, ErrHandshakeRejected) {
			break
		}
	}
	c.setState(StateDisconnected)
	c.finish()
}
