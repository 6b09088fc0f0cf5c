package aegis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrEmptyMessage is returned by Send for blank content. Nothing is emitted.
	ErrEmptyMessage = errors.New("aegis: empty message")
	// ErrRoomClosed is returned when acting on a view that has been closed.
	ErrRoomClosed = errors.New("aegis: room closed")

	errHistoryTimeout = errors.New("history request timed out")
)

// RoomID identifies a chat room: GeneralRoom or a private conversation id.
type RoomID string

const (
	// GeneralRoom is the single public room.
	GeneralRoom RoomID = "general"
	// NoRoom means no room is selected. Join and Leave ignore it.
	NoRoom RoomID = ""
)

// IsPrivate reports whether r names a private conversation.
func (r RoomID) IsPrivate() bool {
	return r != GeneralRoom && r != NoRoom
}

// ConversationAPI is the request/response side of private chat.
type ConversationAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID ID) ([]Message, error)
	Open(ctx context.Context, receiverID ID) (*Conversation, error)
}

// UserAPI lists the users a private conversation can be started with.
type UserAPI interface {
	List(ctx context.Context) ([]UserRef, error)
}

// RoomManagerConfig configures a RoomManager.
type RoomManagerConfig struct {
	Conversations ConversationAPI
	Users         UserAPI
	// Identity returns the current user, or nil when anonymous.
	Identity func() *UserRef
	// HistoryTimeout bounds the wait for the public room's history reply.
	HistoryTimeout time.Duration
	// EmitTimeout bounds typing signal writes.
	EmitTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (c *RoomManagerConfig) defaults() {
	if c.HistoryTimeout == 0 {
		c.HistoryTimeout = 10 * time.Second
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.Identity == nil {
		c.Identity = func() *UserRef { return nil }
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Room Manager
// ============================================================================

// RoomManager tracks the rooms the client currently receives messages for.
// Each active room owns its message log and typing state; both are discarded
// when the room is deactivated.
type RoomManager struct {
	config RoomManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	stream EventStream
	rooms  map[RoomID]*RoomView
}

// NewRoomManager creates a manager with no attached connection.
func NewRoomManager(config RoomManagerConfig) *RoomManager {
	config.defaults()
	return &RoomManager{
		config: config,
		logger: config.Logger.With(slog.String("component", "rooms")),
		rooms:  make(map[RoomID]*RoomView),
	}
}

// Attach makes stream the connection used by subsequent joins.
func (m *RoomManager) Attach(stream EventStream) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
}

// Join activates id and returns its view. Joining a room that is already
// active returns the same view, so delivery is never duplicated; each
// returned view must be closed once. Join(NoRoom) returns nil, nil.
func (m *RoomManager) Join(ctx context.Context, id RoomID) (*RoomView, error) {
	if id == NoRoom {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil, ErrNotConnected
	}
	if v, ok := m.rooms[id]; ok {
		v.refs++
		return v, nil
	}

	v := newRoomView(m, id, m.stream)
	if err := v.activate(ctx); err != nil {
		v.teardown()
		return nil, fmt.Errorf("join %s: %w", id, err)
	}
	m.rooms[id] = v
	m.logger.Debug("room joined", slog.String("room", string(id)))
	return v, nil
}

// Leave deactivates id regardless of how many views share it.
func (m *RoomManager) Leave(id RoomID) {
	if id == NoRoom {
		return
	}
	m.mu.Lock()
	v, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()
	if ok {
		v.teardown()
	}
}

// Active returns the ids of the active rooms, sorted.
func (m *RoomManager) Active() []RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll deactivates every room and detaches from the connection.
func (m *RoomManager) CloseAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[RoomID]*RoomView)
	m.stream = nil
	m.mu.Unlock()

	for _, v := range rooms {
		v.teardown()
	}
}

// Reload re-joins every active private room and requests fresh history for
// every active room. It is used after the transport reconnects.
func (m *RoomManager) Reload(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*RoomView, 0, len(m.rooms))
	for _, v := range m.rooms {
		rooms = append(rooms, v)
	}
	m.mu.Unlock()

	for _, v := range rooms {
		if err := v.requestHistory(ctx, true); err != nil {
			m.logger.Warn("room reload failed", slog.String("room", string(v.id)), slog.Any("error", err))
		}
	}
}

func (m *RoomManager) release(v *RoomView) {
	m.mu.Lock()
	v.refs--
	if v.refs > 0 {
		m.mu.Unlock()
		return
	}
	if m.rooms[v.id] == v {
		delete(m.rooms, v.id)
	}
	m.mu.Unlock()
	v.teardown()
}

// Conversations lists the user's conversations.
func (m *RoomManager) Conversations(ctx context.Context) ([]Conversation, error) {
	return m.config.Conversations.List(ctx)
}

// OpenConversation finds or creates the private conversation with receiverID
// and joins its room.
func (m *RoomManager) OpenConversation(ctx context.Context, receiverID ID) (*RoomView, error) {
	conv, err := m.config.Conversations.Open(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	return m.Join(ctx, conv.Room())
}

// Contacts lists the users a private conversation can be opened with,
// excluding the current user.
func (m *RoomManager) Contacts(ctx context.Context) ([]UserRef, error) {
	users, err := m.config.Users.List(ctx)
	if err != nil {
		return nil, err
	}
	self := m.config.Identity()
	out := users[:0]
	for _, u := range users {
		if self != nil && u.ID == self.ID {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// ============================================================================
// Room View
// ============================================================================

// RoomView is one active room: its message log, remote typing state and
// local typing emitter. Pushes received before the room's history is applied
// are buffered and appended after it, in arrival order.
type RoomView struct {
	id      RoomID
	mgr     *RoomManager
	stream  EventStream
	logger  *slog.Logger
	log     *MessageLog
	typing  *TypingState
	emitter *typingEmitter

	// refs is guarded by mgr.mu.
	refs int

	mu           sync.Mutex
	subs         []*Subscription
	closed       bool
	ready        bool
	awaiting     bool
	gen          uint64
	buffered     []Message
	historyTimer *clock.Timer
	readyCh      chan struct{}
	readyOnce    sync.Once

	obs observers[[]Message]
}

func newRoomView(m *RoomManager, id RoomID, stream EventStream) *RoomView {
	self := ""
	if u := m.config.Identity(); u != nil {
		self = u.Name
	}
	v := &RoomView{
		id:      id,
		mgr:     m,
		stream:  stream,
		logger:  m.logger.With(slog.String("room", string(id))),
		log:     NewMessageLog(),
		typing:  newTypingState(self),
		refs:    1,
		readyCh: make(chan struct{}),
	}
	v.obs.logger = v.logger
	v.typing.obs.logger = v.logger
	v.emitter = newTypingEmitter(m.config.Clock,
		func() { v.emitTyping(true) },
		func() { v.emitTyping(false) },
	)
	return v
}

func (v *RoomView) activate(ctx context.Context) error {
	var subs []*Subscription
	if v.id.IsPrivate() {
		subs = []*Subscription{
			v.stream.Subscribe(EventPrivateReceive, v.handleMessage),
			v.stream.Subscribe(EventPrivateTypingStart, v.handleTyping(true)),
			v.stream.Subscribe(EventPrivateTypingStop, v.handleTyping(false)),
		}
	} else {
		subs = []*Subscription{
			v.stream.Subscribe(EventGeneralHistory, v.handleGeneralHistory),
			v.stream.Subscribe(EventGeneralReceive, v.handleMessage),
			v.stream.Subscribe(EventGeneralTypingStart, v.handleTyping(true)),
			v.stream.Subscribe(EventGeneralTypingStop, v.handleTyping(false)),
		}
	}
	v.mu.Lock()
	v.subs = subs
	v.mu.Unlock()

	return v.requestHistory(ctx, false)
}

// requestHistory starts a history load for the room. Pushes are buffered
// until it is applied. Private rooms are joined first.
func (v *RoomView) requestHistory(ctx context.Context, reload bool) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrRoomClosed
	}
	v.gen++
	gen := v.gen
	v.ready = false
	v.awaiting = true
	v.stopHistoryTimerLocked()
	v.mu.Unlock()

	if !v.id.IsPrivate() {
		v.mu.Lock()
		v.historyTimer = v.mgr.config.Clock.AfterFunc(v.mgr.config.HistoryTimeout, func() {
			v.historyFailed(gen, errHistoryTimeout)
		})
		v.mu.Unlock()
		if err := v.stream.Emit(ctx, EventGeneralHistoryRequest, nil); err != nil {
			v.historyFailed(gen, err)
			return err
		}
		return nil
	}

	if err := v.stream.Emit(ctx, EventJoinRoom, string(v.id)); err != nil {
		v.historyFailed(gen, err)
		return err
	}
	if reload {
		v.logger.Debug("room rejoined")
	}

	fetchCtx := context.WithoutCancel(ctx)
	go func() {
		history, err := v.mgr.config.Conversations.Messages(fetchCtx, ID(v.id))
		if err != nil {
			v.historyFailed(gen, err)
			return
		}
		v.applyHistory(gen, history)
	}()
	return nil
}

func (v *RoomView) handleGeneralHistory(payload json.RawMessage) {
	var history []Message
	if err := json.Unmarshal(payload, &history); err != nil {
		v.logger.Warn("malformed history", slog.Any("error", err))
		return
	}
	v.mu.Lock()
	gen, awaiting := v.gen, v.awaiting
	v.mu.Unlock()
	if !awaiting {
		return
	}
	v.applyHistory(gen, history)
}

// applyHistory seeds the log with history and flushes buffered pushes.
// Results for a closed view or a superseded request are discarded.
func (v *RoomView) applyHistory(gen uint64, history []Message) {
	v.mu.Lock()
	if v.closed || gen != v.gen || !v.awaiting {
		v.mu.Unlock()
		v.logger.Debug("discarding stale history")
		return
	}
	v.log.ReplaceHistory(history)
	v.flushLocked()
	v.mu.Unlock()

	v.markReady()
	v.obs.notify(v.log.Messages())
}

func (v *RoomView) historyFailed(gen uint64, err error) {
	v.mu.Lock()
	if v.closed || gen != v.gen || !v.awaiting {
		v.mu.Unlock()
		return
	}
	v.logger.Warn("room history failed", slog.Any("error", err))
	changed := len(v.buffered) > 0
	v.flushLocked()
	v.mu.Unlock()

	v.markReady()
	if changed {
		v.obs.notify(v.log.Messages())
	}
}

func (v *RoomView) flushLocked() {
	for _, msg := range v.buffered {
		v.log.Append(msg)
	}
	v.buffered = nil
	v.ready = true
	v.awaiting = false
	v.stopHistoryTimerLocked()
}

func (v *RoomView) stopHistoryTimerLocked() {
	if v.historyTimer != nil {
		v.historyTimer.Stop()
		v.historyTimer = nil
	}
}

func (v *RoomView) markReady() {
	v.readyOnce.Do(func() { close(v.readyCh) })
}

func (v *RoomView) handleMessage(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		v.logger.Warn("malformed message", slog.Any("error", err))
		return
	}
	if v.id.IsPrivate() && msg.ConversationID != ID(v.id) {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	changed := false
	if v.ready {
		changed = v.log.Append(msg)
	} else {
		v.buffered = append(v.buffered, msg)
	}
	v.mu.Unlock()

	v.typing.MessageFrom(msg.SenderName)
	if changed {
		v.obs.notify(v.log.Messages())
	}
}

func (v *RoomView) handleTyping(start bool) EventHandler {
	return func(payload json.RawMessage) {
		var p TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			v.logger.Warn("malformed typing signal", slog.Any("error", err))
			return
		}
		if v.id.IsPrivate() && p.RoomID != ID(v.id) {
			return
		}
		v.mu.Lock()
		closed := v.closed
		v.mu.Unlock()
		if closed {
			return
		}
		if start {
			v.typing.Start(p.UserName)
		} else {
			v.typing.Stop(p.UserName)
		}
	}
}

func (v *RoomView) emitTyping(start bool) {
	var event string
	var payload any
	switch {
	case v.id.IsPrivate() && start:
		event, payload = EventPrivateTypingStart, roomPayload{RoomID: v.id}
	case v.id.IsPrivate():
		event, payload = EventPrivateTypingStop, roomPayload{RoomID: v.id}
	case start:
		event, payload = EventGeneralTypingStart, struct{}{}
	default:
		event, payload = EventGeneralTypingStop, struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.mgr.config.EmitTimeout)
	defer cancel()
	if err := v.stream.Emit(ctx, event, payload); err != nil {
		v.logger.Debug("typing signal not sent", slog.String("event", event), slog.Any("error", err))
	}
}

// ID returns the room id.
func (v *RoomView) ID() RoomID { return v.id }

// Ready is closed once the first history load has been applied or has
// failed, or when the view is closed.
func (v *RoomView) Ready() <-chan struct{} { return v.readyCh }

// Messages returns the room's log, oldest first.
func (v *RoomView) Messages() []Message { return v.log.Messages() }

// Subscribe registers fn for log changes and returns its remover.
func (v *RoomView) Subscribe(fn func([]Message)) func() { return v.obs.add(fn) }

// Typing returns the room's remote typing state.
func (v *RoomView) Typing() *TypingState { return v.typing }

// TypingStatus returns the aggregated "who is typing" line.
func (v *RoomView) TypingStatus() string { return v.typing.Status() }

// InputChanged feeds a local edit of the message input into the typing
// debounce.
func (v *RoomView) InputChanged(text string) {
	v.emitter.InputChanged(text)
}

// Send emits content to the room. The message is not appended locally; it
// appears in the log when the server echoes it back.
func (v *RoomView) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return ErrRoomClosed
	}

	var err error
	if v.id.IsPrivate() {
		err = v.stream.Emit(ctx, EventPrivateSend, sendPrivatePayload{RoomID: v.id, Content: content})
	} else {
		err = v.stream.Emit(ctx, EventGeneralSend, sendGeneralPayload{Content: content})
	}
	if err != nil {
		return err
	}
	v.emitter.MessageSent()
	return nil
}

// IsOwn reports whether msg was sent by the current user.
func (v *RoomView) IsOwn(msg Message) bool {
	self := v.mgr.config.Identity()
	return self != nil && msg.SenderID != "" && msg.SenderID == self.ID
}

// Close releases this view. The room is deactivated when its last view is
// closed. No server-side leave is sent.
func (v *RoomView) Close() {
	v.mgr.release(v)
}

func (v *RoomView) teardown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	v.buffered = nil
	v.stopHistoryTimerLocked()
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	v.emitter.Close()
	v.typing.reset()
	v.obs.clear()
	v.markReady()
	v.logger.Debug("room closed")
}
