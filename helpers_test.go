package aegis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// ============================================================================
// fakeStream: in-memory EventStream
// ============================================================================

type fakeStream struct {
	dispatcher *eventDispatcher

	mu      sync.Mutex
	emitted []RealtimeEnvelope
	emitErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{dispatcher: newEventDispatcher(newTestLogger())}
}

func (f *fakeStream) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	env := RealtimeEnvelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	f.emitted = append(f.emitted, env)
	return nil
}

func (f *fakeStream) Subscribe(event string, h EventHandler) *Subscription {
	return f.dispatcher.subscribe(event, h)
}

func (f *fakeStream) push(t *testing.T, event string, payload any) {
	t.Helper()
	f.dispatcher.dispatch(RealtimeEnvelope{Type: event, Payload: mustJSON(t, payload)})
}

func (f *fakeStream) setEmitErr(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

func (f *fakeStream) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.emitted {
		if env.Type == event {
			n++
		}
	}
	return n
}

func (f *fakeStream) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.emitted))
	for i, env := range f.emitted {
		out[i] = env.Type
	}
	return out
}

func (f *fakeStream) last(event string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].Type == event {
			return f.emitted[i].Payload
		}
	}
	return nil
}

// ============================================================================
// fakeBackend: HTTP API + realtime endpoint
// ============================================================================

type fakeUser struct {
	user     UserRef
	password string
}

type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	users         map[string]fakeUser // by email
	tokens        map[string]UserRef
	notifications []Notification
	conversations []Conversation
	messages      map[ID][]Message
	general       []Message
	nextID        int

	failNotifications bool
	failMarkAllRead   bool
	failDelete        bool
	silentHistory     bool

	conns    map[*websocket.Conn]UserRef
	accepted int
	maxLive  int
	received []RealtimeEnvelope
	apiCalls map[string]int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:        t,
		users:    make(map[string]fakeUser),
		tokens:   make(map[string]UserRef),
		messages: make(map[ID][]Message),
		conns:    make(map[*websocket.Conn]UserRef),
		apiCalls: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/auth/login", b.handleLogin)
	r.Post("/auth/register", b.handleRegister)
	r.Get("/ws", b.handleWS)
	r.Group(func(r chi.Router) {
		r.Use(b.requireAuth)
		r.Get("/auth/me", b.handleMe)
		r.Get("/api/notifications", b.handleListNotifications)
		r.Put("/api/notifications/read-all", b.handleMarkAllRead)
		r.Delete("/api/notifications/{id}", b.handleDeleteNotification)
		r.Get("/api/conversations", b.handleListConversations)
		r.Post("/api/conversations", b.handleOpenConversation)
		r.Get("/api/conversations/{id}/messages", b.handleMessages)
		r.Get("/api/users", b.handleUsers)
	})

	b.server = httptest.NewServer(r)
	t.Cleanup(func() {
		b.closeAll()
		b.server.Close()
	})
	return b
}

func (b *fakeBackend) URL() string { return b.server.URL }

func (b *fakeBackend) addUser(id ID, name, email, password string) UserRef {
	u := UserRef{ID: id, Name: name, Email: email, Role: RoleRevisor}
	b.mu.Lock()
	b.users[email] = fakeUser{user: u, password: password}
	b.mu.Unlock()
	return u
}

func (b *fakeBackend) issueToken(u UserRef) string {
	b.mu.Lock()
	b.nextID++
	n := b.nextID
	b.mu.Unlock()
	tok := signToken(b.t, fmt.Sprintf("%s-%d", u.ID, n), time.Now().Add(time.Hour))
	b.mu.Lock()
	b.tokens[tok] = u
	b.mu.Unlock()
	return tok
}

func (b *fakeBackend) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) fail(w http.ResponseWriter, status int, msg string) {
	b.writeJSON(w, status, map[string]string{"message": msg})
}

func (b *fakeBackend) count(name string) {
	b.mu.Lock()
	b.apiCalls[name]++
	b.mu.Unlock()
}

func (b *fakeBackend) calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apiCalls[name]
}

type ctxUserKey struct{}

func (b *fakeBackend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		u, ok := b.tokens[tok]
		b.mu.Unlock()
		if !ok {
			b.fail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, u)))
	})
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct{ Email, Password string }
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	fu, ok := b.users[req.Email]
	b.mu.Unlock()
	if !ok || fu.password != req.Password {
		b.fail(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	b.writeJSON(w, http.StatusOK, AuthResult{Token: b.issueToken(fu.user), User: fu.user})
}

func (b *fakeBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct{ Name, Email, Password string }
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	_, exists := b.users[req.Email]
	b.nextID++
	id := ID(fmt.Sprintf("u%d", b.nextID))
	b.mu.Unlock()
	if exists {
		b.fail(w, http.StatusConflict, "email taken")
		return
	}
	u := b.addUser(id, req.Name, req.Email, req.Password)
	b.writeJSON(w, http.StatusCreated, AuthResult{Token: b.issueToken(u), User: u})
}

func (b *fakeBackend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.count("me")
	u := r.Context().Value(ctxUserKey{}).(UserRef)
	// The backend names ids "_id".
	b.writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{
		"_id": u.ID, "name": u.Name, "email": u.Email, "role": u.Role,
	}})
}

func (b *fakeBackend) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	b.count("notifications")
	b.mu.Lock()
	fail := b.failNotifications
	items := append([]Notification(nil), b.notifications...)
	b.mu.Unlock()
	if fail {
		b.fail(w, http.StatusInternalServerError, "boom")
		return
	}
	b.writeJSON(w, http.StatusOK, items)
}

func (b *fakeBackend) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail := b.failMarkAllRead
	if !fail {
		for i := range b.notifications {
			b.notifications[i].Read = true
		}
	}
	b.mu.Unlock()
	if fail {
		b.fail(w, http.StatusInternalServerError, "boom")
		return
	}
	b.writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (b *fakeBackend) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "id"))
	b.mu.Lock()
	fail := b.failDelete
	if !fail {
		kept := b.notifications[:0]
		for _, n := range b.notifications {
			if n.ID != id {
				kept = append(kept, n)
			}
		}
		b.notifications = kept
	}
	b.mu.Unlock()
	if fail {
		b.fail(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleListConversations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	convs := append([]Conversation(nil), b.conversations...)
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, convs)
}

func (b *fakeBackend) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	self := r.Context().Value(ctxUserKey{}).(UserRef)
	var req struct {
		ReceiverID ID `json:"receiverId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.Peer(self.ID) != nil && c.Peer(self.ID).ID == req.ReceiverID {
			b.writeJSON(w, http.StatusOK, map[string]any{"_id": c.ID, "type": c.Type, "participants": c.Participants})
			return
		}
	}
	var peer UserRef
	for _, fu := range b.users {
		if fu.user.ID == req.ReceiverID {
			peer = fu.user
		}
	}
	b.nextID++
	c := Conversation{ID: ID(fmt.Sprintf("c%d", b.nextID)), Type: ConversationPrivate, Participants: []UserRef{self, peer}}
	b.conversations = append(b.conversations, c)
	b.writeJSON(w, http.StatusCreated, map[string]any{"_id": c.ID, "type": c.Type, "participants": c.Participants})
}

func (b *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	b.count("messages")
	id := ID(chi.URLParam(r, "id"))
	b.mu.Lock()
	msgs := append([]Message(nil), b.messages[id]...)
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, msgs)
}

func (b *fakeBackend) handleUsers(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	users := make([]UserRef, 0, len(b.users))
	for _, fu := range b.users {
		users = append(users, fu.user)
	}
	b.mu.Unlock()
	b.writeJSON(w, http.StatusOK, users)
}

// ----------------------------------------------------------------------------
// Realtime
// ----------------------------------------------------------------------------

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	u, ok := b.tokens[r.URL.Query().Get("token")]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[ws] = u
	b.accepted++
	if len(b.conns) > b.maxLive {
		b.maxLive = len(b.conns)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, ws)
		b.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	if err := b.send(ctx, ws, EventAuthenticated, AuthenticatedPayload{UserID: u.ID, UserName: u.Name}); err != nil {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, env)
		b.mu.Unlock()
		b.handleEvent(ctx, ws, u, env)
	}
}

func (b *fakeBackend) handleEvent(ctx context.Context, ws *websocket.Conn, u UserRef, env RealtimeEnvelope) {
	switch env.Type {
	case EventGeneralHistoryRequest:
		b.mu.Lock()
		history := append([]Message(nil), b.general...)
		silent := b.silentHistory
		b.mu.Unlock()
		if !silent {
			_ = b.send(ctx, ws, EventGeneralHistory, history)
		}
	case EventGeneralSend:
		var p sendGeneralPayload
		_ = json.Unmarshal(env.Payload, &p)
		b.mu.Lock()
		b.nextID++
		msg := Message{ID: ID(fmt.Sprintf("m%d", b.nextID)), SenderID: u.ID, SenderName: u.Name, Content: p.Content}
		b.general = append(b.general, msg)
		b.mu.Unlock()
		b.broadcast(EventGeneralReceive, msg)
	case EventPrivateSend:
		var p sendPrivatePayload
		_ = json.Unmarshal(env.Payload, &p)
		b.mu.Lock()
		b.nextID++
		msg := Message{
			ID:             ID(fmt.Sprintf("m%d", b.nextID)),
			ConversationID: ID(p.RoomID),
			SenderID:       u.ID,
			SenderName:     u.Name,
			Content:        p.Content,
		}
		b.messages[msg.ConversationID] = append(b.messages[msg.ConversationID], msg)
		b.mu.Unlock()
		b.broadcast(EventPrivateReceive, msg)
	}
}

func (b *fakeBackend) send(ctx context.Context, ws *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	return ws.Write(ctx, websocket.MessageText, data)
}

// broadcast sends an event to every live connection.
func (b *fakeBackend) broadcast(event string, payload any) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for ws := range b.conns {
		conns = append(conns, ws)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, ws := range conns {
		_ = b.send(ctx, ws, event, payload)
	}
}

func (b *fakeBackend) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) receivedCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, env := range b.received {
		if env.Type == event {
			n++
		}
	}
	return n
}

// dropAll closes every live connection from the server side.
func (b *fakeBackend) dropAll() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for ws := range b.conns {
		conns = append(conns, ws)
	}
	b.mu.Unlock()
	for _, ws := range conns {
		ws.Close(websocket.StatusGoingAway, "restart")
	}
}

func (b *fakeBackend) closeAll() {
	b.dropAll()
}

var errInjected = errors.New("injected failure")
