package aegis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// NotificationAPI is the durable side of the notification feed.
type NotificationAPI interface {
	List(ctx context.Context) ([]Notification, error)
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id ID) error
}

// NotificationStore is the client-side replica of the user's notification
// feed: newest first, no duplicate ids. Mutations go to the server first and
// are applied locally only when the server call succeeds.
type NotificationStore struct {
	api    NotificationAPI
	logger *slog.Logger

	mu     sync.Mutex
	items  []Notification
	pushed map[ID]struct{}
	subs   []*Subscription
	epoch  uint64
	// attachGen identifies the current attachment. Handlers of an earlier
	// attachment may still be running on the old read goroutine; their
	// pushes are dropped.
	attachGen uint64

	obs observers[[]Notification]
}

// NewNotificationStore creates an empty store backed by api.
func NewNotificationStore(api NotificationAPI, logger *slog.Logger) *NotificationStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NotificationStore{
		api:    api,
		logger: logger.With(slog.String("component", "notifications")),
		pushed: make(map[ID]struct{}),
	}
	s.obs.logger = s.logger
	return s
}

// Attach subscribes the store to every notification push kind on stream.
// Any previous attachment is dropped first.
func (s *NotificationStore) Attach(stream EventStream) {
	s.Detach()

	s.mu.Lock()
	s.pushed = make(map[ID]struct{})
	s.attachGen++
	gen := s.attachGen
	s.mu.Unlock()

	subs := make([]*Subscription, 0, len(NotificationEvents))
	for _, event := range NotificationEvents {
		event := event
		subs = append(subs, stream.Subscribe(event, func(payload json.RawMessage) {
			var n Notification
			if err := json.Unmarshal(payload, &n); err != nil {
				s.logger.Warn("malformed notification", slog.String("event", event), slog.Any("error", err))
				return
			}
			s.deliver(gen, n)
		}))
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// Detach stops listening for pushes. Local state is kept.
func (s *NotificationStore) Detach() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.attachGen++
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Reset detaches and discards all session-scoped state. In-flight history
// loads started before Reset are discarded when they complete.
func (s *NotificationStore) Reset() {
	s.Detach()
	s.mu.Lock()
	s.items = nil
	s.pushed = make(map[ID]struct{})
	s.epoch++
	s.mu.Unlock()
	s.notify()
}

// LoadHistory replaces the local feed with the server snapshot. Pushes
// received since Attach that the snapshot does not contain stay in front.
// On failure the error is logged and the store keeps its prior state.
func (s *NotificationStore) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	history, err := s.api.List(ctx)
	if err != nil {
		s.logger.Warn("notification history failed", slog.Any("error", err))
		return fmt.Errorf("load notifications: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding stale notification history")
		return nil
	}
	inHistory := make(map[ID]struct{}, len(history))
	for _, n := range history {
		inHistory[n.ID] = struct{}{}
	}
	merged := make([]Notification, 0, len(history)+len(s.pushed))
	for _, n := range s.items {
		if _, ok := s.pushed[n.ID]; !ok {
			continue
		}
		if _, dup := inHistory[n.ID]; !dup {
			merged = append(merged, n)
		}
	}
	seen := make(map[ID]struct{}, len(history))
	for _, n := range history {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		merged = append(merged, n)
	}
	s.items = merged
	s.mu.Unlock()

	s.notify()
	return nil
}

// OnPush prepends n unless its id is already present. It reports whether the
// feed changed.
func (s *NotificationStore) OnPush(n Notification) bool {
	s.mu.Lock()
	changed := s.pushLocked(n)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

// deliver applies a push received by the attachment gen. Pushes from a
// detached or replaced attachment are dropped.
func (s *NotificationStore) deliver(gen uint64, n Notification) {
	s.mu.Lock()
	if gen != s.attachGen {
		s.mu.Unlock()
		s.logger.Debug("dropping push from a detached connection", slog.String("id", string(n.ID)))
		return
	}
	changed := s.pushLocked(n)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *NotificationStore) pushLocked(n Notification) bool {
	if s.indexLocked(n.ID) >= 0 {
		return false
	}
	s.items = append([]Notification{n}, s.items...)
	s.pushed[n.ID] = struct{}{}
	return true
}

// MarkAllRead marks every notification read on the server, then locally.
func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	if err := s.api.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}

	s.mu.Lock()
	for i := range s.items {
		s.items[i].Read = true
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Delete removes a notification on the server, then locally.
func (s *NotificationStore) Delete(ctx context.Context, id ID) error {
	if err := s.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.items = append(s.items[:i:i], s.items[i+1:]...)
	}
	delete(s.pushed, id)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Items returns a copy of the feed, newest first.
func (s *NotificationStore) Items() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.items...)
}

// UnreadCount returns the number of unread notifications.
func (s *NotificationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// Subscribe registers fn for feed changes and returns its remover.
func (s *NotificationStore) Subscribe(fn func([]Notification)) func() {
	return s.obs.add(fn)
}

func (s *NotificationStore) indexLocked(id ID) int {
	for i, n := range s.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *NotificationStore) notify() {
	s.obs.notify(s.Items())
}
