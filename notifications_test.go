package aegis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type stubNotificationAPI struct {
	mu          sync.Mutex
	history     []Notification
	listErr     error
	markErr     error
	deleteErr   error
	listStarted chan struct{}
	listRelease chan struct{}
	deleted     []ID
}

func (s *stubNotificationAPI) List(ctx context.Context) ([]Notification, error) {
	if s.listStarted != nil {
		close(s.listStarted)
		<-s.listRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]Notification(nil), s.history...), nil
}

func (s *stubNotificationAPI) MarkAllRead(ctx context.Context) error {
	return s.markErr
}

func (s *stubNotificationAPI) Delete(ctx context.Context, id ID) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()
	return nil
}

func ids(items []Notification) []ID {
	out := make([]ID, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func equalIDs(got, want []ID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Merge scenario
// ============================================================================

func TestNotificationStoreMergeScenario(t *testing.T) {
	ctx := context.Background()
	api := &stubNotificationAPI{history: []Notification{
		{ID: "1", Message: "one", Read: true},
		{ID: "2", Message: "two", Read: false},
	}}
	stream := newFakeStream()
	store := NewNotificationStore(api, newTestLogger())
	store.Attach(stream)

	if err := store.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	stream.push(t, EventProcessAssigned, Notification{ID: "3", Message: "three"})

	if got := ids(store.Items()); !equalIDs(got, []ID{"3", "1", "2"}) {
		t.Fatalf("items = %v, want [3 1 2]", got)
	}
	if store.UnreadCount() != 2 {
		t.Errorf("unread = %d, want 2", store.UnreadCount())
	}

	if err := store.MarkAllRead(ctx); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	for _, n := range store.Items() {
		if !n.Read {
			t.Errorf("notification %s not read", n.ID)
		}
	}

	if err := store.Delete(ctx, "2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := ids(store.Items()); !equalIDs(got, []ID{"3", "1"}) {
		t.Fatalf("items = %v, want [3 1]", got)
	}
}

// ============================================================================
// Push handling
// ============================================================================

func TestNotificationStorePushKinds(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)

	pushed := []ID{"a", "b", "c", "d"}
	for i, event := range NotificationEvents {
		stream.push(t, event, Notification{ID: pushed[i], Message: event})
	}
	if got := ids(store.Items()); !equalIDs(got, []ID{"d", "c", "b", "a"}) {
		t.Fatalf("items = %v, want newest first", got)
	}
}

func TestNotificationStoreDuplicatePush(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)

	var calls int
	store.Subscribe(func([]Notification) { calls++ })

	stream.push(t, EventIncidentCreated, Notification{ID: "7"})
	stream.push(t, EventProcessStatusUpdated, Notification{ID: "7"})

	if len(store.Items()) != 1 {
		t.Fatalf("len = %d, want 1", len(store.Items()))
	}
	if calls != 1 {
		t.Errorf("observer calls = %d, want 1", calls)
	}
	if store.OnPush(Notification{ID: "7"}) {
		t.Error("OnPush reported a change for a duplicate id")
	}
}

func TestNotificationStoreMalformedPush(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)

	stream.push(t, EventProcessAssigned, "not an object")
	if len(store.Items()) != 0 {
		t.Fatalf("malformed push was applied: %v", store.Items())
	}
}

func TestNotificationStoreDetach(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)
	store.Detach()

	stream.push(t, EventProcessAssigned, Notification{ID: "1"})
	if len(store.Items()) != 0 {
		t.Fatal("push delivered after Detach")
	}
	for _, event := range NotificationEvents {
		if n := stream.dispatcher.count(event); n != 0 {
			t.Errorf("%s: %d handlers left", event, n)
		}
	}
}

func TestNotificationStoreReattachDoesNotDuplicate(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)
	store.Attach(stream)

	if n := stream.dispatcher.count(EventProcessAssigned); n != 1 {
		t.Fatalf("handlers = %d, want 1", n)
	}
}

// ============================================================================
// History
// ============================================================================

func TestNotificationStorePushBeforeHistory(t *testing.T) {
	ctx := context.Background()
	api := &stubNotificationAPI{history: []Notification{{ID: "1"}, {ID: "2"}}}
	stream := newFakeStream()
	store := NewNotificationStore(api, newTestLogger())
	store.Attach(stream)

	stream.push(t, EventProcessAssigned, Notification{ID: "9"})
	// Already durable: the history copy wins and is not duplicated.
	stream.push(t, EventProcessAssigned, Notification{ID: "2"})

	if err := store.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if got := ids(store.Items()); !equalIDs(got, []ID{"9", "1", "2"}) {
		t.Fatalf("items = %v, want [9 1 2]", got)
	}
}

func TestNotificationStoreHistoryFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	api := &stubNotificationAPI{history: []Notification{{ID: "1"}}}
	store := NewNotificationStore(api, newTestLogger())

	if err := store.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	api.listErr = errInjected
	if err := store.LoadHistory(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected", err)
	}
	if got := ids(store.Items()); !equalIDs(got, []ID{"1"}) {
		t.Fatalf("items = %v, want [1]", got)
	}
}

func TestNotificationStoreStaleHistoryDiscarded(t *testing.T) {
	api := &stubNotificationAPI{
		history:     []Notification{{ID: "old"}},
		listStarted: make(chan struct{}),
		listRelease: make(chan struct{}),
	}
	store := NewNotificationStore(api, newTestLogger())

	done := make(chan error, 1)
	go func() { done <- store.LoadHistory(context.Background()) }()

	<-api.listStarted
	store.Reset()
	close(api.listRelease)

	if err := <-done; err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(store.Items()) != 0 {
		t.Fatalf("stale history applied: %v", store.Items())
	}
}

// ============================================================================
// Mutations
// ============================================================================

func TestNotificationStoreMutationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("mark all read", func(t *testing.T) {
		api := &stubNotificationAPI{history: []Notification{{ID: "1"}}, markErr: errInjected}
		store := NewNotificationStore(api, newTestLogger())
		_ = store.LoadHistory(ctx)

		if err := store.MarkAllRead(ctx); !errors.Is(err, errInjected) {
			t.Fatalf("err = %v, want injected", err)
		}
		if store.UnreadCount() != 1 {
			t.Fatal("local state changed after failed MarkAllRead")
		}
	})

	t.Run("delete", func(t *testing.T) {
		api := &stubNotificationAPI{history: []Notification{{ID: "1"}}, deleteErr: errInjected}
		store := NewNotificationStore(api, newTestLogger())
		_ = store.LoadHistory(ctx)

		if err := store.Delete(ctx, "1"); !errors.Is(err, errInjected) {
			t.Fatalf("err = %v, want injected", err)
		}
		if len(store.Items()) != 1 {
			t.Fatal("local state changed after failed Delete")
		}
	})
}

func TestNotificationStoreReset(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)
	stream.push(t, EventProcessAssigned, Notification{ID: "1"})

	var last []Notification
	store.Subscribe(func(items []Notification) { last = items })
	store.Reset()

	if len(store.Items()) != 0 || len(last) != 0 {
		t.Fatal("Reset kept items")
	}
	stream.push(t, EventProcessAssigned, Notification{ID: "2"})
	if len(store.Items()) != 0 {
		t.Fatal("Reset left the store attached")
	}
}

func TestNotificationStoreDropsInFlightPushAfterTeardown(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(store *NotificationStore, stream *fakeStream)
	}{
		{"reset", func(store *NotificationStore, _ *fakeStream) { store.Reset() }},
		{"detach", func(store *NotificationStore, _ *fakeStream) { store.Detach() }},
		{"reattach", func(store *NotificationStore, stream *fakeStream) { store.Attach(stream) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := newFakeStream()
			store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())

			// The read goroutine has already copied the handler list when
			// teardown runs: hold it inside an earlier handler.
			entered := make(chan struct{})
			release := make(chan struct{})
			stream.Subscribe(EventProcessAssigned, func(json.RawMessage) {
				close(entered)
				<-release
			})
			store.Attach(stream)

			done := make(chan struct{})
			go func() {
				defer close(done)
				stream.push(t, EventProcessAssigned, Notification{ID: "old-session"})
			}()
			<-entered
			tt.teardown(store, stream)
			close(release)
			<-done

			if got := ids(store.Items()); len(got) != 0 {
				t.Fatalf("items = %v, want none", got)
			}
		})
	}
}

func TestNotificationStoreObserverPanic(t *testing.T) {
	stream := newFakeStream()
	store := NewNotificationStore(&stubNotificationAPI{}, newTestLogger())
	store.Attach(stream)

	var reached bool
	store.Subscribe(func([]Notification) { panic("observer bug") })
	store.Subscribe(func([]Notification) { reached = true })

	stream.push(t, EventProcessAssigned, Notification{ID: "1"})
	if !reached {
		t.Fatal("panicking observer blocked later observers")
	}
}
