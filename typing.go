package aegis

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TypingTimeout is the local inactivity window after which stop-typing is
// sent. It is measured from the last input change.
const TypingTimeout = 2 * time.Second

// ============================================================================
// Local emission
// ============================================================================

// typingEmitter debounces local input into start/stop signals for one room.
// The timer belongs to one view and is never shared across rooms.
type typingEmitter struct {
	clock clock.Clock
	delay time.Duration
	start func()
	stop  func()

	mu          sync.Mutex
	outstanding bool
	timer       *clock.Timer
	gen         uint64
	closed      bool
}

func newTypingEmitter(clk clock.Clock, start, stop func()) *typingEmitter {
	return &typingEmitter{clock: clk, delay: TypingTimeout, start: start, stop: stop}
}

// InputChanged records a local edit of the message input.
func (e *typingEmitter) InputChanged(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if text != "" && !e.outstanding {
		e.outstanding = true
		e.start()
	}

	e.stopTimerLocked()
	gen := e.gen
	e.timer = e.clock.AfterFunc(e.delay, func() { e.expire(gen) })
}

func (e *typingEmitter) expire(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.gen {
		return
	}
	e.timer = nil
	if e.outstanding {
		e.outstanding = false
		e.stop()
	}
}

// MessageSent cancels any pending timer and always emits stop-typing.
func (e *typingEmitter) MessageSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.stopTimerLocked()
	e.outstanding = false
	e.stop()
}

// Close cancels the timer without emitting anything.
func (e *typingEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
	e.closed = true
	e.outstanding = false
}

func (e *typingEmitter) stopTimerLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// ============================================================================
// Remote state
// ============================================================================

// TypingState tracks which remote users are typing in one room. Entries have
// no expiry: a peer that disconnects mid-typing stays listed until one of its
// messages or a stop signal arrives.
type TypingState struct {
	self string

	mu     sync.Mutex
	typers map[string]struct{}
	status string

	obs observers[string]
}

func newTypingState(self string) *TypingState {
	return &TypingState{self: self, typers: make(map[string]struct{})}
}

// Start marks name as typing. The local user's own name is ignored.
func (t *TypingState) Start(name string) {
	if name == "" || name == t.self {
		return
	}
	t.update(func() bool {
		if _, ok := t.typers[name]; ok {
			return false
		}
		t.typers[name] = struct{}{}
		return true
	})
}

// Stop clears name.
func (t *TypingState) Stop(name string) {
	t.update(func() bool {
		if _, ok := t.typers[name]; !ok {
			return false
		}
		delete(t.typers, name)
		return true
	})
}

// MessageFrom clears name: a received message implies its sender stopped typing.
func (t *TypingState) MessageFrom(name string) {
	t.Stop(name)
}

// Typers returns the names currently typing, sorted.
func (t *TypingState) Typers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typersLocked()
}

// Status returns the aggregated human-readable typing line.
func (t *TypingState) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Subscribe registers fn for status changes and returns its remover.
func (t *TypingState) Subscribe(fn func(status string)) func() {
	return t.obs.add(fn)
}

func (t *TypingState) reset() {
	t.update(func() bool {
		if len(t.typers) == 0 {
			return false
		}
		t.typers = make(map[string]struct{})
		return true
	})
}

func (t *TypingState) update(mutate func() bool) {
	t.mu.Lock()
	if !mutate() {
		t.mu.Unlock()
		return
	}
	t.status = TypingStatus(t.typersLocked())
	status := t.status
	t.mu.Unlock()
	t.obs.notify(status)
}

func (t *TypingState) typersLocked() []string {
	names := make([]string, 0, len(t.typers))
	for name := range t.typers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypingStatus renders the typing line for names: singular phrasing for
// exactly one typer, plural for more.
func TypingStatus(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s está escribiendo...", names[0])
	default:
		head := strings.Join(names[:len(names)-1], ", ")
		return fmt.Sprintf("%s y %s están escribiendo...", head, names[len(names)-1])
	}
}
