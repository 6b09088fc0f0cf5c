package aegis

import (
	"log/slog"
	"sync"
)

// observers is an ordered set of callbacks with handle-based removal.
// Callbacks run synchronously in registration order; a panicking callback
// is recovered so it cannot break the caller.
type observers[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []observerEntry[T]
	logger  *slog.Logger
}

type observerEntry[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, observerEntry[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.entries {
				if e.id == id {
					o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	entries := append([]observerEntry[T](nil), o.entries...)
	o.mu.Unlock()
	for _, e := range entries {
		o.call(e.fn, v)
	}
}

func (o *observers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && o.logger != nil {
			o.logger.Error("observer panicked", slog.Any("panic", r))
		}
	}()
	fn(v)
}

func (o *observers[T]) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *observers[T]) clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}
