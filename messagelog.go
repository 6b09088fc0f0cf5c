package aegis

import "sync"

// MessageLog is the ordered, deduplicated message sequence of one room,
// oldest first. Messages without an id are always appended.
type MessageLog struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[ID]struct{}
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{ids: make(map[ID]struct{})}
}

// Append adds msg unless its id is already present and reports whether the
// log changed.
func (l *MessageLog) Append(msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(msg)
}

func (l *MessageLog) appendLocked(msg Message) bool {
	if msg.ID != "" {
		if _, dup := l.ids[msg.ID]; dup {
			return false
		}
		l.ids[msg.ID] = struct{}{}
	}
	l.messages = append(l.messages, msg)
	return true
}

// ReplaceHistory discards the log and seeds it with history, in order.
// Duplicate ids within history keep their first occurrence.
func (l *MessageLog) ReplaceHistory(history []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = make([]Message, 0, len(history))
	l.ids = make(map[ID]struct{}, len(history))
	for _, msg := range history {
		l.appendLocked(msg)
	}
}

// Messages returns a copy of the log.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.messages...)
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

func (l *MessageLog) Contains(id ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}
