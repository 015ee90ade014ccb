package rabbitmq

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a connectivity notification.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	// EventReplayed fires once a fresh channel has the full topology applied.
	EventReplayed EventKind = "replayed"
	// EventReplayFailed fires when the broker refuses a ledger entry during
	// replay. The wrapper stays halted until ChannelWrapper.Replay is called.
	// Transport failures during replay only surface as disconnected.
	EventReplayFailed EventKind = "replayFailed"
)

// Event is delivered to listeners registered on an EventBus.
type Event struct {
	Kind      EventKind
	Epoch     uint64
	Err       error
	Timestamp time.Time
}

// Listener receives connectivity events.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type registration struct {
	id       ListenerID
	kind     EventKind
	listener Listener
}

// EventBus is an observer registry decoupling callers from the session.
type EventBus struct {
	mu        sync.RWMutex
	listeners []registration
	nextID    ListenerID
	connected bool
	logger    *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger}
}

// On registers listener for kind.
func (b *EventBus) On(kind EventKind, listener Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners = append(b.listeners, registration{id: b.nextID, kind: kind, listener: listener})
	return b.nextID
}

// Off removes a registration. Unknown ids are ignored.
func (b *EventBus) Off(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, reg := range b.listeners {
		if reg.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// IsConnected reports the state carried by the last connected/disconnected event.
func (b *EventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Emit delivers ev to every listener of its kind on the calling goroutine.
func (b *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	switch ev.Kind {
	case EventConnected:
		b.connected = true
	case EventDisconnected:
		b.connected = false
	}
	targets := make([]Listener, 0, len(b.listeners))
	for _, reg := range b.listeners {
		if reg.kind == ev.Kind {
			targets = append(targets, reg.listener)
		}
	}
	b.mu.Unlock()

	for _, listener := range targets {
		b.dispatch(ev, listener)
	}
}

func (b *EventBus) dispatch(ev Event, listener Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", ev.Kind, "panic", r)
		}
	}()
	listener(ev)
}
