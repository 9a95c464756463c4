// Package observability implements the sync status read model: the
// event stream UI code subscribes to (online, offline, sync_start,
// sync_complete, sync_error) plus the structured logging setup the
// rest of the module shares.
package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the module's shared structured logger. Components
// derive request-scoped loggers from the value this returns rather
// than constructing their own.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// EventType is one of the Sync Manager's observable transitions.
type EventType string

const (
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
	EventSyncStart     EventType = "sync_start"
	EventSyncComplete  EventType = "sync_complete"
	EventSyncError     EventType = "sync_error"
)

// Event is one status transition, with enough context to drive a UI
// badge or a log line.
type Event struct {
	Type      EventType
	At        time.Time
	PendingN  int
	Err       error
}

// Emitter is a small typed pub/sub for Sync Manager state transitions.
// It never blocks a publisher on a slow subscriber.
type Emitter struct {
	mu          sync.Mutex
	subscribers []chan Event
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe returns a channel that receives every future Emit.
func (e *Emitter) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// Emit publishes ev to every subscriber, dropping it for subscribers
// whose buffer is full rather than blocking the caller.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
