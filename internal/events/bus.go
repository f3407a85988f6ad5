// Package events provides a publish/subscribe bus for host activity.
// The MCP host publishes server lifecycle transitions, server log
// lines, progress updates and stderr diagnostics here; the status
// publisher and the daemon's log forwarding subscribe. The bus is
// nil-safe: Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// SourceMCP identifies events from the MCP host and its servers.
const SourceMCP = "mcp"

// Kind constants describe the type of event within a source.
const (
	// KindServerState signals a server lifecycle transition.
	// Data: server, from, to.
	KindServerState = "server_state"
	// KindLogMessage carries a log notification from a server.
	// Data: server, level, message.
	KindLogMessage = "log_message"
	// KindProgress carries a progress notification from a server.
	// Data: server, token, value.
	KindProgress = "progress"
	// KindCancel signals that a server cancelled a request.
	// Data: server, request_id.
	KindCancel = "cancel"
	// KindStderr carries one stderr line from a stdio server.
	// Data: server, line.
	KindStderr = "stderr"
	// KindNotification carries any other server notification.
	// Data: server, method.
	KindNotification = "notification"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	// C delivers events. It is closed by Close.
	C <-chan Event

	ch      chan Event
	kinds   map[string]bool
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish sends an event to every matching subscriber. A zero
// Timestamp is set to now. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if len(s.kinds) > 0 && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// When kinds are given only events of those kinds are delivered. The
// caller must Close the subscription when done.
func (b *Bus) Subscribe(bufSize int, kinds ...string) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close removes the subscription and closes C. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
