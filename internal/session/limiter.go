package session

import (
	"sync"
	"time"
)

// EventLimiter throttles events per (connection id, event name) with a fixed
// window. When the window elapses the counter resets. Delivery
// acknowledgements are exempt so read-receipt flows are never starved under
// load.
//
// On disallow the caller notifies the connection and drops the event; it is
// never queued. Counters for a connection are released on disconnect so the
// map cannot grow without bound.
type EventLimiter struct {
	mu      sync.Mutex
	windows map[limiterKey]*eventWindow
	exempt  map[string]struct{}

	// now is stubbed in tests.
	now func() time.Time
}

type limiterKey struct {
	connID string
	event  string
}

type eventWindow struct {
	count   int
	started time.Time
}

// Events exempt from rate limiting: dropping acknowledgements would starve
// read-receipt flows exactly when the room is busiest.
var limiterExemptEvents = []string{
	EventMessageDelivered,
	EventMessageRead,
}

// NewEventLimiter creates an empty limiter.
func NewEventLimiter() *EventLimiter {
	exempt := make(map[string]struct{}, len(limiterExemptEvents))
	for _, ev := range limiterExemptEvents {
		exempt[ev] = struct{}{}
	}
	return &EventLimiter{
		windows: make(map[limiterKey]*eventWindow),
		exempt:  exempt,
		now:     time.Now,
	}
}

// Allow reports whether the connection may dispatch one more event of the
// given name within a window of the given size and limit. The nth event of a
// window is allowed for n <= maxEvents; the first event past the limit is
// rejected until the window resets.
func (l *EventLimiter) Allow(connID, event string, maxEvents int, window time.Duration) bool {
	if _, ok := l.exempt[event]; ok {
		return true
	}
	if maxEvents <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := limiterKey{connID: connID, event: event}
	w := l.windows[key]
	if w == nil || now.Sub(w.started) >= window {
		l.windows[key] = &eventWindow{count: 1, started: now}
		return true
	}
	if w.count >= maxEvents {
		return false
	}
	w.count++
	return true
}

// Release drops all counters for the connection.
func (l *EventLimiter) Release(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.connID == connID {
			delete(l.windows, key)
		}
	}
}

// Count returns the number of tracked windows, for monitoring.
func (l *EventLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
