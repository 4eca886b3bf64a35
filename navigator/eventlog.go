// ABOUTME: In-memory event recorder with filtering and per-type counts.
// ABOUTME: Hosts hang EventLog.Record on Config.OnEvent to audit a run after the fact.

package navigator

import "sync"

// EventLog collects navigation events for later inspection. It is safe for
// concurrent use; Record is cheap enough to sit on the loop's event path.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Record appends an event. Pass this method as Config.OnEvent.
func (l *EventLog) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// All returns a copy of every recorded event in arrival order.
func (l *EventLog) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByType returns the recorded events of one type, in arrival order.
func (l *EventLog) ByType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Counts returns the number of recorded events per type.
func (l *EventLog) Counts() map[EventType]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[EventType]int)
	for _, ev := range l.events {
		counts[ev.Type]++
	}
	return counts
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
