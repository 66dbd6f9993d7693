package rtc

import (
	"sync"
	"time"
)

const defaultHistoryCapacity = 64

// ConnectionEvent records one state transition.
type ConnectionEvent struct {
	From      State
	To        State
	Room      string
	Reason    string
	Timestamp time.Time
}

// eventHistory keeps the most recent transitions in a fixed-size ring.
type eventHistory struct {
	mu     sync.RWMutex
	events []ConnectionEvent
	next   int // next write position
	count  int
}

func newEventHistory(capacity int) *eventHistory {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &eventHistory{events: make([]ConnectionEvent, capacity)}
}

func (h *eventHistory) add(ev ConnectionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events[h.next] = ev
	h.next = (h.next + 1) % len(h.events)
	if h.count < len(h.events) {
		h.count++
	}
}

// recent returns up to n events, oldest first. n <= 0 returns everything held.
func (h *eventHistory) recent(n int) []ConnectionEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]ConnectionEvent, n)
	start := (h.next - n + len(h.events)) % len(h.events)
	for i := 0; i < n; i++ {
		out[i] = h.events[(start+i)%len(h.events)]
	}
	return out
}

func (h *eventHistory) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *eventHistory) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next, h.count = 0, 0
}
