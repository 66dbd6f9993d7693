package rtc

import (
	"sync"
)

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateStream fans transitions out to subscribers. Every subscriber gets
// every event in order; a slow reader only delays itself.
type stateStream struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

func newStateStream() *stateStream {
	return &stateStream{subs: make(map[int]*subscriber)}
}

func (s *stateStream) subscribe() (<-chan ConnectionEvent, func()) {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan ConnectionEvent),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

func (s *stateStream) publish(ev ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.push(ev)
	}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []ConnectionEvent
	notify chan struct{}
	out    chan ConnectionEvent
	done   chan struct{}
}

func (s *subscriber) push(ev ConnectionEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
