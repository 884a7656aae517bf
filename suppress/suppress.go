// Package suppress carries "stop reading cards" requests from whoever
// needs them (an open management screen, a remote operator) to the card
// access service without shared flags.
package suppress

import (
	"sort"
	"sync"
)

// Message turns suppression on or off for one source.
type Message struct {
	Suppressed bool   `json:"suppressed"`
	Source     string `json:"source"`
}

// Bus fans Messages out to every subscriber in publish order. The zero
// value is not usable; call New.
type Bus struct {
	mu       sync.Mutex
	active   map[string]struct{}
	subs     map[*Subscription]struct{}
	handlers map[int]func(Message)
	nextID   int
}

// Subscription receives Messages on C until Close.
type Subscription struct {
	C <-chan Message

	ch   chan Message
	done chan struct{}
	once sync.Once
	bus  *Bus
}

const subscriptionBuffer = 32

func New() *Bus {
	return &Bus{
		active:   make(map[string]struct{}),
		subs:     make(map[*Subscription]struct{}),
		handlers: make(map[int]func(Message)),
	}
}

// Subscribe returns a new subscription. Messages published before the
// call are not replayed; use Active for the current set.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Message, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, done: make(chan struct{}), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Handle registers fn to be called synchronously from Publish, before
// Publish returns. The returned func removes it.
func (b *Bus) Handle(fn func(Message)) (remove func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish records msg and delivers it to all current handlers and
// subscribers. It blocks while a subscriber's buffer is full.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	if msg.Suppressed {
		b.active[msg.Source] = struct{}{}
	} else {
		delete(b.active, msg.Source)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
}

// Active returns the sources currently suppressing, sorted.
func (b *Bus) Active() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.active))
	for src := range b.active {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Close detaches the subscription. C is not closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Set tracks active suppression sources on the consumer side.
type Set map[string]struct{}

// Apply updates the set from msg and reports whether anything changed.
func (s Set) Apply(msg Message) bool {
	_, had := s[msg.Source]
	if msg.Suppressed {
		s[msg.Source] = struct{}{}
		return !had
	}
	delete(s, msg.Source)
	return had
}

// Suppressed reports whether any source is active.
func (s Set) Suppressed() bool { return len(s) > 0 }
