package monitor

import (
	"sync"
	"time"
)

// Interaction is a qualifying user interaction (pointer, key, navigation).
type Interaction struct {
	Kind string
	// At is when the interaction happened. Zero means "now" on receipt.
	At time.Time
}

// InteractionSource delivers interactions to subscribers.
// The returned unsubscribe func must be safe to call once.
type InteractionSource interface {
	Subscribe(handler func(Interaction)) (unsubscribe func())
}

// Feed is an in-process InteractionSource. The zero value is ready to use.
type Feed struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(Interaction)
}

// Subscribe registers handler until the returned func is called.
func (f *Feed) Subscribe(handler func(Interaction)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[int]func(Interaction))
	}
	id := f.next
	f.next++
	f.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

// Emit delivers in to every current subscriber.
func (f *Feed) Emit(in Interaction) {
	f.mu.Lock()
	hs := make([]func(Interaction), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(in)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}
