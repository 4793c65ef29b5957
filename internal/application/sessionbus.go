package application

import (
	"sync"

	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SessionObserver = (*SessionBus)(nil)

type subscriber struct {
	id int
	fn func()
}

// SessionBus fans the "session expired" signal out to every subscriber. It is
// passed explicitly to the backend client instead of living in package state.
type SessionBus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

// NewSessionBus creates an empty SessionBus.
func NewSessionBus() *SessionBus {
	return &SessionBus{}
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is harmless.
func (b *SessionBus) Subscribe(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SessionExpired calls every subscriber once, in subscription order. Callbacks
// run outside the lock so they may subscribe or unsubscribe.
func (b *SessionBus) SessionExpired() {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn()
	}
}
