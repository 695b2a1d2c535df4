package store

import (
	"context"
	"sync"
)

// Listeners is a helper for `IdentityProvider` implementations: it keeps the current
// identity and notifies the listeners about changes.
type Listeners struct {
	mutex     sync.Mutex
	current   *Identity
	nextID    int
	listeners map[int]func(*Identity)
}

func (l *Listeners) Current() *Identity {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.current == nil {
		return nil
	}

	identity := *l.current
	return &identity
}

func (l *Listeners) Set(identity *Identity) {
	l.mutex.Lock()
	l.current = identity
	listeners := make([]func(*Identity), 0, len(l.listeners))
	for _, listener := range l.listeners {
		listeners = append(listeners, listener)
	}
	l.mutex.Unlock()

	for _, listener := range listeners {
		listener(identity)
	}
}

func (l *Listeners) Subscribe(listener func(*Identity)) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.listeners == nil {
		l.listeners = make(map[int]func(*Identity))
	}

	id := l.nextID
	l.nextID++
	l.listeners[id] = listener

	return func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()
		delete(l.listeners, id)
	}
}

// StaticIdentity is an identity provider for a fixed, locally configured user.
type StaticIdentity struct {
	identity  Identity
	listeners Listeners
}

func NewStaticIdentity(userID string) *StaticIdentity {
	return &StaticIdentity{identity: Identity{UserID: userID, DisplayName: userID}}
}

func (s *StaticIdentity) SignIn(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	identity := s.identity
	s.listeners.Set(&identity)
	return identity, nil
}

func (s *StaticIdentity) SignOut(context.Context) error {
	s.listeners.Set(nil)
	return nil
}

func (s *StaticIdentity) CurrentIdentity() *Identity {
	return s.listeners.Current()
}

func (s *StaticIdentity) OnIdentityChange(listener func(*Identity)) func() {
	return s.listeners.Subscribe(listener)
}
