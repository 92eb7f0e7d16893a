package gateway

import (
	"sync"

	"optrader/internal/schema"
)

type quoteHandler func(schema.Quote)

type subscription struct {
	instrument schema.Instrument
	handlers   map[uint64]quoteHandler
}

// subscriptions tracks the desired quote subscriptions of a session.
// They survive reconnects and are replayed on every new connection.
type subscriptions struct {
	mu     sync.Mutex
	nextID uint64
	byKey  map[string]*subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byKey: make(map[string]*subscription)}
}

// Add registers a handler. Returns true if the instrument was newly added.
func (s *subscriptions) Add(instrument schema.Instrument, fn quoteHandler) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	key := instrument.Key()
	sub, ok := s.byKey[key]
	if !ok {
		sub = &subscription{instrument: instrument, handlers: make(map[uint64]quoteHandler)}
		s.byKey[key] = sub
	}
	sub.handlers[s.nextID] = fn
	return s.nextID, !ok
}

// Remove drops a handler. Returns true if it was the last one for the instrument.
func (s *subscriptions) Remove(key string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byKey[key]
	if !ok {
		return false
	}
	if _, ok := sub.handlers[id]; !ok {
		return false
	}
	delete(sub.handlers, id)
	if len(sub.handlers) > 0 {
		return false
	}
	delete(s.byKey, key)
	return true
}

// Handlers returns a copy of the handlers for an instrument key.
func (s *subscriptions) Handlers(key string) []quoteHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byKey[key]
	if !ok {
		return nil
	}
	out := make([]quoteHandler, 0, len(sub.handlers))
	for _, fn := range sub.handlers {
		out = append(out, fn)
	}
	return out
}

// Desired returns every subscribed instrument.
func (s *subscriptions) Desired() []schema.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Instrument, 0, len(s.byKey))
	for _, sub := range s.byKey {
		out = append(out, sub.instrument)
	}
	return out
}

// Count returns the number of subscribed instruments.
func (s *subscriptions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}
