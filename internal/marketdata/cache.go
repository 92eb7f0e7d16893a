package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// Status classifies a cached quote for a given freshness threshold.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusFresh
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Source streams quotes for an instrument until the returned function is called.
type Source interface {
	SubscribeQuotes(ctx context.Context, instrument schema.Instrument, fn func(schema.Quote)) (func(), error)
}

type subscription struct {
	refs   int
	cancel func()
}

// Cache keeps the latest quote per instrument and shares one upstream
// subscription per instrument between all consumers.
type Cache struct {
	source Source
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[string]schema.Quote

	subMu sync.Mutex
	subs  map[string]*subscription
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		now:    time.Now,
		quotes: make(map[string]schema.Quote),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire takes a reference on the instrument's subscription, subscribing
// upstream on the first reference.
func (c *Cache) Acquire(ctx context.Context, instrument schema.Instrument) error {
	key := instrument.Key()
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if sub, ok := c.subs[key]; ok {
		sub.refs++
		return nil
	}
	if c.source == nil {
		return exception.ErrNilInstance
	}
	cancel, err := c.source.SubscribeQuotes(ctx, instrument, c.Update)
	if err != nil {
		return errors.Wrap(err, "subscribe "+key)
	}
	c.subs[key] = &subscription{refs: 1, cancel: cancel}
	logs.Infof("market data subscribed, instrument: %s", key)
	return nil
}

// Release drops a reference. The last release tears the subscription down and
// forgets the cached quote.
func (c *Cache) Release(instrument schema.Instrument) {
	key := instrument.Key()
	c.subMu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.subMu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		c.subMu.Unlock()
		return
	}
	delete(c.subs, key)
	c.subMu.Unlock()

	if sub.cancel != nil {
		sub.cancel()
	}
	c.mu.Lock()
	delete(c.quotes, key)
	c.mu.Unlock()
	logs.Infof("market data unsubscribed, instrument: %s", key)
}

// Refs returns the number of references held on the instrument.
func (c *Cache) Refs(instrument schema.Instrument) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub, ok := c.subs[instrument.Key()]; ok {
		return sub.refs
	}
	return 0
}

// Update stores a quote. Quotes older than the cached one are dropped.
func (c *Cache) Update(q schema.Quote) {
	if q.Time.IsZero() {
		q.Time = c.now()
	}
	key := q.Instrument.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.quotes[key]; ok && q.Time.Before(prev.Time) {
		return
	}
	c.quotes[key] = q
}

// GetQuote returns a copy of the latest quote with its status. A non-positive
// maxAge disables the staleness check.
func (c *Cache) GetQuote(instrument schema.Instrument, maxAge time.Duration) (schema.Quote, Status) {
	c.mu.RLock()
	q, ok := c.quotes[instrument.Key()]
	c.mu.RUnlock()
	if !ok {
		return schema.Quote{}, StatusUnknown
	}
	if maxAge > 0 && q.Age(c.now()) > maxAge {
		return q, StatusStale
	}
	return q, StatusFresh
}

// IsStale reports whether the instrument has no quote younger than maxAge.
func (c *Cache) IsStale(instrument schema.Instrument, maxAge time.Duration) bool {
	_, status := c.GetQuote(instrument, maxAge)
	return status != StatusFresh
}

// Fresh returns the quote only when it is fresh.
func (c *Cache) Fresh(instrument schema.Instrument, maxAge time.Duration) (schema.Quote, error) {
	q, status := c.GetQuote(instrument, maxAge)
	switch status {
	case StatusFresh:
		return q, nil
	case StatusStale:
		return q, errors.Wrapf(exception.ErrStaleData, "%s age %s", instrument.Key(), q.Age(c.now()))
	default:
		return q, errors.Wrap(exception.ErrUnknownInstrument, instrument.Key())
	}
}
