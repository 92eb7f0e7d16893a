package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

type fakeSource struct {
	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
	handlers     map[string]func(schema.Quote)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		handlers:     make(map[string]func(schema.Quote)),
	}
}

func (s *fakeSource) SubscribeQuotes(_ context.Context, inst schema.Instrument, fn func(schema.Quote)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes[inst.Key()]++
	s.handlers[inst.Key()] = fn
	return func() {
		s.mu.Lock()
		s.unsubscribes[inst.Key()]++
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) emit(q schema.Quote) {
	s.mu.Lock()
	fn := s.handlers[q.Instrument.Key()]
	s.mu.Unlock()
	fn(q)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCacheSharesOneSubscription(t *testing.T) {
	src := newFakeSource()
	cache := NewCache(src)
	spy := schema.Equity("SPY")

	require.NoError(t, cache.Acquire(t.Context(), spy))
	require.NoError(t, cache.Acquire(t.Context(), spy))
	assert.Equal(t, 1, src.subscribes[spy.Key()])
	assert.Equal(t, 2, cache.Refs(spy))

	cache.Release(spy)
	assert.Equal(t, 0, src.unsubscribes[spy.Key()])
	cache.Release(spy)
	assert.Equal(t, 1, src.unsubscribes[spy.Key()])
	assert.Equal(t, 0, cache.Refs(spy))

	cache.Release(spy)
	assert.Equal(t, 1, src.unsubscribes[spy.Key()])
}

func TestCacheStaleness(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)}
	src := newFakeSource()
	cache := NewCache(src, WithClock(clk.Now))
	spy := schema.Equity("SPY")

	_, status := cache.GetQuote(spy, time.Second)
	assert.Equal(t, StatusUnknown, status)

	require.NoError(t, cache.Acquire(t.Context(), spy))
	src.emit(schema.Quote{Instrument: spy, Last: decimal.NewFromInt(500), Time: clk.Now()})

	q, status := cache.GetQuote(spy, 5*time.Second)
	assert.Equal(t, StatusFresh, status)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(500)))
	assert.False(t, cache.IsStale(spy, 5*time.Second))

	clk.Advance(6 * time.Second)
	_, status = cache.GetQuote(spy, 5*time.Second)
	assert.Equal(t, StatusStale, status)
	assert.True(t, cache.IsStale(spy, 5*time.Second))
	_, err := cache.Fresh(spy, 5*time.Second)
	require.ErrorIs(t, err, exception.ErrStaleData)

	_, status = cache.GetQuote(spy, 0)
	assert.Equal(t, StatusFresh, status)

	_, err = cache.Fresh(schema.Equity("QQQ"), time.Second)
	require.ErrorIs(t, err, exception.ErrUnknownInstrument)
}

func TestCacheDropsOutOfOrderQuotes(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)
	cache := NewCache(newFakeSource(), WithClock(func() time.Time { return now }))
	spy := schema.Equity("SPY")

	cache.Update(schema.Quote{Instrument: spy, Last: decimal.NewFromInt(2), Time: now})
	cache.Update(schema.Quote{Instrument: spy, Last: decimal.NewFromInt(1), Time: now.Add(-time.Second)})

	q, _ := cache.GetQuote(spy, 0)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(2)))
}

func TestCacheReleaseForgetsQuote(t *testing.T) {
	src := newFakeSource()
	cache := NewCache(src)
	spy := schema.Equity("SPY")

	require.NoError(t, cache.Acquire(t.Context(), spy))
	src.emit(schema.Quote{Instrument: spy, Last: decimal.NewFromInt(1)})
	_, status := cache.GetQuote(spy, time.Minute)
	require.Equal(t, StatusFresh, status)

	cache.Release(spy)
	_, status = cache.GetQuote(spy, time.Minute)
	assert.Equal(t, StatusUnknown, status)
}

func TestCacheConcurrentReaders(t *testing.T) {
	cache := NewCache(newFakeSource())
	spy := schema.Equity("SPY")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 100 {
				cache.Update(schema.Quote{Instrument: spy, Last: decimal.NewFromInt(int64(i*100 + j))})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				cache.GetQuote(spy, time.Minute)
			}
		}()
	}
	wg.Wait()
	_, status := cache.GetQuote(spy, time.Minute)
	assert.Equal(t, StatusFresh, status)
}
