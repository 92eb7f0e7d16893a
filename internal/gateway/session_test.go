package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"optrader/internal/gateway"
	"optrader/internal/gateway/gatewaytest"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

var testEndpoint = gateway.Endpoint{Host: "127.0.0.1", Port: 4002, ClientID: 7}

func fastOption() gateway.Option {
	return gateway.Option{
		Backoff:        gateway.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		RequestTimeout: time.Second,
	}
}

func connect(t *testing.T, dialer *gatewaytest.Dialer) *gateway.Session {
	t.Helper()
	s, err := gateway.Connect(t.Context(), dialer, testEndpoint, fastOption())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	dialer := gatewaytest.NewDialer()
	dialer.Fail(errors.New("refused"))

	s, err := gateway.Connect(t.Context(), dialer, testEndpoint, fastOption())
	require.Nil(t, s)
	require.ErrorIs(t, err, exception.ErrConnection)
	assert.Equal(t, 1, dialer.Dials())
}

func TestConnectNilDialer(t *testing.T) {
	_, err := gateway.Connect(t.Context(), nil, testEndpoint, fastOption())
	require.ErrorIs(t, err, exception.ErrNilDialer)
}

func TestPlaceOrderReturnsVenueID(t *testing.T) {
	conn := gatewaytest.NewConn()
	s := connect(t, gatewaytest.NewDialer(conn))
	assert.Equal(t, gateway.StateConnected, s.State())

	id, err := s.PlaceOrder(t.Context(), schema.OrderRequest{
		ClientOrderID: "c-1",
		Instrument:    schema.Equity("SPY"),
		Direction:     schema.DirectionBuy,
		Type:          schema.OrderTypeLimit,
		Qty:           1,
		Price:         decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	assert.Equal(t, "V1", id)

	report, err := s.OrderStatus(t.Context(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusWorking, report.Status)

	_, err = s.OrderStatus(t.Context(), "missing")
	require.ErrorIs(t, err, exception.ErrUnknownOrder)
}

func TestRejectionIsNotConnectionError(t *testing.T) {
	conn := gatewaytest.NewConn()
	conn.PlaceErr = func(schema.OrderRequest) error { return gatewaytest.Reject("insufficient margin") }
	s := connect(t, gatewaytest.NewDialer(conn))

	_, err := s.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-1", Qty: 1})
	require.ErrorIs(t, err, exception.ErrOrderRejected)
	assert.NotErrorIs(t, err, exception.ErrConnection)
}

func TestTransportFailureIsConnectionError(t *testing.T) {
	conn := gatewaytest.NewConn()
	conn.PlaceErr = func(schema.OrderRequest) error { return context.DeadlineExceeded }
	s := connect(t, gatewaytest.NewDialer(conn))

	_, err := s.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-1", Qty: 1})
	require.ErrorIs(t, err, exception.ErrConnection)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	first, second := gatewaytest.NewConn(), gatewaytest.NewConn()
	dialer := gatewaytest.NewDialer(first, second)
	s := connect(t, dialer)

	var (
		mu          sync.Mutex
		quotes      []decimal.Decimal
		disconnects int
		reconnects  int
	)
	s.OnDisconnect(func(error) { mu.Lock(); disconnects++; mu.Unlock() })
	s.OnReconnect(func() { mu.Lock(); reconnects++; mu.Unlock() })

	spy := schema.Equity("SPY")
	unsubscribe, err := s.SubscribeQuotes(t.Context(), spy, func(q schema.Quote) {
		mu.Lock()
		quotes = append(quotes, q.Last)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.True(t, first.Subscribed(spy.Key()))

	first.Push(gateway.Event{Kind: gateway.EventQuote, Quote: schema.Quote{Instrument: spy, Last: decimal.NewFromInt(1)}})
	first.Drop(errors.New("socket reset"))

	require.Eventually(t, func() bool { return s.Reconnects() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, gateway.StateConnected, s.State())
	assert.True(t, second.Subscribed(spy.Key()))

	second.Push(gateway.Event{Kind: gateway.EventQuote, Quote: schema.Quote{Instrument: spy, Last: decimal.NewFromInt(2)}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(quotes) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, reconnects)
	assert.True(t, quotes[0].Equal(decimal.NewFromInt(1)))
	assert.True(t, quotes[1].Equal(decimal.NewFromInt(2)))
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	assert.False(t, second.Subscribed(spy.Key()))
}

func TestRequestsFailFastWhileReconnecting(t *testing.T) {
	first := gatewaytest.NewConn()
	dialer := gatewaytest.NewDialer(first)
	s := connect(t, dialer)

	dropped := make(chan struct{})
	s.OnDisconnect(func(error) { close(dropped) })
	first.Drop(errors.New("gateway restart"))
	<-dropped

	_, err := s.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-1", Qty: 1})
	require.ErrorIs(t, err, exception.ErrGatewayUnavailable)
	assert.NotEqual(t, gateway.StateConnected, s.State())

	dialer.Enqueue(gatewaytest.NewConn())
	require.Eventually(t, func() bool { return s.State() == gateway.StateConnected }, time.Second, time.Millisecond)
	_, err = s.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-2", Qty: 1})
	require.NoError(t, err)
}

func TestOrderEventsKeepArrivalOrder(t *testing.T) {
	conn := gatewaytest.NewConn()
	s := connect(t, gatewaytest.NewDialer(conn))

	var (
		mu  sync.Mutex
		got []gateway.EventKind
	)
	s.OnOrderEvent(func(ev gateway.Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	})

	_, err := s.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-1", Qty: 2})
	require.NoError(t, err)
	conn.Push(gateway.Event{Kind: gateway.EventOrderUpdate, Update: schema.OrderUpdate{ClientOrderID: "c-1", Status: schema.OrderStatusWorking}})
	conn.Fill("c-1", 1, decimal.NewFromInt(3), true)
	conn.Fill("c-1", 1, decimal.NewFromInt(3), true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []gateway.EventKind{gateway.EventOrderUpdate, gateway.EventFill, gateway.EventFill}, got)
	mu.Unlock()
}

func TestCloseIsFinal(t *testing.T) {
	conn := gatewaytest.NewConn()
	dialer := gatewaytest.NewDialer(conn)
	s, err := gateway.Connect(t.Context(), dialer, testEndpoint, fastOption())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, gateway.StateDisconnected, s.State())
	assert.Equal(t, 1, dialer.Dials())

	_, err = s.OpenOrders(t.Context())
	require.ErrorIs(t, err, exception.ErrGatewayUnavailable)
	_, err = s.SubscribeQuotes(t.Context(), schema.Equity("QQQ"), func(schema.Quote) {})
	require.ErrorIs(t, err, exception.ErrGatewayUnavailable)
}
