package gateway

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// Session owns the single logical connection to the brokerage gateway.
//
// It redials with backoff whenever the connection drops and replays quote
// subscriptions afterwards. Requests made while not connected fail fast with
// exception.ErrGatewayUnavailable. Events of one connection are dispatched from a
// single goroutine in arrival order.
type Session struct {
	dialer   Dialer
	endpoint Endpoint
	opt      Option

	state  atomic.Int32
	closed atomic.Bool

	connMu sync.RWMutex
	conn   Conn

	subs *subscriptions

	handlerMu    sync.RWMutex
	onDisconnect []func(error)
	onReconnect  []func()
	onOrderEvent []func(Event)

	reconnects atomic.Uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Connect dials the gateway and starts the session loop. The first dial is not
// retried: a failure is returned wrapping exception.ErrConnection.
func Connect(ctx context.Context, dialer Dialer, endpoint Endpoint, opt Option) (*Session, error) {
	if dialer == nil {
		return nil, exception.ErrNilDialer
	}
	s := &Session{
		dialer:   dialer,
		endpoint: endpoint,
		opt:      opt,
		subs:     newSubscriptions(),
		done:     make(chan struct{}),
	}
	s.setState(StateConnecting)
	conn, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, errors.Wrapf(exception.ErrConnection, "dial %s: %v", endpoint, err)
	}
	s.setConn(conn)
	s.setState(StateConnected)
	logs.Infof("gateway connected, endpoint: %s", endpoint)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(loopCtx, conn)
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Reconnects returns how many times the session has re-established its connection.
func (s *Session) Reconnects() uint64 {
	return s.reconnects.Load()
}

// OnDisconnect registers a handler called with the cause whenever the connection drops.
func (s *Session) OnDisconnect(fn func(error)) {
	s.handlerMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.handlerMu.Unlock()
}

// OnReconnect registers a handler called after a dropped connection is restored
// and subscriptions are replayed.
func (s *Session) OnReconnect(fn func()) {
	s.handlerMu.Lock()
	s.onReconnect = append(s.onReconnect, fn)
	s.handlerMu.Unlock()
}

// OnOrderEvent registers a handler for order updates and fills.
func (s *Session) OnOrderEvent(fn func(Event)) {
	s.handlerMu.Lock()
	s.onOrderEvent = append(s.onOrderEvent, fn)
	s.handlerMu.Unlock()
}

// PlaceOrder submits an order and returns the venue's order id.
func (s *Session) PlaceOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	conn, err := s.active()
	if err != nil {
		return "", err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	id, err := conn.PlaceOrder(ctx, req)
	if err != nil {
		return "", classify(err, "place order "+req.ClientOrderID)
	}
	return id, nil
}

// CancelOrder requests cancellation of a working order.
func (s *Session) CancelOrder(ctx context.Context, clientOrderID string) error {
	conn, err := s.active()
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	if err := conn.CancelOrder(ctx, clientOrderID); err != nil {
		return classify(err, "cancel order "+clientOrderID)
	}
	return nil
}

// OrderStatus queries the gateway's record of an order.
func (s *Session) OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderReport, error) {
	conn, err := s.active()
	if err != nil {
		return schema.OrderReport{}, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	report, err := conn.OrderStatus(ctx, clientOrderID)
	if err != nil {
		return schema.OrderReport{}, classify(err, "order status "+clientOrderID)
	}
	return report, nil
}

// OpenOrders returns every working order of the account.
func (s *Session) OpenOrders(ctx context.Context) ([]schema.OrderReport, error) {
	conn, err := s.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	reports, err := conn.OpenOrders(ctx)
	if err != nil {
		return nil, classify(err, "open orders")
	}
	return reports, nil
}

// Holdings returns the account's current positions.
func (s *Session) Holdings(ctx context.Context) ([]schema.Holding, error) {
	conn, err := s.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	holdings, err := conn.Holdings(ctx)
	if err != nil {
		return nil, classify(err, "holdings")
	}
	return holdings, nil
}

// SubscribeQuotes streams quotes of the instrument into fn until the returned
// function is called. While disconnected the subscription is only recorded and
// is sent on the next successful connection.
func (s *Session) SubscribeQuotes(ctx context.Context, instrument schema.Instrument, fn func(schema.Quote)) (func(), error) {
	if fn == nil {
		return nil, exception.ErrNilInstance
	}
	if s.closed.Load() {
		return nil, errors.Wrap(exception.ErrGatewayUnavailable, "session closed")
	}
	key := instrument.Key()
	id, first := s.subs.Add(instrument, fn)
	if first {
		if conn, err := s.active(); err == nil {
			reqCtx, cancel := s.requestContext(ctx)
			err := conn.Subscribe(reqCtx, instrument)
			cancel()
			if err != nil {
				s.subs.Remove(key, id)
				return nil, classify(err, "subscribe "+key)
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !s.subs.Remove(key, id) {
				return
			}
			conn, err := s.active()
			if err != nil {
				return
			}
			reqCtx, cancel := s.requestContext(context.Background())
			defer cancel()
			if err := conn.Unsubscribe(reqCtx, instrument); err != nil {
				logs.Warnf("gateway unsubscribe %s failed, err: %+v", key, err)
			}
		})
	}, nil
}

// Close shuts the session down for good. Pending and future requests fail.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if conn := s.currentConn(); conn != nil {
		_ = conn.Close()
	}
	<-s.done
	s.setConn(nil)
	s.setState(StateDisconnected)
	logs.Infof("gateway session closed, endpoint: %s", s.endpoint)
	return nil
}

func (s *Session) run(ctx context.Context, conn Conn) {
	defer close(s.done)
	for {
		err := s.serve(ctx, conn)
		_ = conn.Close()
		s.setConn(nil)
		if ctx.Err() != nil || s.closed.Load() {
			return
		}

		s.setState(StateReconnecting)
		logs.Warnf("gateway connection lost, endpoint: %s, err: %+v", s.endpoint, err)
		s.fireDisconnect(err)

		conn = s.redial(ctx)
		if conn == nil {
			return
		}
		s.setConn(conn)
		s.setState(StateConnected)
		s.reconnects.Add(1)
		logs.Infof("gateway reconnected, endpoint: %s, subscriptions: %d", s.endpoint, s.subs.Count())
		s.fireReconnect()
	}
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return exception.ErrConnection
			}
			s.dispatch(ev)
		}
	}
}

func (s *Session) redial(ctx context.Context) Conn {
	attempt := 0
	for {
		attempt++
		if !sleepContext(ctx, s.opt.Backoff.Next(attempt)) {
			return nil
		}
		conn, err := s.dialer.Dial(ctx, s.endpoint)
		if err != nil {
			logs.Warnf("gateway redial failed, attempt: %d, err: %+v", attempt, err)
			continue
		}
		if err := s.replay(ctx, conn); err != nil {
			logs.Warnf("gateway resubscribe failed, attempt: %d, err: %+v", attempt, err)
			_ = conn.Close()
			continue
		}
		return conn
	}
}

func (s *Session) replay(ctx context.Context, conn Conn) error {
	for _, instrument := range s.subs.Desired() {
		reqCtx, cancel := s.requestContext(ctx)
		err := conn.Subscribe(reqCtx, instrument)
		cancel()
		if err != nil {
			return errors.Wrap(err, "subscribe "+instrument.Key())
		}
	}
	return nil
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventQuote:
		for _, fn := range s.subs.Handlers(ev.Quote.Instrument.Key()) {
			fn(ev.Quote)
		}
	case EventOrderUpdate, EventFill:
		s.handlerMu.RLock()
		handlers := s.onOrderEvent
		s.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(ev)
		}
	default:
		logs.Warnf("gateway dropped event of unknown kind %d", ev.Kind)
	}
}

func (s *Session) fireDisconnect(err error) {
	s.handlerMu.RLock()
	handlers := s.onDisconnect
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (s *Session) fireReconnect() {
	s.handlerMu.RLock()
	handlers := s.onReconnect
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (s *Session) active() (Conn, error) {
	if s.closed.Load() {
		return nil, errors.Wrap(exception.ErrGatewayUnavailable, "session closed")
	}
	if s.State() != StateConnected {
		return nil, errors.Wrap(exception.ErrGatewayUnavailable, s.State().String())
	}
	conn := s.currentConn()
	if conn == nil {
		return nil, exception.ErrGatewayUnavailable
	}
	return conn, nil
}

func (s *Session) currentConn() Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) setConn(conn Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opt.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opt.RequestTimeout)
}

// classify keeps business errors as they are and marks everything else retryable.
func classify(err error, op string) error {
	switch {
	case stderrors.Is(err, exception.ErrOrderRejected),
		stderrors.Is(err, exception.ErrUnknownOrder),
		stderrors.Is(err, exception.ErrConnection):
		return err
	default:
		return errors.Wrapf(exception.ErrConnection, "%s: %v", op, err)
	}
}
