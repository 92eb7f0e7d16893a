package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

const (
	methodPlaceOrder  = "placeOrder"
	methodCancelOrder = "cancelOrder"
	methodOrderStatus = "orderStatus"
	methodOpenOrders  = "openOrders"
	methodHoldings    = "holdings"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"

	pushQuote       = "quote"
	pushOrderStatus = "orderStatus"
	pushFill        = "fill"

	codeUnknownOrder = 404
)

// WSDialer connects to a gateway bridge speaking JSON-RPC over websocket.
type WSDialer struct {
	Scheme           string
	Path             string
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// NewWSDialer returns a dialer with default settings.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Scheme:           "ws",
		Path:             "/gateway",
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      1024,
	}
}

// Dial opens the websocket and starts its read loop.
func (d *WSDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port)),
		Path:     d.Path,
		RawQuery: url.Values{"clientId": []string{strconv.Itoa(endpoint.ClientID)}}.Encode(),
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial "+u.String())
	}
	buffer := d.EventBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	c := &wsConn{
		ws:      ws,
		events:  make(chan Event, buffer),
		pending: make(map[uint64]chan wsMessage),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Rejected bool   `json:"rejected"`
}

type placeOrderResult struct {
	VenueOrderID string `json:"venueOrderId"`
}

type orderRef struct {
	ClientOrderID string `json:"clientOrderId"`
}

type instrumentRef struct {
	Instrument schema.Instrument `json:"instrument"`
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wsMessage

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *wsConn) PlaceOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	var res placeOrderResult
	if err := c.call(ctx, methodPlaceOrder, req, &res); err != nil {
		return "", err
	}
	return res.VenueOrderID, nil
}

func (c *wsConn) CancelOrder(ctx context.Context, clientOrderID string) error {
	return c.call(ctx, methodCancelOrder, orderRef{ClientOrderID: clientOrderID}, nil)
}

func (c *wsConn) OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderReport, error) {
	var report schema.OrderReport
	err := c.call(ctx, methodOrderStatus, orderRef{ClientOrderID: clientOrderID}, &report)
	return report, err
}

func (c *wsConn) OpenOrders(ctx context.Context) ([]schema.OrderReport, error) {
	var reports []schema.OrderReport
	err := c.call(ctx, methodOpenOrders, nil, &reports)
	return reports, err
}

func (c *wsConn) Holdings(ctx context.Context) ([]schema.Holding, error) {
	var holdings []schema.Holding
	err := c.call(ctx, methodHoldings, nil, &holdings)
	return holdings, err
}

func (c *wsConn) Subscribe(ctx context.Context, instrument schema.Instrument) error {
	return c.call(ctx, methodSubscribe, instrumentRef{Instrument: instrument}, nil)
}

func (c *wsConn) Unsubscribe(ctx context.Context, instrument schema.Instrument) error {
	return c.call(ctx, methodUnsubscribe, instrumentRef{Instrument: instrument}, nil)
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) call(ctx context.Context, method string, params any, out any) error {
	msg := wsMessage{ID: c.seq.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "marshal "+method)
		}
		msg.Params = raw
	}

	ch := make(chan wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "write "+method)
	}

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait "+method)
	case <-c.closing:
		return errors.Wrap(exception.ErrConnection, "connection closed during "+method)
	case resp := <-ch:
		if resp.Error != nil {
			return responseError(method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return errors.Wrap(err, "decode "+method)
		}
		return nil
	}
}

func responseError(method string, e *wsError) error {
	switch {
	case e.Rejected:
		return errors.Wrapf(exception.ErrOrderRejected, "%s: %s", method, e.Message)
	case e.Code == codeUnknownOrder:
		return errors.Wrapf(exception.ErrUnknownOrder, "%s: %s", method, e.Message)
	default:
		return errors.Errorf("%s: gateway error %d: %s", method, e.Code, e.Message)
	}
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		var msg wsMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.fail(err)
			return
		}
		if msg.ID != 0 {
			c.resolve(msg)
			continue
		}
		ev, ok := decodePush(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closing:
			c.fail(exception.ErrConnection)
			return
		}
	}
}

func (c *wsConn) resolve(msg wsMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *wsConn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.ws.Close()
	})
}

func decodePush(msg wsMessage) (Event, bool) {
	switch msg.Method {
	case pushQuote:
		var q schema.Quote
		if err := json.Unmarshal(msg.Params, &q); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventQuote, Quote: q}, true
	case pushOrderStatus:
		var u schema.OrderUpdate
		if err := json.Unmarshal(msg.Params, &u); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventOrderUpdate, Update: u}, true
	case pushFill:
		var f schema.Fill
		if err := json.Unmarshal(msg.Params, &f); err != nil {
			return Event{}, false
		}
		if f.ExecID == "" {
			logs.Errorf("fill without exec id dropped, order: %s, qty: %d", f.ClientOrderID, f.Qty)
			return Event{}, false
		}
		return Event{Kind: EventFill, Fill: f}, true
	default:
		return Event{}, false
	}
}
