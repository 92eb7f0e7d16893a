// Package gatewaytest provides an in-memory gateway transport for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"optrader/internal/gateway"
	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// Conn is a scripted gateway connection. Orders are acknowledged immediately
// unless PlaceErr returns an error.
type Conn struct {
	mu         sync.Mutex
	events     chan gateway.Event
	dropped    bool
	err        error
	nextVenue  int
	execSeq    int
	orders     map[string]*schema.OrderReport
	placed     []schema.OrderRequest
	cancelled  []string
	subscribed map[string]int
	holdings   []schema.Holding

	// PlaceErr, when set, decides the outcome of each PlaceOrder call.
	PlaceErr func(req schema.OrderRequest) error
	// CancelPushes makes CancelOrder push a cancelled status update.
	CancelPushes bool
}

// NewConn returns a connected fake.
func NewConn() *Conn {
	return &Conn{
		events:       make(chan gateway.Event, 256),
		orders:       make(map[string]*schema.OrderReport),
		subscribed:   make(map[string]int),
		CancelPushes: true,
	}
}

// Reject returns an error a PlaceErr hook can use for venue rejections.
func Reject(reason string) error {
	return errors.Wrap(exception.ErrOrderRejected, reason)
}

func (c *Conn) PlaceOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return "", errors.New("fake: connection dropped")
	}
	if c.PlaceErr != nil {
		if err := c.PlaceErr(req); err != nil {
			return "", err
		}
	}
	c.nextVenue++
	venueID := fmt.Sprintf("V%d", c.nextVenue)
	c.placed = append(c.placed, req)
	c.orders[req.ClientOrderID] = &schema.OrderReport{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  venueID,
		Instrument:    req.Instrument,
		Status:        schema.OrderStatusWorking,
		Qty:           req.Qty,
	}
	return venueID, nil
}

func (c *Conn) CancelOrder(ctx context.Context, clientOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return errors.New("fake: connection dropped")
	}
	c.cancelled = append(c.cancelled, clientOrderID)
	report, ok := c.orders[clientOrderID]
	if !ok {
		return errors.Wrap(exception.ErrUnknownOrder, clientOrderID)
	}
	if report.Status.Terminal() {
		return nil
	}
	report.Status = schema.OrderStatusCancelled
	if c.CancelPushes {
		c.pushLocked(gateway.Event{Kind: gateway.EventOrderUpdate, Update: schema.OrderUpdate{
			ClientOrderID: clientOrderID,
			VenueOrderID:  report.VenueOrderID,
			Status:        schema.OrderStatusCancelled,
			FilledQty:     report.FilledQty,
			AvgFillPrice:  report.AvgFillPrice,
		}})
	}
	return nil
}

func (c *Conn) OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.orders[clientOrderID]
	if !ok {
		return schema.OrderReport{}, errors.Wrap(exception.ErrUnknownOrder, clientOrderID)
	}
	return *report, nil
}

func (c *Conn) OpenOrders(ctx context.Context) ([]schema.OrderReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.OrderReport
	for _, report := range c.orders {
		if report.Status.Live() {
			out = append(out, *report)
		}
	}
	return out, nil
}

func (c *Conn) Holdings(ctx context.Context) ([]schema.Holding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.Holding(nil), c.holdings...), nil
}

func (c *Conn) Subscribe(ctx context.Context, instrument schema.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return errors.New("fake: connection dropped")
	}
	c.subscribed[instrument.Key()]++
	return nil
}

func (c *Conn) Unsubscribe(ctx context.Context, instrument schema.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, instrument.Key())
	return nil
}

func (c *Conn) Events() <-chan gateway.Event {
	return c.events
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.Drop(nil)
	return nil
}

// Drop simulates the transport going away.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}
	c.dropped = true
	c.err = err
	close(c.events)
}

// Push delivers an event. Returns false after the connection dropped.
func (c *Conn) Push(ev gateway.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushLocked(ev)
}

func (c *Conn) pushLocked(ev gateway.Event) bool {
	if c.dropped {
		return false
	}
	c.events <- ev
	return true
}

// Fill executes qty of an order at price, updating the report and pushing a fill
// event when push is true. Use push=false to emulate a fill missed while offline.
func (c *Conn) Fill(clientOrderID string, qty int64, price decimal.Decimal, push bool) schema.Fill {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.orders[clientOrderID]
	if !ok {
		return schema.Fill{}
	}
	prevNotional := report.AvgFillPrice.Mul(decimal.NewFromInt(report.FilledQty))
	report.FilledQty += qty
	report.AvgFillPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(report.FilledQty))
	if report.FilledQty >= report.Qty {
		report.Status = schema.OrderStatusFilled
	} else {
		report.Status = schema.OrderStatusPartiallyFilled
	}
	c.execSeq++
	fill := schema.Fill{
		ExecID:        fmt.Sprintf("E%d", c.execSeq),
		ClientOrderID: clientOrderID,
		Qty:           qty,
		Price:         price,
	}
	if push {
		c.pushLocked(gateway.Event{Kind: gateway.EventFill, Fill: fill})
	}
	return fill
}

// SetHoldings replaces the account holdings report.
func (c *Conn) SetHoldings(holdings ...schema.Holding) {
	c.mu.Lock()
	c.holdings = holdings
	c.mu.Unlock()
}

// Placed returns every accepted order request.
func (c *Conn) Placed() []schema.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.OrderRequest(nil), c.placed...)
}

// LastPlaced finds the last accepted request of the given type.
func (c *Conn) LastPlaced(orderType schema.OrderType) (schema.OrderRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.placed) - 1; i >= 0; i-- {
		if c.placed[i].Type == orderType {
			return c.placed[i], true
		}
	}
	return schema.OrderRequest{}, false
}

// Cancelled returns every cancel request received.
func (c *Conn) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// Report returns the gateway-side record of an order.
func (c *Conn) Report(clientOrderID string) (schema.OrderReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.orders[clientOrderID]
	if !ok {
		return schema.OrderReport{}, false
	}
	return *report, true
}

// Subscribed reports whether the instrument currently has a subscription.
func (c *Conn) Subscribed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[key] > 0
}

// AdoptOrders copies order records from another connection, emulating the
// venue keeping its book across a reconnect.
func (c *Conn) AdoptOrders(from *Conn) {
	from.mu.Lock()
	snapshot := make(map[string]schema.OrderReport, len(from.orders))
	for id, report := range from.orders {
		snapshot[id] = *report
	}
	nextVenue, execSeq := from.nextVenue, from.execSeq
	from.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, report := range snapshot {
		r := report
		c.orders[id] = &r
	}
	c.nextVenue, c.execSeq = nextVenue, execSeq
}

// Dialer hands out scripted connections in order.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	errs  []error
	dials int
}

// NewDialer returns a dialer that yields the given connections in order.
func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

// Enqueue appends a connection for a future dial.
func (d *Dialer) Enqueue(conn *Conn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

// Fail makes the next dials fail with err, one per call.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Dial(ctx context.Context, endpoint gateway.Endpoint) (gateway.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("fake: no connection available")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}
