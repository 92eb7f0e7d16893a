package og

import (
	"errors"

	"github.com/shopspring/decimal"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

var (
	errDuplicateOrder = errors.New("order already exists")
	errDuplicateFill  = errors.New("duplicate fill")
	errInvalidFill    = errors.New("invalid fill quantity")
	errMissingExecID  = errors.New("fill without exec id")
)

// execution is the quantity newly filled by an event.
type execution struct {
	Qty   int64
	Price decimal.Decimal
}

// orderBook holds every order of one trade and applies gateway events to them.
type orderBook struct {
	orders map[string]*schema.Order
	seq    []string
	execs  map[string]struct{}
	// credit is quantity taken from status reports ahead of the matching fills.
	credit map[string]int64
}

func newOrderBook() *orderBook {
	return &orderBook{
		orders: make(map[string]*schema.Order),
		execs:  make(map[string]struct{}),
		credit: make(map[string]int64),
	}
}

func (b *orderBook) add(o schema.Order) (*schema.Order, error) {
	if o.ClientOrderID == "" {
		return nil, exception.ErrInvalidArgument
	}
	if _, ok := b.orders[o.ClientOrderID]; ok {
		return nil, errDuplicateOrder
	}
	if o.Status == schema.OrderStatusUnknown {
		o.Status = schema.OrderStatusPending
	}
	b.orders[o.ClientOrderID] = &o
	b.seq = append(b.seq, o.ClientOrderID)
	return &o, nil
}

func (b *orderBook) get(id string) (*schema.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// all returns the orders in creation order.
func (b *orderBook) all() []*schema.Order {
	out := make([]*schema.Order, 0, len(b.seq))
	for _, id := range b.seq {
		out = append(out, b.orders[id])
	}
	return out
}

// live returns the ids of orders that may still fill.
func (b *orderBook) live() []string {
	var out []string
	for _, id := range b.seq {
		if b.orders[id].Status.Live() {
			out = append(out, id)
		}
	}
	return out
}

// applyUpdate applies a status report. A cumulative filled quantity above the
// known one is turned into an execution, so a report can stand in for fills
// missed while disconnected.
func (b *orderBook) applyUpdate(u schema.OrderUpdate) (*schema.Order, execution, error) {
	o, ok := b.orders[u.ClientOrderID]
	if !ok {
		return nil, execution{}, exception.ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return o, execution{}, exception.ErrInvalidTransition
	}
	if u.VenueOrderID != "" {
		o.VenueOrderID = u.VenueOrderID
	}

	var exec execution
	if u.FilledQty > o.FilledQty {
		filled := u.FilledQty
		if filled > o.Qty {
			filled = o.Qty
		}
		exec.Qty = filled - o.FilledQty
		exec.Price = o.Price
		if u.AvgFillPrice.IsPositive() {
			total := u.AvgFillPrice.Mul(decimal.NewFromInt(filled))
			prev := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
			exec.Price = total.Sub(prev).Div(decimal.NewFromInt(exec.Qty))
		}
		b.fill(o, exec)
		b.credit[o.ClientOrderID] += exec.Qty
	}

	switch u.Status {
	case schema.OrderStatusUnknown:
	case schema.OrderStatusFilled:
		if o.FilledQty >= o.Qty {
			o.Status = schema.OrderStatusFilled
		}
	default:
		o.Status = u.Status
	}
	if o.FilledQty >= o.Qty && o.Qty > 0 {
		o.Status = schema.OrderStatusFilled
	}
	return o, exec, nil
}

// applyFill applies one execution report. Fills without an exec id or with
// a repeated one are rejected.
func (b *orderBook) applyFill(f schema.Fill) (*schema.Order, execution, error) {
	o, ok := b.orders[f.ClientOrderID]
	if !ok {
		return nil, execution{}, exception.ErrUnknownOrder
	}
	if f.ExecID == "" {
		return o, execution{}, errMissingExecID
	}
	if _, seen := b.execs[f.ExecID]; seen {
		return o, execution{}, errDuplicateFill
	}
	if o.Status.Terminal() {
		return o, execution{}, exception.ErrInvalidTransition
	}
	if f.Qty <= 0 {
		return o, execution{}, errInvalidFill
	}
	b.execs[f.ExecID] = struct{}{}
	exec := execution{Qty: f.Qty, Price: f.Price}
	if credit := b.credit[o.ClientOrderID]; credit > 0 {
		absorbed := min(credit, exec.Qty)
		b.credit[o.ClientOrderID] = credit - absorbed
		exec.Qty -= absorbed
		if exec.Qty == 0 {
			return o, execution{}, nil
		}
	}
	if left := o.Remaining(); exec.Qty > left {
		exec.Qty = left
	}
	if exec.Qty <= 0 {
		return o, execution{}, errInvalidFill
	}
	b.fill(o, exec)
	if o.FilledQty >= o.Qty {
		o.Status = schema.OrderStatusFilled
	} else {
		o.Status = schema.OrderStatusPartiallyFilled
	}
	return o, exec, nil
}

func (b *orderBook) fill(o *schema.Order, exec execution) {
	notional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty)).
		Add(exec.Price.Mul(decimal.NewFromInt(exec.Qty)))
	o.FilledQty += exec.Qty
	o.AvgFillPrice = notional.Div(decimal.NewFromInt(o.FilledQty))
}
