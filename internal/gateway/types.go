package gateway

import (
	"context"
	"fmt"
	"time"

	"optrader/internal/schema"
)

// Endpoint identifies the brokerage gateway and this client's session slot.
type Endpoint struct {
	Host     string
	Port     int
	ClientID int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d#%d", e.Host, e.Port, e.ClientID)
}

// Dialer opens a transport connection to the gateway.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// Conn is one transport connection. Events is closed when the connection drops,
// after which Err reports the cause.
//
// Venue rejections must be returned wrapping exception.ErrOrderRejected; anything
// else is treated as a transport failure.
type Conn interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderReport, error)
	OpenOrders(ctx context.Context) ([]schema.OrderReport, error)
	Holdings(ctx context.Context) ([]schema.Holding, error)
	Subscribe(ctx context.Context, instrument schema.Instrument) error
	Unsubscribe(ctx context.Context, instrument schema.Instrument) error
	Events() <-chan Event
	Err() error
	Close() error
}

// EventKind tags the payload of an Event.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventQuote
	EventOrderUpdate
	EventFill
)

func (k EventKind) String() string {
	switch k {
	case EventQuote:
		return "quote"
	case EventOrderUpdate:
		return "order-update"
	case EventFill:
		return "fill"
	default:
		return "unknown"
	}
}

// Event is an unsolicited notification pushed by the gateway.
type Event struct {
	Kind   EventKind
	Quote  schema.Quote
	Update schema.OrderUpdate
	Fill   schema.Fill
}

// ClientOrderID returns the order the event refers to, if any.
func (e Event) ClientOrderID() string {
	switch e.Kind {
	case EventOrderUpdate:
		return e.Update.ClientOrderID
	case EventFill:
		return e.Fill.ClientOrderID
	default:
		return ""
	}
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option struct {
	// Backoff controls reconnect pacing.
	Backoff Backoff
	// RequestTimeout bounds every request sent over the connection. Zero disables it.
	RequestTimeout time.Duration
}

// DefaultOption returns the production defaults.
func DefaultOption() Option {
	return Option{
		Backoff:        DefaultBackoff(),
		RequestTimeout: 10 * time.Second,
	}
}

// Backoff defines reconnect backoff behavior.
type Backoff struct {
	// Min is the minimum backoff duration.
	Min time.Duration
	// Max is the maximum backoff duration.
	Max time.Duration
	// Factor multiplies the delay for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}
