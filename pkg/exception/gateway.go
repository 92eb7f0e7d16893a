package exception

import "errors"

var (
	// ErrConnection is a transport failure. Retried by the session's reconnect loop.
	ErrConnection = errors.New("gateway: connection error")
	// ErrGatewayUnavailable is returned to callers while the session is not connected.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrOrderRejected is a business rejection from the venue. Never retried.
	ErrOrderRejected = errors.New("gateway: order rejected")
	ErrGatewayClosed = errors.New("gateway: session closed")
	ErrNilDialer     = errors.New("gateway: nil dialer")
	ErrUnknownOrder  = errors.New("gateway: unknown order")
)
