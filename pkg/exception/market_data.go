package exception

import "errors"

var (
	ErrStaleData         = errors.New("market data: stale quote")
	ErrUnknownInstrument = errors.New("market data: unknown instrument")
)
