package exception

import "errors"

var (
	ErrRiskRejected          = errors.New("risk: rejected")
	ErrUnknownStrategy       = errors.New("risk: unknown strategy")
	ErrReservationNotFound   = errors.New("risk: reservation not found")
	ErrReservationSettled    = errors.New("risk: reservation already settled")
	ErrReservationUnconsumed = errors.New("risk: reservation not consumed into a position")
	ErrInvalidRiskConfig     = errors.New("risk: invalid config")
)
