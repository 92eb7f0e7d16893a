package exception

import "errors"

var (
	ErrEntryFailed        = errors.New("order: entry failed")
	ErrDegradedProtection = errors.New("order: degraded protection")
	ErrInvalidTransition  = errors.New("order: invalid state transition")
	ErrTradeTerminal      = errors.New("order: trade already terminal")
	ErrInvalidIntent      = errors.New("order: invalid trade intent")
	ErrMailboxFull        = errors.New("order: mailbox full")
)
