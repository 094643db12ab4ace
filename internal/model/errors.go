package model

import "errors"

var (
	// ErrInvalidStake is returned when a stake is non-positive, below the
	// product minimum, or outside every configured capital tier.
	ErrInvalidStake = errors.New("settlement: invalid stake")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")

	// ErrUnknownInstrument is returned when no price series exists for a symbol.
	ErrUnknownInstrument = errors.New("settlement: unknown instrument")

	// ErrAlreadySettled guards against settling a terminal position twice.
	// It is a no-op signal, not a user-facing failure.
	ErrAlreadySettled = errors.New("settlement: position already settled")

	ErrPositionNotFound  = errors.New("settlement: position not found")
	ErrUnsupportedAction = errors.New("settlement: action not supported for this position")
	ErrInvalidPosition   = errors.New("settlement: invalid position")
	ErrInvalidAmount     = errors.New("settlement: amount must not be negative")
	ErrInvalidRequest    = errors.New("settlement: invalid request")
	ErrExposureLimit     = errors.New("settlement: exposure limit exceeded")
)
