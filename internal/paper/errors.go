package paper

import "errors"

// Engine rejection reasons. These stay distinct so callers can tell a
// refused open from a programming error; none of them end the session.
var (
	// ErrNoPrice means the market source had no positive mark price.
	// The operation is skipped for this tick.
	ErrNoPrice = errors.New("paper: no mark price available")

	// ErrInsufficientFunds means free margin cannot cover margin plus
	// entry fee.
	ErrInsufficientFunds = errors.New("paper: insufficient funds")

	// ErrInvalidSide, ErrInvalidSize and ErrInvalidLeverage flag malformed
	// open requests. Signals are validated before they reach the engine,
	// so seeing one of these means a caller bug.
	ErrInvalidSide     = errors.New("paper: invalid side")
	ErrInvalidSize     = errors.New("paper: size must be positive")
	ErrInvalidLeverage = errors.New("paper: leverage out of range")

	// ErrPositionNotOpen is returned by a close on an unknown or already
	// closed position id. Repeated closes are safe.
	ErrPositionNotOpen = errors.New("paper: position not open")
)
