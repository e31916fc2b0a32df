package lx

import "errors"

// Engine errors. Every failed operation returns one of these (possibly
// wrapped) and leaves no state change behind.
var (
	ErrZeroAmount          = errors.New("zero amount")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrNoOpenPosition      = errors.New("no open position")
	ErrNotEnoughLiquidity  = errors.New("not enough liquidity")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrNotLiquidatable     = errors.New("position not liquidatable")
	ErrPositionAlreadyOpen = errors.New("position already open")
	ErrReentrantCall       = errors.New("reentrant call")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrReservesExhausted   = errors.New("virtual reserves exhausted")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrZeroAmount, "ZeroAmount"},
	{ErrInvalidLeverage, "InvalidLeverage"},
	{ErrInsufficientMargin, "InsufficientMargin"},
	{ErrNoOpenPosition, "NoOpenPosition"},
	{ErrNotEnoughLiquidity, "NotEnoughLiquidity"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrNotLiquidatable, "NotLiquidatable"},
	{ErrPositionAlreadyOpen, "PositionAlreadyOpen"},
	{ErrReentrantCall, "ReentrantCall"},
	{ErrInvalidPrice, "InvalidPrice"},
	{ErrReservesExhausted, "ReservesExhausted"},
}

// ErrorKind returns the stable name of an engine error, or "" if err is not
// one of the engine's errors.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}
