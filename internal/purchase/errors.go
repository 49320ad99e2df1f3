package purchase

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrWalletLocked means the wallet engine cannot sign; raised before any
// funds move.
var ErrWalletLocked = errors.New("wallet is locked")

// InvalidParameterError reports a bad credit count or cushion. Raised before
// any I/O.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// InsufficientFundsError reports that the spendable balance cannot cover the
// required funding amount. SuggestedCredits is the largest credit count the
// current balance could cover at the same effective per-credit price.
type InsufficientFundsError struct {
	Required         decimal.Decimal
	Available        decimal.Decimal
	Shortfall        decimal.Decimal
	SuggestedCredits int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"insufficient funds: need %s, have %s (short %s); try a smaller pack of %d credits",
		e.Required, e.Available, e.Shortfall, e.SuggestedCredits,
	)
}

// NegotiationError wraps any failure from the negotiation collaborator —
// rejection, timeout, or malformed response. If funding already completed,
// it always triggers the refund path.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("purchase negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
