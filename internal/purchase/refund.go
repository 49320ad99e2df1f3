package purchase

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundWallet is the slice of the wallet engine refunds need.
type RefundWallet interface {
	AddressBalance(ctx context.Context, addr string) (decimal.Decimal, error)
	SendFunds(ctx context.Context, to string, amount decimal.Decimal, from string) (txid string, err error)
}

// RefundManager reclaims unspent tracking-address balance back to the
// funding source after a post-funding failure. Strictly best-effort: errors
// are logged and never surfaced, so they cannot mask the original failure.
type RefundManager struct {
	wallet    RefundWallet
	feeBuffer decimal.Decimal
	log       *zap.Logger
}

func NewRefundManager(wallet RefundWallet, feeBuffer decimal.Decimal, log *zap.Logger) *RefundManager {
	return &RefundManager{wallet: wallet, feeBuffer: feeBuffer, log: log}
}

// Refund sweeps balance−feeBuffer from the tracking address back to the
// recorded source. The fee buffer stays behind as dust/fee margin. When the
// remaining balance does not exceed the buffer, no transaction is sent.
// Returns whether a refund transaction was broadcast.
func (r *RefundManager) Refund(ctx context.Context, f *Funding) bool {
	balance, err := r.wallet.AddressBalance(ctx, f.TrackingAddress)
	if err != nil {
		r.log.Error("refund: query tracking balance",
			zap.String("tracking", f.TrackingAddress),
			zap.Error(err),
		)
		return false
	}

	amount := balance.Sub(r.feeBuffer)
	if !amount.IsPositive() {
		r.log.Info("refund skipped: balance within fee buffer",
			zap.String("tracking", f.TrackingAddress),
			zap.String("balance", balance.String()),
		)
		return false
	}

	txid, err := r.wallet.SendFunds(ctx, f.SourceAddress, amount, f.TrackingAddress)
	if err != nil {
		r.log.Error("refund: send failed",
			zap.String("tracking", f.TrackingAddress),
			zap.String("source", f.SourceAddress),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return false
	}

	r.log.Info("refund sent",
		zap.String("tracking", f.TrackingAddress),
		zap.String("source", f.SourceAddress),
		zap.String("amount", amount.String()),
		zap.String("txid", txid),
	)
	return true
}
