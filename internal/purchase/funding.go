package purchase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FundingWallet is the slice of the wallet engine the coordinator needs.
type FundingWallet interface {
	// EnsureUnlocked returns ErrWalletLocked when the engine cannot sign.
	EnsureUnlocked(ctx context.Context) error
	SpendableBalance(ctx context.Context) (decimal.Decimal, error)
	CreateAddress(ctx context.Context) (string, error)
	// TopFundedAddress returns the wallet address holding the largest balance.
	TopFundedAddress(ctx context.Context) (string, error)
	SendFunds(ctx context.Context, to string, amount decimal.Decimal, from string) (txid string, err error)
}

// Coordinator guarantees that a fresh, single-use tracking address holds
// enough funds to cover the purchase before negotiation starts.
type Coordinator struct {
	wallet   FundingWallet
	overhead decimal.Decimal
	log      *zap.Logger
}

func NewCoordinator(wallet FundingWallet, overhead decimal.Decimal, log *zap.Logger) *Coordinator {
	return &Coordinator{wallet: wallet, overhead: overhead, log: log}
}

// Fund moves estimate+overhead from the wallet's best-funded address into a
// fresh tracking address and records the source for a potential refund.
// All validation happens before any address is created or funds move:
// exactly one transaction is broadcast on success, zero on any failure.
func (c *Coordinator) Fund(ctx context.Context, credits int64, estimate decimal.Decimal) (*Funding, error) {
	if err := c.wallet.EnsureUnlocked(ctx); err != nil {
		return nil, err
	}

	required := estimate.Add(c.overhead)
	available, err := c.wallet.SpendableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("query spendable balance: %w", err)
	}
	if available.LessThan(required) {
		// Suggest the largest pack the balance could cover at the same
		// effective per-credit price (cushion included, no re-query).
		effective := estimate.Div(decimal.NewFromInt(credits))
		suggested := int64(0)
		if effective.IsPositive() {
			suggested = available.Div(effective).Floor().IntPart()
		}
		return nil, &InsufficientFundsError{
			Required:         required,
			Available:        available,
			Shortfall:        required.Sub(available),
			SuggestedCredits: suggested,
		}
	}

	tracking, err := c.wallet.CreateAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("create tracking address: %w", err)
	}
	source, err := c.wallet.TopFundedAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve funding source: %w", err)
	}

	txid, err := c.wallet.SendFunds(ctx, tracking, required, source)
	if err != nil {
		return nil, fmt.Errorf("fund tracking address: %w", err)
	}

	c.log.Info("tracking address funded",
		zap.String("tracking", tracking),
		zap.String("source", source),
		zap.String("amount", required.String()),
		zap.String("txid", txid),
	)
	return &Funding{
		SourceAddress:   source,
		TrackingAddress: tracking,
		Amount:          required,
		TxID:            txid,
	}, nil
}
