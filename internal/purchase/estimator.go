package purchase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// costPrecision is the number of decimal places every estimate is rounded to
// before leaving this package.
const costPrecision = 8

// PriceOracle supplies the network-quoted per-credit price. External
// collaborator; the price itself is not computed here.
type PriceOracle interface {
	PerCreditPrice(ctx context.Context) (decimal.Decimal, error)
}

// Estimator converts a desired credit count and a price cushion into an
// expected total cost in native ledger units.
type Estimator struct {
	oracle PriceOracle
}

func NewEstimator(oracle PriceOracle) *Estimator {
	return &Estimator{oracle: oracle}
}

// Estimate returns perCreditPrice × credits × (1 + cushion), rounded to 8
// decimal places. Parameter bounds are checked before any I/O.
func (e *Estimator) Estimate(ctx context.Context, credits int64, cushion float64) (decimal.Decimal, error) {
	if err := ValidateParams(credits, cushion); err != nil {
		return decimal.Zero, err
	}
	price, err := e.oracle.PerCreditPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query per-credit price: %w", err)
	}
	cost := price.
		Mul(decimal.NewFromInt(credits)).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(cushion)))
	return cost.Round(costPrecision), nil
}

// ValidateParams enforces the purchase parameter bounds: credits ≥ 1 and
// cushion in [0, 1].
func ValidateParams(credits int64, cushion float64) error {
	if credits < 1 {
		return &InvalidParameterError{
			Param:  "credits",
			Reason: fmt.Sprintf("must be a positive integer, got %d", credits),
		}
	}
	if cushion < 0 || cushion > 1 {
		return &InvalidParameterError{
			Param:  "cushion",
			Reason: fmt.Sprintf("must lie in [0, 1], got %v", cushion),
		}
	}
	return nil
}
