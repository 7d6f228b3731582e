package payout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
)

// VendorActivity reports a vendor's cumulative confirmed weight for the
// calendar month containing at. The volume bonus branch reads it, which makes
// that one branch a query instead of a pure computation.
type VendorActivity interface {
	VendorMonthlyWeightKg(ctx context.Context, vendorID string, at time.Time) (decimal.Decimal, error)
}

// Calculator maps verified weights to payouts in minor units. All arithmetic
// runs on decimals; rounding is half-up at the final multiplication only.
type Calculator struct {
	rates            map[string]decimal.Decimal
	handlingFeePerKg decimal.Decimal
	bonusThresholdKg decimal.Decimal
	bonusPct         decimal.Decimal
	activity         VendorActivity
}

type Params struct {
	fx.In
	Config   *config.Config
	Activity VendorActivity
}

func NewCalculator(p Params) *Calculator {
	rates := make(map[string]decimal.Decimal, len(p.Config.Payout.Rates))
	for wasteType, rate := range p.Config.Payout.Rates {
		rates[wasteType] = decimal.NewFromInt(rate)
	}

	return &Calculator{
		rates:            rates,
		handlingFeePerKg: decimal.NewFromInt(p.Config.Payout.HandlingFeePerKg),
		bonusThresholdKg: decimal.NewFromInt(p.Config.Payout.VolumeBonusThresholdKg),
		bonusPct:         decimal.NewFromInt(p.Config.Payout.VolumeBonusPct),
		activity:         p.Activity,
	}
}

// CollectorPayout computes weightKg × rate(wasteType).
func (c *Calculator) CollectorPayout(wasteType string, weightKg decimal.Decimal) (int64, error) {
	rate, ok := c.rates[wasteType]
	if !ok {
		return 0, errutil.InvalidInput("no rate for waste type",
			errutil.WithDetails(errutil.Detail{Field: "waste_type", Message: wasteType}))
	}
	if weightKg.IsNegative() || weightKg.IsZero() {
		return 0, errutil.InvalidInput("weight must be > 0")
	}

	return roundHalfUp(weightKg.Mul(rate)), nil
}

// VendorPayout computes weightKg × handling fee, raised by the volume bonus
// percentage once the vendor's cumulative monthly weight clears the threshold.
// The token being released is confirmed by the time this runs, so the monthly
// aggregate already counts its weight.
func (c *Calculator) VendorPayout(ctx context.Context, vendorID string, weightKg decimal.Decimal, at time.Time) (int64, error) {
	if weightKg.IsNegative() || weightKg.IsZero() {
		return 0, errutil.InvalidInput("weight must be > 0")
	}

	amount := weightKg.Mul(c.handlingFeePerKg)

	monthly, err := c.activity.VendorMonthlyWeightKg(ctx, vendorID, at)
	if err != nil {
		return 0, err
	}
	if monthly.GreaterThan(c.bonusThresholdKg) {
		multiplier := decimal.NewFromInt(100).Add(c.bonusPct).Div(decimal.NewFromInt(100))
		amount = amount.Mul(multiplier)
	}

	return roundHalfUp(amount), nil
}

// roundHalfUp rounds to the nearest minor unit; shopspring's Round is
// half-away-from-zero, which is half-up for the non-negative amounts here.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
