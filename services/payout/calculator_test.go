package payout

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
)

type stubActivity struct {
	monthlyKg decimal.Decimal
}

func (s stubActivity) VendorMonthlyWeightKg(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	return s.monthlyKg, nil
}

func newCalculator(t *testing.T, monthlyKg decimal.Decimal) *Calculator {
	t.Helper()
	return NewCalculator(Params{
		Config:   config.Default(),
		Activity: stubActivity{monthlyKg: monthlyKg},
	})
}

func TestCollectorPayout(t *testing.T) {
	calc := newCalculator(t, decimal.Zero)

	tests := []struct {
		name      string
		wasteType string
		weightKg  string
		want      int64
	}{
		{name: "plastic 50kg", wasteType: "plastic", weightKg: "50", want: 4000},
		{name: "metal fractional", wasteType: "metal", weightKg: "12.5", want: 1500},
		{name: "organic rounds half up", wasteType: "organic", weightKg: "0.125", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.CollectorPayout(tt.wasteType, decimal.RequireFromString(tt.weightKg))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCollectorPayout_UnknownType(t *testing.T) {
	calc := newCalculator(t, decimal.Zero)

	_, err := calc.CollectorPayout("styrofoam", decimal.NewFromInt(10))
	require.Error(t, err)
	require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))
}

func TestCollectorPayout_RejectsNonPositiveWeight(t *testing.T) {
	calc := newCalculator(t, decimal.Zero)

	_, err := calc.CollectorPayout("plastic", decimal.Zero)
	require.Error(t, err)

	_, err = calc.CollectorPayout("plastic", decimal.NewFromInt(-5))
	require.Error(t, err)
}

func TestVendorPayout(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)

	// the monthly aggregate includes the token being released, so the
	// stub value below is the month's total, this token counted

	t.Run("handling fee only", func(t *testing.T) {
		calc := newCalculator(t, decimal.NewFromInt(50))

		got, err := calc.VendorPayout(ctx, "vendor-1", decimal.NewFromInt(50), at)
		require.NoError(t, err)
		require.Equal(t, int64(750), got)
	})

	t.Run("volume bonus past threshold", func(t *testing.T) {
		calc := newCalculator(t, decimal.NewFromInt(1050))

		// 50kg * 15 = 750 base, +5% bonus = 787.5, rounds to 788.
		got, err := calc.VendorPayout(ctx, "vendor-1", decimal.NewFromInt(50), at)
		require.NoError(t, err)
		require.Equal(t, int64(788), got)
	})

	t.Run("at threshold exactly gets no bonus", func(t *testing.T) {
		calc := newCalculator(t, decimal.NewFromInt(1000))

		got, err := calc.VendorPayout(ctx, "vendor-1", decimal.NewFromInt(50), at)
		require.NoError(t, err)
		require.Equal(t, int64(750), got)
	})

	t.Run("single token is not counted on top of the aggregate", func(t *testing.T) {
		// a lone 600kg token in a fresh month: the aggregate is 600,
		// well under the 1000kg threshold, so no bonus
		calc := newCalculator(t, decimal.NewFromInt(600))

		got, err := calc.VendorPayout(ctx, "vendor-1", decimal.NewFromInt(600), at)
		require.NoError(t, err)
		require.Equal(t, int64(9000), got)
	})
}
