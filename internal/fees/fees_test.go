package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSplitScenarioA(t *testing.T) {
	b := ComputeSplit(10000, 0, 5.0, 1.0)

	assert.Equal(t, int64(10000), b.ItemAmount)
	assert.Equal(t, int64(500), b.PlatformFee)
	assert.Equal(t, int64(100), b.SellerFee)
	assert.Equal(t, int64(9900), b.SellerPayout)
	assert.Equal(t, int64(10500), b.Total)
	assert.Equal(t, int64(10500), b.TotalExclShipping())
}

func TestComputeSplitShippingPassesThrough(t *testing.T) {
	b := ComputeSplit(10000, 799, 5.0, 1.0)

	assert.Equal(t, int64(11299), b.Total)
	assert.Equal(t, int64(10500), b.TotalExclShipping())
	assert.Equal(t, b.Total-b.ShippingAmount, b.SellerPayout+b.PlatformFee+b.SellerFee)
}

func TestPercentOfRoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount int64
		pct    float64
		want   int64
	}{
		{amount: 10, pct: 5, want: 1},      // 0.5 -> 1
		{amount: 9, pct: 5, want: 0},       // 0.45 -> 0
		{amount: 30, pct: 5, want: 2},      // 1.5 -> 2
		{amount: 150, pct: 1, want: 2},     // 1.5 -> 2
		{amount: 149, pct: 1, want: 1},     // 1.49 -> 1
		{amount: 1999, pct: 2.5, want: 50}, // 49.975 -> 50
		{amount: 0, pct: 5, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PercentOf(tt.amount, tt.pct), "amount=%d pct=%v", tt.amount, tt.pct)
	}
}

func TestSplitPartitionsItemAmount(t *testing.T) {
	for a := int64(0); a <= 5000; a += 7 {
		b := ComputeSplit(a, 0, DefaultPlatformFeePct, DefaultSellerFeePct)
		require.Equal(t, a, b.SellerPayout+b.SellerFee, "item %d", a)
		require.Equal(t, b.Total-b.ShippingAmount, b.SellerPayout+b.PlatformFee+b.SellerFee, "item %d", a)
	}
}

func TestComputeSplitIsDeterministic(t *testing.T) {
	first := ComputeSplit(12345, 250, 5, 1)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, ComputeSplit(12345, 250, 5, 1))
	}
}

func TestCalculatorSplitSetsCurrency(t *testing.T) {
	b := DefaultCalculator().Split("usd", 2000, 0)

	assert.Equal(t, "usd", b.Currency)
	assert.Equal(t, int64(100), b.PlatformFee)
	assert.Equal(t, int64(20), b.SellerFee)
}
