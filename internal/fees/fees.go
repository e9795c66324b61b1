// Package fees computes the money split of a purchase. Everything here is
// pure: same inputs, same outputs, no I/O.
package fees

import (
	"github.com/shopspring/decimal"

	"market-orchestrator/internal/domain"
)

const (
	DefaultPlatformFeePct = 5.0
	DefaultSellerFeePct   = 1.0
)

var hundred = decimal.NewFromInt(100)

// Calculator holds the fee percentages applied at checkout.
type Calculator struct {
	PlatformFeePct float64
	SellerFeePct   float64
}

func NewCalculator(platformFeePct, sellerFeePct float64) Calculator {
	return Calculator{PlatformFeePct: platformFeePct, SellerFeePct: sellerFeePct}
}

func DefaultCalculator() Calculator {
	return NewCalculator(DefaultPlatformFeePct, DefaultSellerFeePct)
}

// Split computes the breakdown for an item with the calculator's rates.
func (c Calculator) Split(currency string, itemAmount, shippingAmount int64) domain.Breakdown {
	b := ComputeSplit(itemAmount, shippingAmount, c.PlatformFeePct, c.SellerFeePct)
	b.Currency = currency
	return b
}

// ComputeSplit returns the full breakdown. The platform fee is paid by the
// buyer on top of the item; the seller fee comes out of the item amount.
// Shipping passes through untouched.
func ComputeSplit(itemAmount, shippingAmount int64, platformFeePct, sellerFeePct float64) domain.Breakdown {
	platformFee := PercentOf(itemAmount, platformFeePct)
	sellerFee := PercentOf(itemAmount, sellerFeePct)
	return domain.Breakdown{
		ItemAmount:     itemAmount,
		ShippingAmount: shippingAmount,
		PlatformFee:    platformFee,
		SellerFee:      sellerFee,
		SellerPayout:   itemAmount - sellerFee,
		Total:          itemAmount + shippingAmount + platformFee,
	}
}

// PercentOf rounds amount*pct/100 half-up to the nearest minor unit.
// Amounts are never negative at this point, so half-away-from-zero
// rounding is half-up.
func PercentOf(amount int64, pct float64) int64 {
	v := decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	return v.Round(0).IntPart()
}
