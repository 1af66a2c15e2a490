// Package fees computes the fee split on each purchase: what a retail
// exchange would have charged, what the platform actually charges, and
// the difference credited to the user as savings.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidRates signals a platform rate above the standard rate, which
// would produce negative savings.
var ErrInvalidRates = errors.New("fees: platform rate exceeds standard rate")

// Calculator derives per-purchase fee figures from two flat rates.
type Calculator struct {
	standardRate decimal.Decimal
	platformRate decimal.Decimal
}

// NewCalculator validates the rate pair and returns a Calculator.
func NewCalculator(standardRate, platformRate decimal.Decimal) (*Calculator, error) {
	if platformRate.GreaterThan(standardRate) {
		return nil, ErrInvalidRates
	}
	if standardRate.IsNegative() || platformRate.IsNegative() {
		return nil, errors.New("fees: rates must not be negative")
	}
	return &Calculator{standardRate: standardRate, platformRate: platformRate}, nil
}

// StandardFee is what a conventional exchange would charge on the amount.
func (c *Calculator) StandardFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.standardRate)
}

// PlatformFee is the fee actually charged on the amount.
func (c *Calculator) PlatformFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.platformRate)
}

// Savings is the amount the user keeps compared to the standard fee.
// Never negative given a validated Calculator.
func (c *Calculator) Savings(amount decimal.Decimal) decimal.Decimal {
	return c.StandardFee(amount).Sub(c.PlatformFee(amount))
}

// PlatformRate exposes the platform rate for order sizing.
func (c *Calculator) PlatformRate() decimal.Decimal {
	return c.platformRate
}
