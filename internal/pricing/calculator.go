// Package pricing derives the cost of a shipment from its package attributes.
package pricing

import (
	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/model"
	"github.com/shopspring/decimal"
)

// Rates is the tariff; it is loaded from configuration rather than hard-coded.
type Rates struct {
	BasePrice              decimal.Decimal
	PerKilogram            decimal.Decimal
	InsuranceRate          decimal.Decimal
	InternationalSurcharge decimal.Decimal
	// MinorUnits is the number of decimal places of the currency.
	MinorUnits  int32
	MaxWeightKg decimal.Decimal
}

func DefaultRates() Rates {
	return Rates{
		BasePrice:              decimal.RequireFromString("250.00"),
		PerKilogram:            decimal.RequireFromString("50.00"),
		InsuranceRate:          decimal.RequireFromString("0.01"),
		InternationalSurcharge: decimal.RequireFromString("500.00"),
		MinorUnits:             2,
		MaxWeightKg:            decimal.NewFromInt(1000),
	}
}

type Calculator struct {
	rates Rates
}

func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Price computes the cost breakdown. It performs no I/O and returns identical
// output for identical input. Components are reported rounded, while Total is
// the exact sum rounded once, so the components may not add up to Total.
func (c *Calculator) Price(weight decimal.Decimal, dims model.Dimensions, declaredValue decimal.Decimal, international bool) (model.CostBreakdown, error) {
	if err := c.validate(weight, dims, declaredValue); err != nil {
		return model.CostBreakdown{}, err
	}

	base := c.rates.BasePrice
	weightCharge := weight.Mul(c.rates.PerKilogram)
	insurance := declaredValue.Mul(c.rates.InsuranceRate)
	intl := decimal.Zero
	if international {
		intl = c.rates.InternationalSurcharge
	}

	return model.CostBreakdown{
		BasePrice:           c.round(base),
		WeightCharge:        c.round(weightCharge),
		InsuranceCharge:     c.round(insurance),
		InternationalCharge: c.round(intl),
		Total:               c.round(base.Add(weightCharge).Add(insurance).Add(intl)),
	}, nil
}

// PricePackage is Price applied to a full package description.
func (c *Calculator) PricePackage(pkg model.PackageDetails) (model.CostBreakdown, error) {
	return c.Price(pkg.WeightKg, pkg.Dimensions, pkg.DeclaredValue, pkg.International)
}

// round is round-half-up; decimal.Round rounds half away from zero, which is
// the same thing for the non-negative amounts priced here.
func (c *Calculator) round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.rates.MinorUnits)
}

func (c *Calculator) validate(weight decimal.Decimal, dims model.Dimensions, declaredValue decimal.Decimal) error {
	if !weight.IsPositive() {
		return errs.Validationf("weight must be positive")
	}
	if c.rates.MaxWeightKg.IsPositive() && weight.GreaterThan(c.rates.MaxWeightKg) {
		return errs.Validationf("weight exceeds %s kg", c.rates.MaxWeightKg.String())
	}
	if !dims.LengthCm.IsPositive() || !dims.WidthCm.IsPositive() || !dims.HeightCm.IsPositive() {
		return errs.Validationf("dimensions must be positive")
	}
	if declaredValue.IsNegative() {
		return errs.Validationf("declared value must not be negative")
	}
	return nil
}
