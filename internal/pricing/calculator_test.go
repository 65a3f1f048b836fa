package pricing

import (
	"testing"

	"github.com/and161185/postwallet/internal/errs"
	"github.com/and161185/postwallet/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var box = model.Dimensions{LengthCm: d("30"), WidthCm: d("20"), HeightCm: d("10")}

func TestPriceGolden(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	tests := []struct {
		name          string
		weight        string
		declared      string
		international bool
		want          [5]string
	}{
		{"domestic no insurance", "6", "0", false, [5]string{"250.00", "300.00", "0.00", "0.00", "550.00"}},
		{"domestic insured", "2.5", "1000", false, [5]string{"250.00", "125.00", "10.00", "0.00", "385.00"}},
		{"international", "1", "0", true, [5]string{"250.00", "50.00", "0.00", "500.00", "800.00"}},
		{"half-up on weight", "0.0001", "0", false, [5]string{"250.00", "0.01", "0.00", "0.00", "250.01"}},
		{"half-up on insurance", "1", "12.50", false, [5]string{"250.00", "50.00", "0.13", "0.00", "300.13"}},
		{"total rounds the exact sum", "1.2345", "12.50", false, [5]string{"250.00", "61.73", "0.13", "0.00", "311.85"}},
		{"international insured", "0.333", "99.99", true, [5]string{"250.00", "16.65", "1.00", "500.00", "767.65"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := calc.Price(d(tt.weight), box, d(tt.declared), tt.international)
			require.NoError(t, err)

			got := [5]string{
				cost.BasePrice.StringFixed(2),
				cost.WeightCharge.StringFixed(2),
				cost.InsuranceCharge.StringFixed(2),
				cost.InternationalCharge.StringFixed(2),
				cost.Total.StringFixed(2),
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPriceDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	first, err := calc.Price(d("3.337"), box, d("99.99"), true)
	require.NoError(t, err)
	second, err := calc.Price(d("3.337"), box, d("99.99"), true)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, first.Total.String(), second.Total.String())
}

func TestPriceValidation(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	tests := []struct {
		name     string
		weight   string
		dims     model.Dimensions
		declared string
	}{
		{"zero weight", "0", box, "0"},
		{"negative weight", "-1", box, "0"},
		{"too heavy", "1000.01", box, "0"},
		{"flat box", "1", model.Dimensions{LengthCm: d("10"), WidthCm: d("10")}, "0"},
		{"negative declared value", "1", box, "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.Price(d(tt.weight), tt.dims, d(tt.declared), false)
			require.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestPricePackage(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	cost, err := calc.PricePackage(model.PackageDetails{WeightKg: d("6"), Dimensions: box})
	require.NoError(t, err)
	require.Equal(t, "550.00", cost.Total.StringFixed(2))
}
