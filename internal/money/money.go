// Package money computes invoice line and document totals. All amounts are
// rounded half-up to two decimal places.
package money

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/propbill/pkg/apperr"
)

var (
	ErrNegativeQuantity  = apperr.New(apperr.KindValidation, "negative_quantity")
	ErrNegativeUnitPrice = apperr.New(apperr.KindValidation, "negative_unit_price")
	ErrInvalidTaxRate    = apperr.New(apperr.KindValidation, "invalid_tax_rate")
	ErrQuantityScale     = apperr.New(apperr.KindValidation, "quantity_scale")
	ErrUnitPriceScale    = apperr.New(apperr.KindValidation, "unit_price_scale")
	ErrTaxRateScale      = apperr.New(apperr.KindValidation, "tax_rate_scale")
)

// Stored column scales: numeric(12,3) quantity, numeric(12,2) price and
// numeric(5,2) tax rate.
const (
	QuantityScale  int32 = 3
	UnitPriceScale int32 = 2
	TaxRateScale   int32 = 2
)

var (
	hundred = decimal.NewFromInt(100)
)

// Line is the priced part of a line item.
type Line struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

type Totals struct {
	Subtotal   decimal.Decimal
	TaxAmount  decimal.Decimal
	GrandTotal decimal.Decimal
}

// Round2 rounds half away from zero to two places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotal is round(quantity * unitPrice, 2).
func LineTotal(quantity, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity.IsNegative() {
		return decimal.Zero, ErrNegativeQuantity
	}
	if unitPrice.IsNegative() {
		return decimal.Zero, ErrNegativeUnitPrice
	}
	return Round2(quantity.Mul(unitPrice)), nil
}

// ValidateLine checks a caller-supplied quantity and unit price fit their
// stored columns exactly, so totals computed now match totals read back.
func ValidateLine(quantity, unitPrice decimal.Decimal) error {
	if quantity.IsNegative() {
		return ErrNegativeQuantity
	}
	if unitPrice.IsNegative() {
		return ErrNegativeUnitPrice
	}
	if !fitsScale(quantity, QuantityScale) {
		return ErrQuantityScale
	}
	if !fitsScale(unitPrice, UnitPriceScale) {
		return ErrUnitPriceScale
	}
	return nil
}

// ValidateTaxRate accepts percentages in [0, 100] with at most two decimals.
func ValidateTaxRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return ErrInvalidTaxRate
	}
	if !fitsScale(rate, TaxRateScale) {
		return ErrTaxRateScale
	}
	return nil
}

// fitsScale reports whether d has no significant digits past places. Trailing
// zeros such as 1.500 are fine.
func fitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// InvoiceTotals sums the rounded line totals and applies taxRate percent to the
// subtotal. An empty line set yields zero totals.
func InvoiceTotals(lines []Line, taxRate decimal.Decimal) (Totals, error) {
	if err := ValidateTaxRate(taxRate); err != nil {
		return Totals{}, err
	}

	subtotal := decimal.Zero
	for _, line := range lines {
		lt, err := LineTotal(line.Quantity, line.UnitPrice)
		if err != nil {
			return Totals{}, err
		}
		subtotal = subtotal.Add(lt)
	}

	tax := Round2(subtotal.Mul(taxRate).Div(hundred))
	return Totals{
		Subtotal:   subtotal,
		TaxAmount:  tax,
		GrandTotal: subtotal.Add(tax),
	}, nil
}
