// Package money holds USDC fixed-point amount helpers.
package money

import (
	"github.com/shopspring/decimal"

	"x402-engine/internal/x402err"
)

// Currency is the only supported denomination.
const Currency = "USDC"

// Places is the number of fractional digits USDC carries.
const Places int32 = 6

func init() {
	// SDK amounts travel as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Parse validates a string amount; used for path/query inputs.
func Parse(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, x402err.Validation(field, field+" must be a decimal amount")
	}
	return d, ValidatePositive(field, d)
}

// ValidatePositive rejects amounts that are <= 0 or carry more than six decimals.
func ValidatePositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return x402err.Validation(field, field+" must be greater than zero")
	}
	return ValidatePrecision(field, d)
}

// ValidatePrecision rejects amounts with more than six fractional digits.
func ValidatePrecision(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(Places)) {
		return x402err.Validation(field, field+" supports at most 6 decimal places")
	}
	return nil
}

// ValidateCurrency accepts only USDC.
func ValidateCurrency(currency string) error {
	if currency != Currency {
		return x402err.Validation("currency", "currency must be USDC")
	}
	return nil
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
