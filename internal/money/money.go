// Package money centralizes strict decimal parsing so that every monetary
// quantity in Caracal round-trips through text without losing precision to
// binary floats. All amounts are carried as github.com/shopspring/decimal
// values and persisted as their exact decimal text form.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

// DefaultMaxTotalFractionalDigits bounds ledger/policy totals unless a caller
// explicitly configures a looser limit.
const DefaultMaxTotalFractionalDigits = 2

// DefaultMaxPriceFractionalDigits bounds per-unit price quotes, which
// typically carry more precision than aggregated totals.
const DefaultMaxPriceFractionalDigits = 6

// Parse parses s as a decimal amount, rejecting malformed input, negative
// sign where disallowed is not enforced here (callers check sign themselves
// since zero is a legal quantity/cost), and values exceeding maxFractional
// digits after the decimal point. shopspring/decimal has no NaN or Infinity
// representation, so any such input simply fails to parse as a side effect.
func Parse(s string, maxFractional int32) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Decimal{}, caracalerr.New(caracalerr.Validation, "amount must not be empty")
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "nan") || strings.Contains(lower, "inf") {
		return decimal.Decimal{}, caracalerr.New(caracalerr.Validation, "amount must be finite")
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, caracalerr.Wrap(caracalerr.Validation, "amount is not a valid decimal", err)
	}
	if -amount.Exponent() > maxFractional {
		return decimal.Decimal{}, caracalerr.New(caracalerr.Validation, "amount exceeds allowed fractional precision")
	}
	return amount, nil
}

// ParseTotal parses an aggregated monetary total (ledger cost, policy limit,
// charge amount) with DefaultMaxTotalFractionalDigits precision.
func ParseTotal(s string) (decimal.Decimal, error) {
	return Parse(s, DefaultMaxTotalFractionalDigits)
}

// ParsePrice parses a per-unit price quote with DefaultMaxPriceFractionalDigits precision.
func ParsePrice(s string) (decimal.Decimal, error) {
	return Parse(s, DefaultMaxPriceFractionalDigits)
}

// RequireNonNegative rejects negative amounts, used for ledger quantity/cost
// per the invariant that both must be >= 0.
func RequireNonNegative(amount decimal.Decimal, field string) error {
	if amount.IsNegative() {
		return caracalerr.New(caracalerr.Validation, field+" must not be negative")
	}
	return nil
}

// RequirePositive rejects non-positive amounts, used for policy limits which
// must be strictly greater than zero.
func RequirePositive(amount decimal.Decimal, field string) error {
	if !amount.IsPositive() {
		return caracalerr.New(caracalerr.Validation, field+" must be positive")
	}
	return nil
}

// Text returns the canonical round-trippable text form stored on disk.
func Text(amount decimal.Decimal) string {
	return amount.String()
}
