package utility

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "KES"

var (
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountNotWhole    = errors.New("amount must be in whole shillings")
	ErrAmountInvalid     = errors.New("amount is not a valid number")
)

// maxDecimalValue returns the maximum decimal value supported
func maxDecimalValue() decimal.Decimal {
	return decimal.NewFromInt(math.MaxInt64).Add(decimal.New(999999999, -9))
}

const decimalPrecision = 9

// CleanDecimal truncates to the precision of the NUMERIC column and clamps
// to its representable range.
func CleanDecimal(d decimal.Decimal) decimal.Decimal {
	truncatedStr := d.StringFixed(decimalPrecision)
	rounded, _ := decimal.NewFromString(truncatedStr)

	minValue := maxDecimalValue().Neg()
	if rounded.GreaterThan(maxDecimalValue()) {
		return maxDecimalValue()
	} else if rounded.LessThan(minValue) {
		return minValue
	}

	return rounded
}

// ParseChargeAmount validates an operator supplied amount string. The
// provider only accepts positive whole shilling amounts for charges.
func ParseChargeAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrAmountInvalid
	}
	return ValidateChargeAmount(amount)
}

// ValidateChargeAmount applies the provider's currency granularity rules.
func ValidateChargeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrAmountNotPositive
	}
	if !amount.Equal(amount.Truncate(0)) {
		return decimal.Zero, ErrAmountNotWhole
	}
	return CleanDecimal(amount), nil
}

func IsValidTime(t *time.Time) bool {
	return t != nil && !t.IsZero()
}
