package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnitPrecision = errors.New("amount has more decimals than the unit allows")

// FormatUnits renders an integer amount of smallest units as a decimal
// string, e.g. 1500000 -> "1.500000".
func FormatUnits(amount int64) string {
	return decimal.New(amount, -int32(UnitConfig.DecimalPrecision)).
		StringFixed(int32(UnitConfig.DecimalPrecision))
}

// ParseUnits converts a decimal string into smallest units. It rejects
// values that would need rounding or do not fit in int64.
func ParseUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(UnitConfig.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrUnitPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse amount %q: out of range", s)
	}
	return scaled.IntPart(), nil
}
