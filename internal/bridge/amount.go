package bridge

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// USDDecimals is the fixed scale of every USD value handled by the gateway.
const USDDecimals = 18

var (
	// One18 is 10^18.
	One18 = uint256.NewInt(1_000_000_000_000_000_000)

	maxU192 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 192), uint256.NewInt(1))
)

// MaxU192 returns the largest value representable in 192 bits.
func MaxU192() *uint256.Int {
	return maxU192.Clone()
}

// ParseAmount parses a base-10 integer in the asset's smallest unit.
// An empty string yields zero.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidAmount, raw, err)
	}
	return value, nil
}

// ParseUSD converts a human USD figure such as "10.5" into the 1e18 scale.
func ParseUSD(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse usd %q: %w", raw, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse usd %q: negative value", raw)
	}
	scaled := d.Shift(USDDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse usd %q: more than %d decimals", raw, USDDecimals)
	}
	value, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse usd %q: overflows u256", raw)
	}
	return value, nil
}

// FormatUnits renders v as a decimal with the given number of fractional digits.
func FormatUnits(v *uint256.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).String()
}

// FormatUSD renders a 1e18-scaled USD value, e.g. "6.25".
func FormatUSD(v *uint256.Int) string {
	return FormatUnits(v, USDDecimals)
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// USD converts a 1e18-scaled value into a decimal.
func USD(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(OrZero(v).ToBig(), -USDDecimals)
}
