// Package helpers provides amount and encoding utilities shared by the gateways.
package helpers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human readable amount ("1.5") into the smallest unit
// of a currency with the given number of decimals. Digits beyond the
// currency precision are rejected rather than rounded.
func ToBaseUnits(amount string, decimals int32) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return decimal.Zero, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("amount %q exceeds %d decimals", amount, decimals)
	}
	return units, nil
}

// FormatAmount renders a base-unit amount as a human readable decimal string.
// For example, FormatAmount(100000000, 8) returns "1".
func FormatAmount(units decimal.Decimal, decimals int32) string {
	return units.Shift(-decimals).String()
}

// BigToDecimal converts a big integer into a decimal. Nil is treated as zero.
func BigToDecimal(n *big.Int) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, 0)
}

// DecimalToBig converts a base-unit decimal into a big integer. The value must
// be a whole number.
func DecimalToBig(d decimal.Decimal) (*big.Int, error) {
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("amount %s is not a whole number of base units", d)
	}
	return d.BigInt(), nil
}

// DecimalToUint64 converts a non-negative whole decimal into uint64.
func DecimalToUint64(d decimal.Decimal) (uint64, error) {
	n, err := DecimalToBig(d)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", d)
	}
	return n.Uint64(), nil
}

// ParseBaseUnits parses an integer string in base units, as returned by most
// node APIs ("1500000", "0x16345785d8a0000").
func ParseBaseUnits(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return decimal.Zero, fmt.Errorf("invalid hex amount %q", s)
		}
		return decimal.NewFromBigInt(n, 0), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return decimal.NewFromBigInt(n, 0), nil
}
