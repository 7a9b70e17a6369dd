package gateway

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// GasPolicy prices account-based transactions from the network base price.
// The effective price is min(cap, max(base*multiplier, base+buffer)).
type GasPolicy struct {
	MaxPrice      *big.Int
	Multiplier    decimal.Decimal
	LowMultiplier decimal.Decimal
	Buffer        *big.Int
}

// Validate checks the policy invariants.
func (p GasPolicy) Validate() error {
	if p.MaxPrice == nil || p.MaxPrice.Sign() <= 0 {
		return fmt.Errorf("gas policy: cap must be positive")
	}
	if p.Multiplier.LessThan(decimal.NewFromInt(1)) || p.LowMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("gas policy: multipliers must be >= 1")
	}
	if p.LowMultiplier.GreaterThan(p.Multiplier) {
		return fmt.Errorf("gas policy: low multiplier %s above high multiplier %s", p.LowMultiplier, p.Multiplier)
	}
	if p.Buffer != nil && p.Buffer.Sign() < 0 {
		return fmt.Errorf("gas policy: negative buffer")
	}
	return nil
}

// Price returns the price to pay for the given base price. It fails with
// ErrFeeAboveCap when the base price alone exceeds the cap, so callers never
// underpay the network nor exceed the cap.
func (p GasPolicy) Price(base *big.Int, low bool) (*big.Int, error) {
	if base == nil || base.Sign() < 0 {
		return nil, fmt.Errorf("gas policy: invalid base price %v", base)
	}
	if base.Cmp(p.MaxPrice) > 0 {
		return nil, fmt.Errorf("%w: base %s > cap %s", ErrFeeAboveCap, base, p.MaxPrice)
	}
	mult := p.Multiplier
	if low {
		mult = p.LowMultiplier
	}
	multiplied := decimal.NewFromBigInt(base, 0).Mul(mult).Floor().BigInt()

	buffered := new(big.Int).Set(base)
	if p.Buffer != nil {
		buffered.Add(buffered, p.Buffer)
	}

	price := multiplied
	if buffered.Cmp(price) > 0 {
		price = buffered
	}
	if price.Cmp(p.MaxPrice) > 0 {
		price = new(big.Int).Set(p.MaxPrice)
	}
	return price, nil
}

// Gwei converts whole gwei into wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}
