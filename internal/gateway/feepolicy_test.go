package gateway

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func testPolicy() GasPolicy {
	return GasPolicy{
		MaxPrice:      Gwei(120),
		Multiplier:    decimal.NewFromInt(5),
		LowMultiplier: decimal.NewFromInt(2),
		Buffer:        Gwei(20),
	}
}

func TestGasPolicyPrice(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name string
		base *big.Int
		low  bool
		want *big.Int
	}{
		{"buffer dominates low", Gwei(10), true, Gwei(30)},
		{"multiplier dominates high", Gwei(10), false, Gwei(50)},
		{"capped", Gwei(40), false, Gwei(120)},
		{"low multiplier capped", Gwei(80), true, Gwei(120)},
		{"base equals cap", Gwei(120), true, Gwei(120)},
		{"zero base", big.NewInt(0), true, Gwei(20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Price(tt.base, tt.low)
			if err != nil {
				t.Fatalf("Price error: %v", err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Errorf("Price = %s, want %s", got, tt.want)
			}
			if got.Cmp(tt.base) < 0 || got.Cmp(p.MaxPrice) > 0 {
				t.Errorf("Price %s outside [base %s, cap %s]", got, tt.base, p.MaxPrice)
			}
		})
	}
}

func TestGasPolicyLowNeverAboveHigh(t *testing.T) {
	p := testPolicy()
	for g := int64(0); g <= 120; g += 7 {
		low, err := p.Price(Gwei(g), true)
		if err != nil {
			t.Fatal(err)
		}
		high, err := p.Price(Gwei(g), false)
		if err != nil {
			t.Fatal(err)
		}
		if low.Cmp(high) > 0 {
			t.Errorf("base %d gwei: low %s > high %s", g, low, high)
		}
	}
}

func TestGasPolicyAboveCap(t *testing.T) {
	_, err := testPolicy().Price(Gwei(121), true)
	if !errors.Is(err, ErrFeeAboveCap) {
		t.Errorf("Price above cap error = %v, want ErrFeeAboveCap", err)
	}
}

func TestGasPolicyValidate(t *testing.T) {
	p := testPolicy()
	if err := p.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
	p.LowMultiplier = decimal.NewFromInt(6)
	if err := p.Validate(); err == nil {
		t.Error("Validate should reject low multiplier above high")
	}
	p = testPolicy()
	p.MaxPrice = nil
	if err := p.Validate(); err == nil {
		t.Error("Validate should reject a missing cap")
	}
}
