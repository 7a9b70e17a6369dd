package helpers

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{"one btc", "1", 8, "100000000", false},
		{"fraction", "0.5", 8, "50000000", false},
		{"one satoshi", "0.00000001", 8, "1", false},
		{"wei", "1.000000000000000001", 18, "1000000000000000001", false},
		{"too precise", "0.000000001", 8, "", true},
		{"empty", "", 8, "", true},
		{"garbage", "abc", 8, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToBaseUnits(%q) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ToBaseUnits(%q) = %s, want %s", tt.amount, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		units    int64
		decimals int32
		want     string
	}{
		{100000000, 8, "1"},
		{150000000, 8, "1.5"},
		{1, 6, "0.000001"},
		{0, 18, "0"},
	}

	for _, tt := range tests {
		got := FormatAmount(decimal.NewFromInt(tt.units), tt.decimals)
		if got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.units, tt.decimals, got, tt.want)
		}
	}
}

func TestDecimalToBig(t *testing.T) {
	n, err := DecimalToBig(decimal.RequireFromString("1000000000000000000000"))
	if err != nil {
		t.Fatalf("DecimalToBig error: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if n.Cmp(want) != 0 {
		t.Errorf("DecimalToBig = %s, want %s", n, want)
	}

	if _, err := DecimalToBig(decimal.RequireFromString("1.5")); err == nil {
		t.Error("DecimalToBig should reject fractional base units")
	}
}

func TestDecimalToUint64(t *testing.T) {
	if _, err := DecimalToUint64(decimal.NewFromInt(-1)); err == nil {
		t.Error("DecimalToUint64 should reject negative values")
	}
	got, err := DecimalToUint64(decimal.NewFromInt(42))
	if err != nil || got != 42 {
		t.Errorf("DecimalToUint64(42) = %d, %v", got, err)
	}
}

func TestParseBaseUnits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1500000", "1500000"},
		{"0x16345785d8a0000", "100000000000000000"},
		{" 12 ", "12"},
	}
	for _, tt := range tests {
		got, err := ParseBaseUnits(tt.in)
		if err != nil {
			t.Fatalf("ParseBaseUnits(%q) error: %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseBaseUnits(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseBaseUnits("1.5"); err == nil {
		t.Error("ParseBaseUnits should reject fractions")
	}
}

func TestHexHelpers(t *testing.T) {
	if got := Strip0x("0xABCD"); got != "ABCD" {
		t.Errorf("Strip0x = %s, want ABCD", got)
	}
	if got := Strip0x("0XAB"); got != "AB" {
		t.Errorf("Strip0x = %s, want AB", got)
	}
	if got := Strip0x("x"); got != "x" {
		t.Errorf("Strip0x = %s, want x", got)
	}
	b, err := HexToBytes("0x0102")
	if err != nil || len(b) != 2 || b[1] != 2 {
		t.Errorf("HexToBytes = %x, %v", b, err)
	}
	if _, err := HexToBytes("0xzz"); err == nil {
		t.Error("HexToBytes should reject non-hex input")
	}
}
