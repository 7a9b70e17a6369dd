package gateway

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

var (
	btcCurrency = chain.Currency{Symbol: "btc", Platform: chain.PlatformBTC, IsNative: true, IsUTXOBased: true}
	ethCurrency = chain.Currency{Symbol: "eth", Platform: chain.PlatformETH, IsNative: true}
)

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestExtractEntriesUTXO(t *testing.T) {
	tx := &Transaction{
		Currency: btcCurrency,
		TxID:     "aa",
		Inputs: []Output{
			{Address: "A", Value: d(100000)},
			{Address: "A", Value: d(50000)},
		},
		Outputs: []Output{
			{Address: "B", Value: d(120000)},
			{Address: "A", Value: d(29000)},
		},
	}

	entries := tx.ExtractEntries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	want := map[string]int64{"A": -121000, "B": 120000}
	for _, e := range entries {
		if !e.Amount.Equal(d(want[e.Address])) {
			t.Errorf("entry %s = %s, want %d", e.Address, e.Amount, want[e.Address])
		}
		if e.TxID != "aa" || e.Tx != tx {
			t.Errorf("entry %s does not reference its transaction", e.Address)
		}
	}
	if fee := tx.NetworkFee(); !fee.Equal(d(1000)) {
		t.Errorf("NetworkFee = %s, want 1000", fee)
	}

	// Pure: calling again yields the same result.
	again := tx.ExtractEntries()
	if len(again) != len(entries) || !again[0].Amount.Equal(entries[0].Amount) {
		t.Error("ExtractEntries is not idempotent")
	}
}

func TestExtractEntriesAccount(t *testing.T) {
	tx := &Transaction{
		Currency: ethCurrency,
		TxID:     "0x1",
		Transfers: []Transfer{
			{From: "0xa", To: "0xb", Amount: d(10)},
			{From: "0xa", To: "0xb", Amount: d(5)},
			{From: "0xb", To: "0xc", Amount: d(1), Tag: "7"},
		},
	}

	entries := tx.ExtractEntries()
	got := make(map[string]string)
	for _, e := range entries {
		got[e.Address+"/"+e.Tag] = e.Amount.String()
	}
	want := map[string]string{
		"0xa/":  "-15",
		"0xb/":  "14",
		"0xc/7": "1",
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("entry %s = %s, want %s", k, got[k], v)
		}
	}
}

func TestConfirmations(t *testing.T) {
	tests := []struct {
		head, height, want uint64
	}{
		{100, 100, 1},
		{100, 91, 10},
		{100, 101, 0},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := Confirmations(tt.head, tt.height); got != tt.want {
			t.Errorf("Confirmations(%d, %d) = %d, want %d", tt.head, tt.height, got, tt.want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		tx   *Transaction
		want TxStatus
	}{
		{"nil", nil, StatusUnknown},
		{"zero confirmations", &Transaction{}, StatusUnknown},
		{"confirming", &Transaction{Confirmations: 2}, StatusConfirming},
		{"failed but shallow", &Transaction{Confirmations: 2, IsFailed: true}, StatusConfirming},
		{"failed", &Transaction{Confirmations: 6, IsFailed: true}, StatusFailed},
		{"completed", &Transaction{Confirmations: 6}, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.tx, 6); got != tt.want {
				t.Errorf("StatusOf = %s, want %s", got, tt.want)
			}
		})
	}
}
