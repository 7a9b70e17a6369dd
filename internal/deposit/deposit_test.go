package deposit

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/crawler"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/storage"
)

func setup(t *testing.T, platform chain.Platform) (*Ingester, *storage.Storage, *crawler.Crawler) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletd-deposit-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ing := New(store)
	reg := gateway.NewRegistry(chain.NewRegistry(chain.Mainnet))
	c, err := crawler.New(crawler.Options{Platform: platform}, reg, ing)
	if err != nil {
		t.Fatalf("crawler.New() error = %v", err)
	}
	return ing, store, c
}

func saveAddress(t *testing.T, store *storage.Storage, platform chain.Platform, walletID int64, address string) {
	t.Helper()
	err := store.InTx(context.Background(), func(tx *storage.Tx) error {
		return tx.SaveAddress(&storage.Address{
			Address:  NormalizeAddress(platform, address),
			Platform: platform,
			WalletID: walletID,
			Secret:   "sealed",
		})
	})
	if err != nil {
		t.Fatalf("SaveAddress() error = %v", err)
	}
}

func countDeposits(t *testing.T, store *storage.Storage) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM deposits").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		platform chain.Platform
		in, want string
	}{
		{chain.PlatformETH, "0xAbC0000000000000000000000000000000000001", "0xabc0000000000000000000000000000000000001"},
		{chain.PlatformBSC, " 0xDEAD ", "0xdead"},
		{chain.PlatformTRX, "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7", "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7"},
		{chain.PlatformBTC, "bc1qXYZ", "bc1qXYZ"},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.platform, tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%s, %q) = %q, want %q", tt.platform, tt.in, got, tt.want)
		}
	}
}

func TestOnCrawlingTxs(t *testing.T) {
	ing, store, c := setup(t, chain.PlatformETH)
	ctx := context.Background()
	saveAddress(t, store, chain.PlatformETH, 7, "0xDeposit")

	eth, _ := chain.NewRegistry(chain.Mainnet).Native(chain.PlatformETH)
	usdt, err := chain.NewToken(chain.TokenERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7", "Tether", "USDT", 6)
	if err != nil {
		t.Fatal(err)
	}

	ok := &gateway.Transaction{
		Currency:  eth,
		TxID:      "0xaa",
		Height:    100,
		Timestamp: 1700000000,
		Transfers: []gateway.Transfer{{From: "0xSender", To: "0xDEPOSIT", Amount: decimal.NewFromInt(5)}},
	}
	token := &gateway.Transaction{
		Currency:  usdt,
		TxID:      "0xaa",
		Height:    100,
		Transfers: []gateway.Transfer{{From: "0xSender", To: "0xdeposit", Amount: decimal.NewFromInt(9)}},
	}
	failed := &gateway.Transaction{
		Currency:  eth,
		TxID:      "0xbb",
		Height:    101,
		IsFailed:  true,
		Transfers: []gateway.Transfer{{From: "0xSender", To: "0xdeposit", Amount: decimal.NewFromInt(3)}},
	}
	stranger := &gateway.Transaction{
		Currency:  eth,
		TxID:      "0xcc",
		Height:    101,
		Transfers: []gateway.Transfer{{From: "0xdeposit", To: "0xstranger", Amount: decimal.NewFromInt(1)}},
	}

	var entries []gateway.TransferEntry
	for _, tx := range []*gateway.Transaction{ok, token, failed, stranger} {
		entries = append(entries, tx.ExtractEntries()...)
	}

	for round := 0; round < 2; round++ {
		if err := ing.OnCrawlingTxs(ctx, c, entries); err != nil {
			t.Fatalf("round %d: OnCrawlingTxs() error = %v", round, err)
		}
		if n := countDeposits(t, store); n != 2 {
			t.Errorf("round %d: deposits = %d, want 2", round, n)
		}
	}

	err = store.InTx(ctx, func(tx *storage.Tx) error {
		group, err := tx.CollectableGroup([]string{usdt.Symbol}, "sentinel", nil, 10)
		if err != nil {
			return err
		}
		if len(group) != 1 {
			t.Fatalf("token deposits = %d, want 1", len(group))
		}
		d := group[0]
		if d.WalletID != 7 || d.ToAddress != "0xdeposit" || !d.Amount.Equal(decimal.NewFromInt(9)) || d.BlockNumber != 100 {
			t.Errorf("token deposit = %+v", d)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursor(t *testing.T) {
	ing, _, c := setup(t, chain.PlatformBTC)
	ctx := context.Background()

	if _, ok, err := ing.GetLatestCrawledBlockNumber(ctx, c); err != nil || ok {
		t.Fatalf("GetLatestCrawledBlockNumber() = %v, %v, want no cursor", ok, err)
	}
	for _, n := range []uint64{10, 12, 11} {
		if err := ing.OnBlockCrawled(ctx, c, n); err != nil {
			t.Fatalf("OnBlockCrawled(%d) error = %v", n, err)
		}
	}
	got, ok, err := ing.GetLatestCrawledBlockNumber(ctx, c)
	if err != nil || !ok || got != 12 {
		t.Errorf("GetLatestCrawledBlockNumber() = %d, %v, %v, want 12", got, ok, err)
	}
}

func TestGetAddressesDepositCrawler(t *testing.T) {
	ing, store, c := setup(t, chain.PlatformXRP)
	saveAddress(t, store, chain.PlatformXRP, 1, "rDeposit1")
	saveAddress(t, store, chain.PlatformXRP, 2, "rDeposit2")
	saveAddress(t, store, chain.PlatformBTC, 1, "bc1qother")

	got, err := ing.GetAddressesDepositCrawler(context.Background(), c)
	if err != nil {
		t.Fatalf("GetAddressesDepositCrawler() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetAddressesDepositCrawler() = %v, want two XRP addresses", got)
	}
}
