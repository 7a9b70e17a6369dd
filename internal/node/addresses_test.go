package node

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type prefixSealer struct{}

func (prefixSealer) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }

func newTestIssuer(t *testing.T) (*AddressIssuer, *storage.Storage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletd-node-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return NewAddressIssuer(w, chain.NewRegistry(chain.Mainnet), store, prefixSealer{}), store
}

func TestIssueAddresses(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i, walletID := range []int64{1, 1, 2} {
		addr, err := issuer.Issue(ctx, walletID, chain.PlatformETH)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[addr.Address] {
			t.Errorf("address %s issued twice", addr.Address)
		}
		seen[addr.Address] = true

		if want := fmt.Sprintf("m/44'/60'/0'/0/%d", i); addr.HDPath != want {
			t.Errorf("path = %s, want %s", addr.HDPath, want)
		}
		if addr.Address != strings.ToLower(addr.Address) {
			t.Errorf("address %s is not normalized", addr.Address)
		}
		if !strings.HasPrefix(addr.Secret, "sealed:") {
			t.Errorf("secret %q is not sealed", addr.Secret)
		}
	}

	// The first mainnet ETH account of the test mnemonic.
	err := store.InTx(ctx, func(tx *storage.Tx) error {
		got, err := tx.GetAddress(chain.PlatformETH, "0x9858effd232b4033e47d90003d41ec34ecaeda94")
		if err != nil {
			return err
		}
		if got.WalletID != 1 {
			t.Errorf("wallet id = %d, want 1", got.WalletID)
		}
		n, err := tx.CountAddresses(2, chain.PlatformETH)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("wallet 2 addresses = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIssueUnknownPlatform(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	if _, err := issuer.Issue(context.Background(), 1, chain.Platform("doge")); err == nil {
		t.Error("expected error for unknown platform")
	}
}
