package node

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/collector"
	"github.com/Klingon-tech/klingcustody/internal/deposit"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Sealer encrypts secrets for storage.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// AddressIssuer derives deposit addresses from the HD seed and stores them
// with their sealed keys.
type AddressIssuer struct {
	wallet     *wallet.Wallet
	currencies *chain.Registry
	ledger     collector.Ledger
	sealer     Sealer
	log        *logging.Logger
}

// NewAddressIssuer creates an issuer over an opened HD wallet.
func NewAddressIssuer(w *wallet.Wallet, currencies *chain.Registry, ledger collector.Ledger, sealer Sealer) *AddressIssuer {
	return &AddressIssuer{
		wallet:     w,
		currencies: currencies,
		ledger:     ledger,
		sealer:     sealer,
		log:        logging.GetDefault().Component("addresses"),
	}
}

// Issue derives the next deposit address of a platform for walletID. Paths
// follow the platform's configured HD path with the last element set to the
// number of addresses already issued on the platform, so every address has
// its own key.
func (a *AddressIssuer) Issue(ctx context.Context, walletID int64, platform chain.Platform) (*storage.Address, error) {
	native, err := a.currencies.Native(platform)
	if err != nil {
		return nil, err
	}
	cfg, err := a.currencies.Config(native.Symbol)
	if err != nil {
		return nil, err
	}
	p, ok := chain.Get(platform, a.currencies.Network())
	if !ok {
		return nil, fmt.Errorf("no params for %s on %s", platform, a.currencies.Network())
	}
	base := cfg.HDPath
	if base == "" {
		base = p.DerivationPathString(0, 0, 0)
	}

	var out *storage.Address
	err = a.ledger.InTx(ctx, func(tx *storage.Tx) error {
		issued, err := tx.ListAddresses(platform)
		if err != nil {
			return err
		}
		path, err := wallet.IndexedPath(base, uint32(len(issued)))
		if err != nil {
			return err
		}
		acct, err := a.wallet.DeriveAccountAt(p, path)
		if err != nil {
			return err
		}
		sealed, err := a.sealer.Seal(acct.Secret)
		if err != nil {
			return fmt.Errorf("seal key of %s: %w", acct.Address, err)
		}
		out = &storage.Address{
			Address:  deposit.NormalizeAddress(platform, acct.Address),
			Platform: platform,
			WalletID: walletID,
			HDPath:   path,
			Secret:   sealed,
		}
		return tx.SaveAddress(out)
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Issued deposit address", "platform", platform, "wallet", walletID, "address", out.Address, "path", out.HDPath)
	return out, nil
}
