// Package deposit turns crawled transfer entries into deposit rows. It is the
// storage side of the crawler callbacks.
package deposit

import (
	"context"
	"slices"
	"strings"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/crawler"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Ingester implements crawler.Callbacks and crawler.AddressLister over the
// wallet ledger.
type Ingester struct {
	store *storage.Storage
	log   *logging.Logger
}

var (
	_ crawler.Callbacks     = (*Ingester)(nil)
	_ crawler.AddressLister = (*Ingester)(nil)
)

// New creates an ingester.
func New(store *storage.Storage) *Ingester {
	return &Ingester{
		store: store,
		log:   logging.GetDefault().Component("deposit"),
	}
}

// NormalizeAddress returns the form addresses of the platform are stored and
// matched in. EVM addresses are case-insensitive and kept in lower case.
func NormalizeAddress(platform chain.Platform, address string) string {
	address = strings.TrimSpace(address)
	if slices.Contains(chain.ListByType(chain.ChainTypeEVM), platform) {
		return strings.ToLower(address)
	}
	return address
}

// GetLatestCrawledBlockNumber reads the cursor of the crawler's platform.
func (i *Ingester) GetLatestCrawledBlockNumber(ctx context.Context, c *crawler.Crawler) (uint64, bool, error) {
	var (
		block uint64
		ok    bool
	)
	err := i.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		block, ok, err = tx.LatestBlock(c.NativeCurrency().Symbol)
		return err
	})
	return block, ok, err
}

// OnCrawlingTxs stores the incoming transfers to our deposit addresses.
// Outgoing entries, failed transactions and unknown addresses are ignored;
// replays of a stored deposit are no-ops.
func (i *Ingester) OnCrawlingTxs(ctx context.Context, c *crawler.Crawler, entries []gateway.TransferEntry) error {
	platform := c.Platform()

	var credits []gateway.TransferEntry
	var candidates []string
	for _, e := range entries {
		if !e.Amount.IsPositive() || (e.Tx != nil && e.Tx.IsFailed) {
			continue
		}
		e.Address = NormalizeAddress(platform, e.Address)
		credits = append(credits, e)
		candidates = append(candidates, e.Address)
	}
	if len(credits) == 0 {
		return nil
	}

	created := make(map[string]int)
	err := i.store.InTx(ctx, func(tx *storage.Tx) error {
		known, err := tx.FindAddresses(platform, candidates)
		if err != nil {
			return err
		}
		for _, e := range credits {
			addr, ok := known[e.Address]
			if !ok {
				continue
			}
			d := &storage.Deposit{
				WalletID:  addr.WalletID,
				Currency:  e.Currency.Symbol,
				ToAddress: e.Address,
				TxID:      e.TxID,
				Amount:    e.Amount,
				Memo:      e.Tag,
			}
			if e.Tx != nil {
				d.BlockNumber = e.Tx.Height
				d.BlockTimestamp = e.Tx.Timestamp
			}
			inserted, err := tx.InsertDeposit(d)
			if err != nil {
				return err
			}
			if inserted {
				created[d.Currency]++
				i.log.Info("New deposit",
					"currency", d.Currency, "address", d.ToAddress, "txid", d.TxID,
					"amount", d.Amount, "block", d.BlockNumber)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for currency, n := range created {
		metrics.DepositsIngested.WithLabelValues(currency).Add(float64(n))
	}
	return nil
}

// OnBlockCrawled advances the cursor of the crawler's platform.
func (i *Ingester) OnBlockCrawled(ctx context.Context, c *crawler.Crawler, block uint64) error {
	return i.store.InTx(ctx, func(tx *storage.Tx) error {
		return tx.AdvanceLatestBlock(c.NativeCurrency().Symbol, block)
	})
}

// GetAddressesDepositCrawler lists the deposit addresses of the crawler's
// platform.
func (i *Ingester) GetAddressesDepositCrawler(ctx context.Context, c *crawler.Crawler) ([]string, error) {
	var out []string
	err := i.store.InTx(ctx, func(tx *storage.Tx) error {
		addrs, err := tx.ListAddresses(c.Platform())
		if err != nil {
			return err
		}
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		return nil
	})
	return out, err
}
