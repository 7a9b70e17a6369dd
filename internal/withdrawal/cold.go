package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ColdSweeper queues a withdrawal to the cold wallet whenever a hot wallet
// balance exceeds its upper threshold. The sweep leaves the middle of the
// two thresholds behind and goes through the regular withdrawal workers.
type ColdSweeper struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	log      *logging.Logger
}

var _ worker.Handler = (*ColdSweeper)(nil)

// NewColdSweeper creates the cold wallet sweeper of a platform.
func NewColdSweeper(platform chain.Platform, gateways *gateway.Registry, ledger Ledger) *ColdSweeper {
	return &ColdSweeper{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		log:      logging.GetDefault().Component("cold." + string(platform)),
	}
}

func (c *ColdSweeper) Prepare(ctx context.Context) error { return nil }

func (c *ColdSweeper) DoProcess(ctx context.Context) error {
	return c.ledger.InTx(ctx, func(tx *storage.Tx) error {
		cws, err := tx.ColdWalletsOf(symbols(c.gateways.Currencies(), c.platform))
		if err != nil {
			return err
		}
		for _, cw := range cws {
			if err := c.sweep(ctx, tx, cw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *ColdSweeper) sweep(ctx context.Context, tx *storage.Tx, cw *storage.ColdWallet) error {
	log := c.log.With("wallet", cw.WalletID, "currency", cw.Currency)
	hot, err := tx.GetHotWallet(cw.WalletID, c.platform)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("Cold wallet without hot wallet, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	open, err := tx.HasOpenWithdrawal(cw.WalletID, cw.Currency, storage.NoteColdWallet)
	if err != nil || open {
		return err
	}

	g, err := c.gateways.Get(ctx, cw.Currency)
	if err != nil {
		return err
	}
	balance, err := g.GetAddressBalance(ctx, hot.Address)
	if err != nil {
		return fmt.Errorf("%s balance of %s: %w", cw.Currency, hot.Address, err)
	}
	if !balance.GreaterThan(cw.UpperThreshold) {
		return nil
	}

	w := &storage.Withdrawal{
		WalletID:  cw.WalletID,
		Currency:  cw.Currency,
		ToAddress: cw.Address,
		Amount:    balance.Sub(cw.MiddleThreshold()),
		Note:      storage.NoteColdWallet,
	}
	if err := tx.InsertWithdrawal(w); err != nil {
		return err
	}
	metrics.WithdrawalOutcomes.WithLabelValues(cw.Currency, outcomeSwept).Inc()
	log.Info("Hot wallet above cold threshold, sweeping", "balance", balance, "amount", w.Amount, "withdrawal", w.ID)
	return nil
}
