// Package withdrawal moves funds out of hot wallets. Withdrawals pass
// through four workers per platform: the Picker builds an unsigned
// transaction, the Signer signs it with the hot wallet key, the Sender
// broadcasts it and the Verifier settles it. The ColdSweeper queues
// withdrawals to the cold wallet when a hot wallet holds too much.
package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

var ErrHotWalletMissing = errors.New("hot wallet not configured")

// txBatch bounds the withdrawal transactions handled per tick.
const txBatch = 10

// Ledger is the transaction boundary of a tick.
type Ledger interface {
	InTx(ctx context.Context, fn func(*storage.Tx) error) error
}

// SecretOpener decrypts sealed private keys.
type SecretOpener interface {
	Open(sealed string) (string, error)
}

// Outcomes recorded in metrics.WithdrawalOutcomes.
const (
	outcomePicked          = "picked"
	outcomeDeferred        = "deferred"
	outcomeSigned          = "signed"
	outcomeSent            = "sent"
	outcomeBroadcastFailed = "broadcast_failed"
	outcomeCompleted       = "completed"
	outcomeFailed          = "failed"
	outcomeDropped         = "dropped"
	outcomeSwept           = "cold_sweep"
)

func symbols(reg *chain.Registry, platform chain.Platform) []string {
	var out []string
	for _, c := range reg.CurrenciesOfPlatform(platform) {
		out = append(out, c.Symbol)
	}
	return out
}

func hotWallet(tx *storage.Tx, walletID int64, platform chain.Platform) (*storage.HotWallet, error) {
	hot, err := tx.GetHotWallet(walletID, platform)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && hot.Secret == "") {
		return nil, fmt.Errorf("%w: wallet %d on %s cannot sign withdrawals", ErrHotWalletMissing, walletID, platform)
	}
	return hot, err
}

// Picker builds the transaction of the oldest pending withdrawal.
type Picker struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	log      *logging.Logger
}

var _ worker.Handler = (*Picker)(nil)

// NewPicker creates the withdrawal picker of a platform.
func NewPicker(platform chain.Platform, gateways *gateway.Registry, ledger Ledger) *Picker {
	return &Picker{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		log:      logging.GetDefault().Component("picker." + string(platform)),
	}
}

func (p *Picker) Prepare(ctx context.Context) error {
	native, err := p.gateways.Currencies().Native(p.platform)
	if err != nil {
		return err
	}
	_, err = p.gateways.Get(ctx, native.Symbol)
	return err
}

// DoProcess picks at most one withdrawal per tick. A hot wallet with a
// transaction still waiting to be signed or sent is left alone, so nonces
// and inputs are never reused.
func (p *Picker) DoProcess(ctx context.Context) error {
	return p.ledger.InTx(ctx, func(tx *storage.Tx) error {
		w, err := tx.NextWithdrawal(symbols(p.gateways.Currencies(), p.platform))
		if err != nil || w == nil {
			return err
		}
		hot, err := hotWallet(tx, w.WalletID, p.platform)
		if err != nil {
			return err
		}
		log := p.log.With("id", w.ID, "currency", w.Currency, "to", w.ToAddress, "amount", w.Amount)

		busy, err := tx.CountUnsentWithdrawalTxs(hot.Address)
		if err != nil {
			return err
		}
		if busy > 0 {
			log.Debug("Hot wallet has an unsent transaction, waiting", "hot_wallet", hot.Address)
			return nil
		}

		g, err := p.gateways.Get(ctx, w.Currency)
		if err != nil {
			return err
		}
		raw, err := g.ConstructRawTransaction(ctx, hot.Address, w.ToAddress, w.Amount,
			gateway.ConstructOptions{DestinationTag: w.Memo})
		if err != nil {
			log.Warn("Withdrawal construction failed, deferring", "error", err)
			metrics.WithdrawalOutcomes.WithLabelValues(w.Currency, outcomeDeferred).Inc()
			return tx.DeferWithdrawal(w.ID, config.WithdrawalDeferral)
		}

		wt := &storage.WithdrawalTx{
			WalletID:         w.WalletID,
			Currency:         w.Currency,
			HotWalletAddress: hot.Address,
			UnsignedTxID:     raw.TxID,
			UnsignedRaw:      raw.UnsignedRaw,
		}
		if err := tx.InsertWithdrawalTx(wt, []int64{w.ID}); err != nil {
			return err
		}
		metrics.WithdrawalOutcomes.WithLabelValues(w.Currency, outcomePicked).Inc()
		log.Info("Withdrawal picked", "withdrawal_tx", wt.ID, "unsigned_txid", raw.TxID)
		return nil
	})
}
