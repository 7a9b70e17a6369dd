package withdrawal

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

const verifyBatch = 100

// Verifier settles sent withdrawal transactions.
type Verifier struct {
	platform   chain.Platform
	gateways   *gateway.Registry
	ledger     Ledger
	staleAfter time.Duration
	log        *logging.Logger
}

var _ worker.Handler = (*Verifier)(nil)

// NewVerifier creates the withdrawal verifier of a platform.
func NewVerifier(platform chain.Platform, gateways *gateway.Registry, ledger Ledger) *Verifier {
	return &Verifier{
		platform:   platform,
		gateways:   gateways,
		ledger:     ledger,
		staleAfter: config.CollectingStaleAfter,
		log:        logging.GetDefault().Component("withdrawal_verifier." + string(platform)),
	}
}

// WithStaleAfter sets how long an unknown withdrawal is waited for.
func (v *Verifier) WithStaleAfter(d time.Duration) *Verifier {
	if d > 0 {
		v.staleAfter = d
	}
	return v
}

func (v *Verifier) Prepare(ctx context.Context) error { return nil }

func (v *Verifier) DoProcess(ctx context.Context) error {
	var (
		sent []*storage.WithdrawalTx
		now  time.Time
	)
	err := v.ledger.InTx(ctx, func(tx *storage.Tx) error {
		now = tx.Now()
		var err error
		sent, err = tx.WithdrawalTxsByStatus(symbols(v.gateways.Currencies(), v.platform), storage.WithdrawalSent, verifyBatch)
		return err
	})
	if err != nil || len(sent) == 0 {
		return err
	}

	settled := make(map[int64]storage.WithdrawalStatus)
	for _, wt := range sent {
		log := v.log.With("withdrawal_tx", wt.ID, "currency", wt.Currency, "txid", wt.TxID)
		g, err := v.gateways.Get(ctx, wt.Currency)
		if err != nil {
			log.Warn("No gateway for withdrawal check", "error", err)
			continue
		}
		status, err := g.GetTransactionStatus(ctx, wt.TxID)
		if err != nil {
			log.Warn("Withdrawal status lookup failed", "error", err)
			continue
		}
		switch status {
		case gateway.StatusCompleted:
			settled[wt.ID] = storage.WithdrawalCompleted
		case gateway.StatusFailed:
			settled[wt.ID] = storage.WithdrawalFailed
		case gateway.StatusUnknown:
			if now.Sub(time.Unix(wt.UpdatedAt, 0)) >= v.staleAfter && v.dropped(ctx, g, wt) {
				log.Warn("Withdrawal unknown to the network, marking failed", "sent_at", wt.UpdatedAt)
				metrics.WithdrawalOutcomes.WithLabelValues(wt.Currency, outcomeDropped).Inc()
				settled[wt.ID] = storage.WithdrawalFailed
			}
		}
	}
	if len(settled) == 0 {
		return nil
	}

	return v.ledger.InTx(ctx, func(tx *storage.Tx) error {
		for _, wt := range sent {
			status, ok := settled[wt.ID]
			if !ok {
				continue
			}
			if err := tx.SetWithdrawalTxStatus(wt.ID, status); err != nil {
				return err
			}
			outcome := outcomeCompleted
			if status == storage.WithdrawalFailed {
				outcome = outcomeFailed
			}
			metrics.WithdrawalOutcomes.WithLabelValues(wt.Currency, outcome).Inc()
			v.log.Info("Withdrawal settled", "withdrawal_tx", wt.ID, "currency", wt.Currency, "txid", wt.TxID, "status", status)
		}
		return nil
	})
}

// dropped reports whether a stale unknown withdrawal can be given up. On
// nonce-based chains the hot wallet must have nothing queued.
func (v *Verifier) dropped(ctx context.Context, g gateway.Gateway, wt *storage.WithdrawalTx) bool {
	pc, ok := g.(gateway.PendingChecker)
	if !ok || g.Currency().IsUTXOBased {
		return true
	}
	queued, err := pc.HasPendingTransactions(ctx, wt.HotWalletAddress)
	if err != nil {
		v.log.Warn("Pending check failed", "currency", wt.Currency, "address", wt.HotWalletAddress, "error", err)
		return false
	}
	return !queued
}
