package collector

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// verifyBatch bounds the collecting deposits checked per currency and tick.
const verifyBatch = 100

// Verifier settles collections: a completed transaction marks its deposits
// collected, a failed one returns them to the queue. A transaction the
// network still does not know after the stale timeout is treated as dropped.
type Verifier struct {
	platform   chain.Platform
	gateways   *gateway.Registry
	ledger     Ledger
	staleAfter time.Duration
	log        *logging.Logger
}

var _ worker.Handler = (*Verifier)(nil)

// NewVerifier creates the collection verifier of a platform.
func NewVerifier(platform chain.Platform, gateways *gateway.Registry, ledger Ledger) *Verifier {
	return &Verifier{
		platform:   platform,
		gateways:   gateways,
		ledger:     ledger,
		staleAfter: config.CollectingStaleAfter,
		log:        logging.GetDefault().Component("verifier." + string(platform)),
	}
}

// WithStaleAfter sets how long an unknown collection is waited for.
func (v *Verifier) WithStaleAfter(d time.Duration) *Verifier {
	if d > 0 {
		v.staleAfter = d
	}
	return v
}

func (v *Verifier) Prepare(ctx context.Context) error { return nil }

type pendingCollection struct {
	currency string
	txid     string
	// from is the sending deposit address of account-based collections.
	from  string
	since time.Time
	ids   []int64
}

// outcome is what a tick learned about a collection.
type outcome struct {
	status  gateway.TxStatus
	dropped bool
}

// DoProcess checks every in-flight collection of the platform once. Chain
// lookups happen outside the ledger transaction.
func (v *Verifier) DoProcess(ctx context.Context) error {
	var (
		pending []*pendingCollection
		now     time.Time
	)
	err := v.ledger.InTx(ctx, func(tx *storage.Tx) error {
		now = tx.Now()
		for _, c := range v.gateways.Currencies().CurrenciesOfPlatform(v.platform) {
			ds, err := tx.DepositsByStatus(c.Symbol, storage.CollectCollecting, verifyBatch)
			if err != nil {
				return err
			}
			byTxID := make(map[string]*pendingCollection)
			for _, d := range ds {
				p, ok := byTxID[d.CollectedTxID]
				if !ok {
					p = &pendingCollection{currency: c.Symbol, txid: d.CollectedTxID}
					if !c.IsUTXOBased {
						p.from = d.ToAddress
					}
					byTxID[d.CollectedTxID] = p
					pending = append(pending, p)
				}
				if at := time.Unix(d.UpdatedAt, 0); at.After(p.since) {
					p.since = at
				}
				p.ids = append(p.ids, d.ID)
			}
		}
		return nil
	})
	if err != nil || len(pending) == 0 {
		return err
	}

	outcomes := make(map[*pendingCollection]outcome)
	for _, p := range pending {
		g, err := v.gateways.Get(ctx, p.currency)
		if err != nil {
			v.log.Warn("No gateway for collection check", "currency", p.currency, "error", err)
			continue
		}
		status, err := g.GetTransactionStatus(ctx, p.txid)
		if err != nil {
			v.log.Warn("Collection status lookup failed", "currency", p.currency, "txid", p.txid, "error", err)
			continue
		}
		o := outcome{status: status}
		if status == gateway.StatusUnknown && now.Sub(p.since) >= v.staleAfter {
			o.dropped = v.dropped(ctx, g, p)
		}
		outcomes[p] = o
	}

	return v.ledger.InTx(ctx, func(tx *storage.Tx) error {
		for _, p := range pending {
			o, ok := outcomes[p]
			if !ok {
				continue
			}
			var (
				deposit  storage.CollectStatus
				transfer storage.TransferStatus
				txid     string
			)
			switch {
			case o.status == gateway.StatusCompleted:
				deposit, transfer, txid = storage.CollectCollected, storage.TransferCompleted, p.txid
			case o.status == gateway.StatusFailed:
				deposit, transfer = storage.CollectUncollected, storage.TransferFailed
			case o.dropped:
				v.log.Warn("Collection unknown to the network, releasing deposits",
					"currency", p.currency, "txid", p.txid, "since", p.since, "deposits", len(p.ids))
				deposit, transfer = storage.CollectUncollected, storage.TransferFailed
			default:
				continue
			}
			if err := tx.SetDepositStatus(p.ids, deposit, txid, 0); err != nil {
				return err
			}
			if err := tx.SetInternalTransferStatus(p.txid, transfer); err != nil {
				return err
			}
			v.log.Info("Collection settled", "currency", p.currency, "txid", p.txid, "status", o.status, "deposits", len(p.ids))
		}
		return nil
	})
}

// dropped reports whether a stale unknown collection can be released. On
// nonce-based chains the sender must have nothing queued, otherwise the
// transaction may still be mined.
func (v *Verifier) dropped(ctx context.Context, g gateway.Gateway, p *pendingCollection) bool {
	pc, ok := g.(gateway.PendingChecker)
	if !ok || p.from == "" {
		return true
	}
	queued, err := pc.HasPendingTransactions(ctx, p.from)
	if err != nil {
		v.log.Warn("Pending check failed", "currency", p.currency, "address", p.from, "error", err)
		return false
	}
	if queued {
		v.log.Debug("Collection still queued at sender", "currency", p.currency, "txid", p.txid)
	}
	return !queued
}
