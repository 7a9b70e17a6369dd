// Package collector sweeps deposits into hot wallets. The Engine collects,
// the FeeSeeder tops up gas for token deposits and the Verifier settles
// collections once their transactions confirm or fail.
package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

var (
	ErrHotWalletMissing = errors.New("hot wallet not configured")
	ErrOutputSpent      = errors.New("deposit output already spent")
	ErrAmountMismatch   = errors.New("unspent outputs do not match deposit total")
	ErrMultipleSecrets  = errors.New("account based collection needs exactly one secret")
)

// MaxUTXOGroup caps the deposits swept by one UTXO collection.
const MaxUTXOGroup = 50

// Ledger is the transaction boundary of a tick.
type Ledger interface {
	InTx(ctx context.Context, fn func(*storage.Tx) error) error
}

// SecretOpener decrypts sealed private keys.
type SecretOpener interface {
	Open(sealed string) (string, error)
}

// Outcomes recorded in metrics.CollectorOutcomes.
const (
	outcomeSent            = "sent"
	outcomeDeferred        = "deferred"
	outcomeConstructFailed = "construct_failed"
	outcomeBroadcastFailed = "broadcast_failed"
	outcomeError           = "error"
)

// Engine collects one group of deposits of a platform per tick.
type Engine struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	secrets  SecretOpener
	log      *logging.Logger
}

var _ worker.Handler = (*Engine)(nil)

// NewEngine creates the collector of a platform.
func NewEngine(platform chain.Platform, gateways *gateway.Registry, ledger Ledger, secrets SecretOpener) *Engine {
	return &Engine{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		secrets:  secrets,
		log:      logging.GetDefault().Component("collector." + string(platform)),
	}
}

// Prepare checks that the native gateway of the platform can be built.
func (e *Engine) Prepare(ctx context.Context) error {
	native, err := e.gateways.Currencies().Native(e.platform)
	if err != nil {
		return err
	}
	_, err = e.gateways.Get(ctx, native.Symbol)
	return err
}

// collectable lists the currencies of the platform that have a gateway.
func (e *Engine) collectable(ctx context.Context) []string {
	var out []string
	for _, c := range e.gateways.Currencies().CurrenciesOfPlatform(e.platform) {
		if _, err := e.gateways.Get(ctx, c.Symbol); err != nil {
			if !errors.Is(err, gateway.ErrNoFactory) {
				e.log.Warn("Gateway unavailable, skipping currency", "currency", c.Symbol, "error", err)
			}
			continue
		}
		out = append(out, c.Symbol)
	}
	return out
}

// DoProcess collects one group inside a single ledger transaction. A failed
// broadcast commits the failure marker and then returns the broadcast error.
func (e *Engine) DoProcess(ctx context.Context) error {
	var broadcastErr error
	err := e.ledger.InTx(ctx, func(tx *storage.Tx) error {
		return e.collect(ctx, tx, &broadcastErr)
	})
	if err != nil {
		return err
	}
	return broadcastErr
}

// collect runs one collection. A rejected broadcast is reported through
// broadcastErr so the caller can commit the failure marker first.
func (e *Engine) collect(ctx context.Context, tx *storage.Tx, broadcastErr *error) error {
	symbols := e.collectable(ctx)
	perAddress := func(symbol string) bool {
		c, err := e.gateways.Currencies().Currency(symbol)
		return err != nil || !c.IsUTXOBased
	}
	group, err := tx.CollectableGroup(symbols, config.SubmitFailedSentinel, perAddress, MaxUTXOGroup)
	if err != nil {
		return err
	}
	if len(group) == 0 {
		e.log.Debug("No collectable deposits")
		return nil
	}

	first := group[0]
	currency, err := e.gateways.Currencies().Currency(first.Currency)
	if err != nil {
		return err
	}
	g, err := e.gateways.Get(ctx, currency.Symbol)
	if err != nil {
		return err
	}
	total := storage.Total(group)
	ids := storage.IDs(group)
	log := e.log.With("currency", currency.Symbol, "wallet", first.WalletID, "deposits", len(group),
		"amount", helpers.FormatAmount(total, currency.Decimals))

	hot, err := tx.GetHotWallet(first.WalletID, currency.Platform)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeError).Inc()
		return fmt.Errorf("%w: wallet %d on %s", ErrHotWalletMissing, first.WalletID, currency.Platform)
	}
	if err != nil {
		return err
	}

	if !currency.IsNative {
		state, err := e.tokenReady(ctx, tx, g, first)
		if err != nil {
			return err
		}
		switch state {
		case belowMinimum:
			log.Info("Token balance below collection minimum, deferring", "address", first.ToAddress)
			metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeDeferred).Inc()
			return tx.DeferDeposits(ids, config.CollectDeferral)
		case needsGas:
			log.Info("Native balance below collection threshold, requesting seeding", "address", first.ToAddress)
			metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeDeferred).Inc()
			if err := tx.DeferDeposits(ids, config.CollectDeferral); err != nil {
				return err
			}
			return tx.SetDepositStatus([]int64{first.ID}, storage.CollectSeedRequested, "", 0)
		}
	}

	var raw *gateway.RawTransaction
	if currency.IsUTXOBased {
		raw, err = e.constructUTXO(ctx, currency, group, hot.Address)
		if errors.Is(err, ErrOutputSpent) || errors.Is(err, ErrAmountMismatch) {
			metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeError).Inc()
			return err
		}
	} else {
		raw, err = g.ConstructRawTransaction(ctx, first.ToAddress, hot.Address, total, gateway.ConstructOptions{
			Consolidate: currency.IsNative,
			LowFee:      true,
		})
	}
	if err != nil {
		log.Warn("Cannot construct collection, may need fee seeding", "error", err)
		metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeConstructFailed).Inc()
		if err := tx.DeferDeposits(ids, config.CollectDeferral); err != nil {
			return err
		}
		if !currency.IsNative {
			return tx.SetDepositStatus([]int64{first.ID}, storage.CollectSeedRequested, "", 0)
		}
		return nil
	}

	secrets, err := e.openSecrets(tx, currency, group)
	if err != nil {
		return err
	}
	signed, err := g.SignRawTransaction(ctx, raw.UnsignedRaw, secrets...)
	if err != nil {
		return fmt.Errorf("sign collection of %s: %w", currency.Symbol, err)
	}

	txid, err := g.SendRawTransaction(ctx, signed.SignedRaw)
	if err != nil {
		log.Error("Collection broadcast failed, deposits need a manual check", "txid", signed.TxID, "error", err)
		metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeBroadcastFailed).Inc()
		if err := tx.SetDepositStatus(ids, storage.CollectUncollected, config.SubmitFailedSentinel, 0); err != nil {
			return err
		}
		*broadcastErr = fmt.Errorf("broadcast collection of %s: %w", currency.Symbol, err)
		return nil
	}
	if txid == "" {
		txid = signed.TxID
	}

	if err := tx.SetDepositStatus(ids, storage.CollectCollecting, txid, 0); err != nil {
		return err
	}
	from := ""
	if !currency.IsUTXOBased {
		from = first.ToAddress
	}
	err = tx.InsertInternalTransfer(&storage.InternalTransfer{
		Currency:    currency.Symbol,
		WalletID:    first.WalletID,
		Type:        storage.TransferCollect,
		Status:      storage.TransferSent,
		FromAddress: from,
		ToAddress:   hot.Address,
		Amount:      total,
		TxID:        txid,
	})
	if err != nil {
		return err
	}
	metrics.CollectorOutcomes.WithLabelValues(currency.Symbol, outcomeSent).Inc()
	log.Info("Collection sent", "to", hot.Address, "txid", txid)
	return nil
}

// readiness is the outcome of the pre-collection check of a token deposit.
type readiness int

const (
	ready readiness = iota
	belowMinimum
	needsGas
)

// tokenReady checks a token deposit address before collection. A wallet
// minimum is in token base units and is compared with the token balance.
// Without one, the address must hold a multiple of the seeding fee in the
// native coin, compared in native base units.
func (e *Engine) tokenReady(ctx context.Context, tx *storage.Tx, g gateway.Gateway, d *storage.Deposit) (readiness, error) {
	minimum, ok, err := tx.MinimumCollectAmount(d.WalletID, d.Currency)
	if err != nil {
		return ready, err
	}
	if ok {
		balance, err := g.GetAddressBalance(ctx, d.ToAddress)
		if err != nil {
			return ready, fmt.Errorf("%s balance of %s: %w", d.Currency, d.ToAddress, err)
		}
		if balance.LessThan(minimum) {
			return belowMinimum, nil
		}
		return ready, nil
	}

	fee, err := g.GetAverageSeedingFee(ctx)
	if err != nil {
		return ready, fmt.Errorf("seeding fee of %s: %w", d.Currency, err)
	}
	threshold := fee.Mul(decimal.NewFromInt(config.MinCollectSeedingMultiple))
	native, err := e.gateways.Currencies().Native(e.platform)
	if err != nil {
		return ready, err
	}
	ng, err := e.gateways.Get(ctx, native.Symbol)
	if err != nil {
		return ready, err
	}
	balance, err := ng.GetAddressBalance(ctx, d.ToAddress)
	if err != nil {
		return ready, fmt.Errorf("%s balance of %s: %w", native.Symbol, d.ToAddress, err)
	}
	if balance.LessThan(threshold) {
		return needsGas, nil
	}
	return ready, nil
}

// constructUTXO re-checks every deposit output against the chain before
// spending them all to the hot wallet.
func (e *Engine) constructUTXO(ctx context.Context, currency chain.Currency, group []*storage.Deposit, to string) (*gateway.RawTransaction, error) {
	g, err := e.gateways.UTXO(ctx, currency.Symbol)
	if err != nil {
		return nil, err
	}

	unspent := make(map[string][]gateway.UTXO)
	var utxos []gateway.UTXO
	var spent []string
	for _, d := range group {
		vouts, err := g.GetOneTxVouts(ctx, d.TxID, d.ToAddress)
		if err != nil {
			return nil, err
		}
		owned, ok := unspent[d.ToAddress]
		if !ok {
			owned, err = g.GetOneAddressUTXOs(ctx, d.ToAddress)
			if err != nil {
				return nil, err
			}
			unspent[d.ToAddress] = owned
		}
		for _, v := range vouts {
			if v.SpentTxID != "" {
				spent = append(spent, fmt.Sprintf("%s:%d by %s", d.TxID, v.Index, v.SpentTxID))
				continue
			}
			found := false
			for _, u := range owned {
				if u.TxID == d.TxID && u.Vout == v.Index {
					utxos = append(utxos, u)
					found = true
					break
				}
			}
			if !found {
				e.log.Error("Deposit output missing from unspent set", "address", d.ToAddress, "txid", d.TxID, "vout", v.Index)
			}
		}
	}
	if len(spent) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrOutputSpent, spent)
	}

	deposited := storage.Total(group)
	available := decimal.Zero
	for _, u := range utxos {
		available = available.Add(u.Amount)
	}
	if !deposited.Equal(available) {
		return nil, fmt.Errorf("%w: deposits=%s utxos=%s", ErrAmountMismatch, deposited, available)
	}
	return g.ConstructConsolidateTransaction(ctx, utxos, to)
}

// openSecrets decrypts one key per distinct deposit address.
func (e *Engine) openSecrets(tx *storage.Tx, currency chain.Currency, group []*storage.Deposit) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, d := range group {
		if seen[d.ToAddress] {
			continue
		}
		seen[d.ToAddress] = true
		addr, err := tx.GetAddress(currency.Platform, d.ToAddress)
		if err != nil {
			return nil, err
		}
		secret, err := e.secrets.Open(addr.Secret)
		if err != nil {
			return nil, fmt.Errorf("open key of %s: %w", d.ToAddress, err)
		}
		out = append(out, secret)
	}
	if !currency.IsUTXOBased && len(out) != 1 {
		return nil, fmt.Errorf("%w: %s has %d", ErrMultipleSecrets, currency.Symbol, len(out))
	}
	return out, nil
}
