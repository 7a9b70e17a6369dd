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
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// FeeSeeder sends native coin from the hot wallet to token deposit addresses
// that cannot pay for their own collection.
type FeeSeeder struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	secrets  SecretOpener
	log      *logging.Logger
}

var _ worker.Handler = (*FeeSeeder)(nil)

// NewFeeSeeder creates the fee seeder of a platform.
func NewFeeSeeder(platform chain.Platform, gateways *gateway.Registry, ledger Ledger, secrets SecretOpener) *FeeSeeder {
	return &FeeSeeder{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		secrets:  secrets,
		log:      logging.GetDefault().Component("seeder." + string(platform)),
	}
}

func (s *FeeSeeder) Prepare(ctx context.Context) error {
	native, err := s.gateways.Currencies().Native(s.platform)
	if err != nil {
		return err
	}
	_, err = s.gateways.Get(ctx, native.Symbol)
	return err
}

// DoProcess seeds at most one deposit address per tick.
func (s *FeeSeeder) DoProcess(ctx context.Context) error {
	var sendErr error
	err := s.ledger.InTx(ctx, func(tx *storage.Tx) error {
		d, err := s.nextRequest(tx)
		if err != nil || d == nil {
			return err
		}
		return s.seed(ctx, tx, d, &sendErr)
	})
	if err != nil {
		return err
	}
	return sendErr
}

func (s *FeeSeeder) nextRequest(tx *storage.Tx) (*storage.Deposit, error) {
	for _, c := range s.gateways.Currencies().CurrenciesOfPlatform(s.platform) {
		if c.IsNative {
			continue
		}
		ds, err := tx.DepositsByStatus(c.Symbol, storage.CollectSeedRequested, 1)
		if err != nil {
			return nil, err
		}
		if len(ds) > 0 {
			return ds[0], nil
		}
	}
	return nil, nil
}

func (s *FeeSeeder) seed(ctx context.Context, tx *storage.Tx, d *storage.Deposit, sendErr *error) error {
	native, err := s.gateways.Currencies().Native(s.platform)
	if err != nil {
		return err
	}
	pending, err := tx.DepositsAtAddress(d.Currency, d.ToAddress, storage.CollectSeedRequested)
	if err != nil {
		return err
	}
	ids := storage.IDs(pending)

	hot, err := tx.GetHotWallet(d.WalletID, s.platform)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && hot.Secret == "") {
		return fmt.Errorf("%w: wallet %d on %s cannot sign seeding", ErrHotWalletMissing, d.WalletID, s.platform)
	}
	if err != nil {
		return err
	}

	token, err := s.gateways.Get(ctx, d.Currency)
	if err != nil {
		return err
	}
	fee, err := token.GetAverageSeedingFee(ctx)
	if err != nil {
		return fmt.Errorf("seeding fee of %s: %w", d.Currency, err)
	}
	g, err := s.gateways.Get(ctx, native.Symbol)
	if err != nil {
		return err
	}
	balance, err := g.GetAddressBalance(ctx, d.ToAddress)
	if err != nil {
		return fmt.Errorf("%s balance of %s: %w", native.Symbol, d.ToAddress, err)
	}
	amount := seedAmount(fee, balance)
	log := s.log.With("currency", d.Currency, "address", d.ToAddress, "amount", amount)

	fail := func(stage string, cause error) error {
		log.Error("Seeding failed", "stage", stage, "error", cause)
		metrics.CollectorOutcomes.WithLabelValues(d.Currency, "seed_failed").Inc()
		*sendErr = fmt.Errorf("%s seeding of %s: %w", stage, d.ToAddress, cause)
		return tx.DeferDeposits(ids, config.CollectDeferral)
	}

	raw, err := g.ConstructRawTransaction(ctx, hot.Address, d.ToAddress, amount, gateway.ConstructOptions{})
	if err != nil {
		return fail("construct", err)
	}
	secret, err := s.secrets.Open(hot.Secret)
	if err != nil {
		return fmt.Errorf("open hot wallet key: %w", err)
	}
	signed, err := g.SignRawTransaction(ctx, raw.UnsignedRaw, secret)
	if err != nil {
		return fmt.Errorf("sign seeding of %s: %w", d.ToAddress, err)
	}
	txid, err := g.SendRawTransaction(ctx, signed.SignedRaw)
	if err != nil {
		return fail("broadcast", err)
	}
	if txid == "" {
		txid = signed.TxID
	}

	err = tx.InsertInternalTransfer(&storage.InternalTransfer{
		Currency:    native.Symbol,
		WalletID:    d.WalletID,
		Type:        storage.TransferSeed,
		Status:      storage.TransferSent,
		FromAddress: hot.Address,
		ToAddress:   d.ToAddress,
		Amount:      amount,
		TxID:        txid,
	})
	if err != nil {
		return err
	}
	if err := tx.SetDepositStatus(ids, storage.CollectUncollected, "", config.SeedCooldown); err != nil {
		return err
	}
	metrics.CollectorOutcomes.WithLabelValues(d.Currency, "seeded").Inc()
	log.Info("Seeded deposit address", "txid", txid, "deposits", len(ids))
	return nil
}

// seedAmount tops the native balance of a deposit address up to the default
// collection threshold, and sends at least one seeding fee.
func seedAmount(fee, balance decimal.Decimal) decimal.Decimal {
	amount := fee.Mul(decimal.NewFromInt(config.MinCollectSeedingMultiple)).Sub(balance)
	if amount.LessThan(fee) {
		return fee
	}
	return amount
}
