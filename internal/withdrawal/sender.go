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

// Signer signs picked withdrawal transactions with the hot wallet key.
type Signer struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	secrets  SecretOpener
	log      *logging.Logger
}

var _ worker.Handler = (*Signer)(nil)

// NewSigner creates the withdrawal signer of a platform.
func NewSigner(platform chain.Platform, gateways *gateway.Registry, ledger Ledger, secrets SecretOpener) *Signer {
	return &Signer{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		secrets:  secrets,
		log:      logging.GetDefault().Component("signer." + string(platform)),
	}
}

func (s *Signer) Prepare(ctx context.Context) error { return nil }

func (s *Signer) DoProcess(ctx context.Context) error {
	return s.ledger.InTx(ctx, func(tx *storage.Tx) error {
		wts, err := tx.WithdrawalTxsByStatus(symbols(s.gateways.Currencies(), s.platform), storage.WithdrawalSigning, txBatch)
		if err != nil {
			return err
		}
		for _, wt := range wts {
			if err := s.sign(ctx, tx, wt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Signer) sign(ctx context.Context, tx *storage.Tx, wt *storage.WithdrawalTx) error {
	hot, err := hotWallet(tx, wt.WalletID, s.platform)
	if err != nil {
		return err
	}
	if hot.Address != wt.HotWalletAddress {
		return fmt.Errorf("%w: withdrawal tx %d was built for %s, hot wallet is now %s",
			ErrHotWalletMissing, wt.ID, wt.HotWalletAddress, hot.Address)
	}
	g, err := s.gateways.Get(ctx, wt.Currency)
	if err != nil {
		return err
	}
	secret, err := s.secrets.Open(hot.Secret)
	if err != nil {
		return fmt.Errorf("open hot wallet key: %w", err)
	}
	signed, err := g.SignRawTransaction(ctx, wt.UnsignedRaw, secret)
	if err != nil {
		return fmt.Errorf("sign withdrawal tx %d: %w", wt.ID, err)
	}
	if err := tx.SetWithdrawalTxSigned(wt.ID, signed.TxID, signed.SignedRaw); err != nil {
		return err
	}
	metrics.WithdrawalOutcomes.WithLabelValues(wt.Currency, outcomeSigned).Inc()
	s.log.Info("Withdrawal signed", "withdrawal_tx", wt.ID, "currency", wt.Currency, "txid", signed.TxID)
	return nil
}

// Sender broadcasts signed withdrawal transactions.
type Sender struct {
	platform chain.Platform
	gateways *gateway.Registry
	ledger   Ledger
	log      *logging.Logger
}

var _ worker.Handler = (*Sender)(nil)

// NewSender creates the withdrawal sender of a platform.
func NewSender(platform chain.Platform, gateways *gateway.Registry, ledger Ledger) *Sender {
	return &Sender{
		platform: platform,
		gateways: gateways,
		ledger:   ledger,
		log:      logging.GetDefault().Component("sender." + string(platform)),
	}
}

func (s *Sender) Prepare(ctx context.Context) error { return nil }

// DoProcess broadcasts every signed transaction. A rejected broadcast marks
// the transaction and its withdrawals failed; the rejection is reported
// after the ledger commits.
func (s *Sender) DoProcess(ctx context.Context) error {
	var sendErrs []error
	err := s.ledger.InTx(ctx, func(tx *storage.Tx) error {
		wts, err := tx.WithdrawalTxsByStatus(symbols(s.gateways.Currencies(), s.platform), storage.WithdrawalSigned, txBatch)
		if err != nil {
			return err
		}
		for _, wt := range wts {
			g, err := s.gateways.Get(ctx, wt.Currency)
			if err != nil {
				return err
			}
			log := s.log.With("withdrawal_tx", wt.ID, "currency", wt.Currency, "txid", wt.TxID)
			if _, err := g.SendRawTransaction(ctx, wt.SignedRaw); err != nil {
				log.Error("Withdrawal broadcast failed", "error", err)
				metrics.WithdrawalOutcomes.WithLabelValues(wt.Currency, outcomeBroadcastFailed).Inc()
				sendErrs = append(sendErrs, fmt.Errorf("broadcast withdrawal tx %d: %w", wt.ID, err))
				if err := tx.SetWithdrawalTxStatus(wt.ID, storage.WithdrawalFailed); err != nil {
					return err
				}
				continue
			}
			if err := tx.SetWithdrawalTxStatus(wt.ID, storage.WithdrawalSent); err != nil {
				return err
			}
			metrics.WithdrawalOutcomes.WithLabelValues(wt.Currency, outcomeSent).Inc()
			log.Info("Withdrawal sent")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(sendErrs...)
}
