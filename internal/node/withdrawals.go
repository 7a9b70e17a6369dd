package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/collector"
	"github.com/Klingon-tech/klingcustody/internal/deposit"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ErrInvalidWithdrawal is returned for withdrawal requests that can never
// be sent.
var ErrInvalidWithdrawal = errors.New("invalid withdrawal")

// WithdrawalRequest asks for Amount, in whole units, of Currency to be sent
// from the hot wallet of WalletID. Memo is the XRP destination tag or the
// TRON memo.
type WithdrawalRequest struct {
	WalletID  int64  `json:"wallet_id"`
	Currency  string `json:"currency"`
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// WithdrawalDesk validates and queues withdrawals for the withdrawal workers.
type WithdrawalDesk struct {
	currencies *chain.Registry
	ledger     collector.Ledger
	log        *logging.Logger
}

// NewWithdrawalDesk creates a desk over the ledger.
func NewWithdrawalDesk(currencies *chain.Registry, ledger collector.Ledger) *WithdrawalDesk {
	return &WithdrawalDesk{
		currencies: currencies,
		ledger:     ledger,
		log:        logging.GetDefault().Component("withdrawals"),
	}
}

// Request validates req and stores it as an unsigned withdrawal.
func (d *WithdrawalDesk) Request(ctx context.Context, req WithdrawalRequest) (*storage.Withdrawal, error) {
	c, err := d.currencies.Currency(req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWithdrawal, err)
	}
	p, ok := chain.Get(c.Platform, d.currencies.Network())
	if !ok {
		return nil, fmt.Errorf("no params for %s on %s", c.Platform, d.currencies.Network())
	}
	if !wallet.ValidateAddress(p, req.ToAddress) {
		return nil, fmt.Errorf("%w: bad %s address %q", ErrInvalidWithdrawal, c.Platform, req.ToAddress)
	}
	amount, err := helpers.ToBaseUnits(req.Amount, c.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrInvalidWithdrawal, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidWithdrawal)
	}
	if req.Memo != "" && c.Platform == chain.PlatformXRP {
		if _, err := strconv.ParseUint(req.Memo, 10, 32); err != nil {
			return nil, fmt.Errorf("%w: destination tag %q", ErrInvalidWithdrawal, req.Memo)
		}
	}

	w := &storage.Withdrawal{
		WalletID:  req.WalletID,
		Currency:  c.Symbol,
		ToAddress: deposit.NormalizeAddress(c.Platform, req.ToAddress),
		Amount:    amount,
		Memo:      req.Memo,
	}
	err = d.ledger.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetHotWallet(req.WalletID, c.Platform); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: wallet %d has no hot wallet on %s", ErrInvalidWithdrawal, req.WalletID, c.Platform)
			}
			return err
		}
		return tx.InsertWithdrawal(w)
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("Withdrawal requested", "id", w.ID, "wallet", w.WalletID, "currency", w.Currency,
		"to", w.ToAddress, "amount", w.Amount)
	return w, nil
}

// Get returns a withdrawal by id.
func (d *WithdrawalDesk) Get(ctx context.Context, id int64) (*storage.Withdrawal, error) {
	var w *storage.Withdrawal
	err := d.ledger.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		w, err = tx.GetWithdrawal(id)
		return err
	})
	return w, err
}
