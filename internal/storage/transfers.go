package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferType classifies an internal transfer.
type TransferType string

const (
	TransferCollect TransferType = "collect"
	TransferSeed    TransferType = "seed"
)

// TransferStatus is the lifecycle state of an internal transfer.
type TransferStatus string

const (
	TransferSent      TransferStatus = "sent"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// InternalTransfer is an audit record of a transfer between our own
// addresses.
type InternalTransfer struct {
	ID          string          `json:"id"`
	Currency    string          `json:"currency"`
	WalletID    int64           `json:"wallet_id"`
	Type        TransferType    `json:"type"`
	Status      TransferStatus  `json:"status"`
	FromAddress string          `json:"from_address,omitempty"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	TxID        string          `json:"txid"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// InsertInternalTransfer records a transfer. A random id is assigned when
// empty.
func (t *Tx) InsertInternalTransfer(it *InternalTransfer) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := t.now.Unix()
	if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	_, err := t.exec(`
		INSERT INTO internal_transfers (id, currency, wallet_id, type, status, from_address,
			to_address, amount, txid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.Currency, it.WalletID, string(it.Type), string(it.Status), nullString(it.FromAddress),
		it.ToAddress, it.Amount.String(), nullString(it.TxID), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert internal transfer %s: %w", it.TxID, err)
	}
	return nil
}

// SetInternalTransferStatus updates the status of the transfers sent with
// txid.
func (t *Tx) SetInternalTransferStatus(txid string, status TransferStatus) error {
	_, err := t.exec(`UPDATE internal_transfers SET status = ?, updated_at = ? WHERE txid = ?`,
		string(status), t.now.Unix(), txid)
	if err != nil {
		return fmt.Errorf("update internal transfer %s: %w", txid, err)
	}
	return nil
}

// GetInternalTransfer returns the transfer sent with txid.
func (t *Tx) GetInternalTransfer(txid string) (*InternalTransfer, error) {
	var it InternalTransfer
	var typ, status, amount string
	var from, tx sql.NullString
	err := t.queryRow(`
		SELECT id, currency, wallet_id, type, status, from_address, to_address, amount, txid,
			created_at, updated_at
		FROM internal_transfers WHERE txid = ? ORDER BY created_at LIMIT 1
	`, txid).Scan(&it.ID, &it.Currency, &it.WalletID, &typ, &status, &from, &it.ToAddress,
		&amount, &tx, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("internal transfer %s: %w", txid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	it.Type = TransferType(typ)
	it.Status = TransferStatus(status)
	it.FromAddress = from.String
	it.TxID = tx.String
	if it.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &it, nil
}
