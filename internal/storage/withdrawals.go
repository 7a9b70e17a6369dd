package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle state shared by withdrawals and the
// transactions that carry them.
type WithdrawalStatus string

const (
	WithdrawalUnsigned  WithdrawalStatus = "unsigned"
	WithdrawalSigning   WithdrawalStatus = "signing"
	WithdrawalSigned    WithdrawalStatus = "signed"
	WithdrawalSent      WithdrawalStatus = "sent"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// NoteColdWallet marks withdrawals created by the cold wallet sweep.
const NoteColdWallet = "cold_wallet"

// Withdrawal is an outbound transfer from a hot wallet.
type Withdrawal struct {
	ID             int64            `json:"id"`
	WalletID       int64            `json:"wallet_id"`
	Currency       string           `json:"currency"`
	ToAddress      string           `json:"to_address"`
	Amount         decimal.Decimal  `json:"amount"`
	Memo           string           `json:"memo,omitempty"`
	Note           string           `json:"note,omitempty"`
	Status         WithdrawalStatus `json:"status"`
	WithdrawalTxID int64            `json:"withdrawal_tx_id"`
	TxID           string           `json:"txid,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// WithdrawalTx is a transaction built for a withdrawal.
type WithdrawalTx struct {
	ID               int64            `json:"id"`
	WalletID         int64            `json:"wallet_id"`
	Currency         string           `json:"currency"`
	HotWalletAddress string           `json:"hot_wallet_address"`
	Status           WithdrawalStatus `json:"status"`
	UnsignedTxID     string           `json:"unsigned_txid"`
	TxID             string           `json:"txid,omitempty"`
	UnsignedRaw      string           `json:"-"`
	SignedRaw        string           `json:"-"`
	CreatedAt        int64            `json:"created_at"`
	UpdatedAt        int64            `json:"updated_at"`
}

const withdrawalColumns = `id, wallet_id, currency, to_address, amount, memo, note, status,
	withdrawal_tx_id, txid, created_at, updated_at`

const withdrawalTxColumns = `id, wallet_id, currency, hot_wallet_address, status, unsigned_txid,
	txid, unsigned_raw, signed_raw, created_at, updated_at`

// InsertWithdrawal records a new withdrawal in the unsigned state.
func (t *Tx) InsertWithdrawal(w *Withdrawal) error {
	now := t.now.Unix()
	w.Status = WithdrawalUnsigned
	w.CreatedAt, w.UpdatedAt = now, now
	res, err := t.exec(`
		INSERT INTO withdrawals (wallet_id, currency, to_address, amount, memo, note, status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.WalletID, w.Currency, w.ToAddress, w.Amount.String(), nullString(w.Memo), nullString(w.Note),
		string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal to %s: %w", w.ToAddress, err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// GetWithdrawal returns a withdrawal by id.
func (t *Tx) GetWithdrawal(id int64) (*Withdrawal, error) {
	w, err := scanWithdrawal(t.queryRow(`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %d: %w", id, ErrNotFound)
	}
	return w, err
}

// NextWithdrawal returns the oldest due unsigned withdrawal of the
// currencies, or nil when there is none.
func (t *Tx) NextWithdrawal(currencies []string) (*Withdrawal, error) {
	if len(currencies) == 0 {
		return nil, nil
	}
	args := []any{string(WithdrawalUnsigned), t.now.Unix()}
	for _, c := range currencies {
		args = append(args, c)
	}
	w, err := scanWithdrawal(t.queryRow(`SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = ? AND updated_at <= ?
		AND currency IN (?`+strings.Repeat(",?", len(currencies)-1)+`)
		ORDER BY updated_at, id LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// WithdrawalsOfTx returns the withdrawals carried by a withdrawal tx.
func (t *Tx) WithdrawalsOfTx(withdrawalTxID int64) ([]*Withdrawal, error) {
	rows, err := t.query(`SELECT `+withdrawalColumns+` FROM withdrawals WHERE withdrawal_tx_id = ? ORDER BY id`,
		withdrawalTxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeferWithdrawal moves updated_at of an unsigned withdrawal to now+delay.
func (t *Tx) DeferWithdrawal(id int64, delay time.Duration) error {
	_, err := t.exec(`UPDATE withdrawals SET updated_at = ? WHERE id = ?`, t.now.Add(delay).Unix(), id)
	if err != nil {
		return fmt.Errorf("defer withdrawal %d: %w", id, err)
	}
	return nil
}

// HasOpenWithdrawal reports whether the wallet has a withdrawal of the
// currency with the given note that has not settled yet.
func (t *Tx) HasOpenWithdrawal(walletID int64, currency, note string) (bool, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM withdrawals
		WHERE wallet_id = ? AND currency = ? AND note = ? AND status NOT IN (?, ?)`,
		walletID, currency, note, string(WithdrawalCompleted), string(WithdrawalFailed)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertWithdrawalTx records a constructed transaction and moves the given
// withdrawals onto it. Both enter the signing state.
func (t *Tx) InsertWithdrawalTx(wt *WithdrawalTx, withdrawalIDs []int64) error {
	now := t.now.Unix()
	wt.Status = WithdrawalSigning
	wt.CreatedAt, wt.UpdatedAt = now, now
	res, err := t.exec(`
		INSERT INTO withdrawal_txs (wallet_id, currency, hot_wallet_address, status, unsigned_txid,
			unsigned_raw, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, wt.WalletID, wt.Currency, wt.HotWalletAddress, string(wt.Status), wt.UnsignedTxID,
		wt.UnsignedRaw, wt.CreatedAt, wt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal tx %s: %w", wt.UnsignedTxID, err)
	}
	if wt.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if len(withdrawalIDs) == 0 {
		return nil
	}
	args := []any{wt.ID, string(WithdrawalSigning), now}
	for _, id := range withdrawalIDs {
		args = append(args, id)
	}
	_, err = t.exec(`UPDATE withdrawals SET withdrawal_tx_id = ?, status = ?, updated_at = ?
		WHERE id IN (?`+strings.Repeat(",?", len(withdrawalIDs)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("link withdrawals to tx %d: %w", wt.ID, err)
	}
	return nil
}

// GetWithdrawalTx returns a withdrawal tx by id.
func (t *Tx) GetWithdrawalTx(id int64) (*WithdrawalTx, error) {
	wt, err := scanWithdrawalTx(t.queryRow(`SELECT `+withdrawalTxColumns+` FROM withdrawal_txs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal tx %d: %w", id, ErrNotFound)
	}
	return wt, err
}

// WithdrawalTxsByStatus returns up to limit withdrawal txs of the currencies
// in the given state, oldest first.
func (t *Tx) WithdrawalTxsByStatus(currencies []string, status WithdrawalStatus, limit int) ([]*WithdrawalTx, error) {
	if len(currencies) == 0 {
		return nil, nil
	}
	args := []any{string(status)}
	for _, c := range currencies {
		args = append(args, c)
	}
	args = append(args, limit)
	rows, err := t.query(`SELECT `+withdrawalTxColumns+` FROM withdrawal_txs
		WHERE status = ? AND currency IN (?`+strings.Repeat(",?", len(currencies)-1)+`)
		ORDER BY updated_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WithdrawalTx
	for rows.Next() {
		wt, err := scanWithdrawalTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

// CountUnsentWithdrawalTxs counts the transactions of a hot wallet that are
// built but not broadcast yet.
func (t *Tx) CountUnsentWithdrawalTxs(hotWalletAddress string) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM withdrawal_txs WHERE hot_wallet_address = ? AND status IN (?, ?)`,
		hotWalletAddress, string(WithdrawalSigning), string(WithdrawalSigned)).Scan(&n)
	return n, err
}

// SetWithdrawalTxSigned stores the signed payload and final txid.
func (t *Tx) SetWithdrawalTxSigned(id int64, txid, signedRaw string) error {
	now := t.now.Unix()
	_, err := t.exec(`UPDATE withdrawal_txs SET status = ?, txid = ?, signed_raw = ?, updated_at = ? WHERE id = ?`,
		string(WithdrawalSigned), txid, signedRaw, now, id)
	if err != nil {
		return fmt.Errorf("store signed withdrawal tx %d: %w", id, err)
	}
	return t.setWithdrawalsOfTx(id, WithdrawalSigned, txid)
}

// SetWithdrawalTxStatus moves a withdrawal tx and its withdrawals to status.
func (t *Tx) SetWithdrawalTxStatus(id int64, status WithdrawalStatus) error {
	_, err := t.exec(`UPDATE withdrawal_txs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), t.now.Unix(), id)
	if err != nil {
		return fmt.Errorf("update withdrawal tx %d: %w", id, err)
	}
	return t.setWithdrawalsOfTx(id, status, "")
}

func (t *Tx) setWithdrawalsOfTx(withdrawalTxID int64, status WithdrawalStatus, txid string) error {
	query := `UPDATE withdrawals SET status = ?, updated_at = ?`
	args := []any{string(status), t.now.Unix()}
	if txid != "" {
		query += `, txid = ?`
		args = append(args, txid)
	}
	query += ` WHERE withdrawal_tx_id = ?`
	args = append(args, withdrawalTxID)
	if _, err := t.exec(query, args...); err != nil {
		return fmt.Errorf("update withdrawals of tx %d: %w", withdrawalTxID, err)
	}
	return nil
}

func scanWithdrawal(row scanner) (*Withdrawal, error) {
	var w Withdrawal
	var amount, status string
	var memo, note, txid sql.NullString
	err := row.Scan(&w.ID, &w.WalletID, &w.Currency, &w.ToAddress, &amount, &memo, &note, &status,
		&w.WithdrawalTxID, &txid, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("withdrawal %d: amount %q: %w", w.ID, amount, err)
	}
	w.Memo = memo.String
	w.Note = note.String
	w.Status = WithdrawalStatus(status)
	w.TxID = txid.String
	return &w, nil
}

func scanWithdrawalTx(row scanner) (*WithdrawalTx, error) {
	var wt WithdrawalTx
	var status string
	var txid, signed sql.NullString
	err := row.Scan(&wt.ID, &wt.WalletID, &wt.Currency, &wt.HotWalletAddress, &status, &wt.UnsignedTxID,
		&txid, &wt.UnsignedRaw, &signed, &wt.CreatedAt, &wt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wt.Status = WithdrawalStatus(status)
	wt.TxID = txid.String
	wt.SignedRaw = signed.String
	return &wt, nil
}

// =============================================================================
// Cold wallets
// =============================================================================

// ColdWallet is the reserve address of a wallet for one currency. Hot wallet
// funds above UpperThreshold are swept here, down to the middle of the two
// thresholds.
type ColdWallet struct {
	WalletID       int64           `json:"wallet_id"`
	Currency       string          `json:"currency"`
	Address        string          `json:"address"`
	UpperThreshold decimal.Decimal `json:"upper_threshold"`
	LowerThreshold decimal.Decimal `json:"lower_threshold"`
	UpdatedAt      int64           `json:"updated_at"`
}

// MiddleThreshold is the hot wallet balance a sweep leaves behind.
func (c *ColdWallet) MiddleThreshold() decimal.Decimal {
	return c.UpperThreshold.Add(c.LowerThreshold).Div(decimal.NewFromInt(2)).Floor()
}

// SaveColdWallet sets the cold wallet of a wallet and currency.
func (t *Tx) SaveColdWallet(cw *ColdWallet) error {
	cw.UpdatedAt = t.now.Unix()
	_, err := t.exec(`
		INSERT INTO cold_wallets (wallet_id, currency, address, upper_threshold, lower_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id, currency) DO UPDATE SET
			address = excluded.address,
			upper_threshold = excluded.upper_threshold,
			lower_threshold = excluded.lower_threshold,
			updated_at = excluded.updated_at
	`, cw.WalletID, cw.Currency, cw.Address, cw.UpperThreshold.String(), cw.LowerThreshold.String(), cw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cold wallet %d/%s: %w", cw.WalletID, cw.Currency, err)
	}
	return nil
}

// ColdWalletsOf returns the cold wallets of the currencies.
func (t *Tx) ColdWalletsOf(currencies []string) ([]*ColdWallet, error) {
	if len(currencies) == 0 {
		return nil, nil
	}
	args := make([]any, len(currencies))
	for i, c := range currencies {
		args[i] = c
	}
	rows, err := t.query(`SELECT wallet_id, currency, address, upper_threshold, lower_threshold, updated_at
		FROM cold_wallets WHERE currency IN (?`+strings.Repeat(",?", len(currencies)-1)+`)
		ORDER BY wallet_id, currency`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ColdWallet
	for rows.Next() {
		var cw ColdWallet
		var upper, lower string
		if err := rows.Scan(&cw.WalletID, &cw.Currency, &cw.Address, &upper, &lower, &cw.UpdatedAt); err != nil {
			return nil, err
		}
		if cw.UpperThreshold, err = decimal.NewFromString(upper); err != nil {
			return nil, fmt.Errorf("cold wallet %d/%s: upper threshold %q: %w", cw.WalletID, cw.Currency, upper, err)
		}
		if cw.LowerThreshold, err = decimal.NewFromString(lower); err != nil {
			return nil, fmt.Errorf("cold wallet %d/%s: lower threshold %q: %w", cw.WalletID, cw.Currency, lower, err)
		}
		out = append(out, &cw)
	}
	return out, rows.Err()
}
