package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CollectStatus is the collection state of a deposit.
type CollectStatus string

const (
	CollectUncollected   CollectStatus = "uncollected"
	CollectSeedRequested CollectStatus = "seed_requested"
	CollectCollecting    CollectStatus = "collecting"
	CollectCollected     CollectStatus = "collected"
)

// Deposit is an incoming transfer to one of our deposit addresses.
type Deposit struct {
	ID             int64           `json:"id"`
	WalletID       int64           `json:"wallet_id"`
	Currency       string          `json:"currency"`
	ToAddress      string          `json:"to_address"`
	TxID           string          `json:"txid"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo,omitempty"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp int64           `json:"block_timestamp"`
	CollectStatus  CollectStatus   `json:"collect_status"`
	CollectedTxID  string          `json:"collected_txid,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

const depositColumns = `id, wallet_id, currency, to_address, txid, amount, memo, block_number,
	block_timestamp, collect_status, collected_txid, created_at, updated_at`

// InsertDeposit records a deposit. Replays of the same (txid, to_address,
// currency) are ignored; the result reports whether a row was created.
func (t *Tx) InsertDeposit(d *Deposit) (bool, error) {
	now := t.now.Unix()
	if d.CollectStatus == "" {
		d.CollectStatus = CollectUncollected
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	if d.UpdatedAt == 0 {
		d.UpdatedAt = now
	}
	res, err := t.exec(`
		INSERT INTO deposits (wallet_id, currency, to_address, txid, amount, memo, block_number,
			block_timestamp, collect_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid, to_address, currency) DO NOTHING
	`, d.WalletID, d.Currency, d.ToAddress, d.TxID, d.Amount.String(), nullString(d.Memo),
		d.BlockNumber, d.BlockTimestamp, string(d.CollectStatus), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert deposit %s: %w", d.TxID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	d.ID, err = res.LastInsertId()
	return true, err
}

// GetDeposit returns a deposit by id.
func (t *Tx) GetDeposit(id int64) (*Deposit, error) {
	d, err := scanDeposit(t.queryRow(`SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deposit %d: %w", id, ErrNotFound)
	}
	return d, err
}

// CollectableGroup returns the next group of deposits that is due for
// collection: uncollected, not deferred past now, not flagged by a failed
// broadcast and with a positive amount. The oldest due deposit among
// currencies picks the group's wallet and currency; with perAddress set the
// group also shares its address. At most limit deposits are returned.
func (t *Tx) CollectableGroup(currencies []string, failedSentinel string, perAddress func(currency string) bool, limit int) ([]*Deposit, error) {
	if len(currencies) == 0 {
		return nil, nil
	}
	const due = `collect_status = ? AND updated_at <= ?
		AND (collected_txid IS NULL OR collected_txid != ?)
		AND CAST(amount AS REAL) > 0`
	args := []any{string(CollectUncollected), t.now.Unix(), failedSentinel}

	firstArgs := append([]any{}, args...)
	for _, c := range currencies {
		firstArgs = append(firstArgs, c)
	}
	first, err := scanDeposit(t.queryRow(`SELECT `+depositColumns+` FROM deposits WHERE `+due+`
		AND currency IN (?`+strings.Repeat(",?", len(currencies)-1)+`)
		ORDER BY updated_at, id LIMIT 1`, firstArgs...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select collectable deposit: %w", err)
	}

	query := `SELECT ` + depositColumns + ` FROM deposits WHERE ` + due + ` AND currency = ? AND wallet_id = ?`
	args = append(args, first.Currency, first.WalletID)
	if perAddress != nil && perAddress(first.Currency) {
		query += ` AND to_address = ?`
		args = append(args, first.ToAddress)
	}
	query += ` ORDER BY updated_at, id LIMIT ?`
	args = append(args, limit)

	group, err := t.listDeposits(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select collectable group: %w", err)
	}
	return group, nil
}

// DepositsByStatus returns up to limit deposits of the currency in the given
// state whose updated_at is not after now, oldest first.
func (t *Tx) DepositsByStatus(currency string, status CollectStatus, limit int) ([]*Deposit, error) {
	return t.listDeposits(`SELECT `+depositColumns+` FROM deposits
		WHERE currency = ? AND collect_status = ? AND updated_at <= ?
		ORDER BY updated_at, id LIMIT ?`, currency, string(status), t.now.Unix(), limit)
}

// DepositsAtAddress returns the deposits of the currency at address in the
// given state.
func (t *Tx) DepositsAtAddress(currency, address string, status CollectStatus) ([]*Deposit, error) {
	return t.listDeposits(`SELECT `+depositColumns+` FROM deposits
		WHERE currency = ? AND to_address = ? AND collect_status = ?
		ORDER BY id`, currency, address, string(status))
}

// DepositsByCollectedTxID returns the deposits swept by a collection.
func (t *Tx) DepositsByCollectedTxID(txid string) ([]*Deposit, error) {
	return t.listDeposits(`SELECT `+depositColumns+` FROM deposits WHERE collected_txid = ? ORDER BY id`, txid)
}

// DeferDeposits moves updated_at of the deposits to now+delay so the
// collector skips them until then.
func (t *Tx) DeferDeposits(ids []int64, delay time.Duration) error {
	return t.updateDeposits(ids, `updated_at = ?`, t.now.Add(delay).Unix())
}

// SetDepositStatus moves the deposits to status and sets their collection
// txid. An empty txid clears it. updated_at is set to now+delay.
func (t *Tx) SetDepositStatus(ids []int64, status CollectStatus, collectedTxID string, delay time.Duration) error {
	return t.updateDeposits(ids, `collect_status = ?, collected_txid = ?, updated_at = ?`,
		string(status), nullString(collectedTxID), t.now.Add(delay).Unix())
}

func (t *Tx) updateDeposits(ids []int64, set string, args ...any) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE deposits SET ` + set + ` WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := t.exec(query, args...); err != nil {
		return fmt.Errorf("update deposits: %w", err)
	}
	return nil
}

func (t *Tx) listDeposits(query string, args ...any) ([]*Deposit, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeposit(row scanner) (*Deposit, error) {
	var d Deposit
	var amount, status string
	var memo, collected sql.NullString
	var blockTime sql.NullInt64
	err := row.Scan(&d.ID, &d.WalletID, &d.Currency, &d.ToAddress, &d.TxID, &amount, &memo,
		&d.BlockNumber, &blockTime, &status, &collected, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("deposit %d: amount %q: %w", d.ID, amount, err)
	}
	d.Memo = memo.String
	d.BlockTimestamp = blockTime.Int64
	d.CollectStatus = CollectStatus(status)
	d.CollectedTxID = collected.String
	return &d, nil
}

// IDs returns the ids of the deposits.
func IDs(deposits []*Deposit) []int64 {
	ids := make([]int64, len(deposits))
	for i, d := range deposits {
		ids[i] = d.ID
	}
	return ids
}

// Total sums the amounts of the deposits.
func Total(deposits []*Deposit) decimal.Decimal {
	total := decimal.Zero
	for _, d := range deposits {
		total = total.Add(d.Amount)
	}
	return total
}

// =============================================================================
// Wallet balances
// =============================================================================

// MinimumCollectAmount returns the configured collection threshold of the
// wallet and currency, or false when none is set.
func (t *Tx) MinimumCollectAmount(walletID int64, currency string) (decimal.Decimal, bool, error) {
	var v sql.NullString
	err := t.queryRow(`SELECT minimum_collect_amount FROM wallet_balances WHERE wallet_id = ? AND currency = ?`,
		walletID, currency).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	amount, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("minimum collect amount %q: %w", v.String, err)
	}
	return amount, true, nil
}

// SetMinimumCollectAmount sets the collection threshold of the wallet and
// currency.
func (t *Tx) SetMinimumCollectAmount(walletID int64, currency string, amount decimal.Decimal) error {
	_, err := t.exec(`
		INSERT INTO wallet_balances (wallet_id, currency, minimum_collect_amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet_id, currency) DO UPDATE SET
			minimum_collect_amount = excluded.minimum_collect_amount,
			updated_at = excluded.updated_at
	`, walletID, currency, amount.String(), t.now.Unix())
	return err
}

// =============================================================================
// Crawl cursors
// =============================================================================

// LatestBlock returns the last crawled block of the currency, or false when
// the crawler has not run yet.
func (t *Tx) LatestBlock(currency string) (uint64, bool, error) {
	var n uint64
	err := t.queryRow(`SELECT block_number FROM latest_blocks WHERE currency = ?`, currency).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// AdvanceLatestBlock moves the cursor of the currency to block. The cursor
// never moves backwards.
func (t *Tx) AdvanceLatestBlock(currency string, block uint64) error {
	_, err := t.exec(`
		INSERT INTO latest_blocks (currency, block_number, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(currency) DO UPDATE SET
			block_number = MAX(block_number, excluded.block_number),
			updated_at = excluded.updated_at
	`, currency, block, t.now.Unix())
	if err != nil {
		return fmt.Errorf("advance cursor of %s: %w", currency, err)
	}
	return nil
}

// Cursor is a crawl cursor row.
type Cursor struct {
	Currency    string `json:"currency"`
	BlockNumber uint64 `json:"block_number"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ListLatestBlocks returns every crawl cursor.
func (t *Tx) ListLatestBlocks() ([]Cursor, error) {
	rows, err := t.query(`SELECT currency, block_number, updated_at FROM latest_blocks ORDER BY currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Currency, &c.BlockNumber, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
