package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

// =============================================================================
// Deposit addresses
// =============================================================================

// Address is a deposit address. Secret holds the sealed private key.
type Address struct {
	Address   string         `json:"address"`
	Platform  chain.Platform `json:"platform"`
	WalletID  int64          `json:"wallet_id"`
	HDPath    string         `json:"hd_path,omitempty"`
	Secret    string         `json:"-"`
	CreatedAt int64          `json:"created_at"`
}

// SaveAddress registers a deposit address. Re-saving an address keeps its
// wallet and replaces the sealed secret.
func (t *Tx) SaveAddress(addr *Address) error {
	if addr.Address == "" || addr.Secret == "" {
		return fmt.Errorf("address %q: address and secret are required", addr.Address)
	}
	if addr.CreatedAt == 0 {
		addr.CreatedAt = t.now.Unix()
	}
	_, err := t.exec(`
		INSERT INTO addresses (address, platform, wallet_id, hd_path, secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, address) DO UPDATE SET
			secret = excluded.secret,
			hd_path = excluded.hd_path
	`, addr.Address, string(addr.Platform), addr.WalletID, nullString(addr.HDPath), addr.Secret, addr.CreatedAt)
	if err != nil {
		return fmt.Errorf("save address %s: %w", addr.Address, err)
	}
	return nil
}

// GetAddress returns a deposit address of the platform.
func (t *Tx) GetAddress(platform chain.Platform, address string) (*Address, error) {
	row := t.queryRow(`
		SELECT address, platform, wallet_id, hd_path, secret, created_at
		FROM addresses WHERE platform = ? AND address = ?
	`, string(platform), address)
	a, err := scanAddress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("address %s on %s: %w", address, platform, ErrNotFound)
	}
	return a, err
}

// ListAddresses returns every deposit address of the platform.
func (t *Tx) ListAddresses(platform chain.Platform) ([]*Address, error) {
	rows, err := t.query(`
		SELECT address, platform, wallet_id, hd_path, secret, created_at
		FROM addresses WHERE platform = ? ORDER BY created_at, address
	`, string(platform))
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []*Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAddresses returns the number of deposit addresses of a wallet on the
// platform.
func (t *Tx) CountAddresses(walletID int64, platform chain.Platform) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM addresses WHERE wallet_id = ? AND platform = ?`,
		walletID, string(platform)).Scan(&n)
	return n, err
}

// FindAddresses returns the registered deposit addresses among candidates,
// keyed by address.
func (t *Tx) FindAddresses(platform chain.Platform, candidates []string) (map[string]*Address, error) {
	out := make(map[string]*Address)
	const chunk = 500
	for start := 0; start < len(candidates); start += chunk {
		end := min(start+chunk, len(candidates))
		part := candidates[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, string(platform))
		for _, c := range part {
			args = append(args, c)
		}
		query := `
			SELECT address, platform, wallet_id, hd_path, secret, created_at
			FROM addresses WHERE platform = ? AND address IN (?` + strings.Repeat(",?", len(part)-1) + `)`
		rows, err := t.query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("find addresses: %w", err)
		}
		for rows.Next() {
			a, err := scanAddress(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[a.Address] = a
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(row scanner) (*Address, error) {
	var a Address
	var platform string
	var hdPath sql.NullString
	if err := row.Scan(&a.Address, &platform, &a.WalletID, &hdPath, &a.Secret, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Platform = chain.Platform(platform)
	a.HDPath = hdPath.String
	return &a, nil
}

// =============================================================================
// Hot wallets
// =============================================================================

// HotWallet is the collection destination of a wallet on one platform.
// Secret is sealed and only needed for outbound seeding transfers.
type HotWallet struct {
	WalletID  int64          `json:"wallet_id"`
	Platform  chain.Platform `json:"platform"`
	Address   string         `json:"address"`
	Secret    string         `json:"-"`
	CreatedAt int64          `json:"created_at"`
}

// SaveHotWallet sets the hot wallet of a wallet on the platform.
func (t *Tx) SaveHotWallet(hw *HotWallet) error {
	if hw.CreatedAt == 0 {
		hw.CreatedAt = t.now.Unix()
	}
	_, err := t.exec(`
		INSERT INTO hot_wallets (wallet_id, platform, address, secret, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id, platform) DO UPDATE SET
			address = excluded.address,
			secret = excluded.secret
	`, hw.WalletID, string(hw.Platform), hw.Address, nullString(hw.Secret), hw.CreatedAt)
	if err != nil {
		return fmt.Errorf("save hot wallet %d/%s: %w", hw.WalletID, hw.Platform, err)
	}
	return nil
}

// GetHotWallet returns the hot wallet of a wallet on the platform.
func (t *Tx) GetHotWallet(walletID int64, platform chain.Platform) (*HotWallet, error) {
	var hw HotWallet
	var p string
	var secret sql.NullString
	err := t.queryRow(`
		SELECT wallet_id, platform, address, secret, created_at
		FROM hot_wallets WHERE wallet_id = ? AND platform = ?
	`, walletID, string(platform)).Scan(&hw.WalletID, &p, &hw.Address, &secret, &hw.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hot wallet %d/%s: %w", walletID, platform, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	hw.Platform = chain.Platform(p)
	hw.Secret = secret.String
	return &hw, nil
}
