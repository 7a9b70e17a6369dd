package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

// Errors returned by gateways.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFee     = errors.New("insufficient native balance for fee")
	ErrFeeAboveCap         = errors.New("network fee above cap")
	ErrMalformedRawTx      = errors.New("malformed raw transaction")
	ErrWrongKey            = errors.New("secret does not match transaction sender")
	ErrBroadcastFailed     = errors.New("broadcast failed")
	ErrUnsupported         = errors.New("operation not supported")
	ErrTxNotFound          = errors.New("transaction not found")
	ErrNoFactory           = errors.New("no gateway factory")
)

// ConstructError carries the context of a failed construction.
type ConstructError struct {
	Currency string
	Address  string
	Amount   decimal.Decimal
	Balance  decimal.Decimal
	Fee      decimal.Decimal
	Err      error
}

func (e *ConstructError) Error() string {
	return fmt.Sprintf("%s: %v (address=%s amount=%s balance=%s fee=%s)",
		e.Currency, e.Err, e.Address, e.Amount, e.Balance, e.Fee)
}

func (e *ConstructError) Unwrap() error { return e.Err }

// BalanceReader reads the spendable balance of an address.
type BalanceReader interface {
	GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// TxConstructor builds unsigned transactions.
type TxConstructor interface {
	ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts ConstructOptions) (*RawTransaction, error)
	// ReconstructRawTx parses an unsigned payload and re-derives its txid.
	ReconstructRawTx(unsignedRaw string) (*RawTransaction, error)
}

// Signer signs unsigned payloads with decrypted secrets.
type Signer interface {
	SignRawTransaction(ctx context.Context, unsignedRaw string, secrets ...string) (*SignedTransaction, error)
}

// Broadcaster submits signed payloads and reports their status.
type Broadcaster interface {
	SendRawTransaction(ctx context.Context, signedRaw string) (string, error)
	GetTransactionStatus(ctx context.Context, txid string) (TxStatus, error)
}

// BlockFetcher reads blocks and transactions. GetOneTransaction returns nil
// without error when the transaction is unknown or carries no transfer of
// the gateway's currency.
type BlockFetcher interface {
	GetBlockCount(ctx context.Context) (uint64, error)
	GetOneBlock(ctx context.Context, number uint64) (*Block, error)
	GetOneTransaction(ctx context.Context, txid string) (*Transaction, error)
	GetBlockTransactions(ctx context.Context, number uint64) ([]*Transaction, error)
}

// Gateway is the full per-currency integration.
type Gateway interface {
	Currency() chain.Currency
	BalanceReader
	TxConstructor
	Signer
	Broadcaster
	BlockFetcher
	// GetAverageSeedingFee is the native amount needed to pay for one
	// transfer out of a deposit address.
	GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error)
}

// UTXOGateway adds the output-level operations of UTXO chains.
type UTXOGateway interface {
	Gateway
	GetOneTxVouts(ctx context.Context, txid, address string) ([]Vout, error)
	GetOneAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	ConstructConsolidateTransaction(ctx context.Context, utxos []UTXO, to string) (*RawTransaction, error)
}

// PendingChecker is implemented by nonce-based chains. It reports whether
// the account still has transactions that are not mined, so that an unknown
// transaction can be told apart from a queued one.
type PendingChecker interface {
	HasPendingTransactions(ctx context.Context, address string) (bool, error)
}

// AccountScanner is implemented by chains whose blocks cannot be listed
// cheaply; deposits are found by scanning the history of known addresses.
type AccountScanner interface {
	GetMultiBlocksTransactionsForAccounts(ctx context.Context, addresses []string, from, to uint64) ([]*Transaction, error)
}

// VerifyReconstruct checks that an unsigned payload round-trips through
// ReconstructRawTx unchanged.
func VerifyReconstruct(c TxConstructor, raw *RawTransaction) error {
	again, err := c.ReconstructRawTx(raw.UnsignedRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRawTx, err)
	}
	if again.TxID != raw.TxID || again.UnsignedRaw != raw.UnsignedRaw {
		return fmt.Errorf("%w: reconstruction mismatch (txid %s != %s)", ErrMalformedRawTx, again.TxID, raw.TxID)
	}
	return nil
}
