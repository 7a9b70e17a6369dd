// Package backend provides the network transports used by the gateways:
// a JSON-RPC client (bitcoind, Solana), UTXO indexers (Esplora, Blockbook),
// the Tron HTTP API and a rippled WebSocket client. Nothing here touches
// private keys.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrNotFound           = errors.New("not found")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the UTXO indexer flavour.
type Type string

const (
	TypeEsplora   Type = "esplora"   // Esplora / mempool.space REST API
	TypeBlockbook Type = "blockbook" // Trezor Blockbook REST API
)

// Options configures a transport.
type Options struct {
	// Name labels metrics, e.g. "btc-indexer".
	Name     string
	Timeout  time.Duration
	User     string
	Password string
	APIKey   string
	// RateLimit is the maximum number of requests per second. 0 disables it.
	RateLimit float64
}

func (o Options) httpClient() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (o Options) limiter() *rate.Limiter {
	if o.RateLimit <= 0 {
		return nil
	}
	burst := int(o.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), burst)
}

// HTTPClient returns an HTTP client whose requests wait on the rate limiter
// and are recorded in the backend metrics. It serves clients that bring
// their own protocol layer, such as go-ethereum's rpc package.
func (o Options) HTTPClient() *http.Client {
	c := o.httpClient()
	c.Transport = &limitedTransport{name: o.Name, limiter: o.limiter(), next: http.DefaultTransport}
	return c
}

type limitedTransport struct {
	name    string
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := wait(req.Context(), t.limiter); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	result := "error"
	if err == nil {
		result = http.StatusText(resp.StatusCode)
	}
	metrics.BackendRequestDuration.WithLabelValues(t.name, result).Observe(time.Since(start).Seconds())
	return resp, err
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// UTXO is an unspent output as reported by an indexer.
type UTXO struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Amount      uint64 `json:"value"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// Transaction is an indexed UTXO transaction with resolved prevouts.
type Transaction struct {
	TxID        string     `json:"txid"`
	Fee         uint64     `json:"fee"`
	Confirmed   bool       `json:"confirmed"`
	BlockHash   string     `json:"block_hash,omitempty"`
	BlockHeight int64      `json:"block_height,omitempty"`
	BlockTime   int64      `json:"block_time,omitempty"`
	Inputs      []TxInput  `json:"vin"`
	Outputs     []TxOutput `json:"vout"`
}

// TxInput is a transaction input.
type TxInput struct {
	TxID    string    `json:"txid"`
	Vout    uint32    `json:"vout"`
	PrevOut *TxOutput `json:"prevout,omitempty"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether an output has been spent and by whom.
type Outspend struct {
	Spent bool   `json:"spent"`
	TxID  string `json:"txid,omitempty"`
}

// AddressInfo contains address balance info in base units.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	Balance        uint64 `json:"balance"`         // confirmed
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// Backend is a UTXO indexer. Methods return ErrNotFound or ErrTxNotFound
// for unknown objects.
type Backend interface {
	Type() Type
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTxOutspends(ctx context.Context, txID string) ([]Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// NewIndexer builds a UTXO indexer client of the given type.
func NewIndexer(t Type, baseURL string, opts Options) (Backend, error) {
	switch t {
	case TypeEsplora, "":
		return NewEsploraBackend(baseURL, opts), nil
	case TypeBlockbook:
		return NewBlockbookBackend(baseURL, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, t)
	}
}
