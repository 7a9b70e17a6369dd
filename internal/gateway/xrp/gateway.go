// Package xrp implements the XRP Ledger gateway over a rippled WebSocket.
// Ledgers cannot be listed cheaply, so deposits are found by scanning the
// history of the watched accounts.
package xrp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

const resultSuccess = "tesSUCCESS"

// missingHistory are rippled errors that mean "nothing here", not failure.
var missingHistory = []string{"actNotFound", "lgrNotFound", "lgrIdxsInvalid", "lgrIdxMalformed"}

// Client sends rippled commands; *backend.RippleClient satisfies it.
type Client interface {
	Request(ctx context.Context, command string, params map[string]interface{}, out interface{}) error
}

// Options tunes a Gateway.
type Options struct {
	RequiredConfirmations uint64
	// Concurrency bounds parallel account scans.
	Concurrency int
}

// Gateway is the XRP gateway.
type Gateway struct {
	currency chain.Currency
	client   Client
	required uint64
	parallel int
	head     *gateway.HeadCache
	log      *logging.Logger
}

var (
	_ gateway.Gateway        = (*Gateway)(nil)
	_ gateway.AccountScanner = (*Gateway)(nil)
)

// New creates an XRP gateway.
func New(c chain.Currency, p *chain.Params, client Client, opts Options) *Gateway {
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = p.RequiredConfirmations
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = config.Crawler(chain.ChainTypeRipple).Concurrency
	}
	g := &Gateway{
		currency: c,
		client:   client,
		required: opts.RequiredConfirmations,
		parallel: opts.Concurrency,
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}
	g.head = gateway.NewHeadCache(g.validatedLedger, gateway.DefaultHeadTTL)
	return g
}

// Factory builds XRP gateways.
func Factory() gateway.Factory {
	return func(_ context.Context, c chain.Currency, cfg chain.CurrencyConfig, _ *gateway.Registry) (gateway.Gateway, error) {
		p, ok := chain.Get(c.Platform, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("no params for %s on %s", c.Platform, cfg.Network)
		}
		if cfg.RPCEndpoint == "" {
			return nil, fmt.Errorf("%s: rippled endpoint not configured", c.Symbol)
		}
		client := backend.NewRippleClient(cfg.RPCEndpoint, backend.Options{Name: c.Symbol, RateLimit: cfg.RateLimit})
		return New(c, p, client, Options{RequiredConfirmations: cfg.RequiredConfirmations}), nil
	}
}

// Close closes the rippled connection.
func (g *Gateway) Close() error {
	if c, ok := g.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Currency returns XRP.
func (g *Gateway) Currency() chain.Currency {
	return g.currency
}

func (g *Gateway) validatedLedger(ctx context.Context) (uint64, error) {
	var res struct {
		LedgerIndex uint64 `json:"ledger_index"`
	}
	if err := g.client.Request(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"}, &res); err != nil {
		return 0, fmt.Errorf("%s: validated ledger: %w", g.currency.Symbol, err)
	}
	return res.LedgerIndex, nil
}

// GetBlockCount returns the safe validated ledger.
func (g *Gateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return g.head.Get(ctx)
}

// GetOneBlock returns a ledger header. Ledgers outside the node's history
// come back empty.
func (g *Gateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	var res struct {
		Ledger struct {
			Hash      string `json:"ledger_hash"`
			CloseTime int64  `json:"close_time"`
		} `json:"ledger"`
	}
	err := g.client.Request(ctx, "ledger", map[string]interface{}{"ledger_index": number}, &res)
	if backend.IsRippleError(err, missingHistory...) {
		g.log.Warn("Ledger not in history", "ledger", number)
		return &gateway.Block{Number: number}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: ledger %d: %w", g.currency.Symbol, number, err)
	}
	return &gateway.Block{
		Hash:      res.Ledger.Hash,
		Number:    number,
		Timestamp: res.Ledger.CloseTime + rippleEpoch,
	}, nil
}

// GetBlockTransactions is not available; see GetMultiBlocksTransactionsForAccounts.
func (g *Gateway) GetBlockTransactions(context.Context, uint64) ([]*gateway.Transaction, error) {
	return nil, fmt.Errorf("%s: block listing: %w", g.currency.Symbol, gateway.ErrUnsupported)
}

// ledgerTx is a transaction as rippled reports it.
type ledgerTx struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	Fee             string          `json:"Fee"`
	DestinationTag  *uint32         `json:"DestinationTag"`
	Hash            string          `json:"hash"`
	LedgerIndex     uint64          `json:"ledger_index"`
	Date            int64           `json:"date"`
}

type ledgerMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
}

// drops parses a native amount; issued currencies are objects and fail.
func drops(raw json.RawMessage) (decimal.Decimal, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return decimal.Zero, false
	}
	d, err := helpers.ParseBaseUnits(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// convert builds an XRP payment, or nil for other transactions.
func (g *Gateway) convert(tx *ledgerTx, meta *ledgerMeta, validated bool, head uint64) *gateway.Transaction {
	if tx.TransactionType != "Payment" {
		return nil
	}
	amount, ok := drops(meta.DeliveredAmount)
	if !ok {
		if amount, ok = drops(tx.Amount); !ok {
			return nil
		}
	}
	fee, _ := helpers.ParseBaseUnits(tx.Fee)
	tr := gateway.Transfer{From: tx.Account, To: tx.Destination, Amount: amount}
	if tx.DestinationTag != nil {
		tr.Tag = strconv.FormatUint(uint64(*tx.DestinationTag), 10)
	}
	out := &gateway.Transaction{
		Currency:  g.currency,
		TxID:      tx.Hash,
		Fee:       fee,
		IsFailed:  meta.TransactionResult != "" && meta.TransactionResult != resultSuccess,
		Transfers: []gateway.Transfer{tr},
	}
	if validated {
		out.Height = tx.LedgerIndex
		out.Timestamp = tx.Date + rippleEpoch
		out.Confirmations = gateway.Confirmations(head, tx.LedgerIndex)
	}
	return out
}

func (g *Gateway) lookup(ctx context.Context, txid string) (*ledgerTx, *ledgerMeta, bool, error) {
	var res struct {
		ledgerTx
		Meta      ledgerMeta `json:"meta"`
		Validated bool       `json:"validated"`
	}
	err := g.client.Request(ctx, "tx", map[string]interface{}{"transaction": txid}, &res)
	if backend.IsRippleError(err, "txnNotFound") {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("%s: tx %s: %w", g.currency.Symbol, txid, err)
	}
	return &res.ledgerTx, &res.Meta, res.Validated, nil
}

// GetOneTransaction returns an XRP payment, or nil when unknown.
func (g *Gateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	tx, meta, validated, err := g.lookup(ctx, txid)
	if err != nil || tx == nil {
		return nil, err
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	return g.convert(tx, meta, validated, head), nil
}

// GetTransactionStatus classifies a transaction by its validated result.
func (g *Gateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	tx, meta, validated, err := g.lookup(ctx, txid)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	if tx == nil || !validated {
		return gateway.StatusUnknown, nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	return gateway.StatusOf(&gateway.Transaction{
		TxID:          txid,
		Height:        tx.LedgerIndex,
		Confirmations: gateway.Confirmations(head, tx.LedgerIndex),
		IsFailed:      meta.TransactionResult != resultSuccess,
	}, g.required), nil
}

// accountTx pages through the validated history of one account.
func (g *Gateway) accountTx(ctx context.Context, address string, from, to, head uint64) ([]*gateway.Transaction, error) {
	var (
		out    []*gateway.Transaction
		marker json.RawMessage
	)
	for {
		params := map[string]interface{}{
			"account":          address,
			"ledger_index_min": from,
			"ledger_index_max": to,
			"forward":          true,
			"limit":            200,
		}
		if len(marker) > 0 {
			params["marker"] = marker
		}
		var res struct {
			Transactions []struct {
				Tx          *ledgerTx  `json:"tx"`
				TxJSON      *ledgerTx  `json:"tx_json"`
				Hash        string     `json:"hash"`
				LedgerIndex uint64     `json:"ledger_index"`
				Meta        ledgerMeta `json:"meta"`
				Validated   bool       `json:"validated"`
			} `json:"transactions"`
			Marker json.RawMessage `json:"marker"`
		}
		err := g.client.Request(ctx, "account_tx", params, &res)
		if backend.IsRippleError(err, missingHistory...) {
			g.log.Debug("No history for account", "address", address, "error", err)
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: account_tx %s: %w", g.currency.Symbol, address, err)
		}
		for _, entry := range res.Transactions {
			tx := entry.Tx
			if tx == nil {
				if tx = entry.TxJSON; tx == nil {
					continue
				}
				tx.Hash = entry.Hash
				tx.LedgerIndex = entry.LedgerIndex
			}
			if t := g.convert(tx, &entry.Meta, entry.Validated, head); t != nil {
				out = append(out, t)
			}
		}
		if len(res.Marker) == 0 || string(res.Marker) == "null" {
			return out, nil
		}
		marker = res.Marker
	}
}

// GetMultiBlocksTransactionsForAccounts scans the watched accounts between
// two ledgers. Payments between two watched accounts appear once.
func (g *Gateway) GetMultiBlocksTransactionsForAccounts(ctx context.Context, addresses []string, from, to uint64) ([]*gateway.Transaction, error) {
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	results := make([][]*gateway.Transaction, len(addresses))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallel)
	for i, address := range addresses {
		eg.Go(func() error {
			txs, err := g.accountTx(egCtx, address, from, to, head)
			results[i] = txs
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*gateway.Transaction
	for _, txs := range results {
		for _, tx := range txs {
			if seen[tx.TxID] {
				continue
			}
			seen[tx.TxID] = true
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

type accountData struct {
	Balance  string `json:"Balance"`
	Sequence uint32 `json:"Sequence"`
}

// account returns the validated account root, or nil for unfunded accounts.
func (g *Gateway) account(ctx context.Context, address string) (*accountData, error) {
	if _, err := wallet.DecodeRippleAddress(address); err != nil {
		return nil, err
	}
	var res struct {
		AccountData accountData `json:"account_data"`
	}
	err := g.client.Request(ctx, "account_info", map[string]interface{}{"account": address, "ledger_index": "validated"}, &res)
	if backend.IsRippleError(err, "actNotFound") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: account_info %s: %w", g.currency.Symbol, address, err)
	}
	return &res.AccountData, nil
}

// GetAddressBalance returns the balance in drops; unfunded accounts hold 0.
func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	acct, err := g.account(ctx, address)
	if err != nil || acct == nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(acct.Balance)
}

// fee returns the open ledger fee in drops, at least the default fee.
func (g *Gateway) fee(ctx context.Context) (int64, error) {
	var res struct {
		Drops struct {
			OpenLedgerFee string `json:"open_ledger_fee"`
		} `json:"drops"`
	}
	if err := g.client.Request(ctx, "fee", nil, &res); err != nil {
		return 0, fmt.Errorf("%s: fee: %w", g.currency.Symbol, err)
	}
	fee, err := strconv.ParseInt(res.Drops.OpenLedgerFee, 10, 64)
	if err != nil || fee < config.XRPDefaultFee {
		fee = config.XRPDefaultFee
	}
	return fee, nil
}

// ConstructRawTransaction prepares a Payment expiring 100 ledgers from the
// validated ledger. The sender keeps the account reserve; a consolidation
// sends everything above it.
func (g *Gateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	if _, err := wallet.DecodeRippleAddress(to); err != nil {
		return nil, err
	}
	var tag *uint32
	if opts.DestinationTag != "" {
		v, err := strconv.ParseUint(opts.DestinationTag, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid destination tag %q", g.currency.Symbol, opts.DestinationTag)
		}
		t := uint32(v)
		tag = &t
	}

	acct, err := g.account(ctx, from)
	if err != nil {
		return nil, err
	}
	fee, err := g.fee(ctx)
	if err != nil {
		return nil, err
	}
	balance := int64(0)
	if acct != nil {
		if balance, err = strconv.ParseInt(acct.Balance, 10, 64); err != nil {
			return nil, fmt.Errorf("%s: balance of %s: %w", g.currency.Symbol, from, err)
		}
	}
	value := amount.IntPart()
	if opts.Consolidate {
		value = balance - fee - config.XRPAccountReserve
	}
	if acct == nil || value <= 0 || balance < value+fee+config.XRPAccountReserve {
		return nil, &gateway.ConstructError{
			Currency: g.currency.Symbol,
			Address:  from,
			Amount:   decimal.NewFromInt(value),
			Balance:  decimal.NewFromInt(balance),
			Fee:      decimal.NewFromInt(fee),
			Err:      gateway.ErrInsufficientBalance,
		}
	}

	ledger, err := g.validatedLedger(ctx)
	if err != nil {
		return nil, err
	}
	p := &Payment{
		TransactionType:    "Payment",
		Account:            from,
		Destination:        to,
		Amount:             strconv.FormatInt(value, 10),
		Fee:                strconv.FormatInt(fee, 10),
		Flags:              tfFullyCanonicalSig,
		Sequence:           acct.Sequence,
		LastLedgerSequence: uint32(ledger + config.XRPLastLedgerOffset),
		DestinationTag:     tag,
	}
	raw, err := encodePayment(p)
	if err != nil {
		return nil, err
	}
	if err := gateway.VerifyReconstruct(g, raw); err != nil {
		return nil, err
	}
	g.log.Debug("Constructed payment", "from", from, "to", to, "amount", value, "fee", fee, "sequence", acct.Sequence)
	return raw, nil
}

// ReconstructRawTx parses an unsigned payment and re-derives its txid.
func (g *Gateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	p, err := decodePayment(unsignedRaw)
	if err != nil {
		return nil, err
	}
	if p.TxnSignature != "" {
		return nil, fmt.Errorf("%w: payment is already signed", gateway.ErrMalformedRawTx)
	}
	return encodePayment(p)
}

// SignRawTransaction signs with the first secret, a hex secp256k1 key whose
// account must be the sender.
func (g *Gateway) SignRawTransaction(_ context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secret", gateway.ErrWrongKey)
	}
	p, err := decodePayment(unsignedRaw)
	if err != nil {
		return nil, err
	}
	keyBytes, err := helpers.HexToBytes(secrets[0])
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("%w: secret is not a hex private key", gateway.ErrWrongKey)
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	pub := priv.PubKey().SerializeCompressed()
	if signer := wallet.EncodeRippleAccountID(btcutil.Hash160(pub)); signer != p.Account {
		return nil, fmt.Errorf("%w: key of %s cannot sign for %s", gateway.ErrWrongKey, signer, p.Account)
	}

	p.SigningPubKey = strings.ToUpper(hex.EncodeToString(pub))
	hash, err := p.signingHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	p.TxnSignature = strings.ToUpper(hex.EncodeToString(ecdsa.Sign(priv, hash).Serialize()))
	blob, err := p.serialize(false)
	if err != nil {
		return nil, err
	}
	return &gateway.SignedTransaction{
		TxID:        blobID(blob),
		SignedRaw:   strings.ToUpper(hex.EncodeToString(blob)),
		UnsignedRaw: unsignedRaw,
	}, nil
}

// SendRawTransaction submits a signed blob. A past sequence is success only
// when this very transaction is in a validated ledger.
func (g *Gateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	blob, err := hex.DecodeString(signedRaw)
	if err != nil || len(blob) == 0 {
		return "", fmt.Errorf("%w: signed blob is not hex", gateway.ErrMalformedRawTx)
	}
	txid := blobID(blob)
	return gateway.Broadcast(ctx, gateway.BroadcastRequest{
		Currency:    g.currency.Symbol,
		TxID:        txid,
		KnownErrors: []string{"tefALREADY"},
		Log:         g.log,
		Send: func(ctx context.Context) (string, error) {
			var res struct {
				EngineResult        string `json:"engine_result"`
				EngineResultMessage string `json:"engine_result_message"`
			}
			if err := g.client.Request(ctx, "submit", map[string]interface{}{"tx_blob": signedRaw}, &res); err != nil {
				return "", err
			}
			switch {
			case strings.HasPrefix(res.EngineResult, "tes"), res.EngineResult == "terQUEUED":
				return txid, nil
			case res.EngineResult == "tefPAST_SEQ":
				if status, err := g.GetTransactionStatus(ctx, txid); err == nil && status != gateway.StatusUnknown {
					return txid, nil
				}
			}
			return "", fmt.Errorf("%s: %s", res.EngineResult, res.EngineResultMessage)
		},
	})
}

// GetAverageSeedingFee is one transaction fee; XRP has no tokens to seed.
func (g *Gateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	fee, err := g.fee(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(fee), nil
}
