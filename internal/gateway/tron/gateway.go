// Package tron implements the TRX gateway and the TRC20 token gateways on
// top of a Tron full node's HTTP API.
package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/cache"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

const (
	contractTransfer = "TransferContract"
	retSuccess       = "SUCCESS"
)

// alreadySubmitted are broadcast responses for a known transaction.
var alreadySubmitted = []string{
	"DUP_TRANSACTION_ERROR",
	"dup transaction",
}

// Client is the subset of the Tron HTTP API the gateways use.
type Client interface {
	GetNowBlock(ctx context.Context) (*backend.TronBlock, error)
	GetBlockByNum(ctx context.Context, num int64) (*backend.TronBlock, error)
	GetTransactionByID(ctx context.Context, txID string) (*backend.TronTransaction, error)
	GetTransactionInfoByID(ctx context.Context, txID string) (*backend.TronTxInfo, error)
	GetTransactionInfoByBlockNum(ctx context.Context, num int64) ([]backend.TronTxInfo, error)
	GetAccountBalance(ctx context.Context, address string) (int64, error)
	CreateTransaction(ctx context.Context, from, to string, amount int64, memo string) (*backend.TronTransaction, error)
	TriggerSmartContract(ctx context.Context, call backend.TronContractCall) (*backend.TronTransaction, error)
	TriggerConstantContract(ctx context.Context, call backend.TronContractCall) ([]byte, int64, error)
	BroadcastTransaction(ctx context.Context, tx *backend.TronTransaction) (string, error)
}

// Options tunes a Gateway.
type Options struct {
	RequiredConfirmations uint64
	// Remote shares mined transaction info between processes.
	Remote cache.Remote
}

// Gateway is the TRX gateway.
type Gateway struct {
	currency chain.Currency
	client   Client
	required uint64

	head   *gateway.HeadCache
	blocks *cache.Fetcher[*backend.TronBlock]
	infos  *cache.Fetcher[*backend.TronTxInfo]

	log *logging.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a TRX gateway.
func New(c chain.Currency, p *chain.Params, client Client, opts Options) *Gateway {
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = p.RequiredConfirmations
	}
	g := &Gateway{
		currency: c,
		client:   client,
		required: opts.RequiredConfirmations,
		blocks:   cache.New[*backend.TronBlock](c.Symbol+".block", cache.Options{Size: 128}),
		infos:    cache.New[*backend.TronTxInfo](c.Symbol+".txinfo", cache.Options{Remote: opts.Remote}),
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}
	g.head = gateway.NewHeadCache(g.fetchTip, gateway.DefaultHeadTTL)
	return g
}

// Factory builds TRX gateways.
func Factory(remote cache.Remote) gateway.Factory {
	return func(_ context.Context, c chain.Currency, cfg chain.CurrencyConfig, _ *gateway.Registry) (gateway.Gateway, error) {
		p, ok := chain.Get(c.Platform, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("no params for %s on %s", c.Platform, cfg.Network)
		}
		if cfg.RESTEndpoint == "" {
			return nil, fmt.Errorf("%s: api endpoint not configured", c.Symbol)
		}
		client := backend.NewTronClient(cfg.RESTEndpoint, backend.Options{
			Name:      c.Symbol,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
		})
		return New(c, p, client, Options{RequiredConfirmations: cfg.RequiredConfirmations, Remote: remote}), nil
	}
}

// Currency returns TRX.
func (g *Gateway) Currency() chain.Currency {
	return g.currency
}

func (g *Gateway) fetchTip(ctx context.Context) (uint64, error) {
	b, err := g.client.GetNowBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: latest block: %w", g.currency.Symbol, err)
	}
	return uint64(b.Number()), nil
}

// GetBlockCount returns the safe head.
func (g *Gateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return g.head.Get(ctx)
}

func (g *Gateway) block(ctx context.Context, number uint64) (*backend.TronBlock, error) {
	return g.blocks.Get(ctx, fmt.Sprint(number), func(ctx context.Context) (*backend.TronBlock, bool, error) {
		b, err := g.client.GetBlockByNum(ctx, int64(number))
		if err != nil {
			return nil, false, fmt.Errorf("%s: get block %d: %w", g.currency.Symbol, number, err)
		}
		return b, true, nil
	})
}

// GetOneBlock returns a block with its txids. Timestamps are in seconds.
func (g *Gateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	b, err := g.block(ctx, number)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.TxID
	}
	return &gateway.Block{
		Hash:      b.BlockID,
		Number:    uint64(b.Number()),
		Timestamp: b.BlockHeader.RawData.Timestamp / 1000,
		TxIDs:     ids,
	}, nil
}

// info returns the execution info of a mined transaction, or nil.
func (g *Gateway) info(ctx context.Context, txid string) (*backend.TronTxInfo, error) {
	return g.infos.Get(ctx, strings.ToLower(txid), func(ctx context.Context) (*backend.TronTxInfo, bool, error) {
		info, err := g.client.GetTransactionInfoByID(ctx, txid)
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return info, info.BlockNumber > 0, nil
	})
}

// failed reports whether mined execution info marks the transaction failed.
func failed(info *backend.TronTxInfo) bool {
	if info.Result == "FAILED" {
		return true
	}
	return info.Receipt.Result != "" && info.Receipt.Result != retSuccess
}

// transfer extracts the TRX transfer of a transaction, or nil.
func transfer(tx *backend.TronTransaction) *gateway.Transfer {
	raw, err := tx.Raw()
	if err != nil || len(raw.Contract) == 0 || raw.Contract[0].Type != contractTransfer {
		return nil
	}
	v := raw.Contract[0].Parameter.Value
	if v.ToAddress == "" || v.Amount <= 0 {
		return nil
	}
	tr := &gateway.Transfer{
		From:   normalizeAddress(v.OwnerAddress),
		To:     normalizeAddress(v.ToAddress),
		Amount: decimal.NewFromInt(v.Amount),
	}
	if memo, err := hex.DecodeString(raw.Data); err == nil && len(memo) > 0 {
		tr.Tag = string(memo)
	}
	return tr
}

// normalizeAddress turns hex (41...) addresses into Base58.
func normalizeAddress(address string) string {
	hash, err := wallet.DecodeTronAddress(address)
	if err != nil {
		return address
	}
	return wallet.TronAddressFromHash(hash)
}

// GetBlockTransactions returns the TRX transfers of a block.
func (g *Gateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	b, err := g.block(ctx, number)
	if err != nil {
		return nil, err
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}

	var txs []*gateway.Transaction
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		tr := transfer(tx)
		if tr == nil {
			continue
		}
		txs = append(txs, &gateway.Transaction{
			Currency:      g.currency,
			TxID:          tx.TxID,
			BlockHash:     b.BlockID,
			Height:        number,
			Timestamp:     b.BlockHeader.RawData.Timestamp / 1000,
			Confirmations: gateway.Confirmations(head, number),
			IsFailed:      tx.ContractRet() != "" && tx.ContractRet() != retSuccess,
			Transfers:     []gateway.Transfer{*tr},
		})
	}
	if len(txs) == 0 {
		return nil, nil
	}

	infos, err := g.client.GetTransactionInfoByBlockNum(ctx, int64(number))
	if err != nil {
		return nil, fmt.Errorf("%s: tx info of block %d: %w", g.currency.Symbol, number, err)
	}
	fees := make(map[string]int64, len(infos))
	for _, info := range infos {
		fees[info.ID] = info.Fee
	}
	for _, tx := range txs {
		tx.Fee = decimal.NewFromInt(fees[tx.TxID])
	}
	return txs, nil
}

// GetOneTransaction returns a TRX transfer, or nil when the transaction is
// unknown or not a TRX transfer.
func (g *Gateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	tx, err := g.client.GetTransactionByID(ctx, txid)
	if errors.Is(err, backend.ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: get transaction %s: %w", g.currency.Symbol, txid, err)
	}
	tr := transfer(tx)
	if tr == nil {
		return nil, nil
	}
	out := &gateway.Transaction{
		Currency:  g.currency,
		TxID:      tx.TxID,
		IsFailed:  tx.ContractRet() != "" && tx.ContractRet() != retSuccess,
		Transfers: []gateway.Transfer{*tr},
	}
	if err := g.fillMined(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fillMined adds block position and fee from the execution info.
func (g *Gateway) fillMined(ctx context.Context, tx *gateway.Transaction) error {
	info, err := g.info(ctx, tx.TxID)
	if err != nil {
		return fmt.Errorf("%s: tx info %s: %w", g.currency.Symbol, tx.TxID, err)
	}
	if info == nil || info.BlockNumber <= 0 {
		return nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return err
	}
	tx.Height = uint64(info.BlockNumber)
	tx.Timestamp = info.BlockTimeStamp / 1000
	tx.Confirmations = gateway.Confirmations(head, tx.Height)
	tx.Fee = decimal.NewFromInt(info.Fee)
	tx.IsFailed = tx.IsFailed || failed(info)
	if b, err := g.block(ctx, tx.Height); err == nil {
		tx.BlockHash = b.BlockID
	}
	return nil
}

// GetTransactionStatus classifies any transaction by its execution info.
func (g *Gateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	info, err := g.info(ctx, txid)
	if err != nil {
		return gateway.StatusUnknown, fmt.Errorf("%s: tx info %s: %w", g.currency.Symbol, txid, err)
	}
	if info == nil || info.BlockNumber <= 0 {
		return gateway.StatusUnknown, nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	tx := &gateway.Transaction{
		TxID:          txid,
		Height:        uint64(info.BlockNumber),
		Confirmations: gateway.Confirmations(head, uint64(info.BlockNumber)),
		IsFailed:      failed(info),
	}
	return gateway.StatusOf(tx, g.required), nil
}

func (g *Gateway) isConfirmed(ctx context.Context, txid string) (bool, error) {
	status, err := g.GetTransactionStatus(ctx, txid)
	if err != nil {
		return false, err
	}
	return status == gateway.StatusCompleted || status == gateway.StatusConfirming, nil
}

func (g *Gateway) balance(ctx context.Context, address string) (int64, error) {
	if _, err := wallet.DecodeTronAddress(address); err != nil {
		return 0, err
	}
	bal, err := g.client.GetAccountBalance(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("%s: balance of %s: %w", g.currency.Symbol, address, err)
	}
	return bal, nil
}

// GetAddressBalance returns the balance in sun.
func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := g.balance(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(bal), nil
}

// ConstructRawTransaction builds a TRX transfer through createtransaction.
// A consolidation sends the balance minus the bandwidth reserve. The
// destination tag, when set, travels as the memo.
func (g *Gateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	if _, err := wallet.DecodeTronAddress(to); err != nil {
		return nil, err
	}
	balance, err := g.balance(ctx, from)
	if err != nil {
		return nil, err
	}
	value := amount.IntPart()
	fee := int64(0)
	if opts.Consolidate {
		fee = config.TronBandwidthReserve
		value = balance - fee
	}
	if value <= 0 || balance < value+fee {
		return nil, &gateway.ConstructError{
			Currency: g.currency.Symbol,
			Address:  from,
			Amount:   decimal.NewFromInt(value),
			Balance:  decimal.NewFromInt(balance),
			Fee:      decimal.NewFromInt(fee),
			Err:      gateway.ErrInsufficientBalance,
		}
	}

	tx, err := g.client.CreateTransaction(ctx, from, to, value, opts.DestinationTag)
	if err != nil {
		return nil, fmt.Errorf("%s: create transaction: %w", g.currency.Symbol, err)
	}
	raw, err := g.finish(tx)
	if err != nil {
		return nil, err
	}
	g.log.Debug("Constructed transaction", "from", from, "to", to, "amount", value, "txid", raw.TxID)
	return raw, nil
}

// finish checks the node-built transaction and encodes it.
func (g *Gateway) finish(tx *backend.TronTransaction) (*gateway.RawTransaction, error) {
	tx.Visible = true
	tx.Signature = nil
	id, err := txID(tx.RawDataHex)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(id, tx.TxID) {
		return nil, fmt.Errorf("%w: node txID %s does not match raw data (%s)", gateway.ErrMalformedRawTx, tx.TxID, id)
	}
	tx.TxID = id
	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	raw := &gateway.RawTransaction{TxID: id, UnsignedRaw: encoded}
	if err := gateway.VerifyReconstruct(g, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ReconstructRawTx parses an unsigned transaction and re-derives its txid.
func (g *Gateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	tx, err := decodeTx(unsignedRaw)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &gateway.RawTransaction{TxID: tx.TxID, UnsignedRaw: encoded}, nil
}

// SignRawTransaction signs with the first secret, a hex private key that
// must own the transaction.
func (g *Gateway) SignRawTransaction(_ context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secret", gateway.ErrWrongKey)
	}
	tx, err := decodeTx(unsignedRaw)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(helpers.Strip0x(secrets[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrWrongKey, err)
	}

	raw, err := tx.Raw()
	if err != nil || len(raw.Contract) == 0 {
		return nil, fmt.Errorf("%w: no contract", gateway.ErrMalformedRawTx)
	}
	owner, err := wallet.DecodeTronAddress(raw.Contract[0].Parameter.Value.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: owner: %v", gateway.ErrMalformedRawTx, err)
	}
	if signer := crypto.PubkeyToAddress(key.PublicKey); !bytes.Equal(signer.Bytes(), owner) {
		return nil, fmt.Errorf("%w: key of %s cannot sign for %s", gateway.ErrWrongKey,
			wallet.TronAddressFromHash(signer.Bytes()), wallet.TronAddressFromHash(owner))
	}

	hash, _ := hex.DecodeString(tx.TxID)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	tx.Signature = []string{hex.EncodeToString(sig)}

	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &gateway.SignedTransaction{TxID: tx.TxID, SignedRaw: encoded, UnsignedRaw: unsignedRaw}, nil
}

// SendRawTransaction broadcasts a signed transaction.
func (g *Gateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	tx, err := decodeTx(signedRaw)
	if err != nil {
		return "", err
	}
	if len(tx.Signature) == 0 {
		return "", fmt.Errorf("%w: unsigned", gateway.ErrMalformedRawTx)
	}
	return gateway.Broadcast(ctx, gateway.BroadcastRequest{
		Currency:    g.currency.Symbol,
		TxID:        tx.TxID,
		KnownErrors: alreadySubmitted,
		IsConfirmed: g.isConfirmed,
		Log:         g.log,
		Send: func(ctx context.Context) (string, error) {
			return g.client.BroadcastTransaction(ctx, tx)
		},
	})
}

// GetAverageSeedingFee is the energy a TRC20 transfer burns, priced in sun.
func (g *Gateway) GetAverageSeedingFee(context.Context) (decimal.Decimal, error) {
	fee, _ := config.StaticSeedingFee(chain.PlatformTRX)
	return fee, nil
}

var errNoNative = errors.New("native gateway is not a TRX gateway")
