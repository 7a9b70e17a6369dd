// Package evm implements the gateways of Ethereum-compatible chains: the
// native coins of ETH, BSC and Polygon and their ERC20-style tokens.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/cache"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Client is the subset of ethclient.Client the gateways use.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Caller issues raw JSON-RPC calls; *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// GasSource returns the gas defaults of a platform.
type GasSource func(p chain.Platform) (config.GasDefaults, bool)

// Options tunes a Gateway.
type Options struct {
	RequiredConfirmations uint64
	ChainID               uint64
	// Gas overrides the compiled-in gas defaults.
	Gas GasSource
	// Concurrency bounds parallel receipt fetches when the node lacks
	// eth_getBlockReceipts.
	Concurrency int
	Remote      cache.Remote
}

// Gateway is the native coin gateway of an EVM chain.
type Gateway struct {
	currency chain.Currency
	params   *chain.Params
	client   Client
	raw      Caller
	chainID  *big.Int
	policy   gateway.GasPolicy
	tip      *big.Int
	required uint64
	parallel int

	head     *gateway.HeadCache
	blocks   *cache.Fetcher[*rpcBlock]
	receipts *cache.Fetcher[*rpcReceipt]

	closer func()
	log    *logging.Logger
}

var (
	_ gateway.Gateway        = (*Gateway)(nil)
	_ gateway.PendingChecker = (*Gateway)(nil)
)

// New creates a native gateway.
func New(c chain.Currency, p *chain.Params, client Client, raw Caller, opts Options) (*Gateway, error) {
	gas := opts.Gas
	if gas == nil {
		gas = config.GasPolicy
	}
	defaults, ok := gas(p.Platform)
	if !ok {
		return nil, fmt.Errorf("%s gateway: no gas policy for %s", c.Symbol, p.Platform)
	}
	policy := gateway.GasPolicy{
		MaxPrice:      defaults.MaxPrice,
		Multiplier:    defaults.Multiplier,
		LowMultiplier: defaults.LowMultiplier,
		Buffer:        defaults.Buffer,
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%s gateway: %w", c.Symbol, err)
	}
	chainID := opts.ChainID
	if chainID == 0 {
		chainID = p.ChainID
	}
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = p.RequiredConfirmations
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	tip := defaults.PriorityFee
	if tip == nil {
		tip = new(big.Int)
	}

	g := &Gateway{
		currency: c,
		params:   p,
		client:   client,
		raw:      raw,
		chainID:  new(big.Int).SetUint64(chainID),
		policy:   policy,
		tip:      tip,
		required: opts.RequiredConfirmations,
		parallel: opts.Concurrency,
		blocks:   cache.New[*rpcBlock](c.Symbol+".block", cache.Options{Size: 256}),
		receipts: cache.New[*rpcReceipt](c.Symbol+".receipt", cache.Options{Remote: opts.Remote}),
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}
	g.head = gateway.NewHeadCache(g.client.BlockNumber, gateway.DefaultHeadTTL)
	return g, nil
}

// Factory builds native EVM gateways. gas may be nil to use the compiled-in
// defaults.
func Factory(remote cache.Remote, gas GasSource) gateway.Factory {
	return func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, _ *gateway.Registry) (gateway.Gateway, error) {
		p, ok := chain.Get(c.Platform, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("no params for %s on %s", c.Platform, cfg.Network)
		}
		if cfg.RPCEndpoint == "" {
			return nil, fmt.Errorf("%s: rpc endpoint not configured", c.Symbol)
		}
		opts := backend.Options{Name: c.Symbol, RateLimit: cfg.RateLimit}
		rc, err := rpc.DialOptions(ctx, cfg.RPCEndpoint, rpc.WithHTTPClient(opts.HTTPClient()))
		if err != nil {
			return nil, fmt.Errorf("%s: failed to connect to RPC: %w", c.Symbol, err)
		}
		g, err := New(c, p, ethclient.NewClient(rc), rc, Options{
			RequiredConfirmations: cfg.RequiredConfirmations,
			ChainID:               cfg.ChainID,
			Gas:                   gas,
			Remote:                remote,
		})
		if err != nil {
			rc.Close()
			return nil, err
		}
		g.closer = rc.Close
		return g, nil
	}
}

// Close releases the RPC connection.
func (g *Gateway) Close() error {
	if g.closer != nil {
		g.closer()
	}
	return nil
}

// Currency returns the native currency.
func (g *Gateway) Currency() chain.Currency {
	return g.currency
}

// GetBlockCount returns the safe head.
func (g *Gateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return g.head.Get(ctx)
}

func (g *Gateway) block(ctx context.Context, number uint64) (*rpcBlock, error) {
	return g.blocks.Get(ctx, fmt.Sprint(number), func(ctx context.Context) (*rpcBlock, bool, error) {
		var b *rpcBlock
		if err := g.raw.CallContext(ctx, &b, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
			return nil, false, fmt.Errorf("%s: get block %d: %w", g.currency.Symbol, number, err)
		}
		if b == nil {
			return nil, false, fmt.Errorf("%s: block %d not found", g.currency.Symbol, number)
		}
		return b, true, nil
	})
}

// GetOneBlock returns the block at a height with its txids.
func (g *Gateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	b, err := g.block(ctx, number)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.Hash.Hex()
	}
	return &gateway.Block{Hash: b.Hash.Hex(), Number: uint64(b.Number), Timestamp: int64(b.Timestamp), TxIDs: ids}, nil
}

// receipt returns the receipt of a mined transaction, or nil.
func (g *Gateway) receipt(ctx context.Context, txid string) (*rpcReceipt, error) {
	return g.receipts.Get(ctx, strings.ToLower(txid), func(ctx context.Context) (*rpcReceipt, bool, error) {
		var r *rpcReceipt
		if err := g.raw.CallContext(ctx, &r, "eth_getTransactionReceipt", common.HexToHash(txid)); err != nil {
			return nil, false, err
		}
		return r, r != nil, nil
	})
}

// blockReceipts returns the receipts of the value transfers of a block,
// keyed by txid.
func (g *Gateway) blockReceipts(ctx context.Context, b *rpcBlock) (map[common.Hash]*rpcReceipt, error) {
	byHash := make(map[common.Hash]*rpcReceipt, len(b.Transactions))

	var all []*rpcReceipt
	err := g.raw.CallContext(ctx, &all, "eth_getBlockReceipts", hexutil.EncodeUint64(uint64(b.Number)))
	if err == nil && len(all) == len(b.Transactions) {
		for _, r := range all {
			byHash[r.TxHash] = r
		}
		return byHash, nil
	}
	if err != nil {
		g.log.Debug("eth_getBlockReceipts unavailable, fetching receipts one by one", "block", uint64(b.Number), "error", err)
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallel)
	for _, tx := range b.Transactions {
		if tx.To == nil || tx.value().Sign() == 0 {
			continue
		}
		eg.Go(func() error {
			r, err := g.receipt(egCtx, tx.Hash.Hex())
			if err != nil {
				return fmt.Errorf("%s: receipt %s: %w", g.currency.Symbol, tx.Hash.Hex(), err)
			}
			if r != nil {
				mu.Lock()
				byHash[tx.Hash] = r
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return byHash, nil
}

// convert builds a native transfer, or nil for contract calls without value.
func (g *Gateway) convert(tx *rpcTx, r *rpcReceipt, timestamp int64, head uint64) *gateway.Transaction {
	if tx.To == nil || tx.value().Sign() == 0 {
		return nil
	}
	out := &gateway.Transaction{
		Currency:  g.currency,
		TxID:      tx.Hash.Hex(),
		Timestamp: timestamp,
		Transfers: []gateway.Transfer{{
			From:   tx.From.Hex(),
			To:     tx.To.Hex(),
			Amount: helpers.BigToDecimal(tx.value()),
		}},
	}
	if tx.BlockHash != nil {
		out.BlockHash = tx.BlockHash.Hex()
	}
	if tx.BlockNumber != nil {
		out.Height = tx.BlockNumber.ToInt().Uint64()
		out.Confirmations = gateway.Confirmations(head, out.Height)
	}
	if r != nil {
		out.IsFailed = r.failed()
		out.Fee = helpers.BigToDecimal(r.fee())
	}
	return out
}

// GetBlockTransactions returns the native value transfers of a block.
func (g *Gateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	b, err := g.block(ctx, number)
	if err != nil {
		return nil, err
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	receipts, err := g.blockReceipts(ctx, b)
	if err != nil {
		return nil, err
	}

	var txs []*gateway.Transaction
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if t := g.convert(tx, receipts[tx.Hash], int64(b.Timestamp), head); t != nil {
			txs = append(txs, t)
		}
	}
	return txs, nil
}

// GetOneTransaction returns a native transfer, or nil when the transaction
// is unknown or moves no value.
func (g *Gateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	var tx *rpcTx
	if err := g.raw.CallContext(ctx, &tx, "eth_getTransactionByHash", common.HexToHash(txid)); err != nil {
		return nil, fmt.Errorf("%s: get transaction %s: %w", g.currency.Symbol, txid, err)
	}
	if tx == nil {
		return nil, nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	var (
		r         *rpcReceipt
		timestamp int64
	)
	if tx.BlockNumber != nil {
		if r, err = g.receipt(ctx, txid); err != nil {
			return nil, fmt.Errorf("%s: receipt %s: %w", g.currency.Symbol, txid, err)
		}
		if b, err := g.block(ctx, tx.BlockNumber.ToInt().Uint64()); err == nil {
			timestamp = int64(b.Timestamp)
		}
	}
	return g.convert(tx, r, timestamp, head), nil
}

// GetTransactionStatus classifies any transaction by its receipt, so it also
// serves token transfers and contract calls.
func (g *Gateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	r, err := g.receipt(ctx, txid)
	if err != nil {
		return gateway.StatusUnknown, fmt.Errorf("%s: receipt %s: %w", g.currency.Symbol, txid, err)
	}
	if r == nil {
		return gateway.StatusUnknown, nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	tx := &gateway.Transaction{
		TxID:          txid,
		Height:        uint64(r.BlockNumber),
		Confirmations: gateway.Confirmations(head, uint64(r.BlockNumber)),
		IsFailed:      r.failed(),
	}
	return gateway.StatusOf(tx, g.required), nil
}

// HasPendingTransactions compares the pending and latest nonce of address.
func (g *Gateway) HasPendingTransactions(ctx context.Context, address string) (bool, error) {
	account, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	pending, err := g.client.PendingNonceAt(ctx, account)
	if err != nil {
		return false, fmt.Errorf("%s: pending nonce of %s: %w", g.currency.Symbol, address, err)
	}
	latest, err := g.client.NonceAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("%s: nonce of %s: %w", g.currency.Symbol, address, err)
	}
	return pending > latest, nil
}

func (g *Gateway) isConfirmed(ctx context.Context, txid string) (bool, error) {
	status, err := g.GetTransactionStatus(ctx, txid)
	if err != nil {
		return false, err
	}
	return status == gateway.StatusCompleted || status == gateway.StatusConfirming, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// nativeBalance returns the balance of an address in wei.
func (g *Gateway) nativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	bal, err := g.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: balance of %s: %w", g.currency.Symbol, address.Hex(), err)
	}
	return bal, nil
}

// GetAddressBalance returns the balance in wei.
func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := g.nativeBalance(ctx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	return helpers.BigToDecimal(bal), nil
}

// quote is the price of one gas unit.
type quote struct {
	price *big.Int // gas price, or fee cap on EIP-1559 chains
	tip   *big.Int // nil on legacy chains
}

// quote prices gas through the policy. EIP-1559 chains start from the
// latest base fee plus the priority tip, legacy chains from eth_gasPrice.
func (g *Gateway) quote(ctx context.Context, low bool) (*quote, error) {
	if g.params.EIP1559 {
		header, err := g.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: latest header: %w", g.currency.Symbol, err)
		}
		if header.BaseFee != nil {
			base := new(big.Int).Add(header.BaseFee, g.tip)
			price, err := g.policy.Price(base, low)
			if err != nil {
				return nil, err
			}
			tip := new(big.Int).Set(g.tip)
			if tip.Cmp(price) > 0 {
				tip.Set(price)
			}
			return &quote{price: price, tip: tip}, nil
		}
	}
	base, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas price: %w", g.currency.Symbol, err)
	}
	price, err := g.policy.Price(base, low)
	if err != nil {
		return nil, err
	}
	return &quote{price: price}, nil
}

func (g *Gateway) newTx(nonce uint64, to common.Address, value *big.Int, gas uint64, data []byte, q *quote) *types.Transaction {
	if q.tip != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   g.chainID,
			Nonce:     nonce,
			GasTipCap: q.tip,
			GasFeeCap: q.price,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: q.price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

func encodeTx(tx *types.Transaction) (string, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return hexutil.Encode(b), nil
}

func decodeTx(raw string) (*types.Transaction, error) {
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	return &tx, nil
}

// finish encodes an unsigned transaction and checks it round-trips.
func (g *Gateway) finish(tx *types.Transaction) (*gateway.RawTransaction, error) {
	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	raw := &gateway.RawTransaction{TxID: tx.Hash().Hex(), UnsignedRaw: encoded}
	if err := gateway.VerifyReconstruct(g, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ConstructRawTransaction builds a native transfer at the pending nonce.
// With Consolidate the whole balance minus the fee is sent with the plain
// transfer gas limit.
func (g *Gateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	fromAddr, err := parseAddress(from)
	if err != nil {
		return nil, err
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return nil, err
	}

	gas := uint64(config.NativeTransferGas)
	if opts.Consolidate {
		gas = config.ConsolidateGas
	}
	q, err := g.quote(ctx, opts.LowFee)
	if err != nil {
		return nil, &gateway.ConstructError{Currency: g.currency.Symbol, Address: from, Amount: amount, Err: err}
	}
	fee := new(big.Int).Mul(q.price, new(big.Int).SetUint64(gas))

	balance, err := g.nativeBalance(ctx, fromAddr)
	if err != nil {
		return nil, err
	}
	value, err := helpers.DecimalToBig(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.currency.Symbol, err)
	}
	if opts.Consolidate {
		value = new(big.Int).Sub(balance, fee)
	}
	cerr := &gateway.ConstructError{
		Currency: g.currency.Symbol,
		Address:  from,
		Amount:   helpers.BigToDecimal(value),
		Balance:  helpers.BigToDecimal(balance),
		Fee:      helpers.BigToDecimal(fee),
		Err:      gateway.ErrInsufficientBalance,
	}
	if value.Sign() <= 0 || balance.Cmp(new(big.Int).Add(value, fee)) < 0 {
		return nil, cerr
	}

	nonce, err := g.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: nonce of %s: %w", g.currency.Symbol, from, err)
	}
	raw, err := g.finish(g.newTx(nonce, toAddr, value, gas, nil, q))
	if err != nil {
		return nil, err
	}
	g.log.Debug("Constructed transaction", "from", from, "to", to, "amount", value, "fee", fee, "nonce", nonce)
	return raw, nil
}

// ReconstructRawTx decodes an unsigned transaction and re-encodes it.
func (g *Gateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	tx, err := decodeTx(unsignedRaw)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &gateway.RawTransaction{TxID: tx.Hash().Hex(), UnsignedRaw: encoded}, nil
}

// SignRawTransaction signs with the first secret, a hex private key.
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
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	encoded, err := encodeTx(signed)
	if err != nil {
		return nil, err
	}
	return &gateway.SignedTransaction{TxID: signed.Hash().Hex(), SignedRaw: encoded, UnsignedRaw: unsignedRaw}, nil
}

// SendRawTransaction broadcasts a signed transaction.
func (g *Gateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	tx, err := decodeTx(signedRaw)
	if err != nil {
		return "", err
	}
	return gateway.Broadcast(ctx, gateway.BroadcastRequest{
		Currency:    g.currency.Symbol,
		TxID:        tx.Hash().Hex(),
		Log:         g.log,
		IsConfirmed: g.isConfirmed,
		Send: func(ctx context.Context) (string, error) {
			return "", g.client.SendTransaction(ctx, tx)
		},
	})
}

// GetAverageSeedingFee is the low-fee price of the seeding gas budget.
func (g *Gateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	q, err := g.quote(ctx, true)
	if err != nil {
		return decimal.Zero, err
	}
	fee := new(big.Int).Mul(q.price, big.NewInt(config.SeedingGas))
	return helpers.BigToDecimal(fee), nil
}

var errNoNative = errors.New("native gateway is not an EVM gateway")
