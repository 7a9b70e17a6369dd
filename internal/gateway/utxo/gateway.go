// Package utxo implements the gateway of bitcoin-family chains (BTC, LTC).
// Chain head and blocks come from a bitcoind-compatible node; addresses,
// transactions and unspent outputs come from an Esplora or Blockbook indexer.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/cache"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// alreadySubmitted are node and indexer responses for a payload that is
// already in the mempool or a block.
var alreadySubmitted = []string{
	"txn-already-in-mempool",
	"txn-already-known",
	"transaction already in block chain",
	"already have transaction",
}

// Node is the subset of bitcoind RPC the gateway uses.
type Node interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (*backend.BlockSummary, error)
	SendRawTransaction(ctx context.Context, rawTxHex string) (string, error)
	EstimateSmartFee(ctx context.Context, blocks int) (float64, error)
}

// Options tunes a Gateway.
type Options struct {
	RequiredConfirmations uint64
	// Concurrency bounds parallel transaction fetches of one block.
	Concurrency int
	// Remote is an optional shared cache for confirmed transactions.
	Remote cache.Remote
}

// Gateway is the BTC/LTC gateway.
type Gateway struct {
	currency chain.Currency
	params   *chain.Params
	net      *chaincfg.Params
	node     Node
	indexer  backend.Backend
	required uint64
	parallel int
	feeRate  config.FeeRate

	head   *gateway.HeadCache
	txs    *cache.Fetcher[*backend.Transaction]
	blocks *cache.Fetcher[*gateway.Block]

	log *logging.Logger
}

var _ gateway.UTXOGateway = (*Gateway)(nil)

// New creates a gateway. node may be nil, in which case the head is read from
// the indexer and block listing is unavailable.
func New(c chain.Currency, p *chain.Params, node Node, indexer backend.Backend, opts Options) (*Gateway, error) {
	if indexer == nil {
		return nil, fmt.Errorf("%s gateway: indexer is required", c.Symbol)
	}
	rate, ok := config.UTXOFeeRate(p.Platform)
	if !ok {
		return nil, fmt.Errorf("%s gateway: no fee rate policy for %s", c.Symbol, p.Platform)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = p.RequiredConfirmations
	}

	g := &Gateway{
		currency: c,
		params:   p,
		net:      wallet.ChainCfgParams(p),
		node:     node,
		indexer:  indexer,
		required: opts.RequiredConfirmations,
		parallel: opts.Concurrency,
		feeRate:  rate,
		txs:      cache.New[*backend.Transaction](c.Symbol+".tx", cache.Options{Remote: opts.Remote}),
		blocks:   cache.New[*gateway.Block](c.Symbol+".block", cache.Options{}),
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}
	g.head = gateway.NewHeadCache(g.fetchTip, gateway.DefaultHeadTTL)
	return g, nil
}

// Factory builds UTXO gateways from currency configs.
func Factory(remote cache.Remote) gateway.Factory {
	return func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, _ *gateway.Registry) (gateway.Gateway, error) {
		p, ok := chain.Get(c.Platform, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("no params for %s on %s", c.Platform, cfg.Network)
		}
		bopts := backend.Options{
			Name:      c.Symbol,
			User:      cfg.RPCUser,
			Password:  cfg.RPCPass,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
		}
		indexer, err := backend.NewIndexer(backend.Type(cfg.Indexer), cfg.RESTEndpoint, bopts)
		if err != nil {
			return nil, err
		}
		var node Node
		if cfg.RPCEndpoint != "" {
			node = backend.NewBitcoindClient(cfg.RPCEndpoint, bopts)
		}
		return New(c, p, node, indexer, Options{
			RequiredConfirmations: cfg.RequiredConfirmations,
			Remote:                remote,
		})
	}
}

// Currency returns the gateway's currency.
func (g *Gateway) Currency() chain.Currency {
	return g.currency
}

func (g *Gateway) fetchTip(ctx context.Context) (uint64, error) {
	var (
		tip int64
		err error
	)
	if g.node != nil {
		tip, err = g.node.GetBlockCount(ctx)
	} else {
		tip, err = g.indexer.GetBlockHeight(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: get block count: %w", g.currency.Symbol, err)
	}
	if tip < 0 {
		return 0, fmt.Errorf("%s: negative block count %d", g.currency.Symbol, tip)
	}
	return uint64(tip), nil
}

// GetBlockCount returns the safe head.
func (g *Gateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return g.head.Get(ctx)
}

// GetOneBlock returns the block at a height with its txids.
func (g *Gateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	if g.node == nil {
		return nil, fmt.Errorf("%w: %s block listing needs a node endpoint", gateway.ErrUnsupported, g.currency.Symbol)
	}
	return g.blocks.Get(ctx, fmt.Sprint(number), func(ctx context.Context) (*gateway.Block, bool, error) {
		hash, err := g.node.GetBlockHash(ctx, int64(number))
		if err != nil {
			return nil, false, fmt.Errorf("%s: getblockhash %d: %w", g.currency.Symbol, number, err)
		}
		b, err := g.node.GetBlock(ctx, hash)
		if err != nil {
			return nil, false, fmt.Errorf("%s: getblock %s: %w", g.currency.Symbol, hash, err)
		}
		return &gateway.Block{
			Hash:      b.Hash,
			Number:    uint64(b.Height),
			Timestamp: b.Time,
			TxIDs:     b.TxIDs,
		}, true, nil
	})
}

func (g *Gateway) rawTransaction(ctx context.Context, txid string) (*backend.Transaction, error) {
	return g.txs.Get(ctx, txid, func(ctx context.Context) (*backend.Transaction, bool, error) {
		tx, err := g.indexer.GetTransaction(ctx, txid)
		if err != nil {
			return nil, false, err
		}
		// Pending transactions still change (block, fee); only cache mined ones.
		return tx, tx.Confirmed, nil
	})
}

// GetOneTransaction returns a transaction with its inputs and outputs, or
// nil when the indexer does not know it.
func (g *Gateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	raw, err := g.rawTransaction(ctx, txid)
	if errors.Is(err, backend.ErrTxNotFound) || errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: get transaction %s: %w", g.currency.Symbol, txid, err)
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	return g.convert(raw, head), nil
}

func (g *Gateway) convert(raw *backend.Transaction, head uint64) *gateway.Transaction {
	tx := &gateway.Transaction{
		Currency:  g.currency,
		TxID:      raw.TxID,
		BlockHash: raw.BlockHash,
		Timestamp: raw.BlockTime,
		Fee:       decimal.NewFromInt(int64(raw.Fee)),
	}
	if raw.Confirmed && raw.BlockHeight > 0 {
		tx.Height = uint64(raw.BlockHeight)
		tx.Confirmations = gateway.Confirmations(head, tx.Height)
	}
	for i, in := range raw.Inputs {
		if in.PrevOut == nil {
			// coinbase
			continue
		}
		tx.Inputs = append(tx.Inputs, gateway.Output{
			Address: in.PrevOut.ScriptPubKeyAddr,
			Value:   decimal.NewFromInt(int64(in.PrevOut.Value)),
			Index:   uint32(i),
		})
	}
	for i, out := range raw.Outputs {
		tx.Outputs = append(tx.Outputs, gateway.Output{
			Address: out.ScriptPubKeyAddr,
			Value:   decimal.NewFromInt(int64(out.Value)),
			Index:   uint32(i),
		})
	}
	return tx
}

// GetBlockTransactions fetches every transaction of a block, in block order.
func (g *Gateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	block, err := g.GetOneBlock(ctx, number)
	if err != nil {
		return nil, err
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}

	txs := make([]*gateway.Transaction, len(block.TxIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallel)
	for i, txid := range block.TxIDs {
		eg.Go(func() error {
			raw, err := g.rawTransaction(egCtx, txid)
			if errors.Is(err, backend.ErrTxNotFound) {
				g.log.Warn("Block transaction missing from indexer", "block", number, "txid", txid)
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: block %d tx %s: %w", g.currency.Symbol, number, txid, err)
			}
			txs[i] = g.convert(raw, head)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := txs[:0]
	for _, tx := range txs {
		if tx != nil {
			out = append(out, tx)
		}
	}
	return out, nil
}

// GetTransactionStatus classifies a transaction by its confirmations.
// Bitcoin transactions in a block cannot fail.
func (g *Gateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	tx, err := g.GetOneTransaction(ctx, txid)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	return gateway.StatusOf(tx, g.required), nil
}

// GetAddressBalance returns the confirmed balance in satoshi.
func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	info, err := g.indexer.GetAddressInfo(ctx, address)
	if errors.Is(err, backend.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: balance of %s: %w", g.currency.Symbol, address, err)
	}
	return decimal.NewFromInt(int64(info.Balance)), nil
}

// GetOneAddressUTXOs returns the unspent outputs of an address, most
// confirmed first.
func (g *Gateway) GetOneAddressUTXOs(ctx context.Context, address string) ([]gateway.UTXO, error) {
	raw, err := g.indexer.GetAddressUTXOs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%s: utxos of %s: %w", g.currency.Symbol, address, err)
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	script, err := g.scriptFor(address)
	if err != nil {
		return nil, err
	}

	utxos := make([]gateway.UTXO, 0, len(raw))
	for _, u := range raw {
		var confs uint64
		if u.Confirmed && u.BlockHeight > 0 {
			confs = gateway.Confirmations(head, uint64(u.BlockHeight))
		}
		utxos = append(utxos, gateway.UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Address:       address,
			Amount:        decimal.NewFromInt(int64(u.Amount)),
			ScriptPubKey:  script,
			Confirmations: confs,
		})
	}
	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Confirmations > utxos[j].Confirmations
	})
	return utxos, nil
}

// GetOneTxVouts returns the outputs of txid paying address, with the txid
// of their spending transaction when spent.
func (g *Gateway) GetOneTxVouts(ctx context.Context, txid, address string) ([]gateway.Vout, error) {
	raw, err := g.rawTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("%s: get transaction %s: %w", g.currency.Symbol, txid, err)
	}
	spends, err := g.indexer.GetTxOutspends(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("%s: outspends of %s: %w", g.currency.Symbol, txid, err)
	}

	var vouts []gateway.Vout
	for i, out := range raw.Outputs {
		if address != "" && out.ScriptPubKeyAddr != address {
			continue
		}
		v := gateway.Vout{
			Address: out.ScriptPubKeyAddr,
			Value:   decimal.NewFromInt(int64(out.Value)),
			Index:   uint32(i),
		}
		if i < len(spends) && spends[i].Spent {
			v.SpentTxID = spends[i].TxID
			if v.SpentTxID == "" {
				v.SpentTxID = "unknown"
			}
		}
		vouts = append(vouts, v)
	}
	return vouts, nil
}

// GetAverageSeedingFee returns the fixed seeding amount of the platform.
func (g *Gateway) GetAverageSeedingFee(context.Context) (decimal.Decimal, error) {
	fee, ok := config.StaticSeedingFee(g.params.Platform)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no seeding fee for %s", gateway.ErrUnsupported, g.params.Platform)
	}
	return fee, nil
}

// SendRawTransaction broadcasts a signed transaction hex.
func (g *Gateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	tx, err := decodeTx(signedRaw)
	if err != nil {
		return "", err
	}
	txid := tx.TxHash().String()
	return gateway.Broadcast(ctx, gateway.BroadcastRequest{
		Currency:    g.currency.Symbol,
		TxID:        txid,
		KnownErrors: alreadySubmitted,
		Log:         g.log,
		Send: func(ctx context.Context) (string, error) {
			if g.node != nil {
				return g.node.SendRawTransaction(ctx, signedRaw)
			}
			return g.indexer.BroadcastTransaction(ctx, signedRaw)
		},
	})
}

// feeRatePerByte returns the sat/byte rate to pay.
func (g *Gateway) feeRatePerByte(ctx context.Context) int64 {
	rate := g.feeRate.Fallback
	if g.feeRate.Estimate && g.node != nil {
		est, err := g.node.EstimateSmartFee(ctx, g.feeRate.Target)
		switch {
		case err == nil:
			rate = uint64(math.Ceil(est))
		case errors.Is(err, backend.ErrNoFeeEstimate):
			g.log.Debug("No fee estimate, using fallback", "rate", rate)
		default:
			g.log.Warn("Fee estimation failed, using fallback", "rate", rate, "error", err)
		}
	}
	if g.feeRate.Cap > 0 && rate > g.feeRate.Cap {
		rate = g.feeRate.Cap
	}
	if rate == 0 {
		rate = 1
	}
	return int64(rate)
}
