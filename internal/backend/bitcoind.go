package backend

import (
	"context"
	"errors"
)

// ErrNoFeeEstimate is returned when the node has not gathered enough
// data to estimate a fee rate.
var ErrNoFeeEstimate = errors.New("no fee estimate available")

// BitcoindClient wraps the bitcoind (or litecoind) RPC methods the
// crawler and the UTXO gateway need.
type BitcoindClient struct {
	rpc *Client
}

// NewBitcoindClient creates a bitcoind client.
func NewBitcoindClient(url string, opts Options) *BitcoindClient {
	return &BitcoindClient{rpc: NewClient(url, opts)}
}

// GetBlockCount returns the height of the best chain.
func (b *BitcoindClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	err := b.rpc.Call(ctx, "getblockcount", nil, &height)
	return height, err
}

// GetBlockHash returns the hash of the block at height.
func (b *BitcoindClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := b.rpc.Call(ctx, "getblockhash", []interface{}{height}, &hash)
	return hash, err
}

// BlockSummary is a block with its transaction ids (getblock verbosity 1).
type BlockSummary struct {
	Hash   string   `json:"hash"`
	Height int64    `json:"height"`
	Time   int64    `json:"time"`
	TxIDs  []string `json:"tx"`
}

// GetBlock returns the block at hash with its txids.
func (b *BitcoindClient) GetBlock(ctx context.Context, hash string) (*BlockSummary, error) {
	var block BlockSummary
	if err := b.rpc.Call(ctx, "getblock", []interface{}{hash, 1}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// SendRawTransaction submits a signed transaction and returns its txid.
func (b *BitcoindClient) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var txid string
	err := b.rpc.Call(ctx, "sendrawtransaction", []interface{}{rawTxHex}, &txid)
	return txid, err
}

// EstimateSmartFee returns the fee rate in sat/vB for confirmation within
// the given number of blocks.
func (b *BitcoindClient) EstimateSmartFee(ctx context.Context, blocks int) (float64, error) {
	var result struct {
		FeeRate float64  `json:"feerate"` // BTC/kvB
		Errors  []string `json:"errors"`
	}
	if err := b.rpc.Call(ctx, "estimatesmartfee", []interface{}{blocks}, &result); err != nil {
		return 0, err
	}
	if result.FeeRate <= 0 {
		return 0, ErrNoFeeEstimate
	}
	// BTC/kvB to sat/vB: *1e8 sat per BTC, /1000 vbytes per kvB.
	return result.FeeRate * 1e5, nil
}
