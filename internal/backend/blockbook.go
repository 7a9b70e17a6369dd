package backend

import (
	"context"
	"errors"
	"strconv"
)

// BlockbookBackend implements Backend using Trezor's Blockbook API.
// baseURL should be like "https://ltc1.trezor.io/api/v2".
type BlockbookBackend struct {
	rest *restClient
}

// NewBlockbookBackend creates a new Blockbook backend.
func NewBlockbookBackend(baseURL string, opts Options) *BlockbookBackend {
	return &BlockbookBackend{rest: newRESTClient(baseURL, opts)}
}

// Type returns TypeBlockbook.
func (b *BlockbookBackend) Type() Type {
	return TypeBlockbook
}

// GetAddressInfo returns address balance and tx count.
func (b *BlockbookBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var result struct {
		Balance            string `json:"balance"`
		UnconfirmedBalance string `json:"unconfirmedBalance"`
		TxCount            int64  `json:"txs"`
		UnconfirmedTxs     int64  `json:"unconfirmedTxs"`
	}
	if err := b.rest.getJSON(ctx, "/address/"+address+"?details=basic", &result); err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        address,
		TxCount:        result.TxCount + result.UnconfirmedTxs,
		Balance:        parseAmount(result.Balance),
		MempoolBalance: parseAmountSigned(result.UnconfirmedBalance),
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (b *BlockbookBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID          string `json:"txid"`
		Vout          uint32 `json:"vout"`
		Value         string `json:"value"`
		Height        int64  `json:"height"`
		Confirmations int64  `json:"confirmations"`
	}
	if err := b.rest.getJSON(ctx, "/utxo/"+address, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Amount:      parseAmount(u.Value),
			Confirmed:   u.Confirmations > 0,
			BlockHeight: u.Height,
		}
	}
	return utxos, nil
}

// GetTransaction returns a transaction by ID.
func (b *BlockbookBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	bt, err := b.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	return bt.convert(), nil
}

// GetTxOutspends derives spend status from the spent flags Blockbook
// attaches to each output.
func (b *BlockbookBackend) GetTxOutspends(ctx context.Context, txID string) ([]Outspend, error) {
	bt, err := b.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	out := make([]Outspend, len(bt.Vout))
	for i, vout := range bt.Vout {
		out[i] = Outspend{Spent: vout.Spent, TxID: vout.SpentTxID}
	}
	return out, nil
}

func (b *BlockbookBackend) getTx(ctx context.Context, txID string) (*blockbookTx, error) {
	var result blockbookTx
	if err := b.rest.getJSON(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return &result, nil
}

// BroadcastTransaction broadcasts a raw transaction.
func (b *BlockbookBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var result struct {
		Result string `json:"result"`
	}
	if err := b.rest.getJSON(ctx, "/sendtx/"+rawTxHex, &result); err != nil {
		return "", err
	}
	return result.Result, nil
}

// GetBlockHeight returns the current block height.
func (b *BlockbookBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var result struct {
		Blockbook struct {
			BestHeight int64 `json:"bestHeight"`
		} `json:"blockbook"`
	}
	if err := b.rest.getJSON(ctx, "", &result); err != nil {
		return 0, err
	}
	return result.Blockbook.BestHeight, nil
}

// blockbookTx is Blockbook's transaction format.
type blockbookTx struct {
	TxID          string `json:"txid"`
	BlockHash     string `json:"blockHash"`
	BlockHeight   int64  `json:"blockHeight"`
	BlockTime     int64  `json:"blockTime"`
	Confirmations int64  `json:"confirmations"`
	Fees          string `json:"fees"`
	Vin           []struct {
		TxID      string   `json:"txid"`
		Vout      uint32   `json:"vout"`
		Addresses []string `json:"addresses"`
		Value     string   `json:"value"`
	} `json:"vin"`
	Vout []struct {
		Value     string   `json:"value"`
		N         uint32   `json:"n"`
		Addresses []string `json:"addresses"`
		Hex       string   `json:"hex"`
		Spent     bool     `json:"spent"`
		SpentTxID string   `json:"spentTxId"`
	} `json:"vout"`
}

func (bt *blockbookTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        bt.TxID,
		BlockHash:   bt.BlockHash,
		BlockHeight: bt.BlockHeight,
		BlockTime:   bt.BlockTime,
		Confirmed:   bt.Confirmations > 0,
		Fee:         parseAmount(bt.Fees),
		Inputs:      make([]TxInput, len(bt.Vin)),
		Outputs:     make([]TxOutput, len(bt.Vout)),
	}
	for j, vin := range bt.Vin {
		tx.Inputs[j] = TxInput{
			TxID: vin.TxID,
			Vout: vin.Vout,
			PrevOut: &TxOutput{
				ScriptPubKeyAddr: first(vin.Addresses),
				Value:            parseAmount(vin.Value),
			},
		}
	}
	for j, vout := range bt.Vout {
		tx.Outputs[j] = TxOutput{
			ScriptPubKey:     vout.Hex,
			ScriptPubKeyAddr: first(vout.Addresses),
			Value:            parseAmount(vout.Value),
		}
	}
	return tx
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// parseAmount parses a base-unit string amount. Invalid input yields 0.
func parseAmount(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

// parseAmountSigned parses a base-unit amount that might be negative.
func parseAmountSigned(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

var _ Backend = (*BlockbookBackend)(nil)
