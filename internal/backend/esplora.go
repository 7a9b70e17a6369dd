package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// EsploraBackend implements Backend against the Esplora REST API.
// Compatible with blockstream.info, mempool.space and litecoinspace.org.
type EsploraBackend struct {
	rest *restClient
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, opts Options) *EsploraBackend {
	return &EsploraBackend{rest: newRESTClient(baseURL, opts)}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

type esploraStats struct {
	FundedTxoSum uint64 `json:"funded_txo_sum"`
	SpentTxoSum  uint64 `json:"spent_txo_sum"`
	TxCount      int64  `json:"tx_count"`
}

// GetAddressInfo returns the confirmed balance and the mempool delta.
func (e *EsploraBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var result struct {
		Address      string       `json:"address"`
		ChainStats   esploraStats `json:"chain_stats"`
		MempoolStats esploraStats `json:"mempool_stats"`
	}
	if err := e.rest.getJSON(ctx, "/address/"+address, &result); err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        address,
		TxCount:        result.ChainStats.TxCount + result.MempoolStats.TxCount,
		Balance:        result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum,
		MempoolBalance: int64(result.MempoolStats.FundedTxoSum) - int64(result.MempoolStats.SpentTxoSum),
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address, mempool included.
func (e *EsploraBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}
	if err := e.rest.getJSON(ctx, "/address/"+address+"/utxo", &result); err != nil {
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
			Amount:      u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTransaction returns a transaction with resolved prevouts.
func (e *EsploraBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result esploraTx
	if err := e.rest.getJSON(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return result.convert(), nil
}

// GetTxOutspends returns the spend status of every output of txID.
func (e *EsploraBackend) GetTxOutspends(ctx context.Context, txID string) ([]Outspend, error) {
	var result []Outspend
	if err := e.rest.getJSON(ctx, "/tx/"+txID+"/outspends", &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return result, nil
}

// BroadcastTransaction posts a raw transaction and returns its txid.
func (e *EsploraBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	body, err := e.rest.do(ctx, http.MethodPost, "/tx", "text/plain", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current tip height.
func (e *EsploraBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := e.rest.do(ctx, http.MethodGet, "/blocks/tip/height", "", nil)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	return height, nil
}

type esploraOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

func (o esploraOutput) convert() TxOutput {
	return TxOutput{ScriptPubKey: o.ScriptPubKey, ScriptPubKeyAddr: o.ScriptPubKeyAddr, Value: o.Value}
}

// esploraTx is the Esplora transaction format.
type esploraTx struct {
	TxID   string `json:"txid"`
	Fee    uint64 `json:"fee"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID    string         `json:"txid"`
		Vout    uint32         `json:"vout"`
		Prevout *esploraOutput `json:"prevout"`
	} `json:"vin"`
	Vout []esploraOutput `json:"vout"`
}

func (et *esploraTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        et.TxID,
		Fee:         et.Fee,
		Confirmed:   et.Status.Confirmed,
		BlockHash:   et.Status.BlockHash,
		BlockHeight: et.Status.BlockHeight,
		BlockTime:   et.Status.BlockTime,
		Inputs:      make([]TxInput, len(et.Vin)),
		Outputs:     make([]TxOutput, len(et.Vout)),
	}
	for i, vin := range et.Vin {
		in := TxInput{TxID: vin.TxID, Vout: vin.Vout}
		if vin.Prevout != nil {
			prev := vin.Prevout.convert()
			in.PrevOut = &prev
		}
		tx.Inputs[i] = in
	}
	for i, vout := range et.Vout {
		tx.Outputs[i] = vout.convert()
	}
	return tx
}

var _ Backend = (*EsploraBackend)(nil)
