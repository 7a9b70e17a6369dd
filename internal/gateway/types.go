// Package gateway defines the capability interfaces every chain integration
// implements, the chain-neutral transaction model, and the shared policies
// (fee cap, broadcast retry, head caching) the integrations compose.
package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus string

const (
	StatusUnknown    TxStatus = "unknown"
	StatusConfirming TxStatus = "confirming"
	StatusFailed     TxStatus = "failed"
	StatusCompleted  TxStatus = "completed"
)

// Block is the chain-neutral view of a block (or ledger, or slot).
type Block struct {
	Hash      string   `json:"hash"`
	Number    uint64   `json:"number"`
	Timestamp int64    `json:"timestamp"`
	TxIDs     []string `json:"txids"`
}

// Transfer is one value movement of an account-based transaction.
type Transfer struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Tag    string          `json:"tag,omitempty"`
}

// Output is an input or output of a UTXO transaction.
type Output struct {
	Address   string          `json:"address"`
	Value     decimal.Decimal `json:"value"`
	Index     uint32          `json:"index"`
	SpentTxID string          `json:"spent_txid,omitempty"`
}

// Vout is an output of a UTXO transaction together with its spend state.
type Vout = Output

// UTXO is an unspent output owned by an address.
type UTXO struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	ScriptPubKey  string          `json:"script_pubkey"`
	Confirmations uint64          `json:"confirmations"`
}

// Transaction is a confirmed-or-pending transaction in base units. Account
// based chains fill Transfers, UTXO chains fill Inputs and Outputs.
type Transaction struct {
	Currency      chain.Currency  `json:"currency"`
	TxID          string          `json:"txid"`
	BlockHash     string          `json:"block_hash"`
	Height        uint64          `json:"height"`
	Timestamp     int64           `json:"timestamp"`
	Confirmations uint64          `json:"confirmations"`
	IsFailed      bool            `json:"is_failed"`
	Fee           decimal.Decimal `json:"fee"`

	Transfers []Transfer `json:"transfers,omitempty"`

	Inputs  []Output `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty"`
}

// IsUTXO reports whether the transaction uses the inputs/outputs shape.
func (t *Transaction) IsUTXO() bool {
	return t.Currency.IsUTXOBased || len(t.Inputs) > 0 || len(t.Outputs) > 0
}

// NetworkFee returns the fee paid by the transaction.
func (t *Transaction) NetworkFee() decimal.Decimal {
	if !t.IsUTXO() {
		return t.Fee
	}
	fee := decimal.Zero
	for _, in := range t.Inputs {
		fee = fee.Add(in.Value)
	}
	for _, out := range t.Outputs {
		fee = fee.Sub(out.Value)
	}
	return fee
}

// TransferEntry is a signed per-address balance delta caused by a transaction.
type TransferEntry struct {
	Currency chain.Currency
	Address  string
	Amount   decimal.Decimal
	TxID     string
	Tag      string
	Tx       *Transaction
}

// ExtractEntries derives the per-address deltas of the transaction. The
// result has one entry per address (and tag), in first-appearance order.
// It does not modify the transaction.
func (t *Transaction) ExtractEntries() []TransferEntry {
	var raw []TransferEntry
	if t.IsUTXO() {
		for _, in := range t.Inputs {
			raw = append(raw, t.entry(in.Address, in.Value.Neg(), ""))
		}
		for _, out := range t.Outputs {
			raw = append(raw, t.entry(out.Address, out.Value, ""))
		}
	} else {
		for _, tr := range t.Transfers {
			raw = append(raw, t.entry(tr.From, tr.Amount.Neg(), ""))
			raw = append(raw, t.entry(tr.To, tr.Amount, tr.Tag))
		}
	}
	return MergeEntries(raw)
}

func (t *Transaction) entry(address string, amount decimal.Decimal, tag string) TransferEntry {
	return TransferEntry{
		Currency: t.Currency,
		Address:  address,
		Amount:   amount,
		TxID:     t.TxID,
		Tag:      tag,
		Tx:       t,
	}
}

// MergeEntries sums entries that share currency, txid, address and tag.
func MergeEntries(entries []TransferEntry) []TransferEntry {
	type key struct {
		currency, txid, address, tag string
	}
	index := make(map[key]int, len(entries))
	out := make([]TransferEntry, 0, len(entries))
	for _, e := range entries {
		if e.Address == "" {
			continue
		}
		k := key{e.Currency.Symbol, e.TxID, e.Address, e.Tag}
		if i, ok := index[k]; ok {
			out[i].Amount = out[i].Amount.Add(e.Amount)
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

// Confirmations returns head - height + 1, or 0 when the height is unknown
// or ahead of the head.
func Confirmations(head, height uint64) uint64 {
	if height == 0 || height > head {
		return 0
	}
	return head - height + 1
}

// StatusOf classifies a transaction against the required confirmations.
func StatusOf(tx *Transaction, required uint64) TxStatus {
	if tx == nil || tx.Confirmations == 0 {
		return StatusUnknown
	}
	if tx.Confirmations < required {
		return StatusConfirming
	}
	if tx.IsFailed {
		return StatusFailed
	}
	return StatusCompleted
}

// RawTransaction is an unsigned, serialized transaction.
type RawTransaction struct {
	TxID        string `json:"txid"`
	UnsignedRaw string `json:"unsigned_raw"`
}

// SignedTransaction is a signed transaction ready for broadcast.
type SignedTransaction struct {
	TxID        string `json:"txid"`
	SignedRaw   string `json:"signed_raw"`
	UnsignedRaw string `json:"unsigned_raw"`
}

// ConstructOptions tunes transaction construction.
type ConstructOptions struct {
	// Consolidate sweeps the full amount, deducting the fee from it.
	Consolidate bool
	// LowFee prefers the lower fee multiplier.
	LowFee bool
	// DestinationTag is forwarded on chains that support it (XRP).
	DestinationTag string
}
