package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Raw JSON-RPC shapes. Blocks and receipts are decoded into these instead of
// go-ethereum's types so that system transactions of BSC and Polygon, which
// types.Block rejects, do not break block listing.

type rpcTx struct {
	Hash        common.Hash     `json:"hash"`
	BlockHash   *common.Hash    `json:"blockHash"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
}

func (t *rpcTx) value() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value.ToInt()
}

type rpcBlock struct {
	Hash         common.Hash    `json:"hash"`
	Number       hexutil.Uint64 `json:"number"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []rpcTx        `json:"transactions"`
}

type rpcLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Removed bool           `json:"removed"`
}

func (l rpcLog) toLog() types.Log {
	return types.Log{Address: l.Address, Topics: l.Topics, Data: l.Data, Removed: l.Removed}
}

type rpcReceipt struct {
	TxHash            common.Hash    `json:"transactionHash"`
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	Status            hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	Logs              []rpcLog       `json:"logs"`
}

func (r *rpcReceipt) failed() bool {
	return r.Status == hexutil.Uint64(types.ReceiptStatusFailed)
}

// fee is gasUsed * effectiveGasPrice, zero when the node omits the price.
func (r *rpcReceipt) fee() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(uint64(r.GasUsed)), r.EffectiveGasPrice.ToInt())
}
