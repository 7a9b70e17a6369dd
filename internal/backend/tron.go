package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TronClient talks to a Tron full node (or TronGrid) over its HTTP API.
// Every request sets visible=true so addresses are exchanged in Base58.
type TronClient struct {
	rest *restClient
}

// NewTronClient creates a Tron HTTP client. opts.APIKey is sent as
// TRON-PRO-API-KEY.
func NewTronClient(baseURL string, opts Options) *TronClient {
	return &TronClient{rest: newRESTClient(baseURL, opts)}
}

// TronBlock is a block as returned by getnowblock / getblockbynum.
type TronBlock struct {
	BlockID     string `json:"blockID"`
	BlockHeader struct {
		RawData struct {
			Number    int64 `json:"number"`
			Timestamp int64 `json:"timestamp"`
		} `json:"raw_data"`
	} `json:"block_header"`
	Transactions []TronTransaction `json:"transactions"`
}

// Number returns the block height.
func (b *TronBlock) Number() int64 { return b.BlockHeader.RawData.Number }

// TronTransaction is a transaction in wire form. RawData is kept verbatim
// so that a signed transaction can be re-submitted byte for byte.
type TronTransaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
	Ret        []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret,omitempty"`
	Visible bool `json:"visible"`
}

// TronContractValue holds the parameters of a transfer or trigger contract.
type TronContractValue struct {
	OwnerAddress    string `json:"owner_address"`
	ToAddress       string `json:"to_address"`
	Amount          int64  `json:"amount"`
	ContractAddress string `json:"contract_address"`
	Data            string `json:"data"`
}

// TronRawData is the decoded raw_data of a transaction.
type TronRawData struct {
	Contract []struct {
		Type      string `json:"type"`
		Parameter struct {
			Value TronContractValue `json:"value"`
		} `json:"parameter"`
	} `json:"contract"`
	Data       string `json:"data"`
	Expiration int64  `json:"expiration"`
	Timestamp  int64  `json:"timestamp"`
	FeeLimit   int64  `json:"fee_limit"`
}

// Raw decodes the raw_data field.
func (t *TronTransaction) Raw() (*TronRawData, error) {
	var raw TronRawData
	if err := json.Unmarshal(t.RawData, &raw); err != nil {
		return nil, fmt.Errorf("invalid raw_data: %w", err)
	}
	return &raw, nil
}

// ContractRet returns the execution result, empty when unknown.
func (t *TronTransaction) ContractRet() string {
	if len(t.Ret) == 0 {
		return ""
	}
	return t.Ret[0].ContractRet
}

// TronLog is an event emitted by a contract. Address and topics are hex
// without 0x, the address without the 0x41 prefix.
type TronLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TronTxInfo is the execution info of a mined transaction.
type TronTxInfo struct {
	ID             string `json:"id"`
	Fee            int64  `json:"fee"`
	BlockNumber    int64  `json:"blockNumber"`
	BlockTimeStamp int64  `json:"blockTimeStamp"`
	ContractAddr   string `json:"contract_address"`
	Result         string `json:"result"` // "FAILED" on failure, empty on success
	Receipt        struct {
		Result    string `json:"result"`
		EnergyFee int64  `json:"energy_fee"`
		NetFee    int64  `json:"net_fee"`
	} `json:"receipt"`
	Log []TronLog `json:"log"`
}

// TronContractCall describes a triggersmartcontract request.
type TronContractCall struct {
	Owner     string
	Contract  string
	Function  string // e.g. "transfer(address,uint256)"
	Parameter []byte // ABI encoded arguments, without selector
	FeeLimit  int64
}

func (c TronContractCall) payload() map[string]interface{} {
	p := map[string]interface{}{
		"owner_address":     c.Owner,
		"contract_address":  c.Contract,
		"function_selector": c.Function,
		"parameter":         hex.EncodeToString(c.Parameter),
		"visible":           true,
	}
	if c.FeeLimit > 0 {
		p["fee_limit"] = c.FeeLimit
	}
	return p
}

// TronAPIError is a failure reported in a Tron response body.
type TronAPIError struct {
	Code    string
	Message string
}

func (e *TronAPIError) Error() string {
	if e.Code == "" {
		return "tron: " + e.Message
	}
	return fmt.Sprintf("tron: %s: %s", e.Code, e.Message)
}

// decodeTronMessage decodes the hex-encoded messages some endpoints return.
func decodeTronMessage(msg string) string {
	if b, err := hex.DecodeString(msg); err == nil && len(b) > 0 {
		return string(b)
	}
	return msg
}

// GetNowBlock returns the latest block.
func (t *TronClient) GetNowBlock(ctx context.Context) (*TronBlock, error) {
	var block TronBlock
	if err := t.rest.postJSON(ctx, "/wallet/getnowblock", map[string]interface{}{"visible": true}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockByNum returns the block at height num.
func (t *TronClient) GetBlockByNum(ctx context.Context, num int64) (*TronBlock, error) {
	var block TronBlock
	if err := t.rest.postJSON(ctx, "/wallet/getblockbynum", map[string]interface{}{"num": num, "visible": true}, &block); err != nil {
		return nil, err
	}
	if block.BlockID == "" {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, num)
	}
	return &block, nil
}

// GetTransactionByID returns ErrTxNotFound for unknown ids.
func (t *TronClient) GetTransactionByID(ctx context.Context, txID string) (*TronTransaction, error) {
	var tx TronTransaction
	if err := t.rest.postJSON(ctx, "/wallet/gettransactionbyid", map[string]interface{}{"value": txID, "visible": true}, &tx); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, ErrTxNotFound
	}
	return &tx, nil
}

// GetTransactionInfoByID returns ErrTxNotFound until the transaction is mined.
func (t *TronClient) GetTransactionInfoByID(ctx context.Context, txID string) (*TronTxInfo, error) {
	var info TronTxInfo
	if err := t.rest.postJSON(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, ErrTxNotFound
	}
	return &info, nil
}

// GetTransactionInfoByBlockNum returns the execution info of every transaction in a block.
func (t *TronClient) GetTransactionInfoByBlockNum(ctx context.Context, num int64) ([]TronTxInfo, error) {
	var infos []TronTxInfo
	if err := t.rest.postJSON(ctx, "/wallet/gettransactioninfobyblocknum", map[string]interface{}{"num": num}, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// GetAccountBalance returns the TRX balance in sun. Unactivated accounts have 0.
func (t *TronClient) GetAccountBalance(ctx context.Context, address string) (int64, error) {
	var account struct {
		Balance int64 `json:"balance"`
	}
	if err := t.rest.postJSON(ctx, "/wallet/getaccount", map[string]interface{}{"address": address, "visible": true}, &account); err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// CreateTransaction builds an unsigned TRX transfer. memo, when set, is
// attached as extra data.
func (t *TronClient) CreateTransaction(ctx context.Context, from, to string, amount int64, memo string) (*TronTransaction, error) {
	payload := map[string]interface{}{
		"owner_address": from,
		"to_address":    to,
		"amount":        amount,
		"visible":       true,
	}
	if memo != "" {
		payload["extra_data"] = hex.EncodeToString([]byte(memo))
	}
	var result struct {
		TronTransaction
		Error string `json:"Error"`
	}
	if err := t.rest.postJSON(ctx, "/wallet/createtransaction", payload, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, &TronAPIError{Message: result.Error}
	}
	if result.TxID == "" {
		return nil, &TronAPIError{Message: "createtransaction returned no txID"}
	}
	return &result.TronTransaction, nil
}

// TriggerSmartContract builds an unsigned contract call.
func (t *TronClient) TriggerSmartContract(ctx context.Context, call TronContractCall) (*TronTransaction, error) {
	var result struct {
		Result struct {
			Result  bool   `json:"result"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"result"`
		Transaction *TronTransaction `json:"transaction"`
	}
	if err := t.rest.postJSON(ctx, "/wallet/triggersmartcontract", call.payload(), &result); err != nil {
		return nil, err
	}
	if !result.Result.Result || result.Transaction == nil {
		return nil, &TronAPIError{Code: result.Result.Code, Message: decodeTronMessage(result.Result.Message)}
	}
	return result.Transaction, nil
}

// TriggerConstantContract executes a read-only call and returns the first
// result word set and the energy the call would use.
func (t *TronClient) TriggerConstantContract(ctx context.Context, call TronContractCall) ([]byte, int64, error) {
	var result struct {
		Result struct {
			Result  bool   `json:"result"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"result"`
		ConstantResult []string `json:"constant_result"`
		EnergyUsed     int64    `json:"energy_used"`
	}
	if err := t.rest.postJSON(ctx, "/wallet/triggerconstantcontract", call.payload(), &result); err != nil {
		return nil, 0, err
	}
	if !result.Result.Result {
		return nil, 0, &TronAPIError{Code: result.Result.Code, Message: decodeTronMessage(result.Result.Message)}
	}
	if len(result.ConstantResult) == 0 {
		return nil, result.EnergyUsed, nil
	}
	out, err := hex.DecodeString(result.ConstantResult[0])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid constant_result: %w", err)
	}
	return out, result.EnergyUsed, nil
}

// BroadcastTransaction submits a signed transaction.
func (t *TronClient) BroadcastTransaction(ctx context.Context, tx *TronTransaction) (string, error) {
	var result struct {
		Result  bool   `json:"result"`
		TxID    string `json:"txid"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := t.rest.postJSON(ctx, "/wallet/broadcasttransaction", tx, &result); err != nil {
		return "", err
	}
	if !result.Result {
		return "", &TronAPIError{Code: result.Code, Message: decodeTronMessage(result.Message)}
	}
	if result.TxID == "" {
		return strings.ToLower(tx.TxID), nil
	}
	return result.TxID, nil
}
