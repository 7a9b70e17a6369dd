package tron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/contracts/erc20"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
)

const (
	testKey    = "0000000000000000000000000000000000000000000000000000000000000001"
	otherKey   = "0000000000000000000000000000000000000000000000000000000000000002"
	expiration = int64(1_700_000_060_000)
	timestamp  = int64(1_700_000_000_000)
)

var (
	fromHash     = common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf").Bytes()
	toHash       = common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()
	contractHash = common.HexToAddress("0xa614f803b6fd780986a42c78ec9c7f77e6ded13c").Bytes()

	fromAddr     = wallet.TronAddressFromHash(fromHash)
	toAddr       = wallet.TronAddressFromHash(toHash)
	contractAddr = wallet.TronAddressFromHash(contractHash)
)

// rawHex serializes the fields of Transaction.raw the codec cares about.
func rawHex(exp int64) string {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0xab, 0xcd})
	b = protowire.AppendTag(b, rawFieldExpiration, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(exp))
	b = protowire.AppendTag(b, 14, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(timestamp))
	return hex.EncodeToString(b)
}

func makeTx(contractType string, value map[string]interface{}, memo string) *backend.TronTransaction {
	raw := map[string]interface{}{
		"contract": []interface{}{map[string]interface{}{
			"type":      contractType,
			"parameter": map[string]interface{}{"value": value},
		}},
		"expiration": expiration,
		"timestamp":  timestamp,
	}
	if memo != "" {
		raw["data"] = hex.EncodeToString([]byte(memo))
	}
	rawData, _ := json.Marshal(raw)
	h := rawHex(expiration)
	if memo != "" {
		// Distinct payloads need distinct ids.
		h += hex.EncodeToString(protowire.AppendBytes(protowire.AppendTag(nil, 10, protowire.BytesType), []byte(memo)))
	}
	id, _ := txID(h)
	return &backend.TronTransaction{TxID: id, RawData: rawData, RawDataHex: h, Visible: true}
}

type fakeClient struct {
	now       int64
	blocks    map[int64]*backend.TronBlock
	txs       map[string]*backend.TronTransaction
	infos     map[string]*backend.TronTxInfo
	blockInfo map[int64][]backend.TronTxInfo
	balances  map[string]int64
	tokens    map[string]*big.Int
	sendErr   error
	sent      []*backend.TronTransaction
	triggered []backend.TronContractCall
	created   []int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		now:       101,
		blocks:    map[int64]*backend.TronBlock{},
		txs:       map[string]*backend.TronTransaction{},
		infos:     map[string]*backend.TronTxInfo{},
		blockInfo: map[int64][]backend.TronTxInfo{},
		balances:  map[string]int64{},
		tokens:    map[string]*big.Int{},
	}
}

func (f *fakeClient) GetNowBlock(context.Context) (*backend.TronBlock, error) {
	var b backend.TronBlock
	b.BlockHeader.RawData.Number = f.now
	return &b, nil
}

func (f *fakeClient) GetBlockByNum(_ context.Context, num int64) (*backend.TronBlock, error) {
	b, ok := f.blocks[num]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return b, nil
}

func (f *fakeClient) GetTransactionByID(_ context.Context, id string) (*backend.TronTransaction, error) {
	tx, ok := f.txs[id]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeClient) GetTransactionInfoByID(_ context.Context, id string) (*backend.TronTxInfo, error) {
	info, ok := f.infos[id]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return info, nil
}

func (f *fakeClient) GetTransactionInfoByBlockNum(_ context.Context, num int64) ([]backend.TronTxInfo, error) {
	return f.blockInfo[num], nil
}

func (f *fakeClient) GetAccountBalance(_ context.Context, address string) (int64, error) {
	return f.balances[address], nil
}

func (f *fakeClient) CreateTransaction(_ context.Context, from, to string, amount int64, memo string) (*backend.TronTransaction, error) {
	f.created = append(f.created, amount)
	return makeTx(contractTransfer, map[string]interface{}{
		"owner_address": from, "to_address": to, "amount": amount,
	}, memo), nil
}

func (f *fakeClient) TriggerSmartContract(_ context.Context, call backend.TronContractCall) (*backend.TronTransaction, error) {
	f.triggered = append(f.triggered, call)
	return makeTx("TriggerSmartContract", map[string]interface{}{
		"owner_address": call.Owner, "contract_address": call.Contract, "data": hex.EncodeToString(call.Parameter),
	}, ""), nil
}

func (f *fakeClient) TriggerConstantContract(_ context.Context, call backend.TronContractCall) ([]byte, int64, error) {
	bal := f.tokens[call.Owner]
	if bal == nil {
		bal = new(big.Int)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), 0, nil
}

func (f *fakeClient) BroadcastTransaction(_ context.Context, tx *backend.TronTransaction) (string, error) {
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return tx.TxID, nil
}

func newGateway(t *testing.T) (*Gateway, *fakeClient) {
	t.Helper()
	p, ok := chain.Get(chain.PlatformTRX, chain.Mainnet)
	if !ok {
		t.Fatal("trx params not found")
	}
	client := newFakeClient()
	return New(chain.NativeCurrency(p), p, client, Options{RequiredConfirmations: 5}), client
}

func TestConstructAndSign(t *testing.T) {
	g, client := newGateway(t)
	ctx := context.Background()
	client.balances[fromAddr] = 5_000_000

	raw, err := g.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(1_000_000), gateway.ConstructOptions{DestinationTag: "12345"})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	b, _ := hex.DecodeString(rawHex(expiration) + hex.EncodeToString(protowire.AppendBytes(protowire.AppendTag(nil, 10, protowire.BytesType), []byte("12345"))))
	sum := sha256.Sum256(b)
	if raw.TxID != hex.EncodeToString(sum[:]) {
		t.Errorf("TxID = %s, want sha256 of raw data", raw.TxID)
	}

	again, err := g.ReconstructRawTx(raw.UnsignedRaw)
	if err != nil {
		t.Fatalf("ReconstructRawTx() error = %v", err)
	}
	if again.TxID != raw.TxID || again.UnsignedRaw != raw.UnsignedRaw {
		t.Errorf("ReconstructRawTx() does not round-trip")
	}

	signed, err := g.SignRawTransaction(ctx, raw.UnsignedRaw, "0x"+testKey)
	if err != nil {
		t.Fatalf("SignRawTransaction() error = %v", err)
	}
	if signed.TxID != raw.TxID {
		t.Errorf("signed TxID = %s, want %s", signed.TxID, raw.TxID)
	}
	var tx backend.TronTransaction
	if err := json.Unmarshal([]byte(signed.SignedRaw), &tx); err != nil {
		t.Fatal(err)
	}
	if len(tx.Signature) != 1 {
		t.Fatalf("got %d signatures, want 1", len(tx.Signature))
	}
	sig, _ := hex.DecodeString(tx.Signature[0])
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("signature = %x, want 65 bytes with v 27/28", sig)
	}
	sig[64] -= 27
	hash, _ := hex.DecodeString(raw.TxID)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub).Bytes(); !equalBytes(got, fromHash) {
		t.Errorf("recovered %x, want %x", got, fromHash)
	}

	if _, err := g.SignRawTransaction(ctx, raw.UnsignedRaw, otherKey); !errors.Is(err, gateway.ErrWrongKey) {
		t.Errorf("sign with foreign key error = %v, want ErrWrongKey", err)
	}
}

func equalBytes(a, b []byte) bool {
	return hex.EncodeToString(a) == hex.EncodeToString(b)
}

func TestConstructConsolidate(t *testing.T) {
	g, client := newGateway(t)
	ctx := context.Background()
	client.balances[fromAddr] = 1_000_000

	if _, err := g.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.Zero, gateway.ConstructOptions{Consolidate: true}); err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	if len(client.created) != 1 || client.created[0] != 700_000 {
		t.Errorf("created amounts = %v, want [700000]", client.created)
	}

	client.balances[fromAddr] = 200_000
	_, err := g.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.Zero, gateway.ConstructOptions{Consolidate: true})
	if !errors.Is(err, gateway.ErrInsufficientBalance) {
		t.Errorf("consolidate below reserve error = %v, want ErrInsufficientBalance", err)
	}
	_, err = g.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(300_000), gateway.ConstructOptions{})
	if !errors.Is(err, gateway.ErrInsufficientBalance) {
		t.Errorf("over balance error = %v, want ErrInsufficientBalance", err)
	}
	if _, err := g.ConstructRawTransaction(ctx, fromAddr, "0xnope", decimal.NewFromInt(1), gateway.ConstructOptions{}); err == nil {
		t.Error("expected error for invalid destination")
	}
}

func TestDecodeRejectsTamperedID(t *testing.T) {
	tx := makeTx(contractTransfer, map[string]interface{}{"owner_address": fromAddr, "to_address": toAddr, "amount": 1}, "")
	tx.TxID = hex.EncodeToString(make([]byte, 32))
	encoded, _ := encodeTx(tx)
	if _, err := decodeTx(encoded); !errors.Is(err, gateway.ErrMalformedRawTx) {
		t.Errorf("decodeTx(tampered) error = %v, want ErrMalformedRawTx", err)
	}
	if _, err := decodeTx("{"); !errors.Is(err, gateway.ErrMalformedRawTx) {
		t.Errorf("decodeTx(garbage) error = %v, want ErrMalformedRawTx", err)
	}
}

func TestSetExpiration(t *testing.T) {
	tx := makeTx(contractTransfer, map[string]interface{}{"owner_address": fromAddr}, "")
	before := tx.TxID
	later := expiration + 300_000
	if err := setExpiration(tx, later); err != nil {
		t.Fatalf("setExpiration() error = %v", err)
	}
	if tx.RawDataHex != rawHex(later) {
		t.Errorf("RawDataHex = %s, want %s", tx.RawDataHex, rawHex(later))
	}
	if tx.TxID == before {
		t.Error("TxID unchanged after new expiration")
	}
	raw, err := tx.Raw()
	if err != nil {
		t.Fatal(err)
	}
	if raw.Expiration != later || raw.Timestamp != timestamp {
		t.Errorf("raw_data expiration = %d timestamp = %d", raw.Expiration, raw.Timestamp)
	}
	if raw.Contract[0].Parameter.Value.OwnerAddress != fromAddr {
		t.Errorf("contract lost: %+v", raw.Contract)
	}
}

func blockAt(number int64, txs ...backend.TronTransaction) *backend.TronBlock {
	b := &backend.TronBlock{BlockID: fmt.Sprintf("%064x", number), Transactions: txs}
	b.BlockHeader.RawData.Number = number
	b.BlockHeader.RawData.Timestamp = timestamp
	return b
}

func withRet(tx *backend.TronTransaction, ret string) backend.TronTransaction {
	out := *tx
	out.Ret = []struct {
		ContractRet string `json:"contractRet"`
	}{{ContractRet: ret}}
	return out
}

func TestGetBlockTransactions(t *testing.T) {
	g, client := newGateway(t)
	ok := makeTx(contractTransfer, map[string]interface{}{
		"owner_address": "41" + hex.EncodeToString(fromHash), "to_address": toAddr, "amount": 2_000_000,
	}, "memo-7")
	call := makeTx("TriggerSmartContract", map[string]interface{}{"owner_address": fromAddr, "contract_address": contractAddr}, "x")
	bad := makeTx(contractTransfer, map[string]interface{}{
		"owner_address": fromAddr, "to_address": toAddr, "amount": 5,
	}, "y")
	client.blocks[90] = blockAt(90, withRet(ok, retSuccess), withRet(call, retSuccess), withRet(bad, "OUT_OF_ENERGY"))
	client.blockInfo[90] = []backend.TronTxInfo{{ID: ok.TxID, Fee: 1_100_000}, {ID: bad.TxID}}

	txs, err := g.GetBlockTransactions(context.Background(), 90)
	if err != nil {
		t.Fatalf("GetBlockTransactions() error = %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	first := txs[0]
	if first.TxID != ok.TxID || first.IsFailed {
		t.Errorf("first = %s failed=%v", first.TxID, first.IsFailed)
	}
	tr := first.Transfers[0]
	if tr.From != fromAddr || tr.To != toAddr || tr.Amount.IntPart() != 2_000_000 || tr.Tag != "memo-7" {
		t.Errorf("transfer = %+v", tr)
	}
	if first.Fee.IntPart() != 1_100_000 || first.Confirmations != 11 || first.Timestamp != timestamp/1000 {
		t.Errorf("fee = %s confirmations = %d timestamp = %d", first.Fee, first.Confirmations, first.Timestamp)
	}
	if !txs[1].IsFailed {
		t.Error("OUT_OF_ENERGY transfer should be failed")
	}
}

func TestGetOneTransaction(t *testing.T) {
	g, client := newGateway(t)
	ctx := context.Background()
	tx := makeTx(contractTransfer, map[string]interface{}{"owner_address": fromAddr, "to_address": toAddr, "amount": 9}, "")
	pending := withRet(tx, retSuccess)
	client.txs[tx.TxID] = &pending

	got, err := g.GetOneTransaction(ctx, tx.TxID)
	if err != nil {
		t.Fatalf("GetOneTransaction(pending) error = %v", err)
	}
	if got == nil || got.Height != 0 || got.Confirmations != 0 {
		t.Fatalf("GetOneTransaction(pending) = %+v, want unmined transfer", got)
	}

	client.infos[tx.TxID] = &backend.TronTxInfo{ID: tx.TxID, Fee: 100, BlockNumber: 98, BlockTimeStamp: timestamp}
	client.blocks[98] = blockAt(98)
	got, err = g.GetOneTransaction(ctx, tx.TxID)
	if err != nil {
		t.Fatalf("GetOneTransaction() error = %v", err)
	}
	if got.Height != 98 || got.Confirmations != 3 || got.Fee.IntPart() != 100 || got.BlockHash != client.blocks[98].BlockID {
		t.Errorf("GetOneTransaction() = %+v", got)
	}

	if got, err := g.GetOneTransaction(ctx, "ff"); err != nil || got != nil {
		t.Errorf("GetOneTransaction(unknown) = %v, %v, want nil, nil", got, err)
	}
}

func TestGetTransactionStatus(t *testing.T) {
	g, client := newGateway(t)
	client.infos["deep"] = &backend.TronTxInfo{ID: "deep", BlockNumber: 80}
	client.infos["shallow"] = &backend.TronTxInfo{ID: "shallow", BlockNumber: 99}
	client.infos["reverted"] = &backend.TronTxInfo{ID: "reverted", BlockNumber: 80, Result: "FAILED"}
	client.infos["energy"] = &backend.TronTxInfo{ID: "energy", BlockNumber: 80}
	client.infos["energy"].Receipt.Result = "OUT_OF_ENERGY"

	tests := map[string]gateway.TxStatus{
		"deep":     gateway.StatusCompleted,
		"shallow":  gateway.StatusConfirming,
		"reverted": gateway.StatusFailed,
		"energy":   gateway.StatusFailed,
		"missing":  gateway.StatusUnknown,
	}
	for txid, want := range tests {
		got, err := g.GetTransactionStatus(context.Background(), txid)
		if err != nil {
			t.Fatalf("GetTransactionStatus(%s) error = %v", txid, err)
		}
		if got != want {
			t.Errorf("GetTransactionStatus(%s) = %s, want %s", txid, got, want)
		}
	}
}

func TestSendRawTransaction(t *testing.T) {
	g, client := newGateway(t)
	ctx := context.Background()
	client.balances[fromAddr] = 5_000_000
	raw, _ := g.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(1), gateway.ConstructOptions{})

	if _, err := g.SendRawTransaction(ctx, raw.UnsignedRaw); !errors.Is(err, gateway.ErrMalformedRawTx) {
		t.Errorf("send unsigned error = %v, want ErrMalformedRawTx", err)
	}

	signed, err := g.SignRawTransaction(ctx, raw.UnsignedRaw, testKey)
	if err != nil {
		t.Fatal(err)
	}
	client.sendErr = &backend.TronAPIError{Code: "DUP_TRANSACTION_ERROR", Message: "dup transaction"}
	txid, err := g.SendRawTransaction(ctx, signed.SignedRaw)
	if err != nil {
		t.Fatalf("SendRawTransaction() error = %v", err)
	}
	if txid != raw.TxID || len(client.sent) != 1 {
		t.Errorf("txid = %s after %d sends, want %s after 1", txid, len(client.sent), raw.TxID)
	}
}

func newTokenGateway(t *testing.T) (*TokenGateway, *fakeClient) {
	t.Helper()
	g, client := newGateway(t)
	c, err := chain.NewToken(chain.TokenTRC20, contractAddr, "Tether USD", "USDT", 6)
	if err != nil {
		t.Fatal(err)
	}
	tg, err := NewToken(g, c)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	return tg, client
}

func TestTokenConstruct(t *testing.T) {
	tg, client := newTokenGateway(t)
	ctx := context.Background()
	client.tokens[fromAddr] = big.NewInt(10_000_000)

	bal, err := tg.GetAddressBalance(ctx, fromAddr)
	if err != nil || bal.IntPart() != 10_000_000 {
		t.Fatalf("GetAddressBalance() = %s, %v", bal, err)
	}

	_, err = tg.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(1_000_000), gateway.ConstructOptions{})
	var cerr *gateway.ConstructError
	if !errors.As(err, &cerr) || !errors.Is(err, gateway.ErrInsufficientFee) {
		t.Fatalf("no TRX error = %v, want ErrInsufficientFee", err)
	}
	if cerr.Fee.IntPart() != 30_000*140 {
		t.Errorf("Fee = %s, want %d", cerr.Fee, 30_000*140)
	}

	client.balances[fromAddr] = 10_000_000
	raw, err := tg.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(1_000_000), gateway.ConstructOptions{})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	call := client.triggered[0]
	if call.Function != fnTransfer || call.Contract != contractAddr || call.FeeLimit != 100_000_000 {
		t.Errorf("trigger = %+v", call)
	}
	to, value, err := erc20.UnpackTransfer(append(common.FromHex("a9059cbb"), call.Parameter...))
	if err != nil || !equalBytes(to.Bytes(), toHash) || value.Int64() != 1_000_000 {
		t.Errorf("parameter = %x, %s, %v", to, value, err)
	}

	tx, err := decodeTx(raw.UnsignedRaw)
	if err != nil {
		t.Fatal(err)
	}
	rd, _ := tx.Raw()
	if rd.Expiration != expiration+300_000 {
		t.Errorf("Expiration = %d, want %d", rd.Expiration, expiration+300_000)
	}

	if _, err := tg.ConstructRawTransaction(ctx, fromAddr, toAddr, decimal.NewFromInt(20_000_000), gateway.ConstructOptions{}); !errors.Is(err, gateway.ErrInsufficientBalance) {
		t.Errorf("over balance error = %v, want ErrInsufficientBalance", err)
	}
}

func transferLog(contract []byte, from, to []byte, value int64) backend.TronLog {
	return backend.TronLog{
		Address: hex.EncodeToString(contract),
		Topics: []string{
			hex.EncodeToString(erc20.TransferTopic.Bytes()),
			hex.EncodeToString(common.LeftPadBytes(from, 32)),
			hex.EncodeToString(common.LeftPadBytes(to, 32)),
		},
		Data: hex.EncodeToString(common.LeftPadBytes(big.NewInt(value).Bytes(), 32)),
	}
}

func TestTokenTransactions(t *testing.T) {
	tg, client := newTokenGateway(t)
	ctx := context.Background()
	client.blocks[90] = blockAt(90)
	other := common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes()
	client.blockInfo[90] = []backend.TronTxInfo{
		{ID: "aa", BlockNumber: 90, BlockTimeStamp: timestamp, Fee: 345, Log: []backend.TronLog{transferLog(contractHash, fromHash, toHash, 77)}},
		{ID: "bb", BlockNumber: 90, Log: []backend.TronLog{transferLog(other, fromHash, toHash, 1)}},
		{ID: "cc", BlockNumber: 90},
	}

	txs, err := tg.GetBlockTransactions(ctx, 90)
	if err != nil {
		t.Fatalf("GetBlockTransactions() error = %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.TxID != "aa" || tx.Currency.Symbol != tg.Currency().Symbol || tx.Fee.IntPart() != 345 {
		t.Errorf("tx = %+v", tx)
	}
	if tr := tx.Transfers[0]; tr.From != fromAddr || tr.To != toAddr || tr.Amount.IntPart() != 77 {
		t.Errorf("transfer = %+v", tr)
	}
	if tx.BlockHash != client.blocks[90].BlockID {
		t.Errorf("BlockHash = %s", tx.BlockHash)
	}

	info := client.blockInfo[90][0]
	client.infos["aa"] = &info
	client.infos["bb"] = &client.blockInfo[90][1]
	got, err := tg.GetOneTransaction(ctx, "aa")
	if err != nil || got == nil || got.Transfers[0].Amount.IntPart() != 77 {
		t.Errorf("GetOneTransaction(aa) = %+v, %v", got, err)
	}
	if got, err := tg.GetOneTransaction(ctx, "bb"); err != nil || got != nil {
		t.Errorf("GetOneTransaction(other contract) = %+v, %v, want nil, nil", got, err)
	}
}
