package utxo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
)

type fakeNode struct {
	tip     int64
	feeRate float64
	sendErr error
	sent    []string
}

func (n *fakeNode) GetBlockCount(context.Context) (int64, error) { return n.tip, nil }

func (n *fakeNode) GetBlockHash(_ context.Context, height int64) (string, error) {
	return "hash-" + decimal.NewFromInt(height).String(), nil
}

func (n *fakeNode) GetBlock(_ context.Context, hash string) (*backend.BlockSummary, error) {
	return &backend.BlockSummary{Hash: hash, Height: 100, Time: 1700000000, TxIDs: []string{"t1", "missing", "t2"}}, nil
}

func (n *fakeNode) SendRawTransaction(_ context.Context, raw string) (string, error) {
	n.sent = append(n.sent, raw)
	if n.sendErr != nil {
		return "", n.sendErr
	}
	return "", nil
}

func (n *fakeNode) EstimateSmartFee(context.Context, int) (float64, error) {
	if n.feeRate == 0 {
		return 0, backend.ErrNoFeeEstimate
	}
	return n.feeRate, nil
}

type fakeIndexer struct {
	utxos    map[string][]backend.UTXO
	txs      map[string]*backend.Transaction
	outspend map[string][]backend.Outspend
}

func (f *fakeIndexer) Type() backend.Type { return backend.TypeEsplora }

func (f *fakeIndexer) GetAddressInfo(_ context.Context, address string) (*backend.AddressInfo, error) {
	var total uint64
	for _, u := range f.utxos[address] {
		total += u.Amount
	}
	if total == 0 {
		return nil, backend.ErrNotFound
	}
	return &backend.AddressInfo{Address: address, Balance: total}, nil
}

func (f *fakeIndexer) GetAddressUTXOs(_ context.Context, address string) ([]backend.UTXO, error) {
	return f.utxos[address], nil
}

func (f *fakeIndexer) GetTransaction(_ context.Context, txid string) (*backend.Transaction, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeIndexer) GetTxOutspends(_ context.Context, txid string) ([]backend.Outspend, error) {
	return f.outspend[txid], nil
}

func (f *fakeIndexer) BroadcastTransaction(context.Context, string) (string, error) {
	return "", errors.New("indexer broadcast not expected")
}

func (f *fakeIndexer) GetBlockHeight(context.Context) (int64, error) { return 90, nil }

func privKey(n byte) *btcec.PrivateKey {
	b := make([]byte, 32)
	b[31] = n
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

type fixture struct {
	gw      *Gateway
	node    *fakeNode
	indexer *fakeIndexer
	from    string
	to      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, ok := chain.Get(chain.PlatformBTC, chain.Mainnet)
	if !ok {
		t.Fatal("btc params not found")
	}
	from, err := wallet.BitcoinAddress(privKey(1).PubKey(), p, chain.AddressP2WPKH)
	if err != nil {
		t.Fatal(err)
	}
	to, err := wallet.BitcoinAddress(privKey(2).PubKey(), p, chain.AddressP2WPKH)
	if err != nil {
		t.Fatal(err)
	}

	node := &fakeNode{tip: 121, feeRate: 9.2}
	indexer := &fakeIndexer{
		utxos: map[string][]backend.UTXO{
			from: {
				{TxID: strings.Repeat("bb", 32), Vout: 1, Amount: 50_000, Confirmed: true, BlockHeight: 110},
				{TxID: strings.Repeat("aa", 32), Vout: 0, Amount: 100_000, Confirmed: true, BlockHeight: 100},
			},
		},
		txs: map[string]*backend.Transaction{
			"t1": {
				TxID: "t1", Confirmed: true, BlockHeight: 100, Fee: 300,
				Inputs:  []backend.TxInput{{TxID: "p0", PrevOut: &backend.TxOutput{ScriptPubKeyAddr: to, Value: 10_300}}},
				Outputs: []backend.TxOutput{{ScriptPubKeyAddr: from, Value: 7_000}, {ScriptPubKeyAddr: to, Value: 3_000}},
			},
			"t2": {TxID: "t2", Confirmed: true, BlockHeight: 100, Inputs: []backend.TxInput{{}}},
		},
		outspend: map[string][]backend.Outspend{
			"t1": {{Spent: true, TxID: "t9"}, {Spent: false}},
		},
	}
	c := chain.NativeCurrency(p)
	gw, err := New(c, p, node, indexer, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{gw: gw, node: node, indexer: indexer, from: from, to: to}
}

// verifySigned runs every input of a signed transaction through the script
// engine against the prevouts of its envelope.
func verifySigned(t *testing.T, unsignedRaw, signedRaw string) {
	t.Helper()
	env, unsigned, err := parseEnvelope(unsignedRaw)
	if err != nil {
		t.Fatalf("parseEnvelope() error = %v", err)
	}
	tx, err := decodeTx(signedRaw)
	if err != nil {
		t.Fatalf("decodeTx() error = %v", err)
	}
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	pkScripts := make([][]byte, len(env.Inputs))
	for i, in := range env.Inputs {
		script, err := txscript.PayToAddrScript(mustDecode(t, in.Address))
		if err != nil {
			t.Fatal(err)
		}
		pkScripts[i] = script
		prevOuts[unsigned.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Amount, script)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(pkScripts[i], tx, i, txscript.StandardVerifyFlags, nil, hashes, env.Inputs[i].Amount, fetcher)
		if err != nil {
			t.Fatalf("NewEngine(input %d) error = %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Errorf("input %d does not verify: %v", i, err)
		}
	}
}

func mustDecode(t *testing.T, address string) btcutil.Address {
	t.Helper()
	p, _ := chain.Get(chain.PlatformBTC, chain.Mainnet)
	addr, err := wallet.DecodeBitcoinAddress(address, p)
	if err != nil {
		t.Fatalf("DecodeBitcoinAddress(%s) error = %v", address, err)
	}
	return addr
}

func TestGetBlockCountIsSafeHead(t *testing.T) {
	f := newFixture(t)
	got, err := f.gw.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount() error = %v", err)
	}
	if got != 120 {
		t.Errorf("GetBlockCount() = %d, want 120", got)
	}
}

func TestGetOneAddressUTXOsOrdering(t *testing.T) {
	f := newFixture(t)
	utxos, err := f.gw.GetOneAddressUTXOs(context.Background(), f.from)
	if err != nil {
		t.Fatalf("GetOneAddressUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Amount.IntPart() != 100_000 {
		t.Errorf("first utxo = %s, want the most confirmed one", utxos[0].Amount)
	}
	if utxos[0].Confirmations <= utxos[1].Confirmations {
		t.Errorf("confirmations not descending: %d, %d", utxos[0].Confirmations, utxos[1].Confirmations)
	}
	if utxos[0].ScriptPubKey == "" {
		t.Error("ScriptPubKey should be derived from the address")
	}
}

func TestConstructRawTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, err := f.gw.ConstructRawTransaction(ctx, f.from, f.to, decimal.NewFromInt(120_000), gateway.ConstructOptions{})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	_, tx, err := parseEnvelope(raw.UnsignedRaw)
	if err != nil {
		t.Fatalf("parseEnvelope() error = %v", err)
	}
	if len(tx.TxIn) != 2 {
		t.Fatalf("inputs = %d, want 2", len(tx.TxIn))
	}
	// Rate 10 (estimate 9.2 rounded up), two outputs: (2*181 + 2*34 + 10) * 10.
	const fee = 4400
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want destination and change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 120_000 {
		t.Errorf("destination value = %d, want 120000", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != 150_000-120_000-fee {
		t.Errorf("change value = %d, want %d", tx.TxOut[1].Value, 150_000-120_000-fee)
	}
	if raw.TxID != tx.TxHash().String() {
		t.Errorf("TxID = %s, want %s", raw.TxID, tx.TxHash())
	}

	again, err := f.gw.ReconstructRawTx(raw.UnsignedRaw)
	if err != nil {
		t.Fatalf("ReconstructRawTx() error = %v", err)
	}
	if again.TxID != raw.TxID || again.UnsignedRaw != raw.UnsignedRaw {
		t.Error("reconstruction does not match the constructed transaction")
	}
}

func TestConstructExactAmount(t *testing.T) {
	f := newFixture(t)
	// Both outputs minus the one-output fee (2*181 + 34 + 10) * 10.
	const amount = 150_000 - 4060

	raw, err := f.gw.ConstructRawTransaction(context.Background(), f.from, f.to, decimal.NewFromInt(amount), gateway.ConstructOptions{})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	_, tx, _ := parseEnvelope(raw.UnsignedRaw)
	if len(tx.TxIn) != 2 || len(tx.TxOut) != 1 {
		t.Fatalf("inputs, outputs = %d, %d, want 2, 1", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value != amount {
		t.Errorf("destination value = %d, want %d", tx.TxOut[0].Value, amount)
	}
}

func TestConstructDustChangeGoesToFee(t *testing.T) {
	f := newFixture(t)
	// 200 satoshi over the one-output cost: too little for a change output.
	const amount = 150_000 - 4060 - 200

	raw, err := f.gw.ConstructRawTransaction(context.Background(), f.from, f.to, decimal.NewFromInt(amount), gateway.ConstructOptions{})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}
	_, tx, _ := parseEnvelope(raw.UnsignedRaw)
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want 1", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != amount {
		t.Errorf("destination value = %d, want %d", tx.TxOut[0].Value, amount)
	}
}

func TestConstructInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.ConstructRawTransaction(context.Background(), f.from, f.to, decimal.NewFromInt(148_000), gateway.ConstructOptions{})
	if !errors.Is(err, gateway.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	var cerr *gateway.ConstructError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T, want *ConstructError", err)
	}
	if cerr.Balance.IntPart() != 150_000 {
		t.Errorf("Balance = %s, want 150000", cerr.Balance)
	}
}

func TestConstructConsolidate(t *testing.T) {
	f := newFixture(t)
	f.node.feeRate = 0 // fallback rate 15

	raw, err := f.gw.ConstructRawTransaction(context.Background(), f.from, f.to, decimal.Zero, gateway.ConstructOptions{Consolidate: true})
	if err != nil {
		t.Fatalf("ConstructRawTransaction(consolidate) error = %v", err)
	}
	_, tx, _ := parseEnvelope(raw.UnsignedRaw)
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want 1", len(tx.TxOut))
	}
	want := int64(150_000 - (2*181+34+10)*15)
	if tx.TxOut[0].Value != want {
		t.Errorf("swept value = %d, want %d", tx.TxOut[0].Value, want)
	}

	dust := []gateway.UTXO{{TxID: strings.Repeat("cc", 32), Address: f.from, Amount: decimal.NewFromInt(3_000)}}
	if _, err := f.gw.ConstructConsolidateTransaction(context.Background(), dust, f.to); !errors.Is(err, gateway.ErrInsufficientBalance) {
		t.Errorf("dust consolidation error = %v, want ErrInsufficientBalance", err)
	}
}

func TestSignRawTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := f.gw.ConstructRawTransaction(ctx, f.from, f.to, decimal.NewFromInt(60_000), gateway.ConstructOptions{})
	if err != nil {
		t.Fatalf("ConstructRawTransaction() error = %v", err)
	}

	if _, err := f.gw.SignRawTransaction(ctx, raw.UnsignedRaw, wallet.EncodeSecret(privKey(2))); !errors.Is(err, gateway.ErrWrongKey) {
		t.Errorf("sign with foreign key error = %v, want ErrWrongKey", err)
	}

	signed, err := f.gw.SignRawTransaction(ctx, raw.UnsignedRaw, wallet.EncodeSecret(privKey(1)))
	if err != nil {
		t.Fatalf("SignRawTransaction() error = %v", err)
	}
	// Segwit signatures do not change the txid.
	if signed.TxID != raw.TxID {
		t.Errorf("signed TxID = %s, want %s", signed.TxID, raw.TxID)
	}
	verifySigned(t, raw.UnsignedRaw, signed.SignedRaw)
}

func TestSendRawTransactionAlreadyInMempool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, _ := f.gw.ConstructRawTransaction(ctx, f.from, f.to, decimal.NewFromInt(60_000), gateway.ConstructOptions{})
	signed, err := f.gw.SignRawTransaction(ctx, raw.UnsignedRaw, wallet.EncodeSecret(privKey(1)))
	if err != nil {
		t.Fatalf("SignRawTransaction() error = %v", err)
	}

	f.node.sendErr = &backend.RPCError{Code: -27, Message: "txn-already-in-mempool"}
	txid, err := f.gw.SendRawTransaction(ctx, signed.SignedRaw)
	if err != nil {
		t.Fatalf("SendRawTransaction() error = %v", err)
	}
	if txid != signed.TxID {
		t.Errorf("txid = %s, want %s", txid, signed.TxID)
	}
	if len(f.node.sent) != 1 {
		t.Errorf("sent %d times, want 1", len(f.node.sent))
	}

	if _, err := f.gw.SendRawTransaction(ctx, "zz"); !errors.Is(err, gateway.ErrMalformedRawTx) {
		t.Errorf("malformed payload error = %v, want ErrMalformedRawTx", err)
	}
}

func TestGetBlockTransactionsSkipsMissing(t *testing.T) {
	f := newFixture(t)
	txs, err := f.gw.GetBlockTransactions(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetBlockTransactions() error = %v", err)
	}
	if len(txs) != 2 || txs[0].TxID != "t1" || txs[1].TxID != "t2" {
		t.Fatalf("txs = %v, want t1, t2 in block order", txs)
	}
	if len(txs[1].Inputs) != 0 {
		t.Errorf("coinbase input should be skipped, got %d", len(txs[1].Inputs))
	}
	if txs[0].Confirmations != gateway.Confirmations(120, 100) {
		t.Errorf("Confirmations = %d", txs[0].Confirmations)
	}
}

func TestGetOneTransactionMissing(t *testing.T) {
	f := newFixture(t)
	tx, err := f.gw.GetOneTransaction(context.Background(), "nope")
	if err != nil || tx != nil {
		t.Errorf("GetOneTransaction(nope) = %v, %v, want nil, nil", tx, err)
	}
}

func TestGetOneTxVouts(t *testing.T) {
	f := newFixture(t)
	vouts, err := f.gw.GetOneTxVouts(context.Background(), "t1", f.from)
	if err != nil {
		t.Fatalf("GetOneTxVouts() error = %v", err)
	}
	if len(vouts) != 1 {
		t.Fatalf("vouts = %d, want 1", len(vouts))
	}
	if vouts[0].SpentTxID != "t9" || vouts[0].Value.IntPart() != 7_000 {
		t.Errorf("vout = %+v", vouts[0])
	}
}

func TestNodeOptional(t *testing.T) {
	f := newFixture(t)
	gw, err := New(f.gw.currency, f.gw.params, nil, f.indexer, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	head, err := gw.GetBlockCount(context.Background())
	if err != nil || head != 89 {
		t.Errorf("GetBlockCount() = %d, %v, want 89 from the indexer", head, err)
	}
	if _, err := gw.GetOneBlock(context.Background(), 1); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("GetOneBlock() error = %v, want ErrUnsupported", err)
	}
	bal, err := gw.GetAddressBalance(context.Background(), f.to)
	if err != nil || !bal.IsZero() {
		t.Errorf("GetAddressBalance(empty) = %s, %v, want 0", bal, err)
	}
}
