package collector

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/storage"
)

type construction struct {
	from, to string
	amount   decimal.Decimal
	opts     gateway.ConstructOptions
}

// fakeChain is a scripted gateway. It implements the UTXO operations too;
// the engine only reaches them for UTXO currencies.
type fakeChain struct {
	gateway.Gateway
	currency chain.Currency

	balances   map[string]decimal.Decimal
	seedingFee decimal.Decimal
	vouts      map[string][]gateway.Vout
	utxos      map[string][]gateway.UTXO
	status     map[string]gateway.TxStatus
	queued     map[string]bool

	constructErr error
	sendErr      error

	constructed  []construction
	consolidated [][]gateway.UTXO
	signedWith   [][]string
	sent         []string
}

func (f *fakeChain) Currency() chain.Currency { return f.currency }

func (f *fakeChain) GetAddressBalance(_ context.Context, address string) (decimal.Decimal, error) {
	return f.balances[address], nil
}

func (f *fakeChain) GetAverageSeedingFee(context.Context) (decimal.Decimal, error) {
	return f.seedingFee, nil
}

func (f *fakeChain) ConstructRawTransaction(_ context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	f.constructed = append(f.constructed, construction{from, to, amount, opts})
	if f.constructErr != nil {
		return nil, f.constructErr
	}
	return &gateway.RawTransaction{TxID: f.currency.Symbol + "-tx", UnsignedRaw: "unsigned"}, nil
}

func (f *fakeChain) ConstructConsolidateTransaction(_ context.Context, utxos []gateway.UTXO, to string) (*gateway.RawTransaction, error) {
	f.consolidated = append(f.consolidated, utxos)
	return &gateway.RawTransaction{TxID: "sweep", UnsignedRaw: "unsigned-sweep"}, nil
}

func (f *fakeChain) SignRawTransaction(_ context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	f.signedWith = append(f.signedWith, secrets)
	txid := f.currency.Symbol + "-tx"
	if unsignedRaw == "unsigned-sweep" {
		txid = "sweep"
	}
	return &gateway.SignedTransaction{TxID: txid, SignedRaw: "signed:" + txid, UnsignedRaw: unsignedRaw}, nil
}

func (f *fakeChain) SendRawTransaction(_ context.Context, signedRaw string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, signedRaw)
	return strings.TrimPrefix(signedRaw, "signed:"), nil
}

func (f *fakeChain) GetTransactionStatus(_ context.Context, txid string) (gateway.TxStatus, error) {
	if s, ok := f.status[txid]; ok {
		return s, nil
	}
	return gateway.StatusConfirming, nil
}

func (f *fakeChain) HasPendingTransactions(_ context.Context, address string) (bool, error) {
	return f.queued[address], nil
}

func (f *fakeChain) GetOneTxVouts(_ context.Context, txid, address string) ([]gateway.Vout, error) {
	var out []gateway.Vout
	for _, v := range f.vouts[txid] {
		if v.Address == address {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeChain) GetOneAddressUTXOs(_ context.Context, address string) ([]gateway.UTXO, error) {
	return f.utxos[address], nil
}

type fakeOpener struct{}

func (fakeOpener) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", errors.New("empty secret")
	}
	return "key:" + sealed, nil
}

type env struct {
	store *storage.Storage
	reg   *gateway.Registry
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletd-collector-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := &env{
		store: store,
		reg:   gateway.NewRegistry(chain.NewRegistry(chain.Mainnet)),
		now:   time.Unix(1_700_000_000, 0),
	}
	store.SetClock(func() time.Time { return e.now })
	return e
}

func (e *env) serve(platform chain.Platform, tokenType chain.TokenType, g gateway.Gateway) {
	e.reg.Register(platform, tokenType, func(context.Context, chain.Currency, chain.CurrencyConfig, *gateway.Registry) (gateway.Gateway, error) {
		return g, nil
	})
}

func (e *env) do(t *testing.T, fn func(tx *storage.Tx) error) {
	t.Helper()
	if err := e.store.InTx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func (e *env) addDeposit(t *testing.T, platform chain.Platform, currency, address, txid string, amount int64) *storage.Deposit {
	t.Helper()
	d := &storage.Deposit{WalletID: 1, Currency: currency, ToAddress: address, TxID: txid, Amount: decimal.NewFromInt(amount)}
	e.do(t, func(tx *storage.Tx) error {
		if err := tx.SaveAddress(&storage.Address{Address: address, Platform: platform, WalletID: 1, Secret: "sealed-" + address}); err != nil {
			return err
		}
		_, err := tx.InsertDeposit(d)
		return err
	})
	return d
}

func (e *env) hotWallet(t *testing.T, platform chain.Platform, address, secret string) {
	t.Helper()
	e.do(t, func(tx *storage.Tx) error {
		return tx.SaveHotWallet(&storage.HotWallet{WalletID: 1, Platform: platform, Address: address, Secret: secret})
	})
}

func (e *env) deposit(t *testing.T, id int64) *storage.Deposit {
	t.Helper()
	var d *storage.Deposit
	e.do(t, func(tx *storage.Tx) error {
		var err error
		d, err = tx.GetDeposit(id)
		return err
	})
	return d
}

func (e *env) transfer(t *testing.T, txid string) *storage.InternalTransfer {
	t.Helper()
	var it *storage.InternalTransfer
	e.do(t, func(tx *storage.Tx) error {
		var err error
		it, err = tx.GetInternalTransfer(txid)
		return err
	})
	return it
}

func nativeOf(platform chain.Platform) chain.Currency {
	p, _ := chain.Get(platform, chain.Mainnet)
	return chain.NativeCurrency(p)
}

func newBTCChain() *fakeChain {
	btc := nativeOf(chain.PlatformBTC)
	return &fakeChain{
		currency: btc,
		vouts: map[string][]gateway.Vout{
			"dep-a": {{Address: "bc1qa", Value: decimal.NewFromInt(1_000_000), Index: 0}},
			"dep-b": {{Address: "bc1qb", Value: decimal.NewFromInt(2_000_000), Index: 1}},
		},
		utxos: map[string][]gateway.UTXO{
			"bc1qa": {{TxID: "dep-a", Vout: 0, Address: "bc1qa", Amount: decimal.NewFromInt(1_000_000)}},
			"bc1qb": {{TxID: "dep-b", Vout: 1, Address: "bc1qb", Amount: decimal.NewFromInt(2_000_000)}},
		},
	}
}

func TestCollectUTXOConsolidates(t *testing.T) {
	e := newEnv(t)
	g := newBTCChain()
	e.serve(chain.PlatformBTC, chain.TokenNative, g)
	e.hotWallet(t, chain.PlatformBTC, "bc1qhot", "")
	a := e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qa", "dep-a", 1_000_000)
	b := e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qb", "dep-b", 2_000_000)

	engine := NewEngine(chain.PlatformBTC, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}

	if len(g.consolidated) != 1 || len(g.consolidated[0]) != 2 {
		t.Fatalf("consolidated = %v, want one transaction spending 2 outputs", g.consolidated)
	}
	if len(g.signedWith) != 1 || len(g.signedWith[0]) != 2 {
		t.Errorf("signed with %v, want both deposit keys", g.signedWith)
	}
	for _, d := range []*storage.Deposit{a, b} {
		got := e.deposit(t, d.ID)
		if got.CollectStatus != storage.CollectCollecting || got.CollectedTxID != "sweep" {
			t.Errorf("deposit %s = %s/%q, want collecting/sweep", d.TxID, got.CollectStatus, got.CollectedTxID)
		}
	}
	it := e.transfer(t, "sweep")
	if it.Type != storage.TransferCollect || it.Status != storage.TransferSent || !it.Amount.Equal(decimal.NewFromInt(3_000_000)) {
		t.Errorf("transfer = %+v, want sent collection of 3000000", it)
	}
	if it.ToAddress != "bc1qhot" {
		t.Errorf("transfer to = %s, want bc1qhot", it.ToAddress)
	}
}

func TestCollectUTXORejectsSpentOutput(t *testing.T) {
	e := newEnv(t)
	g := newBTCChain()
	g.vouts["dep-b"][0].SpentTxID = "thief"
	e.serve(chain.PlatformBTC, chain.TokenNative, g)
	e.hotWallet(t, chain.PlatformBTC, "bc1qhot", "")
	e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qa", "dep-a", 1_000_000)
	b := e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qb", "dep-b", 2_000_000)

	engine := NewEngine(chain.PlatformBTC, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); !errors.Is(err, ErrOutputSpent) {
		t.Fatalf("DoProcess() error = %v, want ErrOutputSpent", err)
	}
	if len(g.consolidated) != 0 {
		t.Error("constructed a transaction over a spent output")
	}
	if got := e.deposit(t, b.ID); got.CollectStatus != storage.CollectUncollected {
		t.Errorf("deposit status = %s, want uncollected", got.CollectStatus)
	}
}

func TestCollectUTXOAmountMismatch(t *testing.T) {
	e := newEnv(t)
	g := newBTCChain()
	g.utxos["bc1qb"] = nil
	e.serve(chain.PlatformBTC, chain.TokenNative, g)
	e.hotWallet(t, chain.PlatformBTC, "bc1qhot", "")
	e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qa", "dep-a", 1_000_000)
	e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qb", "dep-b", 2_000_000)

	engine := NewEngine(chain.PlatformBTC, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("DoProcess() error = %v, want ErrAmountMismatch", err)
	}
}

func TestCollectWithoutHotWallet(t *testing.T) {
	e := newEnv(t)
	g := newBTCChain()
	e.serve(chain.PlatformBTC, chain.TokenNative, g)
	d := e.addDeposit(t, chain.PlatformBTC, "btc", "bc1qa", "dep-a", 1_000_000)

	engine := NewEngine(chain.PlatformBTC, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); !errors.Is(err, ErrHotWalletMissing) {
		t.Fatalf("DoProcess() error = %v, want ErrHotWalletMissing", err)
	}
	if got := e.deposit(t, d.ID); got.UpdatedAt != d.UpdatedAt || got.CollectStatus != storage.CollectUncollected {
		t.Errorf("deposit changed to %+v", got)
	}
}

func TestCollectBroadcastFailureMarksDeposits(t *testing.T) {
	e := newEnv(t)
	g := &fakeChain{
		currency: nativeOf(chain.PlatformETH),
		sendErr:  gateway.ErrBroadcastFailed,
	}
	e.serve(chain.PlatformETH, chain.TokenNative, g)
	e.hotWallet(t, chain.PlatformETH, "0xhot", "")
	d := e.addDeposit(t, chain.PlatformETH, "eth", "0xdep", "0x01", 5_000)

	engine := NewEngine(chain.PlatformETH, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); !errors.Is(err, gateway.ErrBroadcastFailed) {
		t.Fatalf("DoProcess() error = %v, want ErrBroadcastFailed", err)
	}
	got := e.deposit(t, d.ID)
	if got.CollectStatus != storage.CollectUncollected || got.CollectedTxID != config.SubmitFailedSentinel {
		t.Errorf("deposit = %s/%q, want uncollected with failure marker", got.CollectStatus, got.CollectedTxID)
	}

	// The marked deposit is not picked up again.
	g.sendErr = nil
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("second DoProcess() error = %v", err)
	}
	if len(g.constructed) != 1 {
		t.Errorf("constructions = %d, want 1", len(g.constructed))
	}
}

func TestCollectAccountNative(t *testing.T) {
	e := newEnv(t)
	g := &fakeChain{currency: nativeOf(chain.PlatformETH)}
	e.serve(chain.PlatformETH, chain.TokenNative, g)
	e.hotWallet(t, chain.PlatformETH, "0xhot", "")
	e.addDeposit(t, chain.PlatformETH, "eth", "0xdep", "0x01", 5_000)
	e.addDeposit(t, chain.PlatformETH, "eth", "0xdep", "0x02", 7_000)
	e.addDeposit(t, chain.PlatformETH, "eth", "0xother", "0x03", 1_000)

	engine := NewEngine(chain.PlatformETH, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}
	if len(g.constructed) != 1 {
		t.Fatalf("constructions = %d, want 1", len(g.constructed))
	}
	c := g.constructed[0]
	if c.from != "0xdep" || c.to != "0xhot" || !c.amount.Equal(decimal.NewFromInt(12_000)) {
		t.Errorf("construction = %+v, want 12000 from 0xdep to 0xhot", c)
	}
	if !c.opts.Consolidate || !c.opts.LowFee {
		t.Errorf("options = %+v, want consolidate and low fee", c.opts)
	}
	if len(g.signedWith) != 1 || len(g.signedWith[0]) != 1 || g.signedWith[0][0] != "key:sealed-0xdep" {
		t.Errorf("signed with %v, want the 0xdep key only", g.signedWith)
	}
}

func newTokenEnv(t *testing.T, tokenBalance int64) (*env, *fakeChain, *fakeChain, chain.Currency) {
	t.Helper()
	e := newEnv(t)
	usdt, err := chain.NewToken(chain.TokenERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7", "Tether", "USDT", 6)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.reg.Currencies().RegisterToken(usdt); err != nil {
		t.Fatal(err)
	}
	native := &fakeChain{
		currency: nativeOf(chain.PlatformETH),
		balances: map[string]decimal.Decimal{},
	}
	token := &fakeChain{
		currency:   usdt,
		seedingFee: decimal.NewFromInt(300),
		balances:   map[string]decimal.Decimal{"0xdep": decimal.NewFromInt(tokenBalance)},
	}
	e.serve(chain.PlatformETH, chain.TokenNative, native)
	e.serve(chain.PlatformETH, chain.TokenERC20, token)
	e.hotWallet(t, chain.PlatformETH, "0xhot", "sealed-hot")
	return e, native, token, usdt
}

func TestCollectTokenDefaultThreshold(t *testing.T) {
	// 10 000 USDT against a seeding fee of 0.00256 ETH: the threshold is
	// 3 seeding fees of native coin on the deposit address.
	const seedingFee = 2_560_000_000_000_000

	tests := []struct {
		name       string
		native     int64
		wantSent   bool
		wantStatus storage.CollectStatus
	}{
		{"native covers threshold", 8_000_000_000_000_000, true, storage.CollectCollecting},
		{"native below threshold", 1_000_000_000_000_000, false, storage.CollectSeedRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, native, token, usdt := newTokenEnv(t, 10_000_000_000)
			token.seedingFee = decimal.NewFromInt(seedingFee)
			native.balances["0xdep"] = decimal.NewFromInt(tt.native)
			d := e.addDeposit(t, chain.PlatformETH, usdt.Symbol, "0xdep", "0x01", 10_000_000_000)

			engine := NewEngine(chain.PlatformETH, e.reg, e.store, fakeOpener{})
			if err := engine.DoProcess(context.Background()); err != nil {
				t.Fatalf("DoProcess() error = %v", err)
			}
			if sent := len(token.sent) == 1; sent != tt.wantSent {
				t.Errorf("sent = %v, want %v", sent, tt.wantSent)
			}
			got := e.deposit(t, d.ID)
			if got.CollectStatus != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.CollectStatus, tt.wantStatus)
			}
			if !tt.wantSent && len(token.constructed) != 0 {
				t.Errorf("constructed %d transactions without gas", len(token.constructed))
			}
		})
	}
}

func TestCollectTokenConfiguredMinimum(t *testing.T) {
	e, _, token, usdt := newTokenEnv(t, 4_000_000_000)
	d := e.addDeposit(t, chain.PlatformETH, usdt.Symbol, "0xdep", "0x01", 4_000_000_000)
	e.do(t, func(tx *storage.Tx) error {
		return tx.SetMinimumCollectAmount(1, usdt.Symbol, decimal.NewFromInt(5_000_000_000))
	})

	engine := NewEngine(chain.PlatformETH, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}
	if len(token.constructed) != 0 {
		t.Errorf("constructed %d transactions below the minimum", len(token.constructed))
	}
	got := e.deposit(t, d.ID)
	if got.CollectStatus != storage.CollectUncollected {
		t.Errorf("status = %s, want uncollected", got.CollectStatus)
	}
	if want := e.now.Add(config.CollectDeferral).Unix(); got.UpdatedAt != want {
		t.Errorf("updated_at = %d, want %d", got.UpdatedAt, want)
	}

	// Once the token balance reaches the minimum the native balance is not
	// consulted; construction decides whether gas is missing.
	token.balances["0xdep"] = decimal.NewFromInt(12_000_000_000)
	e.now = e.now.Add(config.CollectDeferral)
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}
	if len(token.constructed) != 1 {
		t.Fatalf("constructions = %d, want 1", len(token.constructed))
	}
	if token.constructed[0].opts.Consolidate {
		t.Error("token collection must not consolidate")
	}
}

func TestCollectTokenRequestsSeedingThenSeeds(t *testing.T) {
	e, native, token, usdt := newTokenEnv(t, 5_000)
	token.constructErr = &gateway.ConstructError{Currency: usdt.Symbol, Err: gateway.ErrInsufficientFee}
	native.balances["0xdep"] = decimal.NewFromInt(100)
	e.do(t, func(tx *storage.Tx) error {
		return tx.SetMinimumCollectAmount(1, usdt.Symbol, decimal.NewFromInt(1_000))
	})
	first := e.addDeposit(t, chain.PlatformETH, usdt.Symbol, "0xdep", "0x01", 2_000)
	second := e.addDeposit(t, chain.PlatformETH, usdt.Symbol, "0xdep", "0x02", 3_000)

	engine := NewEngine(chain.PlatformETH, e.reg, e.store, fakeOpener{})
	if err := engine.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}
	if got := e.deposit(t, first.ID); got.CollectStatus != storage.CollectSeedRequested {
		t.Errorf("first deposit = %s, want seed_requested", got.CollectStatus)
	}
	if got := e.deposit(t, second.ID); got.CollectStatus != storage.CollectUncollected {
		t.Errorf("second deposit = %s, want uncollected", got.CollectStatus)
	}

	seeder := NewFeeSeeder(chain.PlatformETH, e.reg, e.store, fakeOpener{})
	if err := seeder.DoProcess(context.Background()); err != nil {
		t.Fatalf("seeder DoProcess() error = %v", err)
	}
	if len(native.constructed) != 1 {
		t.Fatalf("native constructions = %d, want 1", len(native.constructed))
	}
	c := native.constructed[0]
	// Topped up to 3 seeding fees: 900 minus the 100 already there.
	if c.from != "0xhot" || c.to != "0xdep" || !c.amount.Equal(decimal.NewFromInt(800)) {
		t.Errorf("seeding = %+v, want 800 from 0xhot to 0xdep", c)
	}
	if native.signedWith[0][0] != "key:sealed-hot" {
		t.Errorf("seeding signed with %v, want the hot wallet key", native.signedWith[0])
	}
	got := e.deposit(t, first.ID)
	if got.CollectStatus != storage.CollectUncollected || got.UpdatedAt != e.now.Add(config.SeedCooldown).Unix() {
		t.Errorf("seeded deposit = %s at %d, want uncollected after cooldown", got.CollectStatus, got.UpdatedAt)
	}
	if it := e.transfer(t, "eth-tx"); it.Type != storage.TransferSeed || it.Currency != "eth" {
		t.Errorf("seed transfer = %+v", it)
	}

	// Nothing left to seed.
	if err := seeder.DoProcess(context.Background()); err != nil {
		t.Fatalf("seeder DoProcess() error = %v", err)
	}
	if len(native.constructed) != 1 {
		t.Errorf("native constructions = %d, want 1", len(native.constructed))
	}
}

func TestVerifier(t *testing.T) {
	e := newEnv(t)
	g := &fakeChain{
		currency: nativeOf(chain.PlatformETH),
		status: map[string]gateway.TxStatus{
			"0xgood": gateway.StatusCompleted,
			"0xbad":  gateway.StatusFailed,
		},
	}
	e.serve(chain.PlatformETH, chain.TokenNative, g)
	good := e.addDeposit(t, chain.PlatformETH, "eth", "0xa", "0x01", 10)
	bad := e.addDeposit(t, chain.PlatformETH, "eth", "0xb", "0x02", 20)
	pending := e.addDeposit(t, chain.PlatformETH, "eth", "0xc", "0x03", 30)
	e.do(t, func(tx *storage.Tx) error {
		for id, txid := range map[int64]string{good.ID: "0xgood", bad.ID: "0xbad", pending.ID: "0xwait"} {
			if err := tx.SetDepositStatus([]int64{id}, storage.CollectCollecting, txid, 0); err != nil {
				return err
			}
			err := tx.InsertInternalTransfer(&storage.InternalTransfer{
				Currency: "eth", WalletID: 1, Type: storage.TransferCollect, Status: storage.TransferSent,
				ToAddress: "0xhot", Amount: decimal.NewFromInt(1), TxID: txid,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	v := NewVerifier(chain.PlatformETH, e.reg, e.store)
	if err := v.DoProcess(context.Background()); err != nil {
		t.Fatalf("DoProcess() error = %v", err)
	}

	tests := []struct {
		deposit  *storage.Deposit
		txid     string
		status   storage.CollectStatus
		collTxID string
		transfer storage.TransferStatus
	}{
		{good, "0xgood", storage.CollectCollected, "0xgood", storage.TransferCompleted},
		{bad, "0xbad", storage.CollectUncollected, "", storage.TransferFailed},
		{pending, "0xwait", storage.CollectCollecting, "0xwait", storage.TransferSent},
	}
	for _, tt := range tests {
		got := e.deposit(t, tt.deposit.ID)
		if got.CollectStatus != tt.status || got.CollectedTxID != tt.collTxID {
			t.Errorf("%s: deposit = %s/%q, want %s/%q", tt.txid, got.CollectStatus, got.CollectedTxID, tt.status, tt.collTxID)
		}
		if it := e.transfer(t, tt.txid); it.Status != tt.transfer {
			t.Errorf("%s: transfer = %s, want %s", tt.txid, it.Status, tt.transfer)
		}
	}
}

func TestVerifierReleasesDroppedCollection(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		queued   bool
		status   storage.CollectStatus
		collTxID string
		transfer storage.TransferStatus
	}{
		{"recent", time.Hour, false, storage.CollectCollecting, "0xlost", storage.TransferSent},
		{"stale", 3 * time.Hour, false, storage.CollectUncollected, "", storage.TransferFailed},
		{"stale but queued at sender", 3 * time.Hour, true, storage.CollectCollecting, "0xlost", storage.TransferSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			g := &fakeChain{
				currency: nativeOf(chain.PlatformETH),
				status:   map[string]gateway.TxStatus{"0xlost": gateway.StatusUnknown},
				queued:   map[string]bool{"0xdep": tt.queued},
			}
			e.serve(chain.PlatformETH, chain.TokenNative, g)
			d := e.addDeposit(t, chain.PlatformETH, "eth", "0xdep", "0x01", 10)
			e.do(t, func(tx *storage.Tx) error {
				if err := tx.SetDepositStatus([]int64{d.ID}, storage.CollectCollecting, "0xlost", 0); err != nil {
					return err
				}
				return tx.InsertInternalTransfer(&storage.InternalTransfer{
					Currency: "eth", WalletID: 1, Type: storage.TransferCollect, Status: storage.TransferSent,
					FromAddress: "0xdep", ToAddress: "0xhot", Amount: decimal.NewFromInt(10), TxID: "0xlost",
				})
			})
			e.now = e.now.Add(tt.age)

			v := NewVerifier(chain.PlatformETH, e.reg, e.store).WithStaleAfter(2 * time.Hour)
			if err := v.DoProcess(context.Background()); err != nil {
				t.Fatalf("DoProcess() error = %v", err)
			}
			got := e.deposit(t, d.ID)
			if got.CollectStatus != tt.status || got.CollectedTxID != tt.collTxID {
				t.Errorf("deposit = %s/%q, want %s/%q", got.CollectStatus, got.CollectedTxID, tt.status, tt.collTxID)
			}
			if it := e.transfer(t, "0xlost"); it.Status != tt.transfer {
				t.Errorf("transfer = %s, want %s", it.Status, tt.transfer)
			}
		})
	}
}

func TestSeedAmount(t *testing.T) {
	tests := []struct {
		fee, balance, want int64
	}{
		{300, 0, 900},
		{300, 100, 800},
		{300, 700, 300},
		{300, 5_000, 300},
	}
	for _, tt := range tests {
		got := seedAmount(decimal.NewFromInt(tt.fee), decimal.NewFromInt(tt.balance))
		if !got.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("seedAmount(%d, %d) = %s, want %d", tt.fee, tt.balance, got, tt.want)
		}
	}
}
