package withdrawal

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

type fakeChain struct {
	gateway.Gateway
	currency chain.Currency

	balances map[string]decimal.Decimal
	status   map[string]gateway.TxStatus
	queued   map[string]bool

	constructErr error
	sendErr      error

	constructed []construction
	signedWith  [][]string
	sent        []string
}

func (f *fakeChain) Currency() chain.Currency { return f.currency }

func (f *fakeChain) GetAddressBalance(_ context.Context, address string) (decimal.Decimal, error) {
	return f.balances[address], nil
}

func (f *fakeChain) ConstructRawTransaction(_ context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	f.constructed = append(f.constructed, construction{from, to, amount, opts})
	if f.constructErr != nil {
		return nil, f.constructErr
	}
	return &gateway.RawTransaction{TxID: "unsigned-" + to, UnsignedRaw: "raw:" + to}, nil
}

func (f *fakeChain) SignRawTransaction(_ context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	f.signedWith = append(f.signedWith, secrets)
	txid := "0x" + strings.TrimPrefix(unsignedRaw, "raw:")
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
	eth   *fakeChain
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletd-withdrawal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p, _ := chain.Get(chain.PlatformETH, chain.Mainnet)
	e := &env{
		store: store,
		reg:   gateway.NewRegistry(chain.NewRegistry(chain.Mainnet)),
		eth:   &fakeChain{currency: chain.NativeCurrency(p), balances: map[string]decimal.Decimal{}},
		now:   time.Unix(1_700_000_000, 0),
	}
	store.SetClock(func() time.Time { return e.now })
	e.reg.Register(chain.PlatformETH, chain.TokenNative, func(context.Context, chain.Currency, chain.CurrencyConfig, *gateway.Registry) (gateway.Gateway, error) {
		return e.eth, nil
	})
	e.do(t, func(tx *storage.Tx) error {
		return tx.SaveHotWallet(&storage.HotWallet{WalletID: 1, Platform: chain.PlatformETH, Address: "0xhot", Secret: "sealed-hot"})
	})
	return e
}

func (e *env) do(t *testing.T, fn func(tx *storage.Tx) error) {
	t.Helper()
	if err := e.store.InTx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func (e *env) request(t *testing.T, to string, amount int64) *storage.Withdrawal {
	t.Helper()
	w := &storage.Withdrawal{WalletID: 1, Currency: "eth", ToAddress: to, Amount: decimal.NewFromInt(amount)}
	e.do(t, func(tx *storage.Tx) error { return tx.InsertWithdrawal(w) })
	return w
}

func (e *env) withdrawal(t *testing.T, id int64) *storage.Withdrawal {
	t.Helper()
	var w *storage.Withdrawal
	e.do(t, func(tx *storage.Tx) error {
		var err error
		w, err = tx.GetWithdrawal(id)
		return err
	})
	return w
}

func run(t *testing.T, name string, fn func(context.Context) error) {
	t.Helper()
	if err := fn(context.Background()); err != nil {
		t.Fatalf("%s.DoProcess() error = %v", name, err)
	}
}

func TestWithdrawalPipeline(t *testing.T) {
	e := newEnv(t)
	w := e.request(t, "0xdest", 5_000)

	run(t, "Picker", NewPicker(chain.PlatformETH, e.reg, e.store).DoProcess)
	if len(e.eth.constructed) != 1 {
		t.Fatalf("constructed %d transactions, want 1", len(e.eth.constructed))
	}
	c := e.eth.constructed[0]
	if c.from != "0xhot" || c.to != "0xdest" || !c.amount.Equal(decimal.NewFromInt(5_000)) {
		t.Errorf("construction = %+v", c)
	}
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalSigning || got.WithdrawalTxID == 0 {
		t.Fatalf("after pick: withdrawal = %+v", got)
	}

	run(t, "Signer", NewSigner(chain.PlatformETH, e.reg, e.store, fakeOpener{}).DoProcess)
	if len(e.eth.signedWith) != 1 || e.eth.signedWith[0][0] != "key:sealed-hot" {
		t.Errorf("signed with %v, want the hot wallet key", e.eth.signedWith)
	}
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalSigned || got.TxID != "0x0xdest" {
		t.Errorf("after sign: withdrawal = %s/%q", got.Status, got.TxID)
	}

	run(t, "Sender", NewSender(chain.PlatformETH, e.reg, e.store).DoProcess)
	if len(e.eth.sent) != 1 || e.eth.sent[0] != "signed:0x0xdest" {
		t.Errorf("sent = %v", e.eth.sent)
	}
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalSent {
		t.Errorf("after send: status = %s, want sent", got.Status)
	}

	v := NewVerifier(chain.PlatformETH, e.reg, e.store)
	run(t, "Verifier", v.DoProcess)
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalSent {
		t.Errorf("confirming: status = %s, want sent", got.Status)
	}
	e.eth.status = map[string]gateway.TxStatus{"0x0xdest": gateway.StatusCompleted}
	run(t, "Verifier", v.DoProcess)
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalCompleted {
		t.Errorf("completed: status = %s, want completed", got.Status)
	}
}

func TestPickerWaitsForUnsentTransaction(t *testing.T) {
	e := newEnv(t)
	first := e.request(t, "0xa", 1)
	second := e.request(t, "0xb", 2)

	p := NewPicker(chain.PlatformETH, e.reg, e.store)
	run(t, "Picker", p.DoProcess)
	run(t, "Picker", p.DoProcess)

	if len(e.eth.constructed) != 1 {
		t.Fatalf("constructed %d transactions, want 1 while the first is unsent", len(e.eth.constructed))
	}
	if got := e.withdrawal(t, first.ID); got.Status != storage.WithdrawalSigning {
		t.Errorf("first = %s, want signing", got.Status)
	}
	if got := e.withdrawal(t, second.ID); got.Status != storage.WithdrawalUnsigned {
		t.Errorf("second = %s, want unsigned", got.Status)
	}
}

func TestPickerDefersOnConstructFailure(t *testing.T) {
	e := newEnv(t)
	e.eth.constructErr = errors.New("insufficient balance")
	w := e.request(t, "0xdest", 5_000)

	p := NewPicker(chain.PlatformETH, e.reg, e.store)
	run(t, "Picker", p.DoProcess)

	got := e.withdrawal(t, w.ID)
	if got.Status != storage.WithdrawalUnsigned {
		t.Errorf("status = %s, want unsigned", got.Status)
	}
	if want := e.now.Add(config.WithdrawalDeferral).Unix(); got.UpdatedAt != want {
		t.Errorf("updated_at = %d, want %d", got.UpdatedAt, want)
	}

	run(t, "Picker", p.DoProcess)
	if len(e.eth.constructed) != 1 {
		t.Errorf("constructed %d times, want the deferred withdrawal skipped", len(e.eth.constructed))
	}
}

func TestPickerWithoutHotWallet(t *testing.T) {
	e := newEnv(t)
	w := &storage.Withdrawal{WalletID: 2, Currency: "eth", ToAddress: "0xdest", Amount: decimal.NewFromInt(1)}
	e.do(t, func(tx *storage.Tx) error { return tx.InsertWithdrawal(w) })

	err := NewPicker(chain.PlatformETH, e.reg, e.store).DoProcess(context.Background())
	if !errors.Is(err, ErrHotWalletMissing) {
		t.Errorf("DoProcess() error = %v, want ErrHotWalletMissing", err)
	}
}

func TestSenderBroadcastFailure(t *testing.T) {
	e := newEnv(t)
	w := e.request(t, "0xdest", 5_000)
	run(t, "Picker", NewPicker(chain.PlatformETH, e.reg, e.store).DoProcess)
	run(t, "Signer", NewSigner(chain.PlatformETH, e.reg, e.store, fakeOpener{}).DoProcess)

	e.eth.sendErr = errors.New("nonce too low")
	err := NewSender(chain.PlatformETH, e.reg, e.store).DoProcess(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nonce too low") {
		t.Errorf("DoProcess() error = %v, want the broadcast error", err)
	}
	if got := e.withdrawal(t, w.ID); got.Status != storage.WithdrawalFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// The hot wallet is free for the next withdrawal.
	e.eth.sendErr = nil
	next := e.request(t, "0xnext", 1)
	run(t, "Picker", NewPicker(chain.PlatformETH, e.reg, e.store).DoProcess)
	if got := e.withdrawal(t, next.ID); got.Status != storage.WithdrawalSigning {
		t.Errorf("next = %s, want signing", got.Status)
	}
}

func TestVerifierGivesUpStaleWithdrawal(t *testing.T) {
	tests := []struct {
		name   string
		age    time.Duration
		queued bool
		want   storage.WithdrawalStatus
	}{
		{"recent", 30 * time.Minute, false, storage.WithdrawalSent},
		{"stale", 3 * time.Hour, false, storage.WithdrawalFailed},
		{"stale but queued at hot wallet", 3 * time.Hour, true, storage.WithdrawalSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			w := e.request(t, "0xdest", 5_000)
			run(t, "Picker", NewPicker(chain.PlatformETH, e.reg, e.store).DoProcess)
			run(t, "Signer", NewSigner(chain.PlatformETH, e.reg, e.store, fakeOpener{}).DoProcess)
			run(t, "Sender", NewSender(chain.PlatformETH, e.reg, e.store).DoProcess)

			e.eth.status = map[string]gateway.TxStatus{"0x0xdest": gateway.StatusUnknown}
			e.eth.queued = map[string]bool{"0xhot": tt.queued}
			e.now = e.now.Add(tt.age)

			v := NewVerifier(chain.PlatformETH, e.reg, e.store).WithStaleAfter(2 * time.Hour)
			run(t, "Verifier", v.DoProcess)
			if got := e.withdrawal(t, w.ID); got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestColdSweep(t *testing.T) {
	e := newEnv(t)
	e.do(t, func(tx *storage.Tx) error {
		return tx.SaveColdWallet(&storage.ColdWallet{
			WalletID:       1,
			Currency:       "eth",
			Address:        "0xcold",
			UpperThreshold: decimal.NewFromInt(1_000_000),
			LowerThreshold: decimal.NewFromInt(200_000),
		})
	})
	sweeper := NewColdSweeper(chain.PlatformETH, e.reg, e.store)

	swept := func() []*storage.Withdrawal {
		var out []*storage.Withdrawal
		e.do(t, func(tx *storage.Tx) error {
			for {
				w, err := tx.NextWithdrawal([]string{"eth"})
				if err != nil || w == nil {
					return err
				}
				out = append(out, w)
				if err := tx.DeferWithdrawal(w.ID, time.Hour); err != nil {
					return err
				}
			}
		})
		return out
	}

	e.eth.balances["0xhot"] = decimal.NewFromInt(1_000_000)
	run(t, "ColdSweeper", sweeper.DoProcess)
	if ws := swept(); len(ws) != 0 {
		t.Fatalf("balance at the upper threshold swept %+v", ws)
	}

	e.eth.balances["0xhot"] = decimal.NewFromInt(1_500_000)
	run(t, "ColdSweeper", sweeper.DoProcess)
	run(t, "ColdSweeper", sweeper.DoProcess)

	var w *storage.Withdrawal
	e.do(t, func(tx *storage.Tx) error {
		var err error
		w, err = tx.GetWithdrawal(1)
		return err
	})
	if w.ToAddress != "0xcold" || w.Note != storage.NoteColdWallet {
		t.Errorf("sweep = %+v, want a cold wallet withdrawal", w)
	}
	if want := decimal.NewFromInt(900_000); !w.Amount.Equal(want) {
		t.Errorf("sweep amount = %s, want %s", w.Amount, want)
	}
	e.do(t, func(tx *storage.Tx) error {
		if _, err := tx.GetWithdrawal(2); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second sweep queued while the first is open (err = %v)", err)
		}
		return nil
	})
}
