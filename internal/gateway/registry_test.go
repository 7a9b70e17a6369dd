package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

type stubGateway struct {
	Gateway
	currency chain.Currency
	native   Gateway
	closed   atomic.Bool
}

func (s *stubGateway) Currency() chain.Currency { return s.currency }
func (s *stubGateway) Close() error             { s.closed.Store(true); return nil }

func TestRegistryBuildsOncePerCurrency(t *testing.T) {
	currencies := chain.NewRegistry(chain.Mainnet)
	reg := NewRegistry(currencies)

	var builds atomic.Int32
	reg.Register(chain.PlatformETH, chain.TokenNative, func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, r *Registry) (Gateway, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &stubGateway{currency: c}, nil
	})

	var wg sync.WaitGroup
	results := make([]Gateway, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := reg.Get(context.Background(), "eth")
			if err != nil {
				t.Errorf("Get error: %v", err)
			}
			results[i] = g
		}(i)
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("factory called %d times, want 1", builds.Load())
	}
	for _, g := range results {
		if g != results[0] {
			t.Fatal("concurrent Get returned different instances")
		}
	}
}

func TestRegistryTokenUsesNative(t *testing.T) {
	currencies := chain.NewRegistry(chain.Mainnet)
	usdt, _ := chain.NewToken(chain.TokenERC20, "0xdAC17F958D2ee523a2206206994597C13D831ec7", "Tether USD", "USDT", 6)
	if err := currencies.RegisterToken(usdt); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(currencies)
	reg.Register(chain.PlatformETH, chain.TokenNative, func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, r *Registry) (Gateway, error) {
		return &stubGateway{currency: c}, nil
	})
	reg.Register(chain.PlatformETH, chain.TokenERC20, func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, r *Registry) (Gateway, error) {
		native, err := r.Get(ctx, string(c.Platform))
		if err != nil {
			return nil, err
		}
		return &stubGateway{currency: c, native: native}, nil
	})

	g, err := reg.Get(context.Background(), usdt.Symbol)
	if err != nil {
		t.Fatalf("Get token error: %v", err)
	}
	native, _ := reg.Get(context.Background(), "eth")
	if g.(*stubGateway).native != native {
		t.Error("token gateway should wrap the cached native gateway")
	}
}

func TestRegistryMissingFactory(t *testing.T) {
	reg := NewRegistry(chain.NewRegistry(chain.Mainnet))
	if _, err := reg.Get(context.Background(), "xrp"); !errors.Is(err, ErrNoFactory) {
		t.Errorf("Get without factory error = %v, want ErrNoFactory", err)
	}
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, chain.ErrUnknownCurrency) {
		t.Errorf("Get unknown error = %v, want ErrUnknownCurrency", err)
	}
}

func TestRegistryWatchEvicts(t *testing.T) {
	currencies := chain.NewRegistry(chain.Mainnet)
	reg := NewRegistry(currencies)
	reg.Register(chain.PlatformBTC, chain.TokenNative, func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, r *Registry) (Gateway, error) {
		return &stubGateway{currency: c}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx)
	time.Sleep(20 * time.Millisecond)

	first, err := reg.Get(ctx, "btc")
	if err != nil {
		t.Fatal(err)
	}
	currencies.SetConfig("btc", chain.CurrencyConfig{RPCEndpoint: "http://new:8332"})

	deadline := time.Now().Add(time.Second)
	for !first.(*stubGateway).closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("gateway not evicted after config change")
		}
		time.Sleep(5 * time.Millisecond)
	}
	second, _ := reg.Get(ctx, "btc")
	if second == first {
		t.Error("Get after eviction returned the stale gateway")
	}
}

func TestUTXOAccessorRejectsAccountGateway(t *testing.T) {
	reg := NewRegistry(chain.NewRegistry(chain.Mainnet))
	reg.Register(chain.PlatformETH, chain.TokenNative, func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, r *Registry) (Gateway, error) {
		return &stubGateway{currency: c}, nil
	})
	if _, err := reg.UTXO(context.Background(), "eth"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("UTXO(eth) error = %v, want ErrUnsupported", err)
	}
}
