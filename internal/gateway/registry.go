package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Factory builds the gateway of one currency. Token factories may call
// reg.Get to obtain their platform's native gateway.
type Factory func(ctx context.Context, c chain.Currency, cfg chain.CurrencyConfig, reg *Registry) (Gateway, error)

type factoryKey struct {
	platform  chain.Platform
	tokenType chain.TokenType
}

// Registry lazily builds and caches one gateway per currency.
type Registry struct {
	currencies *chain.Registry

	fmu       sync.RWMutex
	factories map[factoryKey]Factory

	mu       sync.RWMutex
	gateways map[string]Gateway
	group    singleflight.Group

	log *logging.Logger
}

// NewRegistry creates an empty gateway registry over a currency registry.
func NewRegistry(currencies *chain.Registry) *Registry {
	return &Registry{
		currencies: currencies,
		factories:  make(map[factoryKey]Factory),
		gateways:   make(map[string]Gateway),
		log:        logging.GetDefault().Component("gateways"),
	}
}

// Currencies exposes the underlying currency registry.
func (r *Registry) Currencies() *chain.Registry {
	return r.currencies
}

// Register installs the factory for a platform and token type.
func (r *Registry) Register(platform chain.Platform, tokenType chain.TokenType, f Factory) {
	r.fmu.Lock()
	r.factories[factoryKey{platform, tokenType}] = f
	r.fmu.Unlock()
}

// Get returns the gateway of a currency, building it on first use.
// Concurrent first calls share a single construction.
func (r *Registry) Get(ctx context.Context, symbol string) (Gateway, error) {
	r.mu.RLock()
	g, ok := r.gateways[symbol]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	v, err, _ := r.group.Do(symbol, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.gateways[symbol]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		c, err := r.currencies.Currency(symbol)
		if err != nil {
			return nil, err
		}
		cfg, err := r.currencies.Config(symbol)
		if err != nil {
			return nil, err
		}
		r.fmu.RLock()
		f, ok := r.factories[factoryKey{c.Platform, c.TokenType}]
		r.fmu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w for %s (%s/%s)", ErrNoFactory, symbol, c.Platform, c.TokenType)
		}

		built, err := f(ctx, c, cfg, r)
		if err != nil {
			return nil, fmt.Errorf("build gateway %s: %w", symbol, err)
		}
		r.mu.Lock()
		r.gateways[symbol] = built
		r.mu.Unlock()
		r.log.Debug("Gateway ready", "currency", symbol)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Gateway), nil
}

// UTXO returns the gateway of a UTXO currency.
func (r *Registry) UTXO(ctx context.Context, symbol string) (UTXOGateway, error) {
	g, err := r.Get(ctx, symbol)
	if err != nil {
		return nil, err
	}
	u, ok := g.(UTXOGateway)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not UTXO based", ErrUnsupported, symbol)
	}
	return u, nil
}

// Evict drops the cached gateway of a currency, closing it when possible.
func (r *Registry) Evict(symbol string) {
	r.mu.Lock()
	g, ok := r.gateways[symbol]
	delete(r.gateways, symbol)
	r.mu.Unlock()
	if !ok {
		return
	}
	if closer, ok := g.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.log.Warn("Failed to close gateway", "currency", symbol, "error", err)
		}
	}
}

// Close closes every cached gateway.
func (r *Registry) Close() {
	r.mu.RLock()
	symbols := make([]string, 0, len(r.gateways))
	for s := range r.gateways {
		symbols = append(symbols, s)
	}
	r.mu.RUnlock()
	for _, s := range symbols {
		r.Evict(s)
	}
}

// Watch evicts gateways whose config changes until ctx is done, so the next
// Get provisions clients against the new endpoints or network.
func (r *Registry) Watch(ctx context.Context) {
	events, cancel := r.currencies.Subscribe(16)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, c := range r.currencies.All() {
				if ev.Affects(c) {
					r.Evict(c.Symbol)
				}
			}
			r.log.Info("Currency config changed", "network", ev.Network, "network_changed", ev.NetworkChanged)
		}
	}
}
