package chain

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ConfigEvent is published whenever currency configuration changes.
type ConfigEvent struct {
	Network        Network
	NetworkChanged bool
	// Symbols lists the currencies whose config changed. Empty means all.
	Symbols []string
}

// Affects reports whether the event concerns the given currency.
func (e ConfigEvent) Affects(c Currency) bool {
	if e.NetworkChanged || len(e.Symbols) == 0 {
		return true
	}
	for _, s := range e.Symbols {
		if s == c.Symbol || s == string(c.Platform) {
			return true
		}
	}
	return false
}

type configSnapshot struct {
	network Network
	configs map[string]CurrencyConfig
}

// Registry is the process-wide catalog of currencies and their configs. It is
// built once at start-up and passed explicitly to the components that need it.
// Config reads go through an immutable snapshot and never take a lock.
type Registry struct {
	mu         sync.RWMutex
	currencies map[string]Currency

	snapshot atomic.Pointer[configSnapshot]

	subMu  sync.Mutex
	subs   map[int]chan ConfigEvent
	nextID int

	log *logging.Logger
}

// NewRegistry creates a registry holding the native currency of every
// supported platform, with default configs for the given network.
func NewRegistry(network Network) *Registry {
	r := &Registry{
		currencies: make(map[string]Currency),
		subs:       make(map[int]chan ConfigEvent),
		log:        logging.GetDefault().Component("registry"),
	}
	configs := make(map[string]CurrencyConfig)
	for _, platform := range Platforms() {
		p, ok := Get(platform, network)
		if !ok {
			continue
		}
		c := NativeCurrency(p)
		r.currencies[c.Symbol] = c
		configs[c.Symbol] = DefaultCurrencyConfig(p, network)
	}
	r.snapshot.Store(&configSnapshot{network: network, configs: configs})
	return r
}

// Network returns the active network.
func (r *Registry) Network() Network {
	return r.snapshot.Load().network
}

// RegisterToken adds a token currency. Its platform must be known.
func (r *Registry) RegisterToken(c Currency) error {
	if c.IsNative {
		return fmt.Errorf("register token %s: currency is native", c.Symbol)
	}
	if !IsSupported(c.Platform) {
		return fmt.Errorf("register token %s: unsupported platform %s", c.Symbol, c.Platform)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.currencies[c.Symbol]; exists {
		return fmt.Errorf("register token %s: %w", c.Symbol, ErrDuplicate)
	}
	r.currencies[c.Symbol] = c
	return nil
}

// Currency looks up a currency by symbol.
func (r *Registry) Currency(symbol string) (Currency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.currencies[symbol]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, symbol)
	}
	return c, nil
}

// Native returns the native currency of a platform.
func (r *Registry) Native(platform Platform) (Currency, error) {
	return r.Currency(string(platform))
}

// CurrenciesOfPlatform returns the native currency first, then tokens sorted by symbol.
func (r *Registry) CurrenciesOfPlatform(platform Platform) []Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var native []Currency
	var tokens []Currency
	for _, c := range r.currencies {
		if c.Platform != platform {
			continue
		}
		if c.IsNative {
			native = append(native, c)
		} else {
			tokens = append(tokens, c)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })
	return append(native, tokens...)
}

// All returns every registered currency sorted by symbol.
func (r *Registry) All() []Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Currency, 0, len(r.currencies))
	for _, c := range r.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Config returns the config of a currency. Tokens without their own entry
// inherit the config of their platform's native currency.
func (r *Registry) Config(symbol string) (CurrencyConfig, error) {
	snap := r.snapshot.Load()
	if cfg, ok := snap.configs[symbol]; ok {
		return cfg, nil
	}
	c, err := r.Currency(symbol)
	if err != nil {
		return CurrencyConfig{}, err
	}
	if cfg, ok := snap.configs[string(c.Platform)]; ok {
		return cfg, nil
	}
	return CurrencyConfig{}, fmt.Errorf("%w: %s on %s", ErrConfigMissing, symbol, snap.network)
}

// SetConfig replaces the config of one currency and notifies subscribers.
func (r *Registry) SetConfig(symbol string, cfg CurrencyConfig) {
	for {
		old := r.snapshot.Load()
		next := &configSnapshot{network: old.network, configs: make(map[string]CurrencyConfig, len(old.configs)+1)}
		for k, v := range old.configs {
			next.configs[k] = v
		}
		if cfg.Network == "" {
			cfg.Network = old.network
		}
		next.configs[symbol] = cfg
		if r.snapshot.CompareAndSwap(old, next) {
			r.publish(ConfigEvent{Network: old.network, Symbols: []string{symbol}})
			return
		}
	}
}

// SwitchNetwork atomically replaces the active network and every config.
// Configs missing from the map fall back to the compiled-in defaults.
func (r *Registry) SwitchNetwork(network Network, configs map[string]CurrencyConfig) {
	next := &configSnapshot{network: network, configs: make(map[string]CurrencyConfig)}
	for _, platform := range Platforms() {
		if p, ok := Get(platform, network); ok {
			next.configs[string(platform)] = DefaultCurrencyConfig(p, network)
		}
	}
	for k, v := range configs {
		v.Network = network
		next.configs[k] = v
	}
	old := r.snapshot.Swap(next)
	r.publish(ConfigEvent{Network: network, NetworkChanged: old.network != network})
}

// Subscribe returns a channel receiving config events and a function that
// cancels the subscription. Events are dropped for subscribers whose buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan ConfigEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ConfigEvent, buffer)
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(ev ConfigEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn("Dropping config event for slow subscriber", "subscriber", id, "network", ev.Network)
		}
	}
}
