// Package node assembles the wallet daemon: configuration, storage, key
// material, chain gateways and the per-platform workers.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/cache"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/collector"
	"github.com/Klingon-tech/klingcustody/internal/crawler"
	"github.com/Klingon-tech/klingcustody/internal/deposit"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/gateway/evm"
	"github.com/Klingon-tech/klingcustody/internal/gateway/solana"
	"github.com/Klingon-tech/klingcustody/internal/gateway/tron"
	"github.com/Klingon-tech/klingcustody/internal/gateway/utxo"
	"github.com/Klingon-tech/klingcustody/internal/gateway/xrp"
	"github.com/Klingon-tech/klingcustody/internal/keystore"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/internal/withdrawal"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ErrNoPassphrase is returned when the keystore passphrase is not set.
var ErrNoPassphrase = errors.New("keystore passphrase not set (WALLETD_KEYSTORE_PASSPHRASE)")

// Node is a running wallet daemon.
type Node struct {
	config     *Config
	store      *storage.Storage
	keys       *keystore.Keystore
	currencies *chain.Registry
	gateways   *gateway.Registry
	redis      *cache.Redis
	desk       *WithdrawalDesk
	log        *logging.Logger

	crawlers []*crawler.Crawler
	workers  []*worker.Worker

	// State
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	watchDone chan struct{}

	mu sync.RWMutex
}

// Status is a snapshot of the daemon.
type Status struct {
	Network  chain.Network    `json:"network"`
	Uptime   string           `json:"uptime"`
	Crawlers []crawler.Status `json:"crawlers"`
	Workers  []worker.Status  `json:"workers"`
}

// RegisterFactories installs the gateway factory of every supported
// platform and token type. Omni tokens have no gateway.
func RegisterFactories(reg *gateway.Registry, remote cache.Remote, gas evm.GasSource) {
	for _, p := range chain.ListByType(chain.ChainTypeBitcoin) {
		reg.Register(p, chain.TokenNative, utxo.Factory(remote))
	}
	for _, p := range chain.ListByType(chain.ChainTypeEVM) {
		reg.Register(p, chain.TokenNative, evm.Factory(remote, gas))
	}
	reg.Register(chain.PlatformETH, chain.TokenERC20, evm.TokenFactory())
	reg.Register(chain.PlatformBSC, chain.TokenBEP20, evm.TokenFactory())
	reg.Register(chain.PlatformMATIC, chain.TokenPolygonERC20, evm.TokenFactory())
	reg.Register(chain.PlatformTRX, chain.TokenNative, tron.Factory(remote))
	reg.Register(chain.PlatformTRX, chain.TokenTRC20, tron.TokenFactory())
	reg.Register(chain.PlatformXRP, chain.TokenNative, xrp.Factory())
	reg.Register(chain.PlatformSOL, chain.TokenNative, solana.Factory())
	reg.Register(chain.PlatformSOL, chain.TokenSPL, solana.TokenFactory())
}

// New opens storage and key material and wires the workers of every enabled
// platform. Nothing runs until Start.
func New(ctx context.Context, cfg *Config) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Keystore.Passphrase == "" {
		return nil, ErrNoPassphrase
	}

	ctx, cancel := context.WithCancel(ctx)
	n = &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	n.keys, err = keystore.Load(cfg.KeystorePath(), cfg.Keystore.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	n.store, err = storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	n.currencies, err = cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}

	var remote cache.Remote
	if cfg.Redis.Addr != "" {
		n.redis, err = cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		remote = n.redis
	}
	n.gateways = gateway.NewRegistry(n.currencies)
	RegisterFactories(n.gateways, remote, cfg.GasDefaults)

	if err := n.syncHotWallets(ctx); err != nil {
		return nil, err
	}
	if err := n.syncColdWallets(ctx); err != nil {
		return nil, err
	}
	n.desk = NewWithdrawalDesk(n.currencies, n.store)

	platforms, err := cfg.EnabledPlatforms()
	if err != nil {
		return nil, err
	}
	ingester := deposit.New(n.store)
	for _, p := range platforms {
		if err := n.addPlatform(p, ingester); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// syncHotWallets upserts the hot wallets listed in the config and their
// collection thresholds.
func (n *Node) syncHotWallets(ctx context.Context) error {
	if len(n.config.Wallets) == 0 {
		return nil
	}
	return n.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, w := range n.config.Wallets {
			p := chain.Platform(w.Platform)
			err := tx.SaveHotWallet(&storage.HotWallet{
				WalletID: w.WalletID,
				Platform: p,
				Address:  deposit.NormalizeAddress(p, w.Address),
				Secret:   w.Secret,
			})
			if err != nil {
				return err
			}
			for symbol, amount := range w.MinimumCollect {
				c, err := n.currencies.Currency(symbol)
				if err != nil {
					return fmt.Errorf("wallet %d minimum_collect: %w", w.WalletID, err)
				}
				units, err := helpers.ToBaseUnits(amount, c.Decimals)
				if err != nil {
					return fmt.Errorf("wallet %d minimum_collect %s: %w", w.WalletID, symbol, err)
				}
				if err := tx.SetMinimumCollectAmount(w.WalletID, symbol, units); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// syncColdWallets upserts the configured cold wallets with their thresholds
// in base units.
func (n *Node) syncColdWallets(ctx context.Context) error {
	if len(n.config.ColdWallets) == 0 {
		return nil
	}
	return n.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, cw := range n.config.ColdWallets {
			c, err := n.currencies.Currency(cw.Currency)
			if err != nil {
				return fmt.Errorf("cold wallet %d: %w", cw.WalletID, err)
			}
			upper, err := helpers.ToBaseUnits(cw.UpperThreshold, c.Decimals)
			if err != nil {
				return fmt.Errorf("cold wallet %d/%s upper threshold: %w", cw.WalletID, c.Symbol, err)
			}
			lower, err := helpers.ToBaseUnits(cw.LowerThreshold, c.Decimals)
			if err != nil {
				return fmt.Errorf("cold wallet %d/%s lower threshold: %w", cw.WalletID, c.Symbol, err)
			}
			err = tx.SaveColdWallet(&storage.ColdWallet{
				WalletID:       cw.WalletID,
				Currency:       c.Symbol,
				Address:        deposit.NormalizeAddress(c.Platform, cw.Address),
				UpperThreshold: upper,
				LowerThreshold: lower,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *Node) addPlatform(p chain.Platform, ingester *deposit.Ingester) error {
	native, err := n.currencies.Native(p)
	if err != nil {
		return err
	}
	ccfg, err := n.currencies.Config(native.Symbol)
	if err != nil {
		return err
	}

	opts := crawler.Options{Platform: p}
	interval := ccfg.AverageBlockTime
	if e := n.config.Workers.Crawlers[string(p)]; e != nil {
		opts.BatchSize = e.BatchSize
		opts.Concurrency = e.Concurrency
		opts.StartBlock = e.StartBlock
		if e.Interval > 0 {
			interval = e.Interval
		}
	}
	c, err := crawler.New(opts, n.gateways, ingester)
	if err != nil {
		return err
	}
	n.crawlers = append(n.crawlers, c)

	w := n.config.Workers
	n.workers = append(n.workers,
		worker.New(worker.Config{Name: "crawler." + string(p), Interval: interval}, c),
		worker.New(worker.Config{Name: "collector." + string(p), Interval: w.CollectorInterval},
			collector.NewEngine(p, n.gateways, n.store, n.keys)),
		worker.New(worker.Config{Name: "verifier." + string(p), Interval: w.VerifierInterval},
			collector.NewVerifier(p, n.gateways, n.store).WithStaleAfter(w.CollectingTimeout)),
		worker.New(worker.Config{Name: "picker." + string(p), Interval: w.WithdrawalInterval},
			withdrawal.NewPicker(p, n.gateways, n.store)),
		worker.New(worker.Config{Name: "signer." + string(p), Interval: w.WithdrawalInterval},
			withdrawal.NewSigner(p, n.gateways, n.store, n.keys)),
		worker.New(worker.Config{Name: "sender." + string(p), Interval: w.WithdrawalInterval},
			withdrawal.NewSender(p, n.gateways, n.store)),
		worker.New(worker.Config{Name: "withdrawal_verifier." + string(p), Interval: w.VerifierInterval},
			withdrawal.NewVerifier(p, n.gateways, n.store).WithStaleAfter(w.CollectingTimeout)),
		worker.New(worker.Config{Name: "cold." + string(p), Interval: w.ColdSweepInterval},
			withdrawal.NewColdSweeper(p, n.gateways, n.store)),
	)
	if len(n.currencies.CurrenciesOfPlatform(p)) > 1 {
		n.workers = append(n.workers,
			worker.New(worker.Config{Name: "seeder." + string(p), Interval: w.SeederInterval},
				collector.NewFeeSeeder(p, n.gateways, n.store, n.keys)))
	}
	n.log.Info("Platform enabled", "platform", p, "crawl_interval", interval,
		"currencies", len(n.currencies.CurrenciesOfPlatform(p)))
	return nil
}

// Start starts every worker and the gateway config watcher.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.startTime = time.Now()
	n.watchDone = make(chan struct{})
	go func() {
		defer close(n.watchDone)
		n.gateways.Watch(n.ctx)
	}()

	for _, w := range n.workers {
		if err := w.Start(n.ctx); err != nil {
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
	}
	n.log.Info("Node started", "network", n.currencies.Network(), "workers", len(n.workers))
	return nil
}

// Stop stops the workers, waiting for running ticks, and releases every
// resource.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range n.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	n.cancel()
	if n.watchDone != nil {
		<-n.watchDone
	}
	err := n.close()
	n.log.Info("Node stopped")
	return err
}

func (n *Node) close() error {
	n.cancel()
	if n.gateways != nil {
		n.gateways.Close()
	}
	var errs []error
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of every crawler and worker.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := Status{Network: n.currencies.Network()}
	if !n.startTime.IsZero() {
		s.Uptime = time.Since(n.startTime).Truncate(time.Second).String()
	}
	for _, c := range n.crawlers {
		s.Crawlers = append(s.Crawlers, c.Status())
	}
	for _, w := range n.workers {
		s.Workers = append(s.Workers, w.Status())
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Name < s.Workers[j].Name })
	return s
}

// Healthy reports whether every worker is running.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, w := range n.workers {
		if !w.Status().Running {
			return false
		}
	}
	return true
}

// Storage returns the ledger.
func (n *Node) Storage() *storage.Storage {
	return n.store
}

// Keystore returns the opened keystore.
func (n *Node) Keystore() *keystore.Keystore {
	return n.keys
}

// Currencies returns the currency registry.
func (n *Node) Currencies() *chain.Registry {
	return n.currencies
}

// Gateways returns the gateway registry.
func (n *Node) Gateways() *gateway.Registry {
	return n.gateways
}

// RequestWithdrawal queues a withdrawal from a hot wallet.
func (n *Node) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*storage.Withdrawal, error) {
	return n.desk.Request(ctx, req)
}

// Withdrawal returns a withdrawal by id.
func (n *Node) Withdrawal(ctx context.Context, id int64) (*storage.Withdrawal, error) {
	return n.desk.Get(ctx, id)
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}
