// Package crawler follows a platform's chain head and hands the transfer
// entries of every newly confirmed block range to its callbacks. The cursor
// only advances after the callbacks accepted the range.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/worker"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ErrNoAddressLister is returned when an account-scanned platform is crawled
// without a source of deposit addresses.
var ErrNoAddressLister = errors.New("account scanning requires an address lister")

// Callbacks persist what the crawler finds. OnCrawlingTxs must be idempotent:
// a failed tick re-delivers the same range.
type Callbacks interface {
	// GetLatestCrawledBlockNumber returns the cursor, or false before the
	// first run.
	GetLatestCrawledBlockNumber(ctx context.Context, c *Crawler) (uint64, bool, error)
	OnCrawlingTxs(ctx context.Context, c *Crawler, entries []gateway.TransferEntry) error
	OnBlockCrawled(ctx context.Context, c *Crawler, block uint64) error
}

// AddressLister lists the deposit addresses of an account-scanned platform.
type AddressLister interface {
	GetAddressesDepositCrawler(ctx context.Context, c *Crawler) ([]string, error)
}

// Processor fetches the transactions of an inclusive block range.
type Processor interface {
	Process(ctx context.Context, c *Crawler, from, to uint64) ([]*gateway.Transaction, error)
}

// Options configures a crawler.
type Options struct {
	Platform chain.Platform
	// BatchSize caps the blocks handled per tick.
	BatchSize uint64
	// Concurrency bounds parallel block fetches.
	Concurrency int
	// ProcessingTimeout is a soft limit: overruns are logged and counted but
	// the tick is not cancelled.
	ProcessingTimeout time.Duration
	// StartBlock is the first block crawled when no cursor exists. Zero
	// starts from the current safe head.
	StartBlock uint64
	// CatchUpDelay is the wait after a tick that made progress.
	CatchUpDelay time.Duration
}

// Status is a snapshot of a crawler.
type Status struct {
	Platform chain.Platform `json:"platform"`
	Cursor   uint64         `json:"cursor"`
	Head     uint64         `json:"head"`
	Safe     uint64         `json:"safe"`
	LastRun  time.Time      `json:"last_run,omitempty"`
}

// Crawler advances the crawl cursor of one platform. It is a worker.Handler.
type Crawler struct {
	opts      Options
	gateways  *gateway.Registry
	callbacks Callbacks
	processor Processor
	native    chain.Currency
	log       *logging.Logger

	mu       sync.Mutex
	progress bool
	status   Status
}

var (
	_ worker.Handler = (*Crawler)(nil)
	_ worker.Delayer = (*Crawler)(nil)
)

// New creates a crawler. Unset options take the defaults of the platform's
// chain family.
func New(opts Options, gateways *gateway.Registry, callbacks Callbacks) (*Crawler, error) {
	native, err := gateways.Currencies().Native(opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("crawler %s: %w", opts.Platform, err)
	}
	if p, ok := chain.Get(opts.Platform, gateways.Currencies().Network()); ok {
		d := config.Crawler(p.Type)
		if opts.BatchSize == 0 {
			opts.BatchSize = d.BatchSize
		}
		if opts.Concurrency <= 0 {
			opts.Concurrency = d.Concurrency
		}
		if opts.ProcessingTimeout <= 0 {
			opts.ProcessingTimeout = d.ProcessingTimeout
		}
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = time.Minute
	}
	return &Crawler{
		opts:      opts,
		gateways:  gateways,
		callbacks: callbacks,
		native:    native,
		log:       logging.GetDefault().Component("crawler." + string(opts.Platform)),
		status:    Status{Platform: opts.Platform},
	}, nil
}

// Platform returns the crawled platform.
func (c *Crawler) Platform() chain.Platform {
	return c.opts.Platform
}

// NativeCurrency returns the native currency of the crawled platform.
func (c *Crawler) NativeCurrency() chain.Currency {
	return c.native
}

// SetProcessor overrides the processor chosen by Prepare.
func (c *Crawler) SetProcessor(p Processor) {
	c.processor = p
}

// Prepare selects the processor: platforms whose native gateway scans
// accounts are crawled per deposit address, the rest block by block.
func (c *Crawler) Prepare(ctx context.Context) error {
	if c.processor != nil {
		return nil
	}
	g, err := c.gateways.Get(ctx, c.native.Symbol)
	if err != nil {
		return err
	}
	if _, ok := g.(gateway.AccountScanner); ok {
		lister, ok := c.callbacks.(AddressLister)
		if !ok {
			return fmt.Errorf("crawler %s: %w", c.opts.Platform, ErrNoAddressLister)
		}
		c.processor = &AccountRangeProcessor{Lister: lister}
		c.log.Info("Crawling deposit accounts", "batch", c.opts.BatchSize)
		return nil
	}
	c.processor = &BlockRangeProcessor{Concurrency: c.opts.Concurrency}
	c.log.Info("Crawling blocks", "batch", c.opts.BatchSize, "concurrency", c.opts.Concurrency)
	return nil
}

// DoProcess runs one crawl tick.
func (c *Crawler) DoProcess(ctx context.Context) error {
	progressed, err := c.tick(ctx)
	c.mu.Lock()
	c.progress = progressed
	c.mu.Unlock()
	return err
}

// NextDelay returns CatchUpDelay after a tick that advanced the cursor and
// interval otherwise.
func (c *Crawler) NextDelay(interval time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress {
		return c.opts.CatchUpDelay
	}
	return interval
}

// Status returns a snapshot of the crawler.
func (c *Crawler) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SafeHead returns the newest block with the required confirmations.
func (c *Crawler) SafeHead(ctx context.Context) (head, safe uint64, err error) {
	g, err := c.gateways.Get(ctx, c.native.Symbol)
	if err != nil {
		return 0, 0, err
	}
	cfg, err := c.gateways.Currencies().Config(c.native.Symbol)
	if err != nil {
		return 0, 0, err
	}
	head, err = g.GetBlockCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: block count: %w", c.native.Symbol, err)
	}
	if head > cfg.RequiredConfirmations {
		safe = head - cfg.RequiredConfirmations
	}
	return head, safe, nil
}

// tick processes the next batch. It reports whether the cursor moved.
func (c *Crawler) tick(ctx context.Context) (bool, error) {
	if c.processor == nil {
		if err := c.Prepare(ctx); err != nil {
			return false, err
		}
	}

	head, safe, err := c.SafeHead(ctx)
	if err != nil {
		return false, err
	}

	last, ok, err := c.callbacks.GetLatestCrawledBlockNumber(ctx, c)
	if err != nil {
		return false, fmt.Errorf("%s: read cursor: %w", c.native.Symbol, err)
	}
	if !ok {
		if c.opts.StartBlock == 0 {
			if err := c.callbacks.OnBlockCrawled(ctx, c, safe); err != nil {
				return false, fmt.Errorf("%s: initialise cursor: %w", c.native.Symbol, err)
			}
			c.log.Info("Cursor initialised at safe head", "block", safe, "head", head)
			c.record(head, safe, safe)
			return false, nil
		}
		last = c.opts.StartBlock - 1
	}

	to := min(last+c.opts.BatchSize, safe)
	if to <= last {
		c.record(head, safe, last)
		return false, nil
	}
	from := last + 1

	start := time.Now()
	overrun := time.AfterFunc(c.opts.ProcessingTimeout, func() {
		metrics.CrawlerOverruns.WithLabelValues(string(c.opts.Platform)).Inc()
		c.log.Warn("Block range is taking longer than expected",
			"from", from, "to", to, "timeout", c.opts.ProcessingTimeout)
	})
	defer overrun.Stop()

	txs, err := c.processor.Process(ctx, c, from, to)
	if err != nil {
		return false, fmt.Errorf("%s: process %d-%d: %w", c.native.Symbol, from, to, err)
	}

	var entries []gateway.TransferEntry
	for _, tx := range txs {
		entries = append(entries, tx.ExtractEntries()...)
	}
	if err := c.callbacks.OnCrawlingTxs(ctx, c, entries); err != nil {
		return false, fmt.Errorf("%s: deliver %d-%d: %w", c.native.Symbol, from, to, err)
	}
	if err := c.callbacks.OnBlockCrawled(ctx, c, to); err != nil {
		return false, fmt.Errorf("%s: advance cursor to %d: %w", c.native.Symbol, to, err)
	}

	platform := string(c.opts.Platform)
	metrics.CrawlerBlocks.WithLabelValues(platform).Add(float64(to - from + 1))
	metrics.CrawlerTransactions.WithLabelValues(platform).Add(float64(len(txs)))
	metrics.CrawlerCursor.WithLabelValues(platform).Set(float64(to))
	c.record(head, safe, to)

	c.log.Info("Processed blocks",
		"from", from, "to", to, "head", head, "txs", len(txs), "entries", len(entries),
		"duration", time.Since(start))
	return true, nil
}

func (c *Crawler) record(head, safe, cursor uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Head = head
	c.status.Safe = safe
	c.status.Cursor = cursor
	c.status.LastRun = time.Now()
}
