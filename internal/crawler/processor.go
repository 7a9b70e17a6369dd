package crawler

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingcustody/internal/gateway"
)

// BlockRangeProcessor fetches every block of the range for each currency of
// the platform. Blocks are fetched concurrently; results keep block order.
type BlockRangeProcessor struct {
	Concurrency int
}

// Process implements Processor.
func (p *BlockRangeProcessor) Process(ctx context.Context, c *Crawler, from, to uint64) ([]*gateway.Transaction, error) {
	gws, err := platformGateways(ctx, c)
	if err != nil {
		return nil, err
	}

	var out []*gateway.Transaction
	for _, g := range gws {
		perBlock := make([][]*gateway.Transaction, to-from+1)

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(max(p.Concurrency, 1))
		for n := from; n <= to; n++ {
			eg.Go(func() error {
				txs, err := g.GetBlockTransactions(egCtx, n)
				if err != nil {
					return fmt.Errorf("%s block %d: %w", g.Currency().Symbol, n, err)
				}
				perBlock[n-from] = txs
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		count := 0
		for _, txs := range perBlock {
			out = append(out, txs...)
			count += len(txs)
		}
		c.log.Debug("Fetched transactions", "currency", g.Currency().Symbol, "from", from, "to", to, "txs", count)
	}
	return out, nil
}

// AccountRangeProcessor scans the history of the platform's deposit
// addresses instead of listing blocks.
type AccountRangeProcessor struct {
	Lister AddressLister
}

// Process implements Processor.
func (p *AccountRangeProcessor) Process(ctx context.Context, c *Crawler, from, to uint64) ([]*gateway.Transaction, error) {
	addresses, err := p.Lister.GetAddressesDepositCrawler(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("list deposit addresses: %w", err)
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	gws, err := platformGateways(ctx, c)
	if err != nil {
		return nil, err
	}
	var out []*gateway.Transaction
	for _, g := range gws {
		scanner, ok := g.(gateway.AccountScanner)
		if !ok {
			c.log.Debug("Gateway cannot scan accounts, skipping", "currency", g.Currency().Symbol)
			continue
		}
		txs, err := scanner.GetMultiBlocksTransactionsForAccounts(ctx, addresses, from, to)
		if err != nil {
			return nil, fmt.Errorf("%s accounts %d-%d: %w", g.Currency().Symbol, from, to, err)
		}
		out = append(out, txs...)
	}
	return out, nil
}

// platformGateways returns the gateways of every currency of the platform,
// native first. Currencies without a gateway implementation are skipped.
func platformGateways(ctx context.Context, c *Crawler) ([]gateway.Gateway, error) {
	var out []gateway.Gateway
	for _, cur := range c.gateways.Currencies().CurrenciesOfPlatform(c.opts.Platform) {
		g, err := c.gateways.Get(ctx, cur.Symbol)
		if errors.Is(err, gateway.ErrNoFactory) && !cur.IsNative {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
