package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultHeadTTL is how long a fetched chain head is reused.
const DefaultHeadTTL = 10 * time.Second

// HeadCache serves GetBlockCount. The reported head is one below the node's
// tip so that the crawler never reads a block the node is still assembling.
type HeadCache struct {
	fetch func(ctx context.Context) (uint64, error)
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	value     uint64
	fetchedAt time.Time

	group singleflight.Group
}

// NewHeadCache wraps a raw tip fetcher.
func NewHeadCache(fetch func(ctx context.Context) (uint64, error), ttl time.Duration) *HeadCache {
	if ttl <= 0 {
		ttl = DefaultHeadTTL
	}
	return &HeadCache{fetch: fetch, ttl: ttl, now: time.Now}
}

// SetClock replaces the time source.
func (h *HeadCache) SetClock(now func() time.Time) {
	h.now = now
}

// Get returns the cached head, refreshing it when stale. Concurrent callers
// share one upstream request.
func (h *HeadCache) Get(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	if !h.fetchedAt.IsZero() && h.now().Sub(h.fetchedAt) < h.ttl {
		v := h.value
		h.mu.Unlock()
		return v, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do("head", func() (interface{}, error) {
		tip, err := h.fetch(ctx)
		if err != nil {
			return uint64(0), err
		}
		head := uint64(0)
		if tip > 0 {
			head = tip - 1
		}
		h.mu.Lock()
		h.value = head
		h.fetchedAt = h.now()
		h.mu.Unlock()
		return head, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Invalidate forces the next Get to refetch.
func (h *HeadCache) Invalidate() {
	h.mu.Lock()
	h.fetchedAt = time.Time{}
	h.mu.Unlock()
}
