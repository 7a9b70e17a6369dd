// Package cache provides bounded, expiring read-through caches with
// in-flight request de-duplication for chain data.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Defaults for block and transaction caches.
const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Minute
)

// Remote is a shared second-level cache, e.g. Redis.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Loader fetches a value from the network. The boolean reports whether the
// value may be cached; not-found results are returned with false.
type Loader[V any] func(ctx context.Context) (V, bool, error)

// Fetcher is a read-through cache keyed by string.
type Fetcher[V any] struct {
	name   string
	ttl    time.Duration
	local  *expirable.LRU[string, V]
	remote Remote
	group  singleflight.Group
	log    *logging.Logger
}

// Options configures a Fetcher.
type Options struct {
	Size   int
	TTL    time.Duration
	Remote Remote
}

// New creates a fetcher. name prefixes remote keys and labels metrics.
func New[V any](name string, opts Options) *Fetcher[V] {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Fetcher[V]{
		name:   name,
		ttl:    opts.TTL,
		local:  expirable.NewLRU[string, V](opts.Size, nil, opts.TTL),
		remote: opts.Remote,
		log:    logging.GetDefault().Component("cache"),
	}
}

// Get returns the cached value for key or loads it. Concurrent loads of the
// same key share one call to load; the in-flight marker is released when that
// call returns, whatever its outcome.
func (f *Fetcher[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := f.local.Get(key); ok {
		metrics.CacheRequests.WithLabelValues(f.name, "hit").Inc()
		return v, nil
	}

	res, err, _ := f.group.Do(key, func() (interface{}, error) {
		if v, ok := f.local.Get(key); ok {
			return v, nil
		}
		if v, ok := f.getRemote(ctx, key); ok {
			metrics.CacheRequests.WithLabelValues(f.name, "remote_hit").Inc()
			f.local.Add(key, v)
			return v, nil
		}
		metrics.CacheRequests.WithLabelValues(f.name, "miss").Inc()
		v, cacheable, err := load(ctx)
		if err != nil {
			return v, err
		}
		if cacheable {
			f.local.Add(key, v)
			f.setRemote(ctx, key, v)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Peek returns a cached value without loading.
func (f *Fetcher[V]) Peek(key string) (V, bool) {
	return f.local.Peek(key)
}

// Remove drops a key from the local cache.
func (f *Fetcher[V]) Remove(key string) {
	f.local.Remove(key)
}

// Len returns the number of locally cached entries.
func (f *Fetcher[V]) Len() int {
	return f.local.Len()
}

func (f *Fetcher[V]) remoteKey(key string) string {
	return "walletd:" + f.name + ":" + key
}

func (f *Fetcher[V]) getRemote(ctx context.Context, key string) (V, bool) {
	var zero V
	if f.remote == nil {
		return zero, false
	}
	data, ok, err := f.remote.Get(ctx, f.remoteKey(key))
	if err != nil {
		f.log.Warn("Remote cache read failed", "cache", f.name, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		f.log.Warn("Remote cache entry undecodable", "cache", f.name, "key", key, "error", err)
		return zero, false
	}
	return v, true
}

func (f *Fetcher[V]) setRemote(ctx context.Context, key string, v V) {
	if f.remote == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := f.remote.Set(ctx, f.remoteKey(key), data, f.ttl); err != nil {
		f.log.Warn("Remote cache write failed", "cache", f.name, "error", err)
	}
}
