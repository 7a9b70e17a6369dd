package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeadCacheSubtractsOneAndCaches(t *testing.T) {
	var calls atomic.Int32
	tip := uint64(1000)
	h := NewHeadCache(func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		return tip, nil
	}, 10*time.Second)
	now := time.Unix(0, 0)
	h.SetClock(func() time.Time { return now })

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 999 {
		t.Errorf("Get = %d, want 999", got)
	}

	tip = 1005
	now = now.Add(5 * time.Second)
	if got, _ := h.Get(context.Background()); got != 999 {
		t.Errorf("Get within TTL = %d, want cached 999", got)
	}

	now = now.Add(6 * time.Second)
	if got, _ := h.Get(context.Background()); got != 1004 {
		t.Errorf("Get after TTL = %d, want 1004", got)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch called %d times, want 2", calls.Load())
	}

	h.Invalidate()
	h.Get(context.Background())
	if calls.Load() != 3 {
		t.Errorf("fetch called %d times after Invalidate, want 3", calls.Load())
	}
}
