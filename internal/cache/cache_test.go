package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetcherCachesValues(t *testing.T) {
	f := New[string]("test", Options{Size: 8, TTL: time.Minute})
	var calls atomic.Int32
	load := func(ctx context.Context) (string, bool, error) {
		calls.Add(1)
		return "block-1", true, nil
	}

	for i := 0; i < 3; i++ {
		v, err := f.Get(context.Background(), "1", load)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if v != "block-1" {
			t.Errorf("Get = %s, want block-1", v)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("loader called %d times, want 1", calls.Load())
	}
}

func TestFetcherSkipsUncacheable(t *testing.T) {
	f := New[*int]("test", Options{})
	var calls atomic.Int32
	load := func(ctx context.Context) (*int, bool, error) {
		calls.Add(1)
		return nil, false, nil
	}
	for i := 0; i < 2; i++ {
		if _, err := f.Get(context.Background(), "missing", load); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("loader called %d times, want 2 for uncacheable results", calls.Load())
	}
}

func TestFetcherCollapsesConcurrentLoads(t *testing.T) {
	f := New[int]("test", Options{})
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (int, bool, error) {
		calls.Add(1)
		<-release
		return 42, true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Get(context.Background(), "k", load)
			if err != nil || v != 42 {
				t.Errorf("Get = %d, %v", v, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("loader called %d times, want 1", calls.Load())
	}
}

func TestFetcherReleasesAfterError(t *testing.T) {
	f := New[int]("test", Options{})
	boom := errors.New("boom")

	_, err := f.Get(context.Background(), "k", func(ctx context.Context) (int, bool, error) {
		return 0, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Get error = %v, want boom", err)
	}

	v, err := f.Get(context.Background(), "k", func(ctx context.Context) (int, bool, error) {
		return 7, true, nil
	})
	if err != nil || v != 7 {
		t.Errorf("Get after error = %d, %v, want 7", v, err)
	}
}

type memRemote struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestFetcherRemoteLayer(t *testing.T) {
	remote := &memRemote{data: make(map[string][]byte)}
	first := New[string]("tx", Options{Remote: remote})
	if _, err := first.Get(context.Background(), "abc", func(ctx context.Context) (string, bool, error) {
		return "payload", true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok := remote.data["walletd:tx:abc"]; !ok {
		t.Fatal("value not written to remote cache")
	}

	second := New[string]("tx", Options{Remote: remote})
	v, err := second.Get(context.Background(), "abc", func(ctx context.Context) (string, bool, error) {
		t.Error("loader should not run when the remote cache has the value")
		return "", false, nil
	})
	if err != nil || v != "payload" {
		t.Errorf("Get = %q, %v, want payload", v, err)
	}
}
