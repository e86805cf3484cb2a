package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mthdroid/moltpredict-skill/internal/cache"
	"github.com/mthdroid/moltpredict-skill/internal/testutil"
)

// ============================================================================
// LocalBus
// ============================================================================

func TestLocalBus_FanOut(t *testing.T) {
	bus := cache.NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := bus.Subscribe(ctx)
	b, _ := bus.Subscribe(ctx)

	if err := bus.Publish(ctx, []byte(`{"sequence":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
		select {
		case msg := <-ch:
			if string(msg) != `{"sequence":1}` {
				t.Errorf("%s got %s", name, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("%s received nothing", name)
		}
	}
}

func TestLocalBus_UnsubscribeOnCancel(t *testing.T) {
	bus := cache.NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after the subscriber left must not panic or block.
	if err := bus.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestLocalBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := cache.NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _ = bus.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = bus.Publish(ctx, []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestMarketKey(t *testing.T) {
	if got := cache.MarketKey(42); got != "molt:market:42" {
		t.Errorf("MarketKey(42) = %q", got)
	}
}

// ============================================================================
// Redis integration
// ============================================================================

func redisClient(t *testing.T) *cache.Client {
	t.Helper()
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := cache.New(ctx, cache.ClientConfig{Addr: testutil.TestRedisAddr(), PoolSize: 4})
	if err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type view struct {
	ID      uint64 `json:"id"`
	YesPool int64  `json:"yes_pool"`
}

func TestMarketCache_NeverRegresses(t *testing.T) {
	c := redisClient(t)
	ctx := context.Background()
	mc := cache.NewMarketCache(c)
	defer mc.Invalidate(ctx, 9001)

	if err := mc.Set(ctx, 9001, 10, view{ID: 9001, YesPool: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mc.Set(ctx, 9001, 7, view{ID: 9001, YesPool: 1}); err != nil {
		t.Fatalf("Set stale: %v", err)
	}

	var got view
	if err := mc.Get(ctx, 9001, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.YesPool != 100 {
		t.Errorf("stale write overwrote cache: %+v", got)
	}

	if err := mc.Invalidate(ctx, 9001); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := mc.Get(ctx, 9001, &got); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestWriterLease_Exclusive(t *testing.T) {
	c := redisClient(t)
	ctx := context.Background()
	key := "molt:lease:test"

	first, err := cache.AcquireLease(ctx, c, key, 3*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if _, err := cache.AcquireLease(ctx, c, key, 3*time.Second); !errors.Is(err, cache.ErrLeaseHeld) {
		t.Fatalf("second acquire: expected ErrLeaseHeld, got %v", err)
	}
	if err := first.Renew(ctx); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	first.Release()
	first.Release()

	second, err := cache.AcquireLease(ctx, c, key, 3*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	defer second.Release()

	if err := first.Renew(ctx); !errors.Is(err, cache.ErrLeaseLost) {
		t.Errorf("stale holder renew: expected ErrLeaseLost, got %v", err)
	}
}
