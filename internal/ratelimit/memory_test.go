package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, clock *fakeClock) *MemoryLimiter {
	t.Helper()
	l := newMemoryLimiter(Config{MaxAttempts: 5, Window: 15 * time.Minute}, clock.Now)
	t.Cleanup(l.Stop)
	return l
}

func TestMemoryLimiter_AllowsUpToMax(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Attempt(ctx, "192.0.2.1")
		if err != nil {
			t.Fatalf("Attempt returned error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d: Allowed = false, want true", i)
		}
		if d.Count != i {
			t.Errorf("attempt %d: Count = %d, want %d", i, d.Count, i)
		}
	}

	clock.Advance(time.Minute)
	d, err := l.Attempt(ctx, "192.0.2.1")
	if err != nil {
		t.Fatalf("Attempt returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th attempt: Allowed = true, want false")
	}
	if d.RetryAfter != 14*time.Minute {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, 14*time.Minute)
	}
}

func TestMemoryLimiter_WindowResets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Attempt(ctx, "k")
	}

	clock.Advance(15 * time.Minute)
	d, _ := l.Attempt(ctx, "k")
	if !d.Allowed {
		t.Error("Allowed = false after window elapsed, want true")
	}
	if d.Count != 1 {
		t.Errorf("Count = %d, want 1", d.Count)
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Attempt(ctx, "a")
	}

	d, _ := l.Attempt(ctx, "b")
	if !d.Allowed {
		t.Error("other key should not be throttled")
	}
}

func TestMemoryLimiter_ConcurrentAttemptsCountedOnce(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Attempt(ctx, "shared")
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 5 {
		t.Errorf("allowed = %d, want 5", got)
	}
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	l.Attempt(ctx, "a")
	l.Attempt(ctx, "b")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	clock.Advance(10 * time.Minute)
	l.Attempt(ctx, "c")

	clock.Advance(6 * time.Minute)
	l.cleanup()

	if l.Len() != 1 {
		t.Errorf("Len after cleanup = %d, want 1", l.Len())
	}
}

func TestMemoryLimiter_StopIsIdempotent(t *testing.T) {
	l := NewMemoryLimiter(Config{MaxAttempts: 1, Window: time.Minute, CleanupInterval: time.Millisecond})
	l.Stop()
	l.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.Window != 15*time.Minute {
		t.Errorf("Window = %v, want 15m", cfg.Window)
	}
}
