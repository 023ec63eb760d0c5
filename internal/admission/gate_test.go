package admission

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestGate() (*MemoryGate, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewMemoryGate()
	gate.now = clock.Now
	return gate, clock
}

func TestMemoryGate_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("denies the request after max within the window", func(t *testing.T) {
		gate, clock := newTestGate()

		for i := 1; i <= 3; i++ {
			res, err := gate.Check(ctx, "10.0.0.1", 3, time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.Allowed {
				t.Fatalf("request %d: expected allowed", i)
			}
			if res.Remaining != 3-i {
				t.Errorf("request %d: expected remaining %d, got %d", i, 3-i, res.Remaining)
			}
		}

		res, _ := gate.Check(ctx, "10.0.0.1", 3, time.Minute)
		if res.Allowed {
			t.Fatal("expected 4th request to be denied")
		}
		if res.Remaining != 0 {
			t.Errorf("expected remaining 0, got %d", res.Remaining)
		}
		if !res.ResetAt.Equal(clock.Now().Add(time.Minute)) {
			t.Errorf("unexpected reset time %v", res.ResetAt)
		}
	})

	t.Run("denial does not extend the window", func(t *testing.T) {
		gate, clock := newTestGate()

		_, _ = gate.Check(ctx, "id", 1, time.Minute)
		clock.Advance(30 * time.Second)
		denied, _ := gate.Check(ctx, "id", 1, time.Minute)
		if denied.Allowed {
			t.Fatal("expected denial")
		}

		clock.Advance(30 * time.Second)
		res, _ := gate.Check(ctx, "id", 1, time.Minute)
		if !res.Allowed {
			t.Fatal("expected request to be allowed once the window elapsed")
		}
	})

	t.Run("resets after the window elapses", func(t *testing.T) {
		gate, clock := newTestGate()

		for i := 0; i < 2; i++ {
			_, _ = gate.Check(ctx, "10.0.0.2", 2, time.Minute)
		}
		if res, _ := gate.Check(ctx, "10.0.0.2", 2, time.Minute); res.Allowed {
			t.Fatal("expected denial before window elapsed")
		}

		clock.Advance(time.Minute)

		res, _ := gate.Check(ctx, "10.0.0.2", 2, time.Minute)
		if !res.Allowed {
			t.Fatal("expected allowed after window elapsed")
		}
		if res.Remaining != 1 {
			t.Errorf("expected remaining 1, got %d", res.Remaining)
		}
	})

	t.Run("identifiers are counted independently", func(t *testing.T) {
		gate, _ := newTestGate()

		_, _ = gate.Check(ctx, "a", 1, time.Minute)
		if res, _ := gate.Check(ctx, "b", 1, time.Minute); !res.Allowed {
			t.Fatal("expected other identifier to be allowed")
		}
	})

	t.Run("concurrent checks never over-admit", func(t *testing.T) {
		gate, _ := newTestGate()

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, _ := gate.Check(ctx, "shared", 10, time.Minute)
				if res.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if allowed != 10 {
			t.Fatalf("expected exactly 10 admitted, got %d", allowed)
		}
	})
}

func TestMemoryGate_Sweep(t *testing.T) {
	ctx := context.Background()
	gate, clock := newTestGate()

	_, _ = gate.Check(ctx, "old", 5, time.Minute)
	clock.Advance(45 * time.Second)
	_, _ = gate.Check(ctx, "new", 5, time.Minute)
	clock.Advance(30 * time.Second)

	removed, err := gate.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}
	if gate.size() != 1 {
		t.Fatalf("expected 1 entry left, got %d", gate.size())
	}
}

func TestRunSweeper(t *testing.T) {
	gate, clock := newTestGate()
	_, _ = gate.Check(context.Background(), "expired", 5, time.Millisecond)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, gate, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for gate.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if gate.size() != 0 {
		t.Fatal("expected sweeper to purge expired entry")
	}
}
