// Package admission implements the per-identifier fixed-window request
// counter that guards checkout initiation.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Gate counts requests per identifier within a window.
type Gate interface {
	Check(ctx context.Context, identifier string, maxRequests int, window time.Duration) (Result, error)
	Sweep(ctx context.Context) (int, error)
}

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryGate keeps counters in process memory. It is not shared between
// instances, so each replica admits its own quota.
type MemoryGate struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (g *MemoryGate) Check(_ context.Context, identifier string, maxRequests int, window time.Duration) (Result, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[identifier]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		g.entries[identifier] = e
		return Result{Allowed: true, Limit: maxRequests, Remaining: maxRequests - 1, ResetAt: e.resetAt}, nil
	}

	if e.count >= maxRequests {
		return Result{Allowed: false, Limit: maxRequests, Remaining: 0, ResetAt: e.resetAt}, nil
	}

	e.count++
	return Result{Allowed: true, Limit: maxRequests, Remaining: maxRequests - e.count, ResetAt: e.resetAt}, nil
}

// Sweep drops every entry whose window has elapsed.
func (g *MemoryGate) Sweep(_ context.Context) (int, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, e := range g.entries {
		if !now.Before(e.resetAt) {
			delete(g.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (g *MemoryGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// RunSweeper calls gate.Sweep every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, gate Gate, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := gate.Sweep(ctx)
			if err != nil {
				logger.Error("failed to sweep admission counters", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("admission counters swept", "removed", removed)
			}
		}
	}
}
