// Package governor enforces a global minimum spacing between outbound
// platform calls. One instance is shared process-wide.
package governor

import (
	"context"
	"sync"
	"time"
)

// Governor serializes callers into a single queue and makes each one wait
// until at least the configured interval has elapsed since the previous
// caller was released. Waits therefore compound: three near-simultaneous
// callers are spaced interval apart, not released together. Ordering follows
// the mutex, which hands off to starved waiters in arrival order but may let
// a fresh caller barge ahead of one blocked under a millisecond.
//
// The very first call never waits.
type Governor struct {
	mu       sync.Mutex
	interval time.Duration

	// last is the instant the previous waiter was released. Zero until the
	// first call completes.
	last time.Time
}

func New(interval time.Duration) *Governor {
	if interval < 0 {
		interval = 0
	}
	return &Governor{interval: interval}
}

// SetInterval updates the minimum spacing. Applies to waiters acquired after
// the call; a waiter already sleeping keeps its computed delay.
func (g *Governor) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	g.mu.Lock()
	g.interval = d
	g.mu.Unlock()
}

func (g *Governor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Wait blocks until the configured interval has elapsed since the previous
// release. Returns ctx.Err() if the context is cancelled while queued or
// sleeping; a cancelled wait does not advance the release timestamp.
func (g *Governor) Wait(ctx context.Context) error {
	return g.wait(ctx, -1)
}

// WaitFor is Wait with a per-call spacing override. override < 0 means "use
// the configured interval"; 0 disables spacing for this call (it still queues
// behind earlier waiters).
func (g *Governor) WaitFor(ctx context.Context, override time.Duration) error {
	return g.wait(ctx, override)
}

func (g *Governor) wait(ctx context.Context, override time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Holding the mutex while sleeping is the queue: it serializes all
	// callers and compounds their waits.
	g.mu.Lock()
	defer g.mu.Unlock()

	spacing := g.interval
	if override >= 0 {
		spacing = override
	}

	if !g.last.IsZero() && spacing > 0 {
		delay := spacing - time.Since(g.last)
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	g.last = time.Now()
	return nil
}
