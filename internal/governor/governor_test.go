package governor

import (
	"context"
	"testing"
	"time"
)

func TestFirstCallDoesNotWait(t *testing.T) {
	t.Parallel()

	g := New(300 * time.Millisecond)
	start := time.Now()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("first wait took %v, want ~0", elapsed)
	}
}

func TestSequentialWaitsCompound(t *testing.T) {
	t.Parallel()

	g := New(300 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 600*time.Millisecond {
		t.Fatalf("three waits took %v, want >= 600ms", elapsed)
	}
}

func TestConcurrentWaitsSerialize(t *testing.T) {
	t.Parallel()

	g := New(100 * time.Millisecond)
	ctx := context.Background()

	releases := make(chan time.Time, 3)
	for i := 0; i < 3; i++ {
		go func() {
			if err := g.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			releases <- time.Now()
		}()
	}

	var times []time.Time
	for i := 0; i < 3; i++ {
		select {
		case ts := <-releases:
			times = append(times, ts)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released", i)
		}
	}
	// Releases arrive in channel-receive order which matches release order.
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 80*time.Millisecond {
			t.Fatalf("release gap %d was %v, want >= ~100ms", i, gap)
		}
	}
}

func TestWaitForOverride(t *testing.T) {
	t.Parallel()

	g := New(5 * time.Second)
	ctx := context.Background()

	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	start := time.Now()
	if err := g.WaitFor(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 80*time.Millisecond {
		t.Fatalf("override wait took %v, want >= ~100ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("override wait took %v, configured interval leaked in", elapsed)
	}
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	g := New(10 * time.Second)
	ctx := context.Background()

	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := g.Wait(cctx); err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}
