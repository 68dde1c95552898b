package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/governor"
	"postpilot/internal/publish"
	"postpilot/internal/queue"
	"postpilot/internal/recurrence"
	"postpilot/internal/schedule"
	"postpilot/internal/transport"
	logx "postpilot/pkg/logx"
)

type fakePersistence struct {
	schedules []schedule.Schedule
}

func (f *fakePersistence) LoadSchedules(context.Context) ([]schedule.Schedule, error) {
	return append([]schedule.Schedule(nil), f.schedules...), nil
}

func (f *fakePersistence) SaveSchedules(_ context.Context, s []schedule.Schedule) error {
	f.schedules = append([]schedule.Schedule(nil), s...)
	return nil
}

type fakeDrafts struct {
	items map[string]*queue.Item
}

func (f *fakeDrafts) ListGroup(_ context.Context, group string) ([]queue.Item, error) {
	var out []queue.Item
	for _, it := range f.items {
		if it.Group == group {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (f *fakeDrafts) WritePriority(_ context.Context, id string, priority int) error {
	it, ok := f.items[id]
	if !ok {
		return errors.New("unknown id")
	}
	it.Priority = priority
	return nil
}

type countingClient struct {
	calls atomic.Int64
}

func (c *countingClient) Name() string { return "telegram" }

func (c *countingClient) Publish(context.Context, transport.Post) error {
	c.calls.Add(1)
	return nil
}

type fixture struct {
	svc    *Service
	store  *schedule.Store
	client *countingClient
	drafts *fakeDrafts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := schedule.NewStore(&fakePersistence{}, logx.Nop())
	drafts := &fakeDrafts{items: map[string]*queue.Item{}}
	client := &countingClient{}

	reg := transport.NewRegistry("telegram")
	reg.Register(client)

	p := publish.New(store, queue.NewSelector(drafts, logx.Nop()), governor.New(0), reg, eventbus.New(), logx.Nop())
	p.SetRetryPolicy(1, 0)

	svc := New(store, p, time.UTC, logx.Nop())
	return &fixture{svc: svc, store: store, client: client, drafts: drafts}
}

func (f *fixture) createSchedule(t *testing.T, active bool) schedule.Schedule {
	t.Helper()
	sc, err := f.store.Create(context.Background(), schedule.CreateRequest{
		Group:     "news",
		Frequency: recurrence.Rule{Every: 1, Unit: recurrence.UnitHours},
		Active:    active,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sc
}

func TestRescanIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createSchedule(t, true)
	ctx := context.Background()

	if err := f.svc.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if err := f.svc.Rescan(ctx); err != nil {
		t.Fatalf("second Rescan: %v", err)
	}
	if got := f.svc.ArmedCount(); got != 1 {
		t.Fatalf("armed %d timers, want 1", got)
	}
}

func TestRescanSkipsInactiveAndDisarmsDeactivated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sc := f.createSchedule(t, true)
	f.createSchedule(t, false)
	ctx := context.Background()

	if err := f.svc.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := f.svc.ArmedCount(); got != 1 {
		t.Fatalf("armed %d timers, want 1 (inactive must not arm)", got)
	}

	inactive := false
	if _, err := f.store.Update(ctx, sc.ID, schedule.UpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := f.svc.Rescan(ctx); err != nil {
		t.Fatalf("Rescan after deactivate: %v", err)
	}
	if got := f.svc.ArmedCount(); got != 0 {
		t.Fatalf("armed %d timers after deactivate, want 0", got)
	}
}

func TestNextRunRecomputesStaleTriggerFromNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sc := f.createSchedule(t, true)

	now := time.Date(2025, 9, 23, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	// Pretend the process slept through several periods.
	stale := now.Add(-5 * time.Hour)
	sc.NextTrigger = &stale

	got, err := f.svc.nextRun(context.Background(), sc, now)
	if err != nil {
		t.Fatalf("nextRun: %v", err)
	}
	want := now.Add(time.Hour)
	if !got.Equal(want) {
		t.Fatalf("nextRun = %v, want %v (recomputed from now, no backlog)", got, want)
	}
}

func TestDisarmAndClearAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.createSchedule(t, true)
	f.createSchedule(t, true)
	ctx := context.Background()

	if err := f.svc.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := f.svc.ArmedCount(); got != 2 {
		t.Fatalf("armed %d, want 2", got)
	}

	f.svc.Disarm(a.ID)
	if got := f.svc.ArmedCount(); got != 1 {
		t.Fatalf("armed %d after Disarm, want 1", got)
	}

	f.svc.ClearAll()
	if got := f.svc.ArmedCount(); got != 0 {
		t.Fatalf("armed %d after ClearAll, want 0", got)
	}
}

func TestManualTriggerPublishesAndRearms(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sc := f.createSchedule(t, true)
	f.drafts.items["a"] = &queue.Item{
		ID: "a", Group: "news", Text: "hello",
		CreatedAt: time.Now(), Priority: queue.PriorityUnassigned,
	}
	f.svc.SetRescanEvery(time.Hour) // keep the cron tick out of the way

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Run(ctx)
	}()

	f.svc.TriggerNow(sc.ID)

	deadline := time.After(3 * time.Second)
	for f.client.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("manual trigger never published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The post-fire rescan must re-arm the next period.
	for f.svc.ArmedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("schedule not re-armed after fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got, err := f.store.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastTriggered == nil {
		t.Fatal("LastTriggered not set by manual fire")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if got := f.svc.ArmedCount(); got != 0 {
		t.Fatalf("armed %d timers after shutdown, want 0", got)
	}
}
