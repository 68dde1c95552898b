package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/governor"
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

type fakeClient struct {
	name     string
	failures int // fail this many calls before succeeding
	calls    int
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) Publish(context.Context, transport.Post) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("platform unavailable")
	}
	return nil
}

type fixture struct {
	pipeline *Pipeline
	db       *fakePersistence
	drafts   *fakeDrafts
	client   *fakeClient
	bus      eventbus.Bus
	store    *schedule.Store
}

func newFixture(t *testing.T, clientFailures int) *fixture {
	t.Helper()

	db := &fakePersistence{}
	store := schedule.NewStore(db, logx.Nop())
	drafts := &fakeDrafts{items: map[string]*queue.Item{}}
	client := &fakeClient{name: "telegram", failures: clientFailures}

	reg := transport.NewRegistry("telegram")
	reg.Register(client)

	bus := eventbus.New()
	p := New(store, queue.NewSelector(drafts, logx.Nop()), governor.New(0), reg, bus, logx.Nop())
	p.SetRetryPolicy(3, 0)
	p.now = func() time.Time { return time.Date(2025, 9, 23, 9, 0, 0, 0, time.UTC) }

	return &fixture{pipeline: p, db: db, drafts: drafts, client: client, bus: bus, store: store}
}

func (f *fixture) createSchedule(t *testing.T, active bool) schedule.Schedule {
	t.Helper()
	sc, err := f.store.Create(context.Background(), schedule.CreateRequest{
		Name:      "hourly",
		Group:     "news",
		Frequency: recurrence.Rule{Every: 1, Unit: recurrence.UnitHours},
		Active:    active,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sc
}

func (f *fixture) addDraft(id string, offset time.Duration) {
	f.drafts.items[id] = &queue.Item{
		ID:        id,
		Group:     "news",
		Text:      "post " + id,
		CreatedAt: time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC).Add(offset),
		Priority:  queue.PriorityUnassigned,
	}
}

func TestPublishNextEmptyGroupStillAdvances(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	sc := f.createSchedule(t, true)
	ctx := context.Background()

	if err := f.pipeline.PublishNext(ctx, sc.ID); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}

	got, err := f.store.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastTriggered == nil {
		t.Fatal("LastTriggered not set despite empty group")
	}
	want := got.LastTriggered.Add(time.Hour)
	if got.NextTrigger == nil || !got.NextTrigger.Equal(want) {
		t.Fatalf("NextTrigger = %v, want %v", got.NextTrigger, want)
	}
	if f.client.calls != 0 {
		t.Fatalf("client called %d times for empty group", f.client.calls)
	}
}

func TestPublishNextDeliversAndEmitsEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	sc := f.createSchedule(t, true)
	f.addDraft("a", 0)
	f.addDraft("b", time.Minute)

	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.pipeline.PublishNext(context.Background(), sc.ID); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}
	if f.client.calls != 1 {
		t.Fatalf("client called %d times, want 1", f.client.calls)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypePostPublished {
			t.Fatalf("event type = %s", ev.Type)
		}
		pub := ev.Data.(eventbus.PostPublished)
		if pub.ItemID != "a" || pub.ScheduleID != sc.ID {
			t.Fatalf("event payload = %+v", pub)
		}
	case <-time.After(time.Second):
		t.Fatal("no published event")
	}
}

func TestPublishNextRetriesThenContainsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 99) // never succeeds
	sc := f.createSchedule(t, true)
	f.addDraft("a", 0)

	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	// Failures must not propagate: the scheduler's rescan loop depends on it.
	if err := f.pipeline.PublishNext(context.Background(), sc.ID); err != nil {
		t.Fatalf("PublishNext returned error: %v", err)
	}
	if f.client.calls != 3 {
		t.Fatalf("client called %d times, want 3 attempts", f.client.calls)
	}

	got, err := f.store.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastTriggered == nil {
		t.Fatal("schedule did not advance despite failure")
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypePostFailed {
			t.Fatalf("event type = %s, want post.failed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
}

func TestPublishNextTransientFailureRecovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2) // fail twice, succeed on third
	sc := f.createSchedule(t, true)
	f.addDraft("a", 0)

	if err := f.pipeline.PublishNext(context.Background(), sc.ID); err != nil {
		t.Fatalf("PublishNext: %v", err)
	}
	if f.client.calls != 3 {
		t.Fatalf("client called %d times, want 3", f.client.calls)
	}
}

func TestPublishNextSkipsInactiveAndMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	sc := f.createSchedule(t, false)
	f.addDraft("a", 0)
	ctx := context.Background()

	if err := f.pipeline.PublishNext(ctx, sc.ID); err != nil {
		t.Fatalf("PublishNext inactive: %v", err)
	}
	got, _ := f.store.Get(ctx, sc.ID)
	if got.LastTriggered != nil {
		t.Fatal("inactive schedule advanced")
	}
	if f.client.calls != 0 {
		t.Fatal("inactive schedule published")
	}

	if err := f.pipeline.PublishNext(ctx, "no-such-id"); err != nil {
		t.Fatalf("PublishNext missing: %v", err)
	}
}

func TestPreviewSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	sc := f.createSchedule(t, true)
	f.addDraft("a", 0)
	f.addDraft("b", time.Minute)

	pv, err := f.pipeline.PreviewSchedule(context.Background(), sc.ID, 3)
	if err != nil {
		t.Fatalf("PreviewSchedule: %v", err)
	}
	if len(pv.Occurrences) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(pv.Occurrences))
	}
	for i := 1; i < len(pv.Occurrences); i++ {
		if !pv.Occurrences[i].After(pv.Occurrences[i-1]) {
			t.Fatalf("occurrences not ascending: %v", pv.Occurrences)
		}
	}
	if pv.NextItem == nil || pv.NextItem.ID != "a" {
		t.Fatalf("NextItem = %+v, want a", pv.NextItem)
	}
	if f.client.calls != 0 {
		t.Fatal("preview published something")
	}
}
