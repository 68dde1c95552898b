package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/queue"
	"postpilot/internal/recurrence"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: ""}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("disabled storage returned a store")
	}
}

func TestSchedulesRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	list, err := st.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("LoadSchedules on empty store: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("empty store returned %d schedules", len(list))
	}

	next := time.Date(2025, 9, 23, 8, 30, 0, 0, time.UTC)
	in := []schedule.Schedule{{
		ID:          "s1",
		Name:        "daily news",
		Group:       "news",
		Active:      true,
		Frequency:   recurrence.Rule{Every: 1, Unit: recurrence.UnitDays, TimesOfDay: []string{"08:30"}, TimeZone: "UTC"},
		NextTrigger: &next,
		CreatedAt:   time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	}}
	if err := st.SaveSchedules(ctx, in); err != nil {
		t.Fatalf("SaveSchedules: %v", err)
	}

	got, err := st.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("LoadSchedules: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" || got[0].Group != "news" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got[0].NextTrigger == nil || !got[0].NextTrigger.Equal(next) {
		t.Fatalf("NextTrigger = %v, want %v", got[0].NextTrigger, next)
	}
	if got[0].Frequency.Unit != recurrence.UnitDays {
		t.Fatalf("rule unit = %q", got[0].Frequency.Unit)
	}
}

func TestDraftLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_, err := st.AddDraft(ctx, queue.Item{
			ID:        id,
			Group:     "news",
			Text:      "post " + id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Priority:  queue.PriorityUnassigned,
		})
		if err != nil {
			t.Fatalf("AddDraft %s: %v", id, err)
		}
	}

	items, err := st.ListGroup(ctx, "news")
	if err != nil {
		t.Fatalf("ListGroup: %v", err)
	}
	if len(items) != 3 || items[0].ID != "a" {
		t.Fatalf("ListGroup = %+v, want a,b,c by created_at", items)
	}

	if err := st.WritePriority(ctx, "b", 0); err != nil {
		t.Fatalf("WritePriority: %v", err)
	}
	if err := st.WritePriority(ctx, "zzz", 0); !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("WritePriority unknown: got %v, want ErrDraftNotFound", err)
	}

	if err := st.MarkPublished(ctx, "a", base.Add(time.Hour)); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	items, err = st.ListGroup(ctx, "news")
	if err != nil {
		t.Fatalf("ListGroup: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("published draft still listed: %+v", items)
	}

	n, err := st.PrunePublished(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PrunePublished: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d drafts, want 1", n)
	}
}

func TestDraftsSurviveReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if _, err := st.AddDraft(ctx, queue.Item{
		ID: "a", Group: "news", Text: "hello",
		CreatedAt: time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC),
		Priority:  queue.PriorityUnassigned,
	}); err != nil {
		t.Fatalf("AddDraft: %v", err)
	}
	if err := st.WritePriority(ctx, "a", 4); err != nil {
		t.Fatalf("WritePriority: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	items, err := st.ListGroup(ctx, "news")
	if err != nil {
		t.Fatalf("ListGroup after reopen: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a" || items[0].Priority != 4 {
		t.Fatalf("reopened state mismatch: %+v", items)
	}
}
