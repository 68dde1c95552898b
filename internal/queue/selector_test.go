package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

type fakeDrafts struct {
	items  map[string]*Item
	writes int
}

func newFakeDrafts(items ...Item) *fakeDrafts {
	f := &fakeDrafts{items: map[string]*Item{}}
	for i := range items {
		it := items[i]
		f.items[it.ID] = &it
	}
	return f
}

func (f *fakeDrafts) ListGroup(_ context.Context, group string) ([]Item, error) {
	var out []Item
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
	f.writes++
	return nil
}

func at(offset int) time.Time {
	return time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Minute)
}

func TestNextItemEmptyGroup(t *testing.T) {
	t.Parallel()

	s := NewSelector(newFakeDrafts(), logx.Nop())
	it, err := s.NextItem(context.Background(), "news")
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if it != nil {
		t.Fatalf("got %+v, want nil", it)
	}
}

func TestNextItemAssignsNewDraftsAfterRanked(t *testing.T) {
	t.Parallel()

	drafts := newFakeDrafts(
		Item{ID: "a", Group: "news", CreatedAt: at(0), Priority: 0},
		Item{ID: "b", Group: "news", CreatedAt: at(1), Priority: 1},
		// Newcomers, out of creation order on purpose.
		Item{ID: "d", Group: "news", CreatedAt: at(5), Priority: PriorityUnassigned},
		Item{ID: "c", Group: "news", CreatedAt: at(3), Priority: PriorityUnassigned},
		// Different group, must not be touched.
		Item{ID: "x", Group: "memes", CreatedAt: at(2), Priority: PriorityUnassigned},
	)
	s := NewSelector(drafts, logx.Nop())

	it, err := s.NextItem(context.Background(), "news")
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if it.ID != "a" {
		t.Fatalf("next item = %s, want a", it.ID)
	}

	// c was created before d: it ranks first among the newcomers.
	if got := drafts.items["c"].Priority; got != 2 {
		t.Fatalf("priority of c = %d, want 2", got)
	}
	if got := drafts.items["d"].Priority; got != 3 {
		t.Fatalf("priority of d = %d, want 3", got)
	}
	if got := drafts.items["x"].Priority; got != PriorityUnassigned {
		t.Fatalf("other group's item was ranked: %d", got)
	}
}

func TestNextItemNewDraftsSkipPriorityGaps(t *testing.T) {
	t.Parallel()

	// A deletion left a gap: survivors hold 0 and 2. A newcomer must rank
	// after the highest survivor, not at len(assigned), which is 2 here and
	// would collide.
	drafts := newFakeDrafts(
		Item{ID: "a", Group: "news", CreatedAt: at(0), Priority: 0},
		Item{ID: "c", Group: "news", CreatedAt: at(2), Priority: 2},
		Item{ID: "d", Group: "news", CreatedAt: at(5), Priority: PriorityUnassigned},
	)
	s := NewSelector(drafts, logx.Nop())

	it, err := s.NextItem(context.Background(), "news")
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if it.ID != "a" {
		t.Fatalf("next item = %s, want a", it.ID)
	}
	if got := drafts.items["d"].Priority; got != 3 {
		t.Fatalf("priority of d = %d, want 3", got)
	}
}

func TestSetOrderRejectsNonPermutation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ids  []string
	}{
		{"missing id", []string{"a"}},
		{"unknown id", []string{"a", "z"}},
		{"duplicate id", []string{"a", "a"}},
		{"too many", []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drafts := newFakeDrafts(
				Item{ID: "a", Group: "news", CreatedAt: at(0), Priority: 0},
				Item{ID: "b", Group: "news", CreatedAt: at(1), Priority: 1},
			)
			s := NewSelector(drafts, logx.Nop())
			err := s.SetOrder(context.Background(), "news", tc.ids)
			if !errors.Is(err, ErrOrderMismatch) {
				t.Fatalf("got %v, want ErrOrderMismatch", err)
			}
			if drafts.writes != 0 {
				t.Fatalf("rejected reorder wrote %d priorities", drafts.writes)
			}
		})
	}
}

func TestSetOrderThenNextItem(t *testing.T) {
	t.Parallel()

	drafts := newFakeDrafts(
		Item{ID: "a", Group: "news", CreatedAt: at(0), Priority: 0},
		Item{ID: "b", Group: "news", CreatedAt: at(1), Priority: 1},
		Item{ID: "c", Group: "news", CreatedAt: at(2), Priority: 2},
	)
	s := NewSelector(drafts, logx.Nop())
	ctx := context.Background()

	if err := s.SetOrder(ctx, "news", []string{"c", "a", "b"}); err != nil {
		t.Fatalf("SetOrder: %v", err)
	}

	it, err := s.NextItem(ctx, "news")
	if err != nil {
		t.Fatalf("NextItem: %v", err)
	}
	if it.ID != "c" {
		t.Fatalf("next item = %s, want c (index 0 of new order)", it.ID)
	}
}
