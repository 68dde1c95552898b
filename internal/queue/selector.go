// Package queue orders draft posts within a group and picks the next one to
// publish. Priorities are dense and unique per group: 0..n-1, lower first.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	logx "postpilot/pkg/logx"
)

// PriorityUnassigned marks a draft that has not been ranked yet. It receives
// a priority the first time the selector ranks its group, or via SetOrder.
const PriorityUnassigned = -1

var ErrOrderMismatch = errors.New("ordered ids are not a permutation of the group's items")

// Item is a queued draft post.
type Item struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Priority  int       `json:"priority"`
}

// Drafts is the storage collaborator the selector ranks over.
type Drafts interface {
	ListGroup(ctx context.Context, group string) ([]Item, error)
	WritePriority(ctx context.Context, id string, priority int) error
}

type Selector struct {
	drafts Drafts
	log    logx.Logger
}

func NewSelector(drafts Drafts, log logx.Logger) *Selector {
	return &Selector{drafts: drafts, log: log.With(logx.String("comp", "queue"))}
}

// NextItem returns the lowest-priority item in the group, or nil when the
// group is empty.
//
// Unranked items are folded in first: they are sorted by creation time and
// appended after the already-ranked items, and the new priorities are
// persisted before the winner is chosen.
func (s *Selector) NextItem(ctx context.Context, group string) (*Item, error) {
	items, err := s.drafts.ListGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("list group %q: %w", group, err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	var assigned, unassigned []Item
	for _, it := range items {
		if it.Priority == PriorityUnassigned {
			unassigned = append(unassigned, it)
		} else {
			assigned = append(assigned, it)
		}
	}

	if len(unassigned) > 0 {
		sort.Slice(unassigned, func(i, j int) bool {
			return unassigned[i].CreatedAt.Before(unassigned[j].CreatedAt)
		})
		// Continue after the highest surviving priority. Deletions leave
		// gaps, so len(assigned) could collide with a live priority.
		next := 0
		for _, it := range assigned {
			if it.Priority >= next {
				next = it.Priority + 1
			}
		}
		for i := range unassigned {
			unassigned[i].Priority = next + i
			if err := s.drafts.WritePriority(ctx, unassigned[i].ID, unassigned[i].Priority); err != nil {
				return nil, fmt.Errorf("assign priority to %s: %w", unassigned[i].ID, err)
			}
		}
		s.log.Debug("assigned priorities to new drafts",
			logx.String("group", group),
			logx.Int("count", len(unassigned)),
		)
		assigned = append(assigned, unassigned...)
	}

	best := assigned[0]
	for _, it := range assigned[1:] {
		if it.Priority < best.Priority {
			best = it
		}
	}
	return &best, nil
}

// SetOrder replaces the group's ranking with the given id order (index =
// priority). The id list must be exactly a permutation of the group's current
// items; any mismatch fails without writing anything.
func (s *Selector) SetOrder(ctx context.Context, group string, orderedIDs []string) error {
	items, err := s.drafts.ListGroup(ctx, group)
	if err != nil {
		return fmt.Errorf("list group %q: %w", group, err)
	}

	if len(orderedIDs) != len(items) {
		return fmt.Errorf("%w: got %d ids, group has %d items", ErrOrderMismatch, len(orderedIDs), len(items))
	}
	current := make(map[string]bool, len(items))
	for _, it := range items {
		current[it.ID] = true
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !current[id] {
			return fmt.Errorf("%w: unknown id %s", ErrOrderMismatch, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %s", ErrOrderMismatch, id)
		}
		seen[id] = true
	}

	for idx, id := range orderedIDs {
		if err := s.drafts.WritePriority(ctx, id, idx); err != nil {
			return fmt.Errorf("write priority for %s: %w", id, err)
		}
	}
	s.log.Debug("group reordered", logx.String("group", group), logx.Int("count", len(orderedIDs)))
	return nil
}
