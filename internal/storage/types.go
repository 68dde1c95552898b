// Package storage persists schedules and draft posts.
//
// Two drivers:
//   - "file": dependency-free file backend (JSON blob + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// Schedules move as a whole collection per read/write: there is no row-level
// update and no optimistic locking. A single active process is assumed.
package storage

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/queue"
	"postpilot/internal/schedule"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrDraftNotFound = errors.New("draft not found")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the schedule store, the content
// selector and the publish handoff.
type Store interface {
	// Whole-collection schedule persistence (schedule.Persistence).
	LoadSchedules(ctx context.Context) ([]schedule.Schedule, error)
	SaveSchedules(ctx context.Context, schedules []schedule.Schedule) error

	// Draft queue (queue.Drafts plus lifecycle ops). ListGroup returns only
	// pending drafts; published ones stay on disk until pruned.
	ListGroup(ctx context.Context, group string) ([]queue.Item, error)
	WritePriority(ctx context.Context, id string, priority int) error
	AddDraft(ctx context.Context, item queue.Item) (queue.Item, error)
	DeleteDraft(ctx context.Context, id string) error
	MarkPublished(ctx context.Context, id string, at time.Time) error
	PrunePublished(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
