package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/queue"
	"postpilot/internal/schedule"
)

// The methods below are the surface consumed by whatever front end drives the
// kernel (HTTP layer, bot commands, CLI). Validation and not-found errors
// propagate to the caller; publish failures never do.

func (a *App) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	return a.schedules.List(ctx)
}

func (a *App) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	return a.schedules.Get(ctx, id)
}

func (a *App) CreateSchedule(ctx context.Context, req schedule.CreateRequest) (schedule.Schedule, error) {
	sc, err := a.schedules.Create(ctx, req)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := a.sched.Rescan(ctx); err != nil {
		a.log.Warn("rescan after create failed")
	}
	a.announceScheduleChange(sc.ID, "create")
	return sc, nil
}

func (a *App) UpdateSchedule(ctx context.Context, id string, req schedule.UpdateRequest) (schedule.Schedule, error) {
	sc, err := a.schedules.Update(ctx, id, req)
	if err != nil {
		return schedule.Schedule{}, err
	}
	// Re-arm from scratch: the old timer may point at a stale instant.
	a.sched.Disarm(id)
	if err := a.sched.Rescan(ctx); err != nil {
		a.log.Warn("rescan after update failed")
	}
	a.announceScheduleChange(sc.ID, "update")
	return sc, nil
}

func (a *App) DeleteSchedule(ctx context.Context, id string) error {
	if err := a.schedules.Delete(ctx, id); err != nil {
		return err
	}
	a.sched.Disarm(id)
	a.announceScheduleChange(id, "delete")
	return nil
}

func (a *App) announceScheduleChange(id, op string) {
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleChanged,
		Data: eventbus.ScheduleChanged{ScheduleID: id, Op: op},
	})
}

// ReorderGroupItems replaces a group's queue order. The id list must be a
// permutation of the group's current drafts.
func (a *App) ReorderGroupItems(ctx context.Context, group string, orderedIDs []string) error {
	return a.selector.SetOrder(ctx, group, orderedIDs)
}

// TriggerScheduleNow fires the schedule immediately, bypassing its timer.
func (a *App) TriggerScheduleNow(ctx context.Context, id string) error {
	if _, err := a.schedules.Get(ctx, id); err != nil {
		return err
	}
	a.sched.TriggerNow(id)
	return nil
}

// PreviewSchedule returns the next count occurrences and the draft that would
// publish first.
func (a *App) PreviewSchedule(ctx context.Context, id string, count int) (publish.Preview, error) {
	return a.pipeline.PreviewSchedule(ctx, id, count)
}

// AddDraft queues a new draft post at the end of its group.
func (a *App) AddDraft(ctx context.Context, group, text string) (queue.Item, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return queue.Item{}, fmt.Errorf("group is required")
	}
	return a.store.AddDraft(ctx, queue.Item{
		ID:        uuid.NewString(),
		Group:     group,
		Text:      text,
		CreatedAt: time.Now(),
		Priority:  queue.PriorityUnassigned,
	})
}

func (a *App) DeleteDraft(ctx context.Context, id string) error {
	return a.store.DeleteDraft(ctx, id)
}

func (a *App) ListGroupDrafts(ctx context.Context, group string) ([]queue.Item, error) {
	return a.store.ListGroup(ctx, group)
}
