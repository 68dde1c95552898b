// Package publish drives a single schedule firing: pick the next draft in
// the schedule's group and deliver it through the rate-limited platform
// clients with bounded retries.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/governor"
	"postpilot/internal/queue"
	"postpilot/internal/recurrence"
	"postpilot/internal/schedule"
	"postpilot/internal/transport"
	logx "postpilot/pkg/logx"
)

const (
	defaultRetryMax   = 3
	defaultRetryDelay = 5 * time.Second
)

type Pipeline struct {
	schedules *schedule.Store
	selector  *queue.Selector
	gov       *governor.Governor
	registry  *transport.Registry
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	retryMax   int
	retryDelay time.Duration
}

func New(
	schedules *schedule.Store,
	selector *queue.Selector,
	gov *governor.Governor,
	registry *transport.Registry,
	bus eventbus.Bus,
	log logx.Logger,
) *Pipeline {
	return &Pipeline{
		schedules:  schedules,
		selector:   selector,
		gov:        gov,
		registry:   registry,
		bus:        bus,
		log:        log.With(logx.String("comp", "publish")),
		now:        time.Now,
		retryMax:   defaultRetryMax,
		retryDelay: defaultRetryDelay,
	}
}

// SetRetryPolicy overrides the per-platform attempt count and the fixed delay
// between failed attempts.
func (p *Pipeline) SetRetryPolicy(max int, delay time.Duration) {
	if max > 0 {
		p.retryMax = max
	}
	if delay >= 0 {
		p.retryDelay = delay
	}
}

// PublishNext fires the schedule once.
//
// The cadence advances before content is even checked: LastTriggered is set
// and NextTrigger recomputed regardless of whether a draft exists or the
// publish succeeds. An empty group therefore consumes its period quietly
// instead of retrying every tick. Publish failures are logged and contained;
// only persistence errors propagate.
func (p *Pipeline) PublishNext(ctx context.Context, scheduleID string) error {
	sc, err := p.schedules.Get(ctx, scheduleID)
	if errors.Is(err, schedule.ErrNotFound) {
		p.log.Debug("schedule gone; skipping fire", logx.String("id", scheduleID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if !sc.Active {
		p.log.Debug("schedule inactive; skipping fire", logx.String("id", scheduleID))
		return nil
	}

	sc, err = p.schedules.MarkTriggered(ctx, scheduleID, p.now())
	if err != nil {
		return fmt.Errorf("advance triggers: %w", err)
	}

	item, err := p.selector.NextItem(ctx, sc.Group)
	if err != nil {
		return fmt.Errorf("select next item: %w", err)
	}
	if item == nil {
		p.log.Info("nothing queued for group; period consumed",
			logx.String("id", sc.ID),
			logx.String("group", sc.Group),
		)
		return nil
	}

	clients, err := p.registry.Resolve(sc.Platforms)
	if err != nil {
		return fmt.Errorf("resolve platforms: %w", err)
	}

	post := transport.Post{ID: item.ID, Group: item.Group, Text: item.Text}
	var delivered []string
	for _, client := range clients {
		if err := p.publishWithRetry(ctx, client, post); err != nil {
			p.log.Error("publish failed after retries",
				logx.String("id", sc.ID),
				logx.String("item", item.ID),
				logx.String("platform", client.Name()),
				logx.Err(err),
			)
			p.bus.Publish(eventbus.Event{
				Type: eventbus.TypePostFailed,
				Data: eventbus.PostFailed{
					ItemID:     item.ID,
					Group:      sc.Group,
					ScheduleID: sc.ID,
					Err:        err.Error(),
				},
			})
			continue
		}
		delivered = append(delivered, client.Name())
	}

	if len(delivered) > 0 {
		p.log.Info("post published",
			logx.String("id", sc.ID),
			logx.String("item", item.ID),
			logx.Any("platforms", delivered),
		)
		p.bus.Publish(eventbus.Event{
			Type: eventbus.TypePostPublished,
			Data: eventbus.PostPublished{
				ItemID:     item.ID,
				Group:      sc.Group,
				ScheduleID: sc.ID,
				Platforms:  delivered,
				At:         p.now(),
			},
		})
	}
	return nil
}

// publishWithRetry makes up to retryMax attempts, each gated by the governor
// so concurrent firings still respect the global minimum spacing.
func (p *Pipeline) publishWithRetry(ctx context.Context, client transport.Client, post transport.Post) error {
	var lastErr error
	for attempt := 1; attempt <= p.retryMax; attempt++ {
		if err := p.gov.Wait(ctx); err != nil {
			return err
		}
		lastErr = client.Publish(ctx, post)
		if lastErr == nil {
			return nil
		}
		p.log.Warn("publish attempt failed",
			logx.String("platform", client.Name()),
			logx.String("item", post.ID),
			logx.Int("attempt", attempt),
			logx.Err(lastErr),
		)
		if attempt < p.retryMax && p.retryDelay > 0 {
			t := time.NewTimer(p.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("%d attempts exhausted: %w", p.retryMax, lastErr)
}

// Preview describes a schedule's upcoming activity without side effects.
type Preview struct {
	Schedule    schedule.Schedule `json:"schedule"`
	Occurrences []time.Time       `json:"occurrences"`
	NextItem    *queue.Item       `json:"next_item,omitempty"`
}

// PreviewSchedule returns the next count occurrence instants plus the draft
// that would publish first. Unranked drafts get priorities assigned as a side
// effect of ranking, same as a real firing.
func (p *Pipeline) PreviewSchedule(ctx context.Context, scheduleID string, count int) (Preview, error) {
	sc, err := p.schedules.Get(ctx, scheduleID)
	if err != nil {
		return Preview{}, err
	}

	anchor := p.now()
	if sc.LastTriggered != nil {
		anchor = *sc.LastTriggered
	}
	occ, err := recurrence.Next(anchor, sc.Frequency, count)
	if err != nil {
		return Preview{}, err
	}

	item, err := p.selector.NextItem(ctx, sc.Group)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Schedule: sc, Occurrences: occ, NextItem: item}, nil
}
