// Package scheduler arms one one-shot timer per active schedule and turns
// timer fires into publish-pipeline runs.
//
// Timer callbacks do no work themselves: a fire only enqueues the schedule id
// onto a channel. A single runner goroutine drains it, invokes the pipeline,
// then rescans so the next period gets armed. That keeps sequencing linear
// even when several timers expire at the same instant.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/recurrence"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

const defaultRescanEvery = time.Minute

// Pruner removes published drafts past their retention window. Typically the
// storage layer; nil disables the nightly prune job.
type Pruner interface {
	PrunePublished(ctx context.Context, olderThan time.Time) (int, error)
}

type Service struct {
	store    *schedule.Store
	pipeline *publish.Pipeline
	log      logx.Logger
	now      func() time.Time
	loc      *time.Location
	bus      eventbus.Bus

	// tmu guards the timer registry.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	ver    map[string]uint64

	fired chan string

	rescanEvery time.Duration

	pruner       Pruner
	pruneKeep    time.Duration
	cronRunner   *cron.Cron
	cronStarted  bool
	cronStopOnce sync.Once
}

func New(store *schedule.Store, pipeline *publish.Pipeline, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:       store,
		pipeline:    pipeline,
		log:         log.With(logx.String("comp", "scheduler")),
		now:         time.Now,
		loc:         loc,
		timers:      map[string]*time.Timer{},
		ver:         map[string]uint64{},
		fired:       make(chan string, 64),
		rescanEvery: defaultRescanEvery,
		pruneKeep:   30 * 24 * time.Hour,
	}
}

// SetRescanEvery overrides the safety-net rescan interval. Takes effect at
// the next Run.
func (s *Service) SetRescanEvery(d time.Duration) {
	if d > 0 {
		s.rescanEvery = d
	}
}

// SetBus attaches an event bus; fires are then announced as schedule.fired.
func (s *Service) SetBus(bus eventbus.Bus) {
	s.bus = bus
}

// SetPruner enables the nightly prune of published drafts older than keep.
func (s *Service) SetPruner(p Pruner, keep time.Duration) {
	s.pruner = p
	if keep > 0 {
		s.pruneKeep = keep
	}
}

// Rescan arms a timer for every active schedule that lacks one. Idempotent:
// an already-armed schedule is left alone, so calling it repeatedly never
// produces a second timer.
//
// A NextTrigger in the past (process was down through one or more periods) is
// recomputed from now; missed periods are not replayed.
func (s *Service) Rescan(ctx context.Context) error {
	list, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(list))
	now := s.now()

	for _, sc := range list {
		if !sc.Active {
			continue
		}
		active[sc.ID] = true

		s.tmu.Lock()
		_, armed := s.timers[sc.ID]
		s.tmu.Unlock()
		if armed {
			continue
		}

		next, err := s.nextRun(ctx, sc, now)
		if err != nil {
			s.log.Warn("cannot compute next run; schedule skipped",
				logx.String("id", sc.ID),
				logx.Any("err", err),
			)
			continue
		}
		s.arm(sc.ID, next)
	}

	// Schedules that were deleted or deactivated behind our back lose their
	// timers here.
	s.tmu.Lock()
	for id, t := range s.timers {
		if !active[id] {
			_ = t.Stop()
			delete(s.timers, id)
			s.ver[id]++
		}
	}
	s.tmu.Unlock()
	return nil
}

// nextRun resolves the instant to arm for. The persisted NextTrigger is
// trusted while it is still ahead. A NextTrigger in the past (the process
// slept through one or more periods) is recomputed from now: missed periods
// are dropped, not replayed as a backlog flood. LastTriggered is left alone;
// only a real firing moves it.
func (s *Service) nextRun(_ context.Context, sc schedule.Schedule, now time.Time) (time.Time, error) {
	if sc.NextTrigger != nil && sc.NextTrigger.After(now) {
		return *sc.NextTrigger, nil
	}
	occ, err := recurrence.Next(now, sc.Frequency, 1)
	if err != nil {
		return time.Time{}, err
	}
	return occ[0], nil
}

func (s *Service) arm(id string, at time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	// upsert: stop any existing timer for this schedule
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.ver[id]++
	ver := s.ver[id]

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		// Ignore stale callbacks from replaced or disarmed timers.
		s.tmu.Lock()
		if s.ver[id] != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, id)
		s.tmu.Unlock()

		select {
		case s.fired <- id:
		default:
			// Runner is badly backed up; the rescan tick will re-arm.
			s.log.Warn("fire queue full; dropping fire", logx.String("id", id))
		}
	})

	s.log.Debug("timer armed",
		logx.String("id", id),
		logx.Time("at", at.In(s.loc)),
		logx.Duration("in", delay),
	)
}

// Disarm cancels the schedule's timer, if armed. Used on delete/deactivate.
func (s *Service) Disarm(id string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.ver[id]++
}

// ClearAll cancels every live timer. Used on shutdown; there is no implicit
// cleanup elsewhere.
func (s *Service) ClearAll() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for id, t := range s.timers {
		_ = t.Stop()
		s.ver[id]++
	}
	s.timers = map[string]*time.Timer{}
}

// ArmedCount reports live timers (for tests and status surfaces).
func (s *Service) ArmedCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

// TriggerNow enqueues a manual fire, bypassing the timer. The armed timer (if
// any) is disarmed first so the manual run and the timer cannot double-fire;
// the post-run rescan re-arms the next period.
func (s *Service) TriggerNow(id string) {
	s.Disarm(id)
	select {
	case s.fired <- id:
	default:
		s.log.Warn("fire queue full; manual trigger dropped", logx.String("id", id))
	}
}

// Run is the scheduler loop: initial rescan, then drain fire events until ctx
// is done. A cron-driven safety tick rescans periodically to catch anything a
// missed fire or an external edit left unarmed, and (when a pruner is set)
// sweeps old published drafts nightly.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Rescan(ctx); err != nil {
		s.log.Warn("initial rescan failed", logx.Any("err", err))
	}

	s.startCron(ctx)
	defer s.stopCron()
	defer s.ClearAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.fired:
			s.handleFire(ctx, id)
		}
	}
}

func (s *Service) handleFire(ctx context.Context, id string) {
	s.log.Debug("schedule fired", logx.String("id", id))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeScheduleFired,
			Data: eventbus.ScheduleFired{ScheduleID: id, At: s.now()},
		})
	}
	if err := s.pipeline.PublishNext(ctx, id); err != nil {
		s.log.Error("publish pipeline failed", logx.String("id", id), logx.Err(err))
	}
	// Rescan regardless of outcome so the next period gets armed.
	if err := s.Rescan(ctx); err != nil {
		s.log.Warn("post-fire rescan failed", logx.String("id", id), logx.Any("err", err))
	}
}

func (s *Service) startCron(ctx context.Context) {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	c := cron.New(cron.WithLocation(s.loc), cron.WithParser(parser))

	tickSpec := "@every " + s.rescanEvery.String()
	if _, err := c.AddFunc(tickSpec, func() {
		if err := s.Rescan(ctx); err != nil {
			s.log.Warn("rescan tick failed", logx.Any("err", err))
		}
	}); err != nil {
		s.log.Error("rescan tick register failed", logx.String("spec", tickSpec), logx.Any("err", err))
	}

	if s.pruner != nil {
		if _, err := c.AddFunc("30 3 * * *", func() {
			pctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			n, err := s.pruner.PrunePublished(pctx, s.now().Add(-s.pruneKeep))
			if err != nil {
				s.log.Warn("published-draft prune failed", logx.Any("err", err))
				return
			}
			if n > 0 {
				s.log.Info("published drafts pruned", logx.Int("count", n))
			}
		}); err != nil {
			s.log.Error("prune job register failed", logx.Any("err", err))
		}
	}

	c.Start()
	s.cronRunner = c
	s.cronStarted = true
}

func (s *Service) stopCron() {
	if !s.cronStarted {
		return
	}
	s.cronStopOnce.Do(func() {
		stopCtx := s.cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	})
}
