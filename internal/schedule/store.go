package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/recurrence"
	logx "postpilot/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Persistence is the whole-collection storage collaborator. Reads and writes
// move the entire schedule list at once; there is no per-row update and no
// optimistic concurrency check (single active process assumed).
type Persistence interface {
	LoadSchedules(ctx context.Context) ([]Schedule, error)
	SaveSchedules(ctx context.Context, schedules []Schedule) error
}

// CreateRequest carries the caller-supplied fields for a new schedule.
type CreateRequest struct {
	Name      string
	Group     string
	Frequency recurrence.Rule
	Platforms []string
	Active    bool
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Name      *string
	Group     *string
	Frequency *recurrence.Rule
	Platforms *[]string
	Active    *bool
}

// Store provides CRUD over schedules. Operations are serialized with a mutex
// so the load-mutate-save cycle cannot interleave within this process.
type Store struct {
	mu    sync.Mutex
	db    Persistence
	log   logx.Logger
	now   func() time.Time
	newID func() string
}

func NewStore(db Persistence, log logx.Logger) *Store {
	return &Store{
		db:    db,
		log:   log.With(logx.String("comp", "schedule")),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(list))
	for _, sc := range list {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return Schedule{}, err
	}
	for _, sc := range list {
		if sc.ID == id {
			return sc.Clone(), nil
		}
	}
	return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Create validates the rule, computes the first NextTrigger from now, and
// appends the schedule to the collection.
func (s *Store) Create(ctx context.Context, req CreateRequest) (Schedule, error) {
	rule := req.Frequency
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return Schedule{}, err
	}
	if strings.TrimSpace(req.Group) == "" {
		return Schedule{}, fmt.Errorf("%w: group is required", recurrence.ErrInvalidRule)
	}

	now := s.now()
	sc := Schedule{
		ID:        s.newID(),
		Name:      strings.TrimSpace(req.Name),
		Group:     strings.TrimSpace(req.Group),
		Active:    req.Active,
		Frequency: rule,
		Platforms: normalizePlatforms(req.Platforms),
		CreatedAt: now,
		UpdatedAt: now,
	}

	next, err := recurrence.Next(now, rule, 1)
	if err != nil {
		return Schedule{}, err
	}
	sc.NextTrigger = &next[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return Schedule{}, err
	}
	list = append(list, sc)
	if err := s.db.SaveSchedules(ctx, list); err != nil {
		return Schedule{}, err
	}

	s.log.Info("schedule created",
		logx.String("id", sc.ID),
		logx.String("group", sc.Group),
		logx.String("cadence", rule.String()),
		logx.Time("next_trigger", *sc.NextTrigger),
	)
	return sc.Clone(), nil
}

// Update applies a partial update. A frequency change recomputes NextTrigger
// from LastTriggered (or now when the schedule has never fired).
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return Schedule{}, err
	}
	idx := -1
	for i := range list {
		if list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sc := list[idx].Clone()
	if req.Name != nil {
		sc.Name = strings.TrimSpace(*req.Name)
	}
	if req.Group != nil {
		g := strings.TrimSpace(*req.Group)
		if g == "" {
			return Schedule{}, fmt.Errorf("%w: group is required", recurrence.ErrInvalidRule)
		}
		sc.Group = g
	}
	if req.Platforms != nil {
		sc.Platforms = normalizePlatforms(*req.Platforms)
	}
	if req.Active != nil {
		sc.Active = *req.Active
	}
	if req.Frequency != nil {
		rule := *req.Frequency
		rule.Normalize()
		if err := rule.Validate(); err != nil {
			return Schedule{}, err
		}
		sc.Frequency = rule

		anchor := s.now()
		if sc.LastTriggered != nil {
			anchor = *sc.LastTriggered
		}
		next, err := recurrence.Next(anchor, rule, 1)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextTrigger = &next[0]
	}
	sc.UpdatedAt = s.now()

	list[idx] = sc
	if err := s.db.SaveSchedules(ctx, list); err != nil {
		return Schedule{}, err
	}

	s.log.Info("schedule updated", logx.String("id", sc.ID), logx.Bool("active", sc.Active))
	return sc.Clone(), nil
}

// MarkTriggered records a firing: LastTriggered=at and NextTrigger recomputed
// from it. Called by the publish pipeline before content is even checked, so
// the cadence always advances.
func (s *Store) MarkTriggered(ctx context.Context, id string, at time.Time) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return Schedule{}, err
	}
	for i := range list {
		if list[i].ID != id {
			continue
		}
		sc := list[i].Clone()
		sc.LastTriggered = &at
		next, err := recurrence.Next(at, sc.Frequency, 1)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextTrigger = &next[0]
		sc.UpdatedAt = s.now()
		list[i] = sc
		if err := s.db.SaveSchedules(ctx, list); err != nil {
			return Schedule{}, err
		}
		return sc.Clone(), nil
	}
	return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.db.LoadSchedules(ctx)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			list = append(list[:i], list[i+1:]...)
			if err := s.db.SaveSchedules(ctx, list); err != nil {
				return err
			}
			s.log.Info("schedule deleted", logx.String("id", id))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func normalizePlatforms(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
