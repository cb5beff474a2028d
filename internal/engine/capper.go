package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/redis"
)

// DayCounts is one user's delivery tally for the current day.
type DayCounts struct {
	PerTemplate map[string]int
	Regular     int // everything outside the exempt category
}

func (d DayCounts) template(key string) int {
	if d.PerTemplate == nil {
		return 0
	}
	return d.PerTemplate[key]
}

// CapStore provides today's counts and, for stores that keep their own
// counters, claims a slot before delivery.
type CapStore interface {
	DayCounts(ctx context.Context, w Window, userIDs []uuid.UUID) (map[uuid.UUID]DayCounts, error)
	// Reserve returns false when the slot was taken since DayCounts was read.
	Reserve(ctx context.Context, w Window, userID uuid.UUID, t *db.Template, regularCap int) (bool, error)
	// Release undoes a Reserve when nothing was attempted.
	Release(ctx context.Context, w Window, userID uuid.UUID, t *db.Template) error
}

func exempt(t *db.Template) bool {
	return t.Category == db.CategoryAion
}

// LogCapStore derives counts from today's send log. Reservations are
// no-ops, so two overlapping runs can both pass the same cap.
type LogCapStore struct {
	store Store
}

func NewLogCapStore(store Store) *LogCapStore {
	return &LogCapStore{store: store}
}

func (s *LogCapStore) DayCounts(ctx context.Context, w Window, userIDs []uuid.UUID) (map[uuid.UUID]DayCounts, error) {
	rows, err := s.store.SendCountsSince(ctx, userIDs, w.DayStart)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]DayCounts, len(userIDs))
	for _, r := range rows {
		dc, ok := out[r.UserID]
		if !ok {
			dc = DayCounts{PerTemplate: make(map[string]int)}
		}
		dc.PerTemplate[r.TemplateKey] += r.Count
		if r.Category != db.CategoryAion {
			dc.Regular += r.Count
		}
		out[r.UserID] = dc
	}
	return out, nil
}

func (s *LogCapStore) Reserve(context.Context, Window, uuid.UUID, *db.Template, int) (bool, error) {
	return true, nil
}

func (s *LogCapStore) Release(context.Context, Window, uuid.UUID, *db.Template) error {
	return nil
}

// CapCounter is implemented by *redis.CapCounter.
type CapCounter interface {
	Counts(ctx context.Context, day string, userIDs []uuid.UUID) (map[uuid.UUID]redis.CapCounts, error)
	Reserve(ctx context.Context, day string, userID uuid.UUID, templateKey string, maxPerDay, regularCap int, exempt bool) (bool, error)
	Release(ctx context.Context, day string, userID uuid.UUID, templateKey string, exempt bool) error
}

// CounterCapStore keeps counts in Redis and reserves atomically, closing
// the race between overlapping runs.
type CounterCapStore struct {
	counter CapCounter
}

func NewCounterCapStore(counter CapCounter) *CounterCapStore {
	return &CounterCapStore{counter: counter}
}

func (s *CounterCapStore) DayCounts(ctx context.Context, w Window, userIDs []uuid.UUID) (map[uuid.UUID]DayCounts, error) {
	counts, err := s.counter.Counts(ctx, w.DateKey, userIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]DayCounts, len(counts))
	for id, c := range counts {
		out[id] = DayCounts{PerTemplate: c.PerTemplate, Regular: c.Regular}
	}
	return out, nil
}

func (s *CounterCapStore) Reserve(ctx context.Context, w Window, userID uuid.UUID, t *db.Template, regularCap int) (bool, error) {
	return s.counter.Reserve(ctx, w.DateKey, userID, t.Key, t.MaxPerDay, regularCap, exempt(t))
}

func (s *CounterCapStore) Release(ctx context.Context, w Window, userID uuid.UUID, t *db.Template) error {
	return s.counter.Release(ctx, w.DateKey, userID, t.Key, exempt(t))
}

// pickTemplate returns the first template in selected (already ordered by
// priority) that u may still receive today, or nil.
func pickTemplate(selected []*db.Template, counts DayCounts, u *UserContext, w Window, regularCap int) *db.Template {
	for _, t := range selected {
		if counts.template(t.Key) >= t.MaxPerDay {
			continue
		}
		if !exempt(t) && counts.Regular >= regularCap {
			continue
		}
		if !conditionsHold(t.TriggerCondition, u, w.Now) {
			continue
		}
		return t
	}
	return nil
}

func reserveErr(t *db.Template, err error) error {
	return fmt.Errorf("reserve cap for %s: %w", t.Key, err)
}
