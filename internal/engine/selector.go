package engine

import (
	"hash/fnv"
	"sort"

	"github.com/samber/lo"

	"github.com/m1ssion/smartpush/internal/db"
)

// selector picks the templates that may fire in a window.
type selector struct {
	rng              func() float64
	randomWeeklyHour int
}

// Select restricts templates to the invocation and the window and returns
// them by priority, highest first. Ties keep their input order.
func (s *selector) Select(templates []*db.Template, inv *Invocation, w Window) []*db.Template {
	out := lo.Filter(templates, func(t *db.Template, _ int) bool {
		if !t.Enabled {
			return false
		}
		if inv.TemplateKey != "" && t.Key != inv.TemplateKey {
			return false
		}
		if inv.Trigger == db.TriggerCron && t.TriggerType != db.TriggerCron {
			return false
		}
		// a manual test of one named template ignores its schedule
		if inv.Trigger == db.TriggerTest && inv.TemplateKey != "" {
			return true
		}
		return s.inWindow(t, w)
	})

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (s *selector) inWindow(t *db.Template, w Window) bool {
	c := t.TriggerCondition

	if c.Hour != nil && *c.Hour != w.Hour {
		return false
	}
	if c.Day != nil && *c.Day != int(w.Weekday) {
		return false
	}
	if c.RandomWeekly {
		hour := s.randomWeeklyHour
		if c.Hour != nil {
			hour = *c.Hour
		}
		if w.Hour != hour || int(w.Weekday) != weeklyDay(t.Key, w) {
			return false
		}
	}
	// probability is evaluated last so the RNG is only consumed by
	// templates that are otherwise in their window
	if c.Probability != nil {
		p := *c.Probability
		if p <= 0 {
			return false
		}
		if p < 1 && s.rng() >= p {
			return false
		}
	}
	return true
}

// weeklyDay is the weekday a random_weekly template fires in the ISO week
// of w. It is derived from the template key and the week so every run in
// the same week agrees.
func weeklyDay(key string, w Window) int {
	year, week := w.Now.ISOWeek()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{byte(year >> 8), byte(year), byte(week)})
	return int(h.Sum32() % 7)
}
