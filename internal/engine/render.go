package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Variables are the typed placeholder values available to every template.
type Variables struct {
	AgentCode        string
	Name             string
	StreakDays       int
	ClueCount        int
	Rank             int
	Balance          float64
	PulseEnergy      float64
	TimeSinceBuzz    string
	TimeSinceAion    string
	TimeSinceSession string
	Date             string
}

// VariablesFor derives the placeholder values for u at now.
func VariablesFor(u *UserContext, now time.Time) Variables {
	v := Variables{
		StreakDays:       u.streak(),
		ClueCount:        u.Clues,
		Rank:             u.Rank,
		Balance:          u.balance(),
		PulseEnergy:      u.pulseEnergy(),
		TimeSinceBuzz:    timeSince(u.lastBuzz(), now),
		TimeSinceAion:    timeSince(u.lastAionChat(), now),
		TimeSinceSession: timeSince(u.lastSession(), now),
		Date:             now.Format("02/01/2006"),
	}
	if u.Profile != nil {
		v.AgentCode = u.Profile.AgentCode
		v.Name = u.Profile.DisplayName
	}
	if v.Name == "" {
		v.Name = v.AgentCode
	}
	return v
}

// Map flattens v into placeholder name -> value.
func (v Variables) Map() map[string]string {
	rank := "-"
	if v.Rank > 0 {
		rank = strconv.Itoa(v.Rank)
	}
	return map[string]string{
		"agent_code":         v.AgentCode,
		"name":               v.Name,
		"streak_days":        strconv.Itoa(v.StreakDays),
		"clue_count":         strconv.Itoa(v.ClueCount),
		"rank":               rank,
		"balance":            strconv.FormatFloat(v.Balance, 'f', -1, 64),
		"pulse_energy":       strconv.FormatFloat(v.PulseEnergy, 'f', -1, 64),
		"time_since_buzz":    v.TimeSinceBuzz,
		"time_since_aion":    v.TimeSinceAion,
		"time_since_session": v.TimeSinceSession,
		"date":               v.Date,
	}
}

// WithOverrides layers event-supplied values on top of the typed variables.
func (v Variables) WithOverrides(eventData map[string]any) map[string]string {
	vars := v.Map()
	for k, val := range eventData {
		switch x := val.(type) {
		case nil:
			continue
		case string:
			vars[k] = x
		case float64:
			vars[k] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			vars[k] = fmt.Sprint(x)
		}
	}
	return vars
}

// Render replaces every {name} in text with vars[name]. Placeholders with
// no value are left as they are.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{") {
		return text
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// timeSince renders an elapsed time the way players read it in the app.
func timeSince(t *time.Time, now time.Time) string {
	if t == nil {
		return "mai"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Hour:
		return plural(int(d/time.Minute), "minuto", "minuti")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "ora", "ore")
	default:
		return plural(int(d/(24*time.Hour)), "giorno", "giorni")
	}
}

func plural(n int, one, many string) string {
	if n < 0 {
		n = 0
	}
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}
