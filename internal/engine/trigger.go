package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/m1ssion/smartpush/internal/db"
)

// Invocation is the request that starts a run.
type Invocation struct {
	Trigger     string         `json:"trigger" validate:"omitempty,oneof=cron event test"`
	TemplateKey string         `json:"template_key,omitempty" validate:"omitempty,max=128"`
	UserID      string         `json:"user_id,omitempty" validate:"omitempty,uuid"`
	EventData   map[string]any `json:"event_data,omitempty"`
}

// Window is the reference time of a run in the target time zone.
type Window struct {
	Now      time.Time
	Hour     int
	Weekday  time.Weekday
	DateKey  string    // YYYY-MM-DD, keys the daily caps
	DayStart time.Time // local midnight
}

// ValidationError reports a malformed invocation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid invocation: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ReadTrigger validates inv, fills in the default trigger and resolves the
// window for now in loc.
func ReadTrigger(inv *Invocation, now time.Time, loc *time.Location) (Window, error) {
	if inv == nil {
		return Window{}, &ValidationError{Fields: map[string]string{"body": "missing invocation"}}
	}
	if inv.Trigger == "" {
		inv.Trigger = db.TriggerCron
	}
	inv.TemplateKey = strings.TrimSpace(inv.TemplateKey)

	if err := validate.Struct(inv); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Window{}, err
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fmt.Sprintf("failed '%s'", fe.Tag())
		}
		return Window{}, &ValidationError{Fields: fields}
	}

	local := now.In(loc)
	y, m, d := local.Date()
	return Window{
		Now:      local,
		Hour:     local.Hour(),
		Weekday:  local.Weekday(),
		DateKey:  local.Format(time.DateOnly),
		DayStart: time.Date(y, m, d, 0, 0, 0, 0, loc),
	}, nil
}

// targetUser parses the optional user restriction. Validation already
// guarantees the format.
func (inv *Invocation) targetUser() (uuid.UUID, bool) {
	if inv.UserID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(inv.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
