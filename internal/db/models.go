package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Template represents a row in push_templates
type Template struct {
	ID               uuid.UUID        `json:"id"`
	Key              string           `json:"key"`
	Category         string           `json:"category"`
	Title            string           `json:"title"`
	Body             string           `json:"body"`
	DeepLink         string           `json:"deep_link"`
	TriggerType      string           `json:"trigger_type"`
	TriggerCondition TriggerCondition `json:"trigger_condition"`
	MaxPerDay        int              `json:"max_per_day"`
	Priority         int              `json:"priority"`
	Weight           int              `json:"weight"`
	Enabled          bool             `json:"enabled"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TriggerCondition is the JSONB predicate attached to a template.
// Nil fields are not evaluated.
type TriggerCondition struct {
	// Schedule window
	Hour         *int     `json:"hour,omitempty"`
	Day          *int     `json:"day,omitempty"` // 0=Sunday
	Probability  *float64 `json:"probability,omitempty"`
	RandomWeekly bool     `json:"random_weekly,omitempty"`

	// Behavioral predicates
	DaysSinceAionChat *int     `json:"days_since_aion_chat,omitempty"`
	HoursSinceBuzz    *int     `json:"hours_since_buzz,omitempty"`
	DaysSinceSession  *int     `json:"days_since_session,omitempty"`
	HasBalance        *bool    `json:"has_balance,omitempty"`
	MinBalance        *float64 `json:"min_balance,omitempty"`
	MinClues          *int     `json:"min_clues,omitempty"`
	MinStreak         *int     `json:"min_streak,omitempty"`
	MaxRank           *int     `json:"max_rank,omitempty"`
}

// Profile represents a player profile
type Profile struct {
	ID          uuid.UUID `json:"id"`
	AgentCode   string    `json:"agent_code"`
	DisplayName string    `json:"display_name"`
}

// ActivityStats holds the last-seen timestamps for a user
type ActivityStats struct {
	UserID         uuid.UUID  `json:"user_id"`
	LastBuzzAt     *time.Time `json:"last_buzz_at,omitempty"`
	LastAionChatAt *time.Time `json:"last_aion_chat_at,omitempty"`
	LastSessionAt  *time.Time `json:"last_session_at,omitempty"`
	CurrentStreak  int        `json:"current_streak"`
}

// Wallet holds virtual currency balances
type Wallet struct {
	UserID      uuid.UUID `json:"user_id"`
	M1UBalance  float64   `json:"m1u_balance"`
	PulseEnergy float64   `json:"pulse_energy"`
}

// Subscription represents a registered push endpoint
type Subscription struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Provider      string     `json:"provider"`
	Endpoint      string     `json:"endpoint"`
	P256dh        string     `json:"p256dh"`
	Auth          string     `json:"auth"`
	IsActive      bool       `json:"is_active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SendLog is an append-only record of a delivered notification
type SendLog struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	TemplateKey string    `json:"template_key"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	DeepLink    string    `json:"deep_link"`
	SentAt      time.Time `json:"sent_at"`
}

// Trigger type constants
const (
	TriggerCron  = "cron"
	TriggerEvent = "event"
	TriggerTest  = "test"
)

// Provider constants
const (
	ProviderWebPush = "webpush"
	ProviderSNS     = "sns"
)

// CategoryAion is exempt from the global regular cap
const CategoryAion = "aion"

// ParseTriggerCondition decodes the JSONB column. Empty input yields a zero condition.
func ParseTriggerCondition(raw []byte) (TriggerCondition, error) {
	var cond TriggerCondition
	if len(raw) == 0 || string(raw) == "null" {
		return cond, nil
	}
	if err := json.Unmarshal(raw, &cond); err != nil {
		return cond, err
	}
	return cond, nil
}
