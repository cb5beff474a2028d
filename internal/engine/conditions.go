package engine

import (
	"time"

	"github.com/m1ssion/smartpush/internal/db"
)

// UserContext is everything the engine knows about one candidate user.
type UserContext struct {
	Profile       *db.Profile
	Stats         *db.ActivityStats
	Wallet        *db.Wallet
	Rank          int // 0 when unranked
	Clues         int
	Subscriptions []*db.Subscription
}

func (u *UserContext) streak() int {
	if u.Stats == nil {
		return 0
	}
	return u.Stats.CurrentStreak
}

func (u *UserContext) balance() float64 {
	if u.Wallet == nil {
		return 0
	}
	return u.Wallet.M1UBalance
}

func (u *UserContext) pulseEnergy() float64 {
	if u.Wallet == nil {
		return 0
	}
	return u.Wallet.PulseEnergy
}

func (u *UserContext) lastBuzz() *time.Time {
	if u.Stats == nil {
		return nil
	}
	return u.Stats.LastBuzzAt
}

func (u *UserContext) lastAionChat() *time.Time {
	if u.Stats == nil {
		return nil
	}
	return u.Stats.LastAionChatAt
}

func (u *UserContext) lastSession() *time.Time {
	if u.Stats == nil {
		return nil
	}
	return u.Stats.LastSessionAt
}

// conditionsHold evaluates the behavioral predicates of c against u.
// A missing timestamp counts as infinitely long ago.
func conditionsHold(c db.TriggerCondition, u *UserContext, now time.Time) bool {
	if c.DaysSinceAionChat != nil && !elapsedAtLeast(u.lastAionChat(), now, time.Duration(*c.DaysSinceAionChat)*24*time.Hour) {
		return false
	}
	if c.HoursSinceBuzz != nil && !elapsedAtLeast(u.lastBuzz(), now, time.Duration(*c.HoursSinceBuzz)*time.Hour) {
		return false
	}
	if c.DaysSinceSession != nil && !elapsedAtLeast(u.lastSession(), now, time.Duration(*c.DaysSinceSession)*24*time.Hour) {
		return false
	}
	if c.HasBalance != nil && (u.balance() > 0) != *c.HasBalance {
		return false
	}
	if c.MinBalance != nil && u.balance() < *c.MinBalance {
		return false
	}
	if c.MinClues != nil && u.Clues < *c.MinClues {
		return false
	}
	if c.MinStreak != nil && u.streak() < *c.MinStreak {
		return false
	}
	if c.MaxRank != nil && (u.Rank <= 0 || u.Rank > *c.MaxRank) {
		return false
	}
	return true
}

func elapsedAtLeast(since *time.Time, now time.Time, d time.Duration) bool {
	if since == nil {
		return true
	}
	return now.Sub(*since) >= d
}
