package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/push"
)

// Saturday 14 March 2026, 19:00 in Rome (CET).
var saturdayEvening = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// memStore is an in-memory Store whose send counts are derived from the
// rows it has been asked to insert.
type memStore struct {
	mu sync.Mutex

	templates []*db.Template
	profiles  []*db.Profile
	stats     map[uuid.UUID]*db.ActivityStats
	wallets   map[uuid.UUID]*db.Wallet
	ranks     map[uuid.UUID]int
	clues     map[uuid.UUID]int
	subs      []*db.Subscription
	logs      []*db.SendLog

	templatesErr   error
	profilesErr    error
	subsErr        error
	insertFailures int
	insertCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		stats:   make(map[uuid.UUID]*db.ActivityStats),
		wallets: make(map[uuid.UUID]*db.Wallet),
		ranks:   make(map[uuid.UUID]int),
		clues:   make(map[uuid.UUID]int),
	}
}

func (s *memStore) addUser(agentCode string) *db.Profile {
	p := &db.Profile{ID: uuid.New(), AgentCode: agentCode, DisplayName: agentCode}
	s.profiles = append(s.profiles, p)
	return p
}

func (s *memStore) addSubscription(userID uuid.UUID, endpoint string) *db.Subscription {
	sub := &db.Subscription{
		ID:       uuid.New(),
		UserID:   userID,
		Provider: db.ProviderWebPush,
		Endpoint: endpoint,
		P256dh:   "p256dh",
		Auth:     "auth",
		IsActive: true,
	}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *memStore) addTemplate(t *db.Template) *db.Template {
	t.ID = uuid.New()
	t.Enabled = true
	if t.TriggerType == "" {
		t.TriggerType = db.TriggerCron
	}
	if t.MaxPerDay == 0 {
		t.MaxPerDay = 1
	}
	s.templates = append(s.templates, t)
	return t
}

func (s *memStore) ListEnabledTemplates(ctx context.Context) ([]*db.Template, error) {
	if s.templatesErr != nil {
		return nil, s.templatesErr
	}
	var out []*db.Template
	for _, t := range s.templates {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) ListProfiles(ctx context.Context, limit int) ([]*db.Profile, error) {
	if s.profilesErr != nil {
		return nil, s.profilesErr
	}
	if len(s.profiles) > limit {
		return s.profiles[:limit], nil
	}
	return s.profiles, nil
}

func (s *memStore) GetProfile(ctx context.Context, id uuid.UUID) (*db.Profile, error) {
	if s.profilesErr != nil {
		return nil, s.profilesErr
	}
	for _, p := range s.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) ActivityStatsByUser(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*db.ActivityStats, error) {
	return s.stats, nil
}

func (s *memStore) WalletsByUser(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*db.Wallet, error) {
	return s.wallets, nil
}

func (s *memStore) RanksByUser(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	return s.ranks, nil
}

func (s *memStore) ClueCountsByUser(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	return s.clues, nil
}

func (s *memStore) ActiveSubscriptionsByUser(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]*db.Subscription, error) {
	if s.subsErr != nil {
		return nil, s.subsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID][]*db.Subscription)
	for _, sub := range s.subs {
		if sub.IsActive {
			cp := *sub
			out[sub.UserID] = append(out[sub.UserID], &cp)
		}
	}
	return out, nil
}

func (s *memStore) SendCountsSince(ctx context.Context, ids []uuid.UUID, since time.Time) ([]db.SendCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		user     uuid.UUID
		template string
		category string
	}
	counts := make(map[key]int)
	for _, l := range s.logs {
		if !l.SentAt.Before(since) {
			counts[key{l.UserID, l.TemplateKey, l.Category}]++
		}
	}

	out := make([]db.SendCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, db.SendCount{UserID: k.user, TemplateKey: k.template, Category: k.category, Count: n})
	}
	return out, nil
}

func (s *memStore) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.ID == id {
			sub.IsActive = false
			now := time.Now()
			sub.DeactivatedAt = &now
		}
	}
	return nil
}

func (s *memStore) InsertSendLogs(ctx context.Context, logs []*db.SendLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertCalls++
	if s.insertFailures > 0 {
		s.insertFailures--
		return 0, errTransient
	}
	s.logs = append(s.logs, logs...)
	return int64(len(logs)), nil
}

func (s *memStore) logsFor(userID uuid.UUID) []*db.SendLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.SendLog
	for _, l := range s.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

func (s *memStore) subscription(id uuid.UUID) *db.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

type transientError struct{}

func (transientError) Error() string { return "connection reset by peer" }

var errTransient error = transientError{}

type attempt struct {
	endpoint string
	msg      push.Message
}

// fakePusher records every attempt and fails endpoints listed in errs.
type fakePusher struct {
	mu       sync.Mutex
	attempts []attempt
	errs     map[string]error
	ready    error
}

func newFakePusher() *fakePusher {
	return &fakePusher{errs: make(map[string]error)}
}

func (f *fakePusher) Send(ctx context.Context, sub *db.Subscription, msg *push.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt{endpoint: sub.Endpoint, msg: *msg})
	return f.errs[sub.Endpoint]
}

func (f *fakePusher) SupportsProvider(string) bool { return true }

func (f *fakePusher) Ready() error { return f.ready }

func (f *fakePusher) attemptsTo(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.endpoint == endpoint {
			n++
		}
	}
	return n
}

type fakeAlerter struct {
	mu      sync.Mutex
	reports []*Report
}

func (a *fakeAlerter) PublishRunReport(ctx context.Context, r *Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

// testClock is a settable clock that ticks a millisecond on every read so
// send log rows from consecutive runs stay ordered.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestEngine(t *testing.T, store *memStore, pusher push.Pusher, opts ...Option) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{t: saturdayEvening}
	base := []Option{WithClock(clock.now), WithRandom(func() float64 { return 0 })}
	e := New(store, pusher, Settings{Timezone: "Europe/Rome"}, zap.NewNop(), append(base, opts...)...)
	e.auditBackoff = time.Millisecond
	return e, clock
}

func runCron(t *testing.T, e *Engine) *Report {
	t.Helper()
	report, err := e.Run(context.Background(), &Invocation{Trigger: db.TriggerCron})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return report
}
