package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/m1ssion/smartpush/internal/db"
)

// Store is the persistence the engine reads from and appends to.
// *db.Repository implements it.
type Store interface {
	ListEnabledTemplates(ctx context.Context) ([]*db.Template, error)
	ListProfiles(ctx context.Context, limit int) ([]*db.Profile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*db.Profile, error)
	ActivityStatsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.ActivityStats, error)
	WalletsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*db.Wallet, error)
	RanksByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]int, error)
	ClueCountsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]int, error)
	ActiveSubscriptionsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]*db.Subscription, error)
	SendCountsSince(ctx context.Context, userIDs []uuid.UUID, since time.Time) ([]db.SendCount, error)
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error
	InsertSendLogs(ctx context.Context, logs []*db.SendLog) (int64, error)
}

// candidates returns the profiles a run considers: one user when the
// invocation names one, otherwise up to limit profiles.
func candidates(ctx context.Context, store Store, inv *Invocation, limit int) ([]*db.Profile, error) {
	if id, ok := inv.targetUser(); ok {
		p, err := store.GetProfile(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*db.Profile{p}, nil
	}
	return store.ListProfiles(ctx, limit)
}

// aggregate batch-fetches the per-user data for profiles. The five lookups
// are independent and run concurrently.
func aggregate(ctx context.Context, store Store, profiles []*db.Profile) ([]*UserContext, error) {
	ids := lo.Map(profiles, func(p *db.Profile, _ int) uuid.UUID { return p.ID })

	var (
		stats   map[uuid.UUID]*db.ActivityStats
		wallets map[uuid.UUID]*db.Wallet
		ranks   map[uuid.UUID]int
		clues   map[uuid.UUID]int
		subs    map[uuid.UUID][]*db.Subscription
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats, err = store.ActivityStatsByUser(gctx, ids)
		return wrapStage("activity stats", err)
	})
	g.Go(func() (err error) {
		wallets, err = store.WalletsByUser(gctx, ids)
		return wrapStage("wallets", err)
	})
	g.Go(func() (err error) {
		ranks, err = store.RanksByUser(gctx, ids)
		return wrapStage("ranks", err)
	})
	g.Go(func() (err error) {
		clues, err = store.ClueCountsByUser(gctx, ids)
		return wrapStage("clues", err)
	})
	g.Go(func() (err error) {
		subs, err = store.ActiveSubscriptionsByUser(gctx, ids)
		return wrapStage("subscriptions", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lo.Map(profiles, func(p *db.Profile, _ int) *UserContext {
		return &UserContext{
			Profile:       p,
			Stats:         stats[p.ID],
			Wallet:        wallets[p.ID],
			Rank:          ranks[p.ID],
			Clues:         clues[p.ID],
			Subscriptions: lo.Filter(subs[p.ID], func(s *db.Subscription, _ int) bool { return s.IsActive }),
		}
	}), nil
}

func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fetch %s: %w", stage, err)
}
