package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a single-row lookup matches nothing
var ErrNotFound = errors.New("not found")

// SendCount is today's send total for one (user, template) pair
type SendCount struct {
	UserID      uuid.UUID
	TemplateKey string
	Category    string
	Count       int
}

// Repository handles database reads and writes for the push engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new push repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListEnabledTemplates returns every enabled template, highest priority first
func (r *Repository) ListEnabledTemplates(ctx context.Context) ([]*Template, error) {
	query := `
		SELECT
			id, key, category, title, body, COALESCE(deep_link, ''),
			trigger_type, trigger_condition, max_per_day, priority, weight,
			enabled, created_at, updated_at
		FROM push_templates
		WHERE enabled = TRUE
		ORDER BY priority DESC, key ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var (
			tpl Template
			raw []byte
		)
		err := rows.Scan(
			&tpl.ID,
			&tpl.Key,
			&tpl.Category,
			&tpl.Title,
			&tpl.Body,
			&tpl.DeepLink,
			&tpl.TriggerType,
			&raw,
			&tpl.MaxPerDay,
			&tpl.Priority,
			&tpl.Weight,
			&tpl.Enabled,
			&tpl.CreatedAt,
			&tpl.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}

		cond, err := ParseTriggerCondition(raw)
		if err != nil {
			// A broken condition disables only that template
			r.logger.Warn("skipping template with invalid trigger_condition",
				zap.String("template_key", tpl.Key),
				zap.Error(err),
			)
			continue
		}
		tpl.TriggerCondition = cond
		templates = append(templates, &tpl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}

	return templates, nil
}

// ListProfiles returns up to limit player profiles
func (r *Repository) ListProfiles(ctx context.Context, limit int) ([]*Profile, error) {
	query := `
		SELECT id, COALESCE(agent_code, ''), COALESCE(display_name, '')
		FROM profiles
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.AgentCode, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// GetProfile retrieves a single profile by ID
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	query := `
		SELECT id, COALESCE(agent_code, ''), COALESCE(display_name, '')
		FROM profiles
		WHERE id = $1
	`

	var p Profile
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&p.ID, &p.AgentCode, &p.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	return &p, nil
}

// ActivityStatsByUser batch-fetches activity stats keyed by user ID
func (r *Repository) ActivityStatsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*ActivityStats, error) {
	query := `
		SELECT user_id, last_buzz_at, last_aion_chat_at, last_session_at, current_streak
		FROM user_activity_stats
		WHERE user_id = ANY($1::uuid[])
	`

	rows, err := r.db.Pool().Query(ctx, query, idArray(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query activity stats: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*ActivityStats, len(userIDs))
	for rows.Next() {
		var s ActivityStats
		if err := rows.Scan(&s.UserID, &s.LastBuzzAt, &s.LastAionChatAt, &s.LastSessionAt, &s.CurrentStreak); err != nil {
			return nil, fmt.Errorf("scan activity stats: %w", err)
		}
		out[s.UserID] = &s
	}

	return out, rows.Err()
}

// WalletsByUser batch-fetches wallet balances keyed by user ID
func (r *Repository) WalletsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*Wallet, error) {
	query := `
		SELECT user_id, m1u_balance::float8, pulse_energy::float8
		FROM wallet_balances
		WHERE user_id = ANY($1::uuid[])
	`

	rows, err := r.db.Pool().Query(ctx, query, idArray(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*Wallet, len(userIDs))
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.UserID, &w.M1UBalance, &w.PulseEnergy); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out[w.UserID] = &w
	}

	return out, rows.Err()
}

// RanksByUser batch-fetches leaderboard ranks keyed by user ID
func (r *Repository) RanksByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	query := `
		SELECT user_id, rank
		FROM leaderboard_ranks
		WHERE user_id = ANY($1::uuid[])
	`
	return r.intByUser(ctx, "ranks", query, userIDs)
}

// ClueCountsByUser batch-counts collected clues keyed by user ID
func (r *Repository) ClueCountsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	query := `
		SELECT user_id, COUNT(*)::int
		FROM user_clues
		WHERE user_id = ANY($1::uuid[])
		GROUP BY user_id
	`
	return r.intByUser(ctx, "clue counts", query, userIDs)
}

func (r *Repository) intByUser(ctx context.Context, what, query string, userIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.db.Pool().Query(ctx, query, idArray(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int, len(userIDs))
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out[id] = n
	}

	return out, rows.Err()
}

// ActiveSubscriptionsByUser batch-fetches active push subscriptions keyed by user ID
func (r *Repository) ActiveSubscriptionsByUser(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID][]*Subscription, error) {
	query := `
		SELECT id, user_id, provider, endpoint, COALESCE(p256dh, ''), COALESCE(auth, ''),
			is_active, deactivated_at, created_at
		FROM push_subscriptions
		WHERE user_id = ANY($1::uuid[]) AND is_active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, idArray(userIDs))
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]*Subscription)
	for rows.Next() {
		var s Subscription
		err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.Provider,
			&s.Endpoint,
			&s.P256dh,
			&s.Auth,
			&s.IsActive,
			&s.DeactivatedAt,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out[s.UserID] = append(out[s.UserID], &s)
	}

	return out, rows.Err()
}

// SendCountsSince groups the send log by (user, template) from since onwards
func (r *Repository) SendCountsSince(ctx context.Context, userIDs []uuid.UUID, since time.Time) ([]SendCount, error) {
	query := `
		SELECT user_id, template_key, category, COUNT(*)::int
		FROM push_send_log
		WHERE user_id = ANY($1::uuid[]) AND sent_at >= $2
		GROUP BY user_id, template_key, category
	`

	rows, err := r.db.Pool().Query(ctx, query, idArray(userIDs), since)
	if err != nil {
		return nil, fmt.Errorf("query send counts: %w", err)
	}
	defer rows.Close()

	var counts []SendCount
	for rows.Next() {
		var c SendCount
		if err := rows.Scan(&c.UserID, &c.TemplateKey, &c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan send count: %w", err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

// DeactivateSubscription marks a subscription inactive after the push service reported it gone
func (r *Repository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE push_subscriptions
		SET is_active = FALSE, deactivated_at = NOW()
		WHERE id = $1 AND is_active = TRUE
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("failed to deactivate subscription",
			zap.Error(err),
			zap.String("subscription_id", id.String()),
		)
		return fmt.Errorf("deactivate subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Already inactive: a concurrent run got there first
		r.logger.Debug("subscription already inactive", zap.String("subscription_id", id.String()))
	}

	return nil
}

// InsertSendLogs appends audit rows in a single COPY
func (r *Repository) InsertSendLogs(ctx context.Context, logs []*SendLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}

	columns := []string{"id", "user_id", "template_key", "category", "title", "body", "deep_link", "sent_at"}
	n, err := r.db.Pool().CopyFrom(
		ctx,
		pgx.Identifier{"push_send_log"},
		columns,
		pgx.CopyFromSlice(len(logs), func(i int) ([]any, error) {
			l := logs[i]
			if l.ID == uuid.Nil {
				l.ID = uuid.New()
			}
			return []any{l.ID, l.UserID, l.TemplateKey, l.Category, l.Title, l.Body, l.DeepLink, l.SentAt}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copy send logs: %w", err)
	}

	r.logger.Debug("send logs written", zap.Int64("rows", n))

	return n, nil
}

func idArray(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}
