package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// regularField holds the per-day count of non-exempt deliveries inside a
// user's cap hash. Template keys never start with an underscore.
const regularField = "__regular"

// capTTL keeps a day's counters around past midnight in every timezone.
const capTTL = 48 * time.Hour

// CapCounts is one user's delivery tally for a day.
type CapCounts struct {
	PerTemplate map[string]int
	Regular     int
}

// reserveScript increments the template and regular counters and rolls both
// back if either limit would be exceeded.
//
// KEYS[1] cap hash
// ARGV[1] template key, ARGV[2] max per day, ARGV[3] regular cap,
// ARGV[4] "1" when exempt from the regular cap, ARGV[5] ttl seconds
var reserveScript = redis.NewScript(`
local t = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local r = 0
if ARGV[4] == '0' then
  r = redis.call('HINCRBY', KEYS[1], '__regular', 1)
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
if t > tonumber(ARGV[2]) or (ARGV[4] == '0' and r > tonumber(ARGV[3])) then
  redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
  if ARGV[4] == '0' then
    redis.call('HINCRBY', KEYS[1], '__regular', -1)
  end
  return 0
end
return 1
`)

// CapCounter tracks per-user, per-day delivery counts in Redis hashes so
// concurrent runs cannot both pass the same frequency cap.
type CapCounter struct {
	client *Client
	logger *zap.Logger
}

// NewCapCounter creates a cap counter.
func NewCapCounter(client *Client, logger *zap.Logger) *CapCounter {
	return &CapCounter{client: client, logger: logger}
}

func capKey(day string, userID uuid.UUID) string {
	return fmt.Sprintf("pushcap:%s:%s", day, userID)
}

// Counts returns the tallies for the given users on day (YYYY-MM-DD).
// Users with no deliveries are absent from the result.
func (c *CapCounter) Counts(ctx context.Context, day string, userIDs []uuid.UUID) (map[uuid.UUID]CapCounts, error) {
	out := make(map[uuid.UUID]CapCounts, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := c.client.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, capKey(day, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis hgetall pipeline failed: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		counts := CapCounts{PerTemplate: make(map[string]int, len(fields))}
		for field, raw := range fields {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.logger.Warn("ignoring non-numeric cap counter",
					zap.String("key", capKey(day, userIDs[i])),
					zap.String("field", field),
				)
				continue
			}
			if field == regularField {
				counts.Regular = n
				continue
			}
			counts.PerTemplate[field] = n
		}
		out[userIDs[i]] = counts
	}

	return out, nil
}

// Reserve atomically claims one delivery slot for templateKey. It returns
// false without changing anything when the template's maxPerDay or the
// regular cap (unless exempt) is already reached.
func (c *CapCounter) Reserve(ctx context.Context, day string, userID uuid.UUID, templateKey string, maxPerDay, regularCap int, exempt bool) (bool, error) {
	exemptArg := "0"
	if exempt {
		exemptArg = "1"
	}

	res, err := reserveScript.Run(ctx, c.client.rdb,
		[]string{capKey(day, userID)},
		templateKey, maxPerDay, regularCap, exemptArg, int(capTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cap reserve failed: %w", err)
	}

	return res == 1, nil
}

// Release returns a slot claimed by Reserve when no delivery was attempted.
func (c *CapCounter) Release(ctx context.Context, day string, userID uuid.UUID, templateKey string, exempt bool) error {
	key := capKey(day, userID)

	pipe := c.client.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, templateKey, -1)
	if !exempt {
		pipe.HIncrBy(ctx, key, regularField, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cap release failed: %w", err)
	}
	return nil
}
