package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "aigov:burst:"
	burstWindow    = 60 * time.Second
	burstKeyTTL    = 90 * time.Second
)

// BurstLimiter caps AI calls per (organization, user) in a sliding one-minute
// window backed by a Redis sorted set. It complements the monthly quota, which
// cannot stop a runaway loop inside a single period.
type BurstLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewBurstLimiter(rdb redis.Cmdable) *BurstLimiter {
	return &BurstLimiter{rdb: rdb, now: time.Now}
}

func burstKey(orgID, userID uuid.UUID) string {
	return burstKeyPrefix + orgID.String() + ":" + userID.String()
}

// Allow records one call and reports whether it fits under maxPerMinute.
// Denied calls are not recorded.
func (l *BurstLimiter) Allow(ctx context.Context, orgID, userID uuid.UUID, maxPerMinute int) (bool, error) {
	key := burstKey(orgID, userID)
	now := l.now()
	windowStart := now.Add(-burstWindow).UnixMilli()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(maxPerMinute) {
		return false, nil
	}

	pipe = l.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, burstKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (add): %w", err)
	}
	return true, nil
}

// Usage returns the number of calls in the current window.
func (l *BurstLimiter) Usage(ctx context.Context, orgID, userID uuid.UUID) (int, error) {
	now := l.now()
	count, err := l.rdb.ZCount(ctx, burstKey(orgID, userID),
		strconv.FormatInt(now.Add(-burstWindow).UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("burst limiter usage: %w", err)
	}
	return int(count), nil
}
