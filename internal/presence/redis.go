package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the per-lobby presence sets.
const DefaultKeyPrefix = "quizduel:presence:"

// ErrLeaseExpired is returned when refreshing a lease that has already lapsed or been released.
var ErrLeaseExpired = errors.New("presence lease expired")

// RedisTracker shares presence across server instances. Each lobby is a sorted set whose
// members are "<lease>:<user>" scored by their expiry in unix milliseconds.
type RedisTracker struct {
	rdb    *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

func NewRedisTracker(rdb *redis.Client, prefix string, grace time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &RedisTracker{rdb: rdb, prefix: prefix, grace: grace, now: time.Now}
}

func (t *RedisTracker) key(lobbyID uuid.UUID) string {
	return t.prefix + lobbyID.String()
}

func (t *RedisTracker) expiry() float64 {
	return float64(t.now().Add(t.grace).UnixMilli())
}

func (t *RedisTracker) Join(ctx context.Context, lobbyID, userID uuid.UUID) (Lease, error) {
	l := &redisLease{tracker: t, key: t.key(lobbyID), member: uuid.NewString() + ":" + userID.String()}
	if err := t.touch(ctx, l.key, l.member); err != nil {
		return nil, err
	}
	return l, nil
}

func (t *RedisTracker) touch(ctx context.Context, key, member string) error {
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: t.expiry(), Member: member})
		// the set itself outlives its newest lease by one grace period
		p.PExpire(ctx, key, 2*t.grace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

func (t *RedisTracker) Online(ctx context.Context, lobbyID uuid.UUID) ([]uuid.UUID, error) {
	key := t.key(lobbyID)
	now := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.rdb.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("presence prune: %w", err)
	}
	members, err := t.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	users := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		_, raw, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	return sortUsers(users), nil
}

type redisLease struct {
	tracker *RedisTracker
	key     string
	member  string
}

func (l *redisLease) Refresh(ctx context.Context) error {
	t := l.tracker
	score, err := t.rdb.ZScore(ctx, l.key, l.member).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	if score <= float64(t.now().UnixMilli()) {
		return ErrLeaseExpired
	}
	return t.touch(ctx, l.key, l.member)
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.tracker.rdb.ZRem(ctx, l.key, l.member).Err(); err != nil {
		return fmt.Errorf("presence release: %w", err)
	}
	return nil
}
