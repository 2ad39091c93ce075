package reward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "gamification:"
	// Applied idempotency keys outlive any realistic re-drive window
	defaultKeyTTL = 30 * 24 * time.Hour
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	KeyTTL    time.Duration
}

// awardScript credits the balance only if the idempotency key is new.
// KEYS[1] idempotency key, KEYS[2] balance key, ARGV[1] amount, ARGV[2] ttl ms.
var awardScript = redis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[2]) then
	return redis.call("INCRBY", KEYS[2], ARGV[1])
end
return -1
`)

// Connect opens a Redis client and verifies it with a ping
func Connect(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisLedger keeps point balances in Redis. Crediting and recording the
// idempotency key happen in one Lua script.
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
	keyTTL    time.Duration
}

// NewRedisLedger creates a ledger on client
func NewRedisLedger(client redis.UniversalClient, cfg RedisConfig) *RedisLedger {
	prefix, ttl := withDefaults(cfg)
	return &RedisLedger{client: client, keyPrefix: prefix, keyTTL: ttl}
}

func (l *RedisLedger) balanceKey(userEmail string) string {
	return l.keyPrefix + "points:" + userEmail
}

func (l *RedisLedger) appliedKey(key string) string {
	return l.keyPrefix + "applied:" + key
}

// AwardPoints credits amount unless key was already applied
func (l *RedisLedger) AwardPoints(ctx context.Context, userEmail string, amount int, key string) error {
	if amount <= 0 {
		return fmt.Errorf("points amount must be positive, got %d", amount)
	}

	keys := []string{l.appliedKey(key), l.balanceKey(userEmail)}
	if err := awardScript.Run(ctx, l.client, keys, amount, l.keyTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("award points: %w", err)
	}
	return nil
}

// Balance returns the user's current points
func (l *RedisLedger) Balance(ctx context.Context, userEmail string) (int64, error) {
	n, err := l.client.Get(ctx, l.balanceKey(userEmail)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return n, nil
}

// RedisBadges keeps each user's badges in a Redis set
type RedisBadges struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBadges creates a badge awarder on client
func NewRedisBadges(client redis.UniversalClient, cfg RedisConfig) *RedisBadges {
	prefix, _ := withDefaults(cfg)
	return &RedisBadges{client: client, keyPrefix: prefix}
}

func (b *RedisBadges) key(userEmail string) string {
	return b.keyPrefix + "badges:" + userEmail
}

// AwardBadge adds badgeID to the user's set; SADD makes repeats a no-op
func (b *RedisBadges) AwardBadge(ctx context.Context, userEmail, badgeID, key string) error {
	if badgeID == "" {
		return fmt.Errorf("badge id is required")
	}
	if err := b.client.SAdd(ctx, b.key(userEmail), badgeID).Err(); err != nil {
		return fmt.Errorf("award badge: %w", err)
	}
	return nil
}

// Badges returns the user's badges in sorted order
func (b *RedisBadges) Badges(ctx context.Context, userEmail string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.key(userEmail)).Result()
	if err != nil {
		return nil, fmt.Errorf("read badges: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func withDefaults(cfg RedisConfig) (string, time.Duration) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.KeyTTL
	if ttl == 0 {
		ttl = defaultKeyTTL
	}
	return prefix, ttl
}
