// Package lease provides per-cohort calculation leases backed by Redis.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another worker holds the cohort's lease.
var ErrHeld = errors.New("cohort lease is held by another worker")

// ErrLost is returned when a lease expired or was taken over before release or extension.
var ErrLost = errors.New("cohort lease lost")

// Data is stored as the lease value.
type Data struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	CohortID   int64     `json:"cohort_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a held calculation lease.
type Lease struct {
	CohortID int64
	key      string
	value    string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker hands out one lease per cohort. A crashed worker's lease
// lapses after the TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	holder string
}

// NewRedisLocker connects to redisURL. holder identifies this process in lease data.
func NewRedisLocker(redisURL, holder string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client, holder, ttl), nil
}

// NewRedisLockerWithClient creates a locker from an existing Redis client
func NewRedisLockerWithClient(client *redis.Client, holder string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: "cohort:calc:",
		ttl:    ttl,
		holder: holder,
	}
}

// TTL is how long a lease lives without being extended.
func (l *RedisLocker) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLocker) key(cohortID int64) string {
	return l.prefix + strconv.FormatInt(cohortID, 10)
}

// Acquire takes the cohort's lease or returns ErrHeld.
func (l *RedisLocker) Acquire(ctx context.Context, cohortID int64) (*Lease, error) {
	payload, err := json.Marshal(Data{
		Token:      uuid.NewString(),
		Holder:     l.holder,
		CohortID:   cohortID,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal lease data: %w", err)
	}

	key := l.key(cohortID)
	ok, err := l.client.SetNX(ctx, key, payload, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease for cohort %d: %w", cohortID, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{CohortID: cohortID, key: key, value: string(payload)}, nil
}

// Extend pushes the lease expiry out by the locker's TTL.
func (l *RedisLocker) Extend(ctx context.Context, lease *Lease) error {
	n, err := extendScript.Run(ctx, l.client, []string{lease.key}, lease.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease for cohort %d: %w", lease.CohortID, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the lease if this holder still owns it.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	n, err := releaseScript.Run(ctx, l.client, []string{lease.key}, lease.value).Int64()
	if err != nil {
		return fmt.Errorf("release lease for cohort %d: %w", lease.CohortID, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Inspect returns the current holder of a cohort's lease.
func (l *RedisLocker) Inspect(ctx context.Context, cohortID int64) (Data, bool, error) {
	raw, err := l.client.Get(ctx, l.key(cohortID)).Result()
	if err == redis.Nil {
		return Data{}, false, nil
	}
	if err != nil {
		return Data{}, false, fmt.Errorf("inspect lease for cohort %d: %w", cohortID, err)
	}

	var data Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Data{}, false, fmt.Errorf("unmarshal lease data: %w", err)
	}
	return data, true, nil
}

// Close closes the Redis connection
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
