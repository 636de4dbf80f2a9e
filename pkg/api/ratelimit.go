package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openarchive/openarchive/pkg/auth"
)

// LimitPolicy defines per-actor request limits.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks if the actor may perform an action costing 'cost'
	// tokens. Returns true if allowed, false if rate limited.
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// tokenBucket implements a thread-safe token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, capacity int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore keeps buckets in process memory. Suitable for
// single-instance deployments and tests.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewInMemoryLimiterStore creates an empty in-process store.
func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*tokenBucket)}
}

// Allow consumes cost tokens from the actor's bucket.
func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[actorID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = newTokenBucket(rate, policy.Burst)
		s.buckets[actorID] = tb
	}

	return tb.allow(cost), nil
}

// redisTokenBucketScript runs the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key (e.g. "ratelimit:3/auditor1")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore using Redis, sharing buckets
// across core replicas.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore creates a store backed by the Redis at addr.
func NewRedisLimiterStore(addr string) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", actorID)

	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, rate, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}

// ActorRateLimitMiddleware enforces per-actor limits on authenticated
// traffic. The actor id is the token's org/user pair, falling back to the
// remote IP for unauthenticated requests. On limiter errors the request
// proceeds (fail open) so a Redis outage cannot take the API down.
func ActorRateLimitMiddleware(store LimiterStore, policy LimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := clientIP(r)
			if p, err := auth.GetPrincipal(r.Context()); err == nil {
				org := int64(0)
				if p.OrgID != nil {
					org = *p.OrgID
				}
				actorID = fmt.Sprintf("%d/%s", org, p.Username)
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
