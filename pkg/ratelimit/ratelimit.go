package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/log"
)

// Counter TTLs. The concurrent TTL must exceed the deployment wall-clock
// ceiling (30m) so a live deployment never loses its admission slot; the
// monthly TTL spans a full billing month plus slack.
const (
	ConcurrentTTL = time.Hour
	MonthlyTTL    = 60 * 24 * time.Hour
)

// LimitKind names which counter rejected an admission
type LimitKind string

const (
	KindConcurrent LimitKind = "concurrent"
	KindMonthly    LimitKind = "monthly"
)

// LimitError reports a full counter without any mutation having occurred
type LimitError struct {
	Kind    LimitKind
	Current int64
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("deployment rate limit exceeded: %s limit reached (%d/%d)", e.Kind, e.Current, e.Max)
}

// Limits are the counter ceilings resolved from the tenant's plan
type Limits struct {
	MaxConcurrent int
	MaxPerMonth   int
}

// Release decrements the concurrent counter for an admitted deployment.
// It is safe to call more than once; only the first call decrements.
type Release func(ctx context.Context)

// Limiter holds the shared per-tenant deployment counters in Redis
type Limiter struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a limiter over the shared cache client
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, logger: log.WithComponent("ratelimit")}
}

func concurrentKey(companyID string) string {
	return "deployments:concurrent:company:" + companyID
}

func monthlyKey(companyID string, now time.Time) string {
	return fmt.Sprintf("deployments:monthly:company:%s:%s", companyID, now.UTC().Format("200601"))
}

// checkAndIncr atomically bumps a counter unless it is already at max.
// Runs as a Lua script so concurrent workers never over-admit.
var checkAndIncr = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if max >= 0 and current >= max then
  return {0, current}
end
local v = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {1, v}
`)

// CheckAndIncrement admits a deployment for the tenant, bumping both the
// monthly and the concurrent counter. Each bump is an atomic
// check-and-increment, so concurrent workers can never jointly exceed a
// ceiling; a rejection on the second counter hands the first claim back,
// leaving both counters net unchanged. The returned Release must be
// invoked exactly once on any terminal transition; it is idempotent at
// this boundary.
func (l *Limiter) CheckAndIncrement(ctx context.Context, companyID string, limits Limits) (Release, error) {
	mk := monthlyKey(companyID, time.Now())
	res, err := checkAndIncr.Run(ctx, l.rdb, []string{mk},
		limits.MaxPerMonth, int(MonthlyTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to bump monthly counter: %w", err)
	}
	if res[0] == 0 {
		return nil, &LimitError{Kind: KindMonthly, Current: res[1], Max: limits.MaxPerMonth}
	}

	res, err = checkAndIncr.Run(ctx, l.rdb,
		[]string{concurrentKey(companyID)},
		limits.MaxConcurrent, int(ConcurrentTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		l.decrementKey(ctx, mk, MonthlyTTL)
		return nil, fmt.Errorf("failed to bump concurrent counter: %w", err)
	}
	if res[0] == 0 {
		// Refund the monthly slot claimed a moment ago
		l.decrementKey(ctx, mk, MonthlyTTL)
		return nil, &LimitError{Kind: KindConcurrent, Current: res[1], Max: limits.MaxConcurrent}
	}

	var once sync.Once
	release := func(ctx context.Context) {
		once.Do(func() {
			l.decrementKey(ctx, concurrentKey(companyID), ConcurrentTTL)
		})
	}
	return release, nil
}

// decrScript lowers a counter, clamping at zero. A counter lost to
// eviction self-heals; it must never go negative and under-count.
var decrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('SET', KEYS[1], 0, 'EX', ARGV[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

func (l *Limiter) decrementKey(ctx context.Context, key string, ttl time.Duration) {
	err := decrScript.Run(ctx, l.rdb, []string{key}, int(ttl.Seconds())).Err()
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("failed to decrement counter")
	}
}

// Concurrent returns the current in-flight counter for a tenant
func (l *Limiter) Concurrent(ctx context.Context, companyID string) (int64, error) {
	v, err := l.rdb.Get(ctx, concurrentKey(companyID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Monthly returns the current month counter for a tenant
func (l *Limiter) Monthly(ctx context.Context, companyID string) (int64, error) {
	v, err := l.rdb.Get(ctx, monthlyKey(companyID, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Reconcile overwrites the concurrent counters from the authoritative SQL
// count of non-terminal deployments per tenant. Run periodically so
// evicted or crashed counters converge within one interval.
func (l *Limiter) Reconcile(ctx context.Context, inFlight map[string]int) error {
	for companyID, count := range inFlight {
		err := l.rdb.Set(ctx, concurrentKey(companyID), count, ConcurrentTTL).Err()
		if err != nil {
			return fmt.Errorf("failed to reconcile counter for company %s: %w", companyID, err)
		}
	}
	return nil
}
