package bq

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// noCap signals to the Lua scripts that no cap should be enforced.
const noCap = -1

// Limiter gates how many reservations may coexist per partition (C3). All
// mutating operations run as atomic KV scripts.
type Limiter interface {
	CanProcess(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (bool, error)
	Acquire(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) (bool, error)
	Release(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) error
	ActiveCount(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (int64, error)
	// MaxConcurrent returns the cap currently in effect, or noCap if unbounded.
	MaxConcurrent(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (int64, error)
}

// LimiterFactory builds a Limiter from free-form configuration
// (spec §6 "limiters.<name>").
type LimiterFactory func(config map[string]any) (Limiter, error)

var limiterRegistry = map[string]LimiterFactory{
	"null": func(map[string]any) (Limiter, error) { return NullLimiter{}, nil },
	"simple": func(config map[string]any) (Limiter, error) { return NewFixedLimiter(config) },
	"adaptive": func(config map[string]any) (Limiter, error) { return NewAdaptiveLimiter(config) },
}

// RegisterLimiter adds (or overrides) a named limiter factory.
func RegisterLimiter(name string, factory LimiterFactory) {
	limiterRegistry[name] = factory
}

func newLimiter(name string, config map[string]any) (Limiter, error) {
	factory, ok := limiterRegistry[name]
	if !ok {
		return nil, &NotDefinedError{Kind: "limiter", Name: name}
	}
	return factory(config)
}

// NullLimiter always allows acquisition; it is used when fairness without
// caps is enough (spec §4.3).
type NullLimiter struct{}

func (NullLimiter) CanProcess(context.Context, redis.Cmdable, keySpace, string, string) (bool, error) {
	return true, nil
}

func (NullLimiter) Acquire(context.Context, redis.Cmdable, keySpace, string, string, string) (bool, error) {
	return true, nil
}

func (NullLimiter) Release(context.Context, redis.Cmdable, keySpace, string, string, string) error {
	return nil
}

func (NullLimiter) ActiveCount(context.Context, redis.Cmdable, keySpace, string, string) (int64, error) {
	return 0, nil
}

func (NullLimiter) MaxConcurrent(context.Context, redis.Cmdable, keySpace, string, string) (int64, error) {
	return noCap, nil
}

// FixedLimiter caps active reservations per partition at Cap, reaping any
// entry older than TTL lazily before it counts towards that cap.
type FixedLimiter struct {
	Cap int64
	TTL time.Duration
}

// NewFixedLimiter reads max_concurrent and lock_ttl (seconds) out of
// config, per spec §6 "limiters.simple".
func NewFixedLimiter(config map[string]any) (*FixedLimiter, error) {
	capN := int64(10)
	if v, ok := configFloat(config, "max_concurrent"); ok {
		capN = int64(v)
	}
	ttl := 5 * time.Minute
	if v, ok := configFloat(config, "lock_ttl"); ok {
		ttl = time.Duration(v) * time.Second
	}
	return &FixedLimiter{Cap: capN, TTL: ttl}, nil
}

func (l *FixedLimiter) threshold(now time.Time) int64 {
	return now.Add(-l.TTL).Unix()
}

func (l *FixedLimiter) CanProcess(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (bool, error) {
	count, err := l.ActiveCount(ctx, kv, keys, queue, partition)
	if err != nil {
		return false, err
	}
	return count < l.Cap, nil
}

func (l *FixedLimiter) Acquire(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) (bool, error) {
	now := time.Now()
	res, err := scriptAcquireWithReap.Run(ctx, kv, []string{keys.active(queue, partition)},
		id, l.Cap, int64(l.TTL.Seconds()), now.Unix(), l.threshold(now)).Int64()
	if err != nil {
		return false, &KVError{Op: "ACQUIRE_WITH_REAP", Err: err}
	}
	return res == 1, nil
}

// Release removes id from the active hash. The driver also performs this
// HDEL unconditionally before calling into the limiter (spec §4.4), so
// this is redundant when called through a Driver, but Release must still
// behave correctly standalone for callers that exercise a Limiter directly.
// HDEL is idempotent, so calling it twice is harmless.
func (l *FixedLimiter) Release(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) error {
	if err := kv.HDel(ctx, keys.active(queue, partition), id).Err(); err != nil {
		return &KVError{Op: "HDEL", Err: err}
	}
	return nil
}

func (l *FixedLimiter) ActiveCount(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (int64, error) {
	count, err := scriptReapAndCount.Run(ctx, kv, []string{keys.active(queue, partition)}, l.threshold(time.Now())).Int64()
	if err != nil {
		return 0, &KVError{Op: "REAP_AND_COUNT", Err: err}
	}
	return count, nil
}

func (l *FixedLimiter) MaxConcurrent(context.Context, redis.Cmdable, keySpace, string, string) (int64, error) {
	return l.Cap, nil
}

// AdaptiveLimiter resolves a dynamic cap between Base and Max based on a
// utilization signal pushed externally into P:metrics:Q:global (spec §4.3).
type AdaptiveLimiter struct {
	Base               int64
	Max                int64
	UtilizationThreshold float64
	TTL                time.Duration
}

// NewAdaptiveLimiter reads base_limit, max_limit, utilization_threshold,
// and lock_ttl out of config, per spec §6 "limiters.adaptive".
func NewAdaptiveLimiter(config map[string]any) (*AdaptiveLimiter, error) {
	base := int64(5)
	if v, ok := configFloat(config, "base_limit"); ok {
		base = int64(v)
	}
	max := int64(50)
	if v, ok := configFloat(config, "max_limit"); ok {
		max = int64(v)
	}
	threshold := 0.8
	if v, ok := configFloat(config, "utilization_threshold"); ok {
		threshold = v
	}
	ttl := 5 * time.Minute
	if v, ok := configFloat(config, "lock_ttl"); ok {
		ttl = time.Duration(v) * time.Second
	}
	return &AdaptiveLimiter{Base: base, Max: max, UtilizationThreshold: threshold, TTL: ttl}, nil
}

func (l *AdaptiveLimiter) threshold(now time.Time) int64 {
	return now.Add(-l.TTL).Unix()
}

// resolveCap implements the formula from spec §4.3: when utilization is
// below u*, the cap scales up towards Max proportionally to the headroom;
// at or above u*, it degrades to Base.
func (l *AdaptiveLimiter) resolveCap(ctx context.Context, kv redis.Cmdable, keys keySpace, queue string) (int64, error) {
	raw, err := kv.HGet(ctx, keys.globalMetrics(queue), "utilization").Result()
	if err != nil && err != redis.Nil {
		return 0, &KVError{Op: "HGET", Err: err}
	}
	if err == redis.Nil || raw == "" {
		// No signal pushed yet: degrade to max, per spec §4.3.
		return l.Max, nil
	}
	u, parseErr := strconv.ParseFloat(raw, 64)
	if parseErr != nil || l.UtilizationThreshold <= 0 {
		return l.Max, nil
	}
	if u >= l.UtilizationThreshold {
		return l.Base, nil
	}
	headroom := float64(l.Max-l.Base) * (l.UtilizationThreshold - u) / l.UtilizationThreshold
	capN := l.Base + int64(math.Floor(headroom))
	if capN > l.Max {
		capN = l.Max
	}
	return capN, nil
}

func (l *AdaptiveLimiter) CanProcess(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (bool, error) {
	capN, err := l.resolveCap(ctx, kv, keys, queue)
	if err != nil {
		return false, err
	}
	count, err := l.activeCount(ctx, kv, keys, queue, partition)
	if err != nil {
		return false, err
	}
	return count < capN, nil
}

func (l *AdaptiveLimiter) activeCount(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (int64, error) {
	count, err := scriptReapAndCount.Run(ctx, kv, []string{keys.active(queue, partition)}, l.threshold(time.Now())).Int64()
	if err != nil {
		return 0, &KVError{Op: "REAP_AND_COUNT", Err: err}
	}
	return count, nil
}

func (l *AdaptiveLimiter) ActiveCount(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition string) (int64, error) {
	return l.activeCount(ctx, kv, keys, queue, partition)
}

func (l *AdaptiveLimiter) MaxConcurrent(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, _ string) (int64, error) {
	return l.resolveCap(ctx, kv, keys, queue)
}

func (l *AdaptiveLimiter) Acquire(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) (bool, error) {
	capN, err := l.resolveCap(ctx, kv, keys, queue)
	if err != nil {
		return false, err
	}
	now := time.Now()
	res, err := scriptAcquireWithReap.Run(ctx, kv, []string{keys.active(queue, partition)},
		id, capN, int64(l.TTL.Seconds()), now.Unix(), l.threshold(now)).Int64()
	if err != nil {
		return false, &KVError{Op: "ACQUIRE_WITH_REAP", Err: err}
	}
	if res != 1 {
		return false, nil
	}
	pipe := kv.Pipeline()
	pipe.HIncrBy(ctx, keys.globalMetrics(queue), "total_acquired", 1)
	pipe.HSet(ctx, keys.globalMetrics(queue), "last_updated", now.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return true, &KVError{Op: "global metrics update", Err: err}
	}
	return true, nil
}

// Release removes id from the active hash, for the same reason as
// FixedLimiter.Release.
func (l *AdaptiveLimiter) Release(ctx context.Context, kv redis.Cmdable, keys keySpace, queue, partition, id string) error {
	if err := kv.HDel(ctx, keys.active(queue, partition), id).Err(); err != nil {
		return &KVError{Op: "HDEL", Err: err}
	}
	return nil
}
