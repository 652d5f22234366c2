package bq

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy chooses which partition a worker is served from next (C2).
// Implementations must be safe for concurrent use across goroutines and
// processes; any ordering state they keep lives in the KV, not in-process.
type Strategy interface {
	// Select returns the next partition to serve from Q, or ok=false if Q
	// currently has no partitions with queued jobs.
	Select(ctx context.Context, kv redis.Cmdable, keys keySpace, queue string) (partition string, ok bool, err error)
}

// StrategyFactory builds a Strategy from free-form configuration
// (spec §6 "strategies.<name>"). Registered factories form the open set
// DESIGN NOTES §9 calls for.
type StrategyFactory func(config map[string]any) (Strategy, error)

var strategyRegistry = map[string]StrategyFactory{
	"random": func(map[string]any) (Strategy, error) { return RandomStrategy{}, nil },
	"round-robin": func(map[string]any) (Strategy, error) { return RoundRobinStrategy{}, nil },
	"smart": func(config map[string]any) (Strategy, error) { return NewSmartFairStrategy(config), nil },
}

// RegisterStrategy adds (or overrides) a named strategy factory. Unknown
// names resolved from configuration fail fast with a *NotDefinedError
// (spec §7 "Mis-configuration").
func RegisterStrategy(name string, factory StrategyFactory) {
	strategyRegistry[name] = factory
}

func newStrategy(name string, config map[string]any) (Strategy, error) {
	factory, ok := strategyRegistry[name]
	if !ok {
		return nil, &NotDefinedError{Kind: "strategy", Name: name}
	}
	return factory(config)
}

// RandomStrategy picks a uniformly random partition. Stateless, cheapest
// per call, offers no starvation guarantee.
type RandomStrategy struct{}

func (RandomStrategy) Select(ctx context.Context, kv redis.Cmdable, keys keySpace, queue string) (string, bool, error) {
	member, err := kv.SRandMember(ctx, keys.partitions(queue)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &KVError{Op: "SRANDMEMBER", Err: err}
	}
	return member, true, nil
}

// RoundRobinStrategy visits every partition within n consecutive
// selections over a stable partition set (spec §4.2, P4).
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Select(ctx context.Context, kv redis.Cmdable, keys keySpace, queue string) (string, bool, error) {
	members, err := kv.SMembers(ctx, keys.partitions(queue)).Result()
	if err != nil {
		return "", false, &KVError{Op: "SMEMBERS", Err: err}
	}
	if len(members) == 0 {
		return "", false, nil
	}
	sort.Strings(members)

	tick, err := kv.Incr(ctx, keys.rrState(queue)).Result()
	if err != nil {
		return "", false, &KVError{Op: "INCR", Err: err}
	}
	idx := (int(tick) - 1) % len(members)
	if idx < 0 {
		idx += len(members)
	}
	return members[idx], true, nil
}

// SmartFairWeights configures the smart-fair scoring function (spec §4.2).
type SmartFairWeights struct {
	WeightWait          float64
	WeightSize          float64
	SmallQueueThreshold int64
	BoostMultiplier     float64
}

// DefaultSmartFairWeights matches the defaults spec.md §4.2 specifies.
func DefaultSmartFairWeights() SmartFairWeights {
	return SmartFairWeights{
		WeightWait:          0.6,
		WeightSize:          0.4,
		SmallQueueThreshold: 5,
		BoostMultiplier:     1.5,
	}
}

// SmartFairStrategy scores each non-empty partition by a blend of wait
// time and relative queue size, boosting small queues so they don't starve
// behind one very large tenant (spec §4.2).
type SmartFairStrategy struct {
	weights SmartFairWeights
}

// NewSmartFairStrategy builds a SmartFairStrategy, reading
// weight_wait_time, weight_queue_size, small_queue_threshold, and
// boost_multiplier out of config, falling back to DefaultSmartFairWeights
// for anything absent.
func NewSmartFairStrategy(config map[string]any) *SmartFairStrategy {
	w := DefaultSmartFairWeights()
	if v, ok := configFloat(config, "weight_wait_time"); ok {
		w.WeightWait = v
	}
	if v, ok := configFloat(config, "weight_queue_size"); ok {
		w.WeightSize = v
	}
	if v, ok := configFloat(config, "small_queue_threshold"); ok {
		w.SmallQueueThreshold = int64(v)
	}
	if v, ok := configFloat(config, "boost_multiplier"); ok {
		w.BoostMultiplier = v
	}
	return &SmartFairStrategy{weights: w}
}

func configFloat(config map[string]any, key string) (float64, bool) {
	v, ok := config[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func (s *SmartFairStrategy) Select(ctx context.Context, kv redis.Cmdable, keys keySpace, queue string) (string, bool, error) {
	members, err := kv.SMembers(ctx, keys.partitions(queue)).Result()
	if err != nil {
		return "", false, &KVError{Op: "SMEMBERS", Err: err}
	}
	if len(members) == 0 {
		return "", false, nil
	}

	type candidate struct {
		partition string
		size      int64
		firstJob  int64
	}
	candidates := make([]candidate, 0, len(members))
	var maxSize int64
	for _, partition := range members {
		size, err := kv.LLen(ctx, keys.queue(queue, partition)).Result()
		if err != nil {
			return "", false, &KVError{Op: "LLEN", Err: err}
		}
		if size == 0 {
			continue
		}
		if size > maxSize {
			maxSize = size
		}
		var firstJob int64
		if raw, err := kv.HGet(ctx, keys.metrics(queue, partition), "first_job_time").Result(); err == nil {
			firstJob, _ = strconv.ParseInt(raw, 10, 64)
		} else if err != redis.Nil {
			return "", false, &KVError{Op: "HGET", Err: err}
		}
		candidates = append(candidates, candidate{partition: partition, size: size, firstJob: firstJob})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	if maxSize == 0 {
		maxSize = 1
	}

	now := time.Now().Unix()
	var best string
	var bestScore float64
	found := false
	for _, c := range candidates {
		var waitSecs float64
		if c.firstJob > 0 {
			waitSecs = float64(now - c.firstJob)
		}
		normalizedSize := 1 - float64(c.size)/float64(maxSize)
		score := waitSecs*s.weights.WeightWait + normalizedSize*100*s.weights.WeightSize
		if c.size < s.weights.SmallQueueThreshold {
			score *= s.weights.BoostMultiplier
		}
		if !found || score > bestScore {
			best, bestScore, found = c.partition, score, true
		}
	}
	return best, found, nil
}

// jitter returns a random duration in [base/2, 3*base/2), the wait used
// between passes of background loops (the
// delayed-release promoter) the way the teacher staggers its own
// maintenance goroutines to avoid a thundering herd against the KV.
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}
