package bq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundRobinVisitsEveryPartitionOnce(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	keys := newKeySpace("t")

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, kv.SAdd(ctx, keys.partitions("q"), p).Err())
	}

	strat := RoundRobinStrategy{}
	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		partition, ok, err := strat.Select(ctx, kv, keys, "q")
		require.NoError(t, err)
		require.True(t, ok)
		seen[partition]++
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestRoundRobinNoPartitions(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	keys := newKeySpace("t")

	_, ok, err := (RoundRobinStrategy{}).Select(ctx, kv, keys, "empty-queue")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSmartFairBoostsSmallQueues(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	keys := newKeySpace("t")

	require.NoError(t, kv.SAdd(ctx, keys.partitions("q"), "small", "big").Err())
	for i := 0; i < 2; i++ {
		require.NoError(t, kv.RPush(ctx, keys.queue("q", "small"), "x").Err())
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, kv.RPush(ctx, keys.queue("q", "big"), "x").Err())
	}

	strat := NewSmartFairStrategy(nil)
	partition, ok, err := strat.Select(ctx, kv, keys, "q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "small", partition, "with neither partition having waited, the small queue should win on relative size and the small-queue boost")
}

func TestRandomStrategyEmptySet(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	keys := newKeySpace("t")

	_, ok, err := (RandomStrategy{}).Select(ctx, kv, keys, "empty")
	require.NoError(t, err)
	require.False(t, ok)
}
