package bq

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) redis.Cmdable {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDriverPushPop(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv, WithPrefix("t"))

	n, err := d.Push(ctx, "jobs", []byte(`{"hello":"world"}`), WithPartitionOverride("tenant-a"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tenant-a", res.Partition())
	require.Equal(t, []byte(`{"hello":"world"}`), res.Payload())

	require.NoError(t, res.Delete(ctx))

	_, ok, err = d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDriverPopEmptyQueue(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	res, ok, err := d.Pop(ctx, "nothing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, res)
}

func TestDriverReleaseRequeues(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	_, err := d.Push(ctx, "jobs", []byte("payload-1"), WithPartitionOverride("p1"))
	require.NoError(t, err)

	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, res.Release(ctx, 0))

	res2, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload-1"), res2.Payload())
}

func TestDriverReleaseDelaysOutOfQueue(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	_, err := d.Push(ctx, "jobs", []byte("payload-1"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, res.Release(ctx, 300))

	_, ok, err = d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.False(t, ok, "delayed job must not be immediately re-poppable")
}

func TestDriverReservationDoubleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	_, err := d.Push(ctx, "jobs", []byte("payload-1"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, res.Delete(ctx))
	require.NoError(t, res.Delete(ctx)) // second call is a no-op, not an error
	require.NoError(t, res.Release(ctx, 0))
}

func TestDriverSize(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	_, err := d.Push(ctx, "jobs", []byte("a"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "jobs", []byte("b"), WithPartitionOverride("p2"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "jobs", []byte("c"), WithPartitionOverride("p1"))
	require.NoError(t, err)

	size, err := d.Size(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
}

func TestDriverClosed(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)
	d.Close()

	_, err := d.Push(ctx, "jobs", []byte("a"))
	require.ErrorIs(t, err, ErrDriverClosed)

	_, _, err = d.Pop(ctx, "jobs")
	require.ErrorIs(t, err, ErrDriverClosed)
}

func TestDriverTryNextPartitionWhenCapped(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	limiter, err := NewFixedLimiter(map[string]any{"max_concurrent": 1})
	require.NoError(t, err)
	d := NewDriver(kv, WithLimiter(limiter), WithStrategy(RoundRobinStrategy{}))

	_, err = d.Push(ctx, "jobs", []byte("a"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "jobs", []byte("a2"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "jobs", []byte("b"), WithPartitionOverride("p2"))
	require.NoError(t, err)

	// Exhaust p1's single slot; p1 still has a queued job, so it stays in
	// the partition set and round-robin selects it first.
	res1, ok, err := d.popFrom(ctx, "jobs", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	_ = res1

	// A direct pop against the now-capped p1 should fail over to p2 via Pop.
	res2, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p2", res2.Partition())
}

func TestDriverPartitionConventionalField(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv)

	_, err := d.Push(ctx, "jobs", map[string]any{"tenantId": 12345})
	require.NoError(t, err)

	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "12345", res.Partition())
}
