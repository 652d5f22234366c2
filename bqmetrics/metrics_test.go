package bqmetrics

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/prometheus/common/expfmt"
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

func TestReaderQueuesDiscoversViaScan(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	d := bq.NewDriver(kv, bq.WithPrefix("t"))
	_, err := d.Push(ctx, "orders", []byte("a"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "emails", []byte("b"), bq.WithPartitionOverride("tenant-2"))
	require.NoError(t, err)

	reader := NewReader(kv, "t", nil)
	queues, err := reader.Queues(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"orders", "emails"}, queues)
}

func TestReaderSnapshotReportsCounters(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	d := bq.NewDriver(kv, bq.WithPrefix("t"))
	_, err := d.Push(ctx, "orders", []byte("a"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "orders", []byte("b"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)
	res, ok, err := d.Pop(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	_ = res

	reader := NewReader(kv, "t", nil)
	snap, err := reader.Snapshot(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, snap.Partitions, 1)
	require.Equal(t, int64(1), snap.Partitions[0].QueueLength)
	require.Equal(t, int64(1), snap.Partitions[0].ActiveCount)
	require.Equal(t, int64(2), snap.Partitions[0].TotalPushed)
	require.Equal(t, int64(1), snap.Partitions[0].TotalPopped)
}

func TestRegistryWriteToEncodesPrometheusText(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	d := bq.NewDriver(kv, bq.WithPrefix("t"))
	_, err := d.Push(ctx, "orders", []byte("a"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)

	reader := NewReader(kv, "t", nil)
	reg := NewRegistry(NewCollector(reader))

	var buf bytes.Buffer
	require.NoError(t, reg.WriteTo(&buf, expfmt.FmtText))
	require.Contains(t, buf.String(), "balanced_queue_pending_jobs")
	require.Contains(t, buf.String(), `queue="orders"`)
	require.NotContains(t, buf.String(), "partition=")
}

func TestCollectorAggregatesAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	d := bq.NewDriver(kv, bq.WithPrefix("t"))
	_, err := d.Push(ctx, "orders", []byte("a"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "orders", []byte("b"), bq.WithPartitionOverride("tenant-2"))
	require.NoError(t, err)

	reader := NewReader(kv, "t", nil)
	reg := NewRegistry(NewCollector(reader))

	var buf bytes.Buffer
	require.NoError(t, reg.WriteTo(&buf, expfmt.FmtText))
	require.Contains(t, buf.String(), `balanced_queue_pending_jobs{queue="orders"} 2`)
	require.Contains(t, buf.String(), `balanced_queue_partitions_total{queue="orders"} 2`)
}
