package bq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminTableSortedByPendingDescending(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv, WithPrefix("t"))

	_, err := d.Push(ctx, "q", []byte("a"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := d.Push(ctx, "q", []byte("x"), WithPartitionOverride("p2"))
		require.NoError(t, err)
	}

	admin := NewAdmin(kv, "t")
	rows, err := admin.Table(ctx, "q")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "p2", rows[0].Partition)
	require.Equal(t, int64(3), rows[0].Pending)
	require.Equal(t, "p1", rows[1].Partition)
	require.Equal(t, int64(1), rows[1].Pending)
}

func TestAdminClearPartitionRemovesFromSet(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv, WithPrefix("t"))

	_, err := d.Push(ctx, "q", []byte("a"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "q", []byte("b"), WithPartitionOverride("p2"))
	require.NoError(t, err)

	admin := NewAdmin(kv, "t")
	require.NoError(t, admin.ClearPartition(ctx, "q", "p1"))

	rows, err := admin.Table(ctx, "q")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p2", rows[0].Partition)
}

func TestAdminClearQueueRemovesEverything(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv, WithPrefix("t"))

	_, err := d.Push(ctx, "q", []byte("a"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	_, err = d.Push(ctx, "q", []byte("b"), WithPartitionOverride("p2"))
	require.NoError(t, err)

	admin := NewAdmin(kv, "t")
	require.NoError(t, admin.ClearQueue(ctx, "q"))

	rows, err := admin.Table(ctx, "q")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestAdminClearEmptyQueueIsNotAnError(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	admin := NewAdmin(kv, "t")

	require.NoError(t, admin.ClearQueue(ctx, "never-existed"))
}
