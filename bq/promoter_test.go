package bq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromoterPromotesDueJobs(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	d := NewDriver(kv, WithPrefix("t"))

	_, err := d.Push(ctx, "jobs", []byte("payload"), WithPartitionOverride("p1"))
	require.NoError(t, err)
	res, ok, err := d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, res.Release(ctx, 1))

	p := d.StartPromoter(ctx, "jobs", 10*time.Millisecond)
	defer p.Stop()

	time.Sleep(1100 * time.Millisecond)

	_, ok, err = d.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok, "job delayed by 1s should be promoted back onto the queue within the poll window")
}
