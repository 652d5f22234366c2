package bq

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Admin exposes the maintenance operations the CLI surface needs (C7):
// per-partition table rows and clear operations. It talks to the KV
// directly rather than through a Driver so it keeps working even when no
// strategy/limiter pair has been configured.
type Admin struct {
	kv   redis.Cmdable
	keys keySpace
}

// NewAdmin builds an Admin against kv using the given key prefix.
func NewAdmin(kv redis.Cmdable, prefix string) *Admin {
	return &Admin{kv: kv, keys: newKeySpace(prefix)}
}

// Row is one partition's line in the table view (spec §4.7 "Table view").
type Row struct {
	Partition string
	Pending   int64
	Active    int64
	Processed int64
}

// Table returns queue's partitions sorted by Pending descending, per
// spec §4.7.
func (a *Admin) Table(ctx context.Context, queue string) ([]Row, error) {
	members, err := a.kv.SMembers(ctx, a.keys.partitions(queue)).Result()
	if err != nil {
		return nil, &KVError{Op: "SMEMBERS", Err: err}
	}
	rows := make([]Row, 0, len(members))
	for _, partition := range members {
		pending, err := a.kv.LLen(ctx, a.keys.queue(queue, partition)).Result()
		if err != nil {
			return nil, &KVError{Op: "LLEN", Err: err}
		}
		active, err := a.kv.HLen(ctx, a.keys.active(queue, partition)).Result()
		if err != nil {
			return nil, &KVError{Op: "HLEN", Err: err}
		}
		processed, err := a.kv.HGet(ctx, a.keys.metrics(queue, partition), "total_popped").Result()
		if err != nil && err != redis.Nil {
			return nil, &KVError{Op: "HGET", Err: err}
		}
		rows = append(rows, Row{Partition: partition, Pending: pending, Active: active, Processed: parseInt64(processed)})
	}
	sortRowsByPendingDesc(rows)
	return rows, nil
}

func sortRowsByPendingDesc(rows []Row) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].Pending > rows[j-1].Pending; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// ClearPartition deletes queue/active/delayed/metrics for one partition
// and removes it from the partition set (spec §4.7 "Clear operations" (a)).
func (a *Admin) ClearPartition(ctx context.Context, queue, partition string) error {
	pipe := a.kv.Pipeline()
	pipe.Del(ctx, a.keys.queue(queue, partition))
	pipe.Del(ctx, a.keys.active(queue, partition))
	pipe.Del(ctx, a.keys.delayed(queue, partition))
	pipe.Del(ctx, a.keys.metrics(queue, partition))
	pipe.SRem(ctx, a.keys.partitions(queue), partition)
	if _, err := pipe.Exec(ctx); err != nil {
		return &KVError{Op: "clear partition pipeline", Err: err}
	}
	return nil
}

// ClearQueue clears every partition of queue, then removes the partition
// set and round-robin counter (spec §4.7 "Clear operations" (b)).
func (a *Admin) ClearQueue(ctx context.Context, queue string) error {
	members, err := a.kv.SMembers(ctx, a.keys.partitions(queue)).Result()
	if err != nil {
		return &KVError{Op: "SMEMBERS", Err: err}
	}
	for _, partition := range members {
		if err := a.ClearPartition(ctx, queue, partition); err != nil {
			return err
		}
	}
	pipe := a.kv.Pipeline()
	pipe.Del(ctx, a.keys.partitions(queue))
	pipe.Del(ctx, a.keys.rrState(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return &KVError{Op: "clear queue pipeline", Err: err}
	}
	return nil
}
