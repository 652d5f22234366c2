package bq

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Promoter periodically moves due jobs out of the delayed sorted set and
// back onto their partition's queue. It answers DESIGN NOTES §9's open
// question about who promotes delayed releases: the driver offers it as
// an opt-in background loop rather than doing it inline on every
// operation, the way the teacher runs its own maintenance loops
// (heartbeats, metadata refresh) on a separate goroutine from request
// handling.
type Promoter struct {
	driver   *Driver
	queue    string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// StartPromoter launches a Promoter for queue, waiting a jittered
// [interval/2, 3*interval/2) between passes until the returned Promoter is
// stopped or ctx is cancelled. The
// caller owns its lifetime and must call Stop to release resources.
func (d *Driver) StartPromoter(ctx context.Context, queue string, interval time.Duration) *Promoter {
	ctx, cancel := context.WithCancel(ctx)
	p := &Promoter{driver: d, queue: queue, interval: interval, cancel: cancel, done: make(chan struct{})}
	go p.run(ctx)
	return p
}

func (p *Promoter) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(p.interval)):
		}
		if err := p.promoteOnce(ctx); err != nil {
			logWarn(p.driver.cfg.logger, "promote pass failed", "queue", p.queue, "error", err)
		}
	}
}

// promoteOnce scans every partition's delayed set once, moving anything
// due (score <= now) back onto the live queue via PUSH so it re-enters
// fairly through the ordinary selection path.
//
// The sweep set is the union of partitions(Q) and delayed-partitions(Q):
// a partition drained to empty by the pop that reserved its last job is
// SREM'd from partitions(Q) (invariant I1), so a delayed Release against
// that partition would otherwise never be swept.
func (p *Promoter) promoteOnce(ctx context.Context) error {
	keys := p.driver.cfg.keys
	kv := p.driver.kv

	active, err := kv.SMembers(ctx, keys.partitions(p.queue)).Result()
	if err != nil {
		return &KVError{Op: "SMEMBERS", Err: err}
	}
	delayed, err := kv.SMembers(ctx, keys.delayedPartitions(p.queue)).Result()
	if err != nil {
		return &KVError{Op: "SMEMBERS delayed-partitions", Err: err}
	}

	seen := make(map[string]struct{}, len(active)+len(delayed))
	var members []string
	for _, partition := range active {
		if _, ok := seen[partition]; !ok {
			seen[partition] = struct{}{}
			members = append(members, partition)
		}
	}
	for _, partition := range delayed {
		if _, ok := seen[partition]; !ok {
			seen[partition] = struct{}{}
			members = append(members, partition)
		}
	}

	now := p.driver.cfg.clock().Unix()
	for _, partition := range members {
		due, err := kv.ZRangeByScore(ctx, keys.delayed(p.queue, partition), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now, 10),
		}).Result()
		if err != nil {
			return &KVError{Op: "ZRANGEBYSCORE", Err: err}
		}
		for _, payload := range due {
			if _, err := scriptPush.Run(ctx, kv, []string{
				keys.partitions(p.queue), keys.queue(p.queue, partition), keys.metrics(p.queue, partition),
			}, payload, partition, now).Result(); err != nil {
				return &KVError{Op: "PUSH (promote)", Err: err}
			}
			if err := kv.ZRem(ctx, keys.delayed(p.queue, partition), payload).Err(); err != nil {
				return &KVError{Op: "ZREM", Err: err}
			}
		}

		if len(due) > 0 {
			remaining, err := kv.ZCard(ctx, keys.delayed(p.queue, partition)).Result()
			if err != nil {
				return &KVError{Op: "ZCARD", Err: err}
			}
			if remaining == 0 {
				if err := kv.SRem(ctx, keys.delayedPartitions(p.queue), partition).Err(); err != nil {
					return &KVError{Op: "SREM delayed-partitions", Err: err}
				}
			}
		}
	}
	return nil
}

// Stop cancels the promotion loop and blocks until it has exited.
func (p *Promoter) Stop() {
	p.cancel()
	<-p.done
}
