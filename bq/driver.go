package bq

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Payloader lets a job type control exactly what bytes get stored, instead
// of falling back to the default JSON encoding. Job serialization is
// otherwise treated as an external concern (spec §1 "Out of scope").
type Payloader interface {
	Payload() []byte
}

func payloadBytes(job any) ([]byte, error) {
	switch v := job.(type) {
	case []byte:
		return v, nil
	case Payloader:
		return v.Payload(), nil
	default:
		return json.Marshal(job)
	}
}

// cfg holds a Driver's resolved configuration. It is built up by Opt
// values the way the teacher's kgo.cfg is, and never mutated after
// NewDriver returns.
type cfg struct {
	keys       keySpace
	logger     Logger
	strategy   Strategy
	limiter    Limiter
	resolver   PartitionResolver
	hooks      hooks
	clock      func() time.Time
}

// Opt configures a Driver at construction time.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithPrefix sets the KV key prefix P (spec §3). Defaults to "bq".
func WithPrefix(prefix string) Opt {
	return optFunc(func(c *cfg) { c.keys = newKeySpace(prefix) })
}

// WithLogger sets the Logger the driver logs through. Defaults to a no-op.
func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = l })
}

// WithStrategy sets the partition-selection strategy. Defaults to RandomStrategy.
func WithStrategy(s Strategy) Opt {
	return optFunc(func(c *cfg) { c.strategy = s })
}

// WithStrategyName resolves a registered strategy by name and config,
// failing fast with *NotDefinedError if unregistered.
func WithStrategyName(name string, config map[string]any) Opt {
	return optFunc(func(c *cfg) {
		s, err := newStrategy(name, config)
		if err != nil {
			c.strategy = erroringStrategy{err: err}
			return
		}
		c.strategy = s
	})
}

// WithLimiter sets the concurrency limiter. Defaults to NullLimiter.
func WithLimiter(l Limiter) Opt {
	return optFunc(func(c *cfg) { c.limiter = l })
}

// WithLimiterName resolves a registered limiter by name and config,
// failing fast with *NotDefinedError if unregistered.
func WithLimiterName(name string, config map[string]any) Opt {
	return optFunc(func(c *cfg) {
		l, err := newLimiter(name, config)
		if err != nil {
			c.limiter = erroringLimiter{err: err}
			return
		}
		c.limiter = l
	})
}

// WithPartitionResolver registers the per-queue resolver callable from
// spec §4.4 priority (c). It applies to every queue served by this Driver.
func WithPartitionResolver(r PartitionResolver) Opt {
	return optFunc(func(c *cfg) { c.resolver = r })
}

// WithHooks registers observers fired on Push/Pop/Release/Delete.
func WithHooks(hs ...Hook) Opt {
	return optFunc(func(c *cfg) { c.hooks = append(c.hooks, hs...) })
}

// erroringStrategy/erroringLimiter defer a mis-configuration error to
// first use, per spec §7 ("fails fast at first use"), rather than at
// NewDriver construction, mirroring how the teacher validates request
// versions lazily on the first request through a broker rather than at dial time.
type erroringStrategy struct{ err error }

func (e erroringStrategy) Select(context.Context, redis.Cmdable, keySpace, string) (string, bool, error) {
	return "", false, e.err
}

type erroringLimiter struct{ err error }

func (e erroringLimiter) CanProcess(context.Context, redis.Cmdable, keySpace, string, string) (bool, error) {
	return false, e.err
}
func (e erroringLimiter) Acquire(context.Context, redis.Cmdable, keySpace, string, string, string) (bool, error) {
	return false, e.err
}
func (e erroringLimiter) Release(context.Context, redis.Cmdable, keySpace, string, string, string) error {
	return e.err
}
func (e erroringLimiter) ActiveCount(context.Context, redis.Cmdable, keySpace, string, string) (int64, error) {
	return 0, e.err
}
func (e erroringLimiter) MaxConcurrent(context.Context, redis.Cmdable, keySpace, string, string) (int64, error) {
	return 0, e.err
}

// Driver is the partitioned job-dispatch broker (C4). It orchestrates the
// key layout (C1), partition strategy (C2), and concurrency limiter (C3)
// to offer Push/Pop/Release/Delete/Size over a Redis-compatible KV. A
// Driver is safe for concurrent use by many producer and consumer
// goroutines, and across many processes pointed at the same KV — the KV
// is the only synchronization point (spec §5).
type Driver struct {
	kv  redis.Cmdable
	cfg cfg

	closed int32
}

// NewDriver builds a Driver against kv. Any real *redis.Client or
// *redis.ClusterClient satisfies redis.Cmdable.
func NewDriver(kv redis.Cmdable, opts ...Opt) *Driver {
	c := cfg{
		keys:     newKeySpace("bq"),
		logger:   nopLogger{},
		strategy: RandomStrategy{},
		limiter:  NullLimiter{},
		clock:    time.Now,
	}
	for _, o := range opts {
		o.apply(&c)
	}
	return &Driver{kv: kv, cfg: c}
}

func (d *Driver) checkOpen() error {
	if atomic.LoadInt32(&d.closed) == 1 {
		return ErrDriverClosed
	}
	return nil
}

// Close marks the Driver closed; subsequent Push, Pop, Size and ReadyNow
// calls return ErrDriverClosed. StartPromoter and the Release/Delete methods
// of already-minted Reservations do not check the closed flag.
// It does not close the underlying KV client, which the caller owns.
func (d *Driver) Close() {
	atomic.StoreInt32(&d.closed, 1)
}

// PushOption configures a single Push call.
type PushOption interface {
	applyPush(*pushOpts)
}

type pushOpts struct {
	partition string
}

type pushOptFunc func(*pushOpts)

func (f pushOptFunc) applyPush(o *pushOpts) { f(o) }

// WithPartitionOverride pins Push to a specific partition, taking priority
// over every other resolution source (spec §4.4 priority (a)).
func WithPartitionOverride(partition string) PushOption {
	return pushOptFunc(func(o *pushOpts) { o.partition = partition })
}

// Push resolves job's partition, serializes it (unless job is already
// []byte or implements Payloader), and atomically enqueues it, returning
// the partition's new queue length (spec §4.4 "Push").
func (d *Driver) Push(ctx context.Context, queue string, job any, opts ...PushOption) (int64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	var po pushOpts
	for _, o := range opts {
		o.applyPush(&po)
	}

	partition := resolvePartition(job, po.partition, d.cfg.resolver)
	payload, err := payloadBytes(job)
	if err != nil {
		return 0, err
	}

	keys := d.cfg.keys
	n, err := scriptPush.Run(ctx, d.kv, []string{
		keys.partitions(queue), keys.queue(queue, partition), keys.metrics(queue, partition),
	}, payload, partition, d.cfg.clock().Unix()).Int64()
	if err != nil {
		return 0, &KVError{Op: "PUSH", Err: err}
	}

	logDebug(d.cfg.logger, "pushed job", "queue", queue, "partition", partition, "length", n)
	d.cfg.hooks.each(func(h Hook) {
		if ph, ok := h.(PushHook); ok {
			ph.OnPush(queue, partition, n)
		}
	})
	return n, nil
}

// Pop selects a partition via the configured Strategy and, if the
// configured Limiter allows it, atomically pops the head job and mints a
// Reservation. If the chosen partition is at capacity, Pop tries the rest
// of the partition set once (Try-Next-Partition, spec §4.4) before giving
// up. Pop returns (nil, false, nil) — not an error — when the queue is
// empty or every partition is at capacity.
func (d *Driver) Pop(ctx context.Context, queue string) (*Reservation, bool, error) {
	if err := d.checkOpen(); err != nil {
		return nil, false, err
	}
	keys := d.cfg.keys

	partition, ok, err := d.cfg.strategy.Select(ctx, d.kv, keys, queue)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	res, ok, err := d.popFrom(ctx, queue, partition)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return res, true, nil
	}

	return d.tryNextPartition(ctx, queue, partition)
}

// popFrom attempts the atomic pop+acquire pair against a single partition.
// ok is false (with nil error) whenever the limiter is full or the
// partition's queue is empty — both expected, non-error outcomes (spec §7).
func (d *Driver) popFrom(ctx context.Context, queue, partition string) (*Reservation, bool, error) {
	keys := d.cfg.keys

	// CanProcess reaps stale active entries (for limiters that track TTLs)
	// before POP_WITH_CAP trusts the active set's raw size, per spec §4.1's
	// implementer's note: "the queue driver already reaped ... when
	// selecting the partition."
	canProcess, err := d.cfg.limiter.CanProcess(ctx, d.kv, keys, queue, partition)
	if err != nil {
		return nil, false, err
	}
	if !canProcess {
		d.fireOnPop(queue, partition, false)
		return nil, false, nil
	}

	maxConcurrent, err := d.cfg.limiter.MaxConcurrent(ctx, d.kv, keys, queue, partition)
	if err != nil {
		return nil, false, err
	}

	id := uuid.NewString()
	ttl, err := d.limiterTTLSeconds(ctx, queue, partition)
	if err != nil {
		return nil, false, err
	}

	payload, err := scriptPopWithCap.Run(ctx, d.kv, []string{
		keys.queue(queue, partition), keys.partitions(queue), keys.active(queue, partition), keys.metrics(queue, partition),
	}, partition, id, maxConcurrent, ttl, d.cfg.clock().Unix()).Result()
	if err == redis.Nil {
		logDebug(d.cfg.logger, "pop found nothing", "queue", queue, "partition", partition)
		d.fireOnPop(queue, partition, false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &KVError{Op: "POP_WITH_CAP", Err: err}
	}
	raw, ok := payload.(string)
	if !ok {
		// The script returned false (Lua boolean), meaning no pop happened.
		d.fireOnPop(queue, partition, false)
		return nil, false, nil
	}

	logDebug(d.cfg.logger, "popped job", "queue", queue, "partition", partition, "id", id)
	d.fireOnPop(queue, partition, true)
	return &Reservation{driver: d, queue: queue, partition: partition, id: id, payload: []byte(raw)}, true, nil
}

func (d *Driver) fireOnPop(queue, partition string, ok bool) {
	d.cfg.hooks.each(func(h Hook) {
		if ph, ok2 := h.(PopHook); ok2 {
			ph.OnPop(queue, partition, ok)
		}
	})
}

// limiterTTLSeconds asks the limiter for its effective TTL indirectly: the
// POP_WITH_CAP script needs a TTL to set on the active hash's expiry, so we
// reuse the cap-carrying limiters' TTL field when available and otherwise
// fall back to a conservative default.
func (d *Driver) limiterTTLSeconds(ctx context.Context, queue, partition string) (int64, error) {
	switch l := d.cfg.limiter.(type) {
	case *FixedLimiter:
		return int64(l.TTL.Seconds()), nil
	case *AdaptiveLimiter:
		return int64(l.TTL.Seconds()), nil
	default:
		return int64((5 * time.Minute).Seconds()), nil
	}
}

// tryNextPartition enumerates the remaining members of partitions(Q),
// filters to those under cap, and pops from the first that yields a
// payload. At most one pass; never revisits excludePartition (spec §4.4).
func (d *Driver) tryNextPartition(ctx context.Context, queue, excludePartition string) (*Reservation, bool, error) {
	keys := d.cfg.keys
	members, err := d.kv.SMembers(ctx, keys.partitions(queue)).Result()
	if err != nil {
		return nil, false, &KVError{Op: "SMEMBERS", Err: err}
	}

	for _, partition := range members {
		if partition == excludePartition {
			continue
		}
		res, ok, err := d.popFrom(ctx, queue, partition)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return res, true, nil
		}
	}
	return nil, false, nil
}

// release implements Reservation.Release. It unconditionally removes id
// from active(Q,K) (spec §4.4: "Remove id from active(Q,K) … no atomic-script
// needed; unconditional delete") before consulting the limiter, so the
// reservation is cleaned up even under the default NullLimiter, which never
// tracked it in the first place.
func (d *Driver) release(ctx context.Context, queue, partition, id string, payload []byte, delaySeconds int64) error {
	keys := d.cfg.keys
	if err := d.kv.HDel(ctx, keys.active(queue, partition), id).Err(); err != nil {
		return &KVError{Op: "HDEL active", Err: err}
	}
	if err := d.cfg.limiter.Release(ctx, d.kv, keys, queue, partition, id); err != nil {
		return err
	}

	if delaySeconds > 0 {
		due := float64(d.cfg.clock().Unix() + delaySeconds)
		if err := d.kv.ZAdd(ctx, keys.delayed(queue, partition), redis.Z{Score: due, Member: payload}).Err(); err != nil {
			return &KVError{Op: "ZADD delayed", Err: err}
		}
		if err := d.kv.SAdd(ctx, keys.delayedPartitions(queue), partition).Err(); err != nil {
			return &KVError{Op: "SADD delayed-partitions", Err: err}
		}
	} else {
		if _, err := scriptPush.Run(ctx, d.kv, []string{
			keys.partitions(queue), keys.queue(queue, partition), keys.metrics(queue, partition),
		}, payload, partition, d.cfg.clock().Unix()).Result(); err != nil {
			return &KVError{Op: "PUSH (release)", Err: err}
		}
	}

	logDebug(d.cfg.logger, "released reservation", "queue", queue, "partition", partition, "id", id, "delay", delaySeconds)
	d.cfg.hooks.each(func(h Hook) {
		if rh, ok := h.(ReleaseHook); ok {
			rh.OnRelease(queue, partition, id, delaySeconds)
		}
	})
	return nil
}

// delete implements Reservation.Delete. Like release, it removes id from
// active(Q,K) unconditionally before consulting the limiter.
func (d *Driver) delete(ctx context.Context, queue, partition, id string) error {
	keys := d.cfg.keys
	if err := d.kv.HDel(ctx, keys.active(queue, partition), id).Err(); err != nil {
		return &KVError{Op: "HDEL active", Err: err}
	}
	if err := d.cfg.limiter.Release(ctx, d.kv, keys, queue, partition, id); err != nil {
		return err
	}
	logDebug(d.cfg.logger, "deleted reservation", "queue", queue, "partition", partition, "id", id)
	d.cfg.hooks.each(func(h Hook) {
		if dh, ok := h.(DeleteHook); ok {
			dh.OnDelete(queue, partition, id)
		}
	})
	return nil
}

// Size returns a sampled estimate of the number of queued (not active)
// jobs across every partition of queue (spec §4.4 "Size").
func (d *Driver) Size(ctx context.Context, queue string) (int64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	keys := d.cfg.keys
	members, err := d.kv.SMembers(ctx, keys.partitions(queue)).Result()
	if err != nil {
		return 0, &KVError{Op: "SMEMBERS", Err: err}
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := d.kv.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, partition := range members {
		cmds[i] = pipe.LLen(ctx, keys.queue(queue, partition))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &KVError{Op: "LLEN pipeline", Err: err}
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// ReadyNow is an alias for Size (spec §6).
func (d *Driver) ReadyNow(ctx context.Context, queue string) (int64, error) {
	return d.Size(ctx, queue)
}
