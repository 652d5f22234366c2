// Package bqmetrics implements the read-only metrics surface (spec §4.6):
// a Reader that samples the KV for per-partition and per-queue counters,
// exposed through a prometheus registry so the existing Prometheus text
// exposition format and client libraries can be reused as-is, the way the
// pack's services expose client_golang registries rather than hand-rolling
// the line protocol.
package bqmetrics

import (
	"context"
	"sort"
	"strings"

	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Snapshot is a point-in-time view of one queue's state (spec §4.6).
type Snapshot struct {
	Queue      string               `json:"queue"`
	Partitions []PartitionSnapshot  `json:"partitions"`
	Global     map[string]string    `json:"global,omitempty"`
}

// PartitionSnapshot is one partition's counters within a Snapshot.
type PartitionSnapshot struct {
	Partition    string `json:"partition"`
	QueueLength  int64  `json:"queue_length"`
	ActiveCount  int64  `json:"active_count"`
	DelayedCount int64  `json:"delayed_count"`
	TotalPushed  int64  `json:"total_pushed"`
	TotalPopped  int64  `json:"total_popped"`
}

// keySpace access is internal to bq; Reader re-derives the same key shapes
// locally (including bq's defaulting and trailing-colon trimming of the
// prefix) so it never needs package-private access.
type keyFn struct {
	prefix string
}

func newKeyFn(prefix string) keyFn {
	if prefix == "" {
		prefix = "bq"
	}
	return keyFn{prefix: strings.TrimSuffix(prefix, ":")}
}

func (k keyFn) partitions(q string) string    { return k.prefix + ":queues:" + q + ":partitions" }
func (k keyFn) queue(q, p string) string      { return k.prefix + ":queues:" + q + ":" + p }
func (k keyFn) active(q, p string) string     { return k.prefix + ":queues:" + q + ":" + p + ":active" }
func (k keyFn) delayed(q, p string) string    { return k.prefix + ":queues:" + q + ":" + p + ":delayed" }
func (k keyFn) metrics(q, p string) string    { return k.prefix + ":metrics:" + q + ":" + p }
func (k keyFn) globalMetrics(q string) string { return k.prefix + ":metrics:" + q + ":global" }
func (k keyFn) scanPattern() string           { return k.prefix + ":queues:*:partitions" }

// Reader samples queue state out of the KV. It never mutates anything.
type Reader struct {
	kv     redis.Cmdable
	keys   keyFn
	logger bq.Logger
}

// NewReader builds a Reader against kv using the given key prefix.
func NewReader(kv redis.Cmdable, prefix string, logger bq.Logger) *Reader {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Reader{kv: kv, keys: newKeyFn(prefix), logger: logger}
}

type nopLogger struct{}

func (nopLogger) Level() bq.LogLevel              { return bq.LogLevelNone }
func (nopLogger) Log(bq.LogLevel, string, ...any) {}

func logError(l bq.Logger, msg string, keyvals ...any) {
	if l.Level() >= bq.LogLevelError {
		l.Log(bq.LogLevelError, msg, keyvals...)
	}
}

// Queues discovers every queue currently present in the KV by scanning for
// partition-set keys (spec §4.6 "Discovery"), never via a blocking KEYS call.
func (r *Reader) Queues(ctx context.Context) ([]string, error) {
	var queues []string
	iter := r.kv.Scan(ctx, 0, r.keys.scanPattern(), 100).Iterator()
	for iter.Next(ctx) {
		if q, ok := trimPartitionsSuffix(r.keys.prefix, iter.Val()); ok {
			queues = append(queues, q)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(queues)
	return queues, nil
}

func trimPartitionsSuffix(prefix, key string) (string, bool) {
	p := prefix + ":queues:"
	if len(key) <= len(p) || key[:len(p)] != p {
		return "", false
	}
	rest := key[len(p):]
	const suffix = ":partitions"
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return "", false
	}
	return rest[:len(rest)-len(suffix)], true
}

// Snapshot samples the full state of queue: its partition set and, for
// each member, queue length, active count, delayed count, and cumulative
// counters (spec §4.6 "Per-partition metrics").
func (r *Reader) Snapshot(ctx context.Context, queue string) (*Snapshot, error) {
	members, err := r.kv.SMembers(ctx, r.keys.partitions(queue)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	snap := &Snapshot{Queue: queue}
	for _, partition := range members {
		ps, err := r.partitionSnapshot(ctx, queue, partition)
		if err != nil {
			return nil, err
		}
		snap.Partitions = append(snap.Partitions, ps)
	}

	global, err := r.kv.HGetAll(ctx, r.keys.globalMetrics(queue)).Result()
	if err != nil {
		return nil, err
	}
	if len(global) > 0 {
		snap.Global = global
	}
	return snap, nil
}

func (r *Reader) partitionSnapshot(ctx context.Context, queue, partition string) (PartitionSnapshot, error) {
	pipe := r.kv.Pipeline()
	lenCmd := pipe.LLen(ctx, r.keys.queue(queue, partition))
	activeCmd := pipe.HLen(ctx, r.keys.active(queue, partition))
	delayedCmd := pipe.ZCard(ctx, r.keys.delayed(queue, partition))
	metricsCmd := pipe.HGetAll(ctx, r.keys.metrics(queue, partition))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return PartitionSnapshot{}, err
	}

	ps := PartitionSnapshot{
		Partition:   partition,
		QueueLength: lenCmd.Val(),
		ActiveCount: activeCmd.Val(),
		DelayedCount: delayedCmd.Val(),
	}
	m := metricsCmd.Val()
	ps.TotalPushed = parseInt64(m["total_pushed"])
	ps.TotalPopped = parseInt64(m["total_popped"])
	return ps, nil
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

// Collector adapts Reader to prometheus.Collector, so it can be registered
// into any *prometheus.Registry and exposed via promhttp or expfmt
// (spec §4.6 "Exposition"). It aggregates per queue only — partition
// cardinality is O(tenants) and would blow up a metrics store, so
// per-partition detail is exposed exclusively via the JSON variant.
type Collector struct {
	reader *Reader

	pendingJobs    *prometheus.Desc
	activeJobs     *prometheus.Desc
	processedTotal *prometheus.Desc
	partitionsTotal *prometheus.Desc
}

// NewCollector wraps reader as a prometheus.Collector.
func NewCollector(reader *Reader) *Collector {
	labels := []string{"queue"}
	return &Collector{
		reader:          reader,
		pendingJobs:     prometheus.NewDesc("balanced_queue_pending_jobs", "Sum of queued (not active) jobs across partitions", labels, nil),
		activeJobs:      prometheus.NewDesc("balanced_queue_active_jobs", "Sum of active (reserved) jobs across partitions", labels, nil),
		processedTotal:  prometheus.NewDesc("balanced_queue_processed_total", "Cumulative number of jobs popped across partitions", labels, nil),
		partitionsTotal: prometheus.NewDesc("balanced_queue_partitions_total", "Number of partitions currently present", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingJobs
	ch <- c.activeJobs
	ch <- c.processedTotal
	ch <- c.partitionsTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	queues, err := c.reader.Queues(ctx)
	if err != nil {
		logError(c.reader.logger, "collect: queue discovery failed", "error", err)
		return
	}
	for _, queue := range queues {
		snap, err := c.reader.Snapshot(ctx, queue)
		if err != nil {
			logError(c.reader.logger, "collect: snapshot failed", "queue", queue, "error", err)
			continue
		}

		var pending, active, processed int64
		for _, p := range snap.Partitions {
			pending += p.QueueLength
			active += p.ActiveCount
			processed += p.TotalPopped
		}

		ch <- prometheus.MustNewConstMetric(c.pendingJobs, prometheus.GaugeValue, float64(pending), queue)
		ch <- prometheus.MustNewConstMetric(c.activeJobs, prometheus.GaugeValue, float64(active), queue)
		ch <- prometheus.MustNewConstMetric(c.processedTotal, prometheus.CounterValue, float64(processed), queue)
		ch <- prometheus.MustNewConstMetric(c.partitionsTotal, prometheus.GaugeValue, float64(len(snap.Partitions)), queue)
	}
}
