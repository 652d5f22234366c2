package bq

import "strings"

// keySpace resolves the canonical Redis key names for a configured prefix.
// The names themselves are part of the wire contract (spec §3) and MUST
// NOT change shape even if the prefix does.
type keySpace struct {
	prefix string
}

func newKeySpace(prefix string) keySpace {
	if prefix == "" {
		prefix = "bq"
	}
	return keySpace{prefix: strings.TrimSuffix(prefix, ":")}
}

func (k keySpace) partitions(queue string) string {
	return k.prefix + ":queues:" + queue + ":partitions"
}

func (k keySpace) queue(queue, partition string) string {
	return k.prefix + ":queues:" + queue + ":" + partition
}

func (k keySpace) active(queue, partition string) string {
	return k.prefix + ":queues:" + queue + ":" + partition + ":active"
}

func (k keySpace) delayed(queue, partition string) string {
	return k.prefix + ":queues:" + queue + ":" + partition + ":delayed"
}

// delayedPartitions tracks partitions holding delayed entries independently
// of partitions(Q), which by invariant I1 only contains partitions with a
// non-empty queue. A partition drained to empty by the pop that reserved
// its last job is removed from partitions(Q), so a subsequent delayed
// Release would otherwise be invisible to the promoter (spec §4.4/§4.5).
func (k keySpace) delayedPartitions(queue string) string {
	return k.prefix + ":queues:" + queue + ":delayed-partitions"
}

func (k keySpace) metrics(queue, partition string) string {
	return k.prefix + ":metrics:" + queue + ":" + partition
}

func (k keySpace) globalMetrics(queue string) string {
	return k.prefix + ":metrics:" + queue + ":global"
}

func (k keySpace) rrState(queue string) string {
	return k.prefix + ":rr-state:" + queue
}

// partitionsScanPattern is the key-scan pattern for discovering all queues
// (never a blocking KEYS call). The metrics reader (C6, package bqmetrics)
// builds the same pattern itself; nothing in this package calls this method.
func (k keySpace) partitionsScanPattern() string {
	return k.prefix + ":queues:*:partitions"
}

// queueFromPartitionsKey extracts Q from a key matching partitionsScanPattern.
func (k keySpace) queueFromPartitionsKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, k.prefix+":queues:")
	if rest == key {
		return "", false
	}
	rest = strings.TrimSuffix(rest, ":partitions")
	if rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}
