package bq

import "fmt"

// Partitioner is the capability a job type may implement to carry its own
// partition key. This replaces dynamic property-sniffing (DESIGN NOTES §9)
// with an explicit, typed protocol.
type Partitioner interface {
	// PartitionKey returns the partition this job belongs under. The second
	// return value is false if the job declines to provide one, in which
	// case resolution falls through to the next priority in Partition
	// Resolution (spec §4.4).
	PartitionKey() (string, bool)
}

// PartitionResolver is a callable registered at NewDriver time
// (spec §4.4(c)) that maps an arbitrary payload to a partition key. One
// resolver applies to every queue the Driver serves; it is not told which
// queue the payload is pushed to.
type PartitionResolver func(payload any) (string, bool)

// conventionalFields are inspected, in order, when a payload is a
// map[string]any/map[string]string and neither an explicit override nor a
// Partitioner implementation nor a registered resolver produced a key.
// This is auto-detection of a conventional field (spec §4.4(d)), not
// reflection over arbitrary struct fields (DESIGN NOTES §9 forbids the
// latter).
var conventionalFields = []string{"userId", "user_id", "tenantId", "tenant_id"}

const defaultPartition = "default"

// resolvePartition implements the priority order from spec §4.4:
// (a) explicit override, (b) Partitioner, (c) per-queue resolver,
// (d) conventional field auto-detection, (e) "default".
func resolvePartition(payload any, override string, resolver PartitionResolver) string {
	if override != "" {
		return override
	}
	if p, ok := payload.(Partitioner); ok {
		if key, ok := p.PartitionKey(); ok && key != "" {
			return key
		}
	}
	if resolver != nil {
		if key, ok := resolver(payload); ok && key != "" {
			return key
		}
	}
	if key, ok := conventionalFieldKey(payload); ok {
		return key
	}
	return defaultPartition
}

func conventionalFieldKey(payload any) (string, bool) {
	switch m := payload.(type) {
	case map[string]any:
		for _, field := range conventionalFields {
			if v, ok := m[field]; ok {
				if key := stringify(v); key != "" {
					return key, true
				}
			}
		}
	case map[string]string:
		for _, field := range conventionalFields {
			if v, ok := m[field]; ok && v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// stringify renders a partition key's backing value as the exact string
// that will be stored in the partitions set, so that e.g. an integer
// 12345 round-trips to "12345" (spec §8 scenario 4).
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
