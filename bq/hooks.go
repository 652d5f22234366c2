package bq

// Hook is the marker interface for driver lifecycle observers. Concrete
// hooks implement one or more of the *Hook interfaces below and are fired
// best-effort, after the corresponding KV call completes — they never gate
// it. This answers DESIGN NOTES §9's open question about external
// dashboard events with a neutral callback, the way the teacher's own
// BrokerConnectHook/BrokerWriteHook family observes its client without
// influencing it.
type Hook interface{}

// PushHook observes a completed Push.
type PushHook interface {
	OnPush(queue, partition string, queueLength int64)
}

// PopHook observes each per-partition pop attempt, successful or not. A Pop
// that falls through to other partitions fires it once per partition tried;
// a Pop whose strategy finds no partition does not fire it.
type PopHook interface {
	OnPop(queue, partition string, ok bool)
}

// ReleaseHook observes a completed Release.
type ReleaseHook interface {
	OnRelease(queue, partition, id string, delaySeconds int64)
}

// DeleteHook observes a completed Delete.
type DeleteHook interface {
	OnDelete(queue, partition, id string)
}

type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}
