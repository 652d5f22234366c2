package bq

import (
	"context"
	"sync/atomic"
)

// Reservation is bound to a single (queue, partition, id) triple minted by
// a successful Pop (C5). It exclusively owns that triple until Release or
// Delete is called; calling either again is a no-op on the handle, though
// idempotent on the KV (spec §4.5).
type Reservation struct {
	driver    *Driver
	queue     string
	partition string
	id        string
	payload   []byte

	done int32 // atomic; 1 once Release or Delete has run
}

// Queue returns the queue this reservation was popped from.
func (r *Reservation) Queue() string { return r.queue }

// Partition returns the partition this reservation was popped from.
func (r *Reservation) Partition() string { return r.partition }

// ID returns the reservation's unique token.
func (r *Reservation) ID() string { return r.id }

// Payload returns the job payload this reservation wraps.
func (r *Reservation) Payload() []byte { return r.payload }

// Release returns the job to its partition. With delay == 0 it is
// re-pushed to the tail of the queue immediately (spec §4.4 "Release");
// with delay > 0 it is stashed in the delayed structure to be promoted
// no earlier than delay from now.
func (r *Reservation) Release(ctx context.Context, delaySeconds int64) error {
	if !atomic.CompareAndSwapInt32(&r.done, 0, 1) {
		return nil
	}
	return r.driver.release(ctx, r.queue, r.partition, r.id, r.payload, delaySeconds)
}

// Delete marks the job as completed, removing its reservation for good.
func (r *Reservation) Delete(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.done, 0, 1) {
		return nil
	}
	return r.driver.delete(ctx, r.queue, r.partition, r.id)
}
