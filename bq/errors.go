package bq

import "errors"

// Sentinel errors returned by the driver. Callers should compare against
// these with errors.Is rather than matching on string content.
var (
	// ErrDriverClosed is returned by any Driver method called after Close.
	ErrDriverClosed = errors.New("bq: driver is closed")

	// ErrNoPartitions names the empty-partition-set condition. No function in
	// this package returns it: strategies report an empty set as ok=false,
	// and Pop surfaces that as (nil, false, nil).
	ErrNoPartitions = errors.New("bq: queue has no partitions")

	// ErrUnauthorized is returned by the metrics HTTP middleware when a
	// request's remote address is not present in the configured allow-list.
	ErrUnauthorized = errors.New("bq: remote address not allow-listed")
)

// NotDefinedError is returned when a strategy or limiter name has no
// registered factory. It fails fast at first use, per spec: "Mis-configuration
// ... fails fast at first use with a 'not defined' error."
type NotDefinedError struct {
	Kind string // "strategy" or "limiter"
	Name string
}

func (e *NotDefinedError) Error() string {
	return "bq: " + e.Kind + " \"" + e.Name + "\" is not defined"
}

// KVError wraps a transport-level error returned by the underlying KV
// client. It is never returned for expected outcomes (empty queue,
// limiter-full); those are reported as ok=false with a nil error.
type KVError struct {
	Op  string
	Err error
}

func (e *KVError) Error() string { return "bq: kv error during " + e.Op + ": " + e.Err.Error() }

func (e *KVError) Unwrap() error { return e.Err }
