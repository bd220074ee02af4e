// Package mpgcerr defines the error values and aggregation helpers shared
// across mpgc's packages.
package mpgcerr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrClosed is returned by any Heap operation attempted after Close.
	ErrClosed = errors.New("mpgc: heap is closed")

	// ErrSegmentMismatch is returned when a segment's persisted header
	// fails validation on attach — bad magic, an unsupported format
	// version, or a mapping too small to hold its own reserved regions.
	ErrSegmentMismatch = errors.New("mpgc: segment header failed validation")

	// ErrUnknownType is returned when a header's type offset has no
	// matching registry entry, so the collector cannot scan its fields.
	ErrUnknownType = errors.New("mpgc: unknown type offset")

	// ErrOutOfHeap is returned when an allocation cannot be satisfied from
	// any free list and the segment has no remaining bump-allocation room.
	ErrOutOfHeap = errors.New("mpgc: segment exhausted")

	// ErrNullDereference is the fail-fast counterpart to the (value, ok)
	// idiom used throughout offsetptr and gcptr: ordinary code checks ok
	// and handles a null pointer as legitimate state, but a call site that
	// has already established a pointer cannot be null by construction (a
	// programming error if it is anyway) should panic with this error
	// instead of silently propagating a nil, per spec's "programming
	// error; fail fast" taxonomy entry.
	ErrNullDereference = errors.New("mpgc: dereferenced a null managed pointer")
)

// DeadPeerError reports a process that held a mutator or syncer region and
// vanished without calling its exit path, discovered by the barrier's
// dead-process recovery sweep.
type DeadPeerError struct {
	PID int
}

func (e *DeadPeerError) Error() string {
	return fmt.Sprintf("mpgc: peer process %d held a barrier region and is no longer alive", e.PID)
}

// AggregateDeadPeers combines one or more dead-peer detections discovered
// in a single recovery pass into a single error, using multierr so a
// caller can still inspect each individual DeadPeerError via
// multierr.Errors.
func AggregateDeadPeers(errs ...*DeadPeerError) error {
	var combined error
	for _, e := range errs {
		if e == nil {
			continue
		}
		combined = multierr.Append(combined, e)
	}
	return combined
}
