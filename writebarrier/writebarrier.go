// Package writebarrier implements the write barrier (C5): the single choke
// point every store of a managed pointer passes through, preserving the
// tri-color invariant during Marking and fixing up weak references during
// Sweeping.
package writebarrier

import (
	"unsafe"

	"github.com/greatmazinger/mpgc/control"
	"github.com/greatmazinger/mpgc/header"
	"github.com/greatmazinger/mpgc/offsetptr"
)

// HeaderLookup resolves a managed pointer's object header, used to inspect
// the color and liveness of a referent. A nil return means the pointer does
// not refer to a header this process can resolve (e.g. it is null).
type HeaderLookup func(p offsetptr.Ptr) *header.Header

// Barrier is the write barrier bound to one control block and one header
// resolver. It has no per-call state: every Write call is independently
// safe for concurrent use by any number of mutators.
type Barrier struct {
	cb      *control.ControlBlock
	headers HeaderLookup
}

// New constructs a write barrier over the given control block, resolving
// referents' headers through lookup.
func New(cb *control.ControlBlock, lookup HeaderLookup) *Barrier {
	return &Barrier{cb: cb, headers: lookup}
}

// Write stores newVal at loc, an 8-byte-aligned word inside the managed
// segment (or a location embedded in a gcptr.Strong/Weak/External field).
// destColor is the color of the object containing loc — Black for an
// object already scanned this Marking pass, White or Grey otherwise — or
// header.Black when loc is a root the caller cannot attribute to a single
// containing object (roots are scanned once at Marking entry, so a later
// root store must unconditionally trigger the promotion rule to avoid
// losing the new referent).
//
// Write is a CAS-retry loop: on a lost race against a concurrent writer it
// simply recomputes against the newly observed previous value and retries,
// per the barrier's single-atomic-write contract.
func (b *Barrier) Write(loc unsafe.Pointer, destColor header.Color, newVal offsetptr.Ptr) {
	for {
		prev := offsetptr.LoadAt(loc)
		phase := b.cb.Phase()

		switch phase {
		case control.Marking:
			b.onMarkingStore(prev, newVal, destColor)
		case control.Sweeping:
			newVal = b.onSweepingStore(newVal)
		}

		if offsetptr.CompareAndSwapAt(loc, prev, newVal) {
			return
		}
		// Lost the race: loop and recompute. Any grey-log entry pushed for
		// prev above is a benign duplicate (see onMarkingStore's doc).
	}
}

// onMarkingStore implements the Marking-phase barrier body: snapshot the
// previous value into the grey log (unless it is a weak reference, which
// keeps nothing alive), then apply the Dijkstra-style promotion rule if the
// destination object is Black and the new value is a live strong reference
// into White territory.
func (b *Barrier) onMarkingStore(prev, newVal offsetptr.Ptr, destColor header.Color) {
	if !prev.IsNull() && prev.Tag() != offsetptr.TagWeak {
		b.cb.GreyLog.Push(prev.WithTag(offsetptr.TagNormal))
	}

	if destColor != header.Black {
		return
	}
	b.promote(newVal)
}

// promote applies the insertion-barrier rule to newVal: if it is a live
// non-null strong reference to a White object, flip that object Grey and
// enqueue it. Weak and external references never trigger promotion — they
// are look-asides or roots, not co-owners whose referent the write just
// made newly reachable from Black.
func (b *Barrier) promote(newVal offsetptr.Ptr) {
	if newVal.IsNull() || newVal.Tag() != offsetptr.TagNormal {
		return
	}
	h := b.headers(newVal)
	if h == nil {
		return
	}
	if h.CompareAndSwapColor(header.White, header.Grey) {
		b.cb.GreyLog.Push(newVal)
	}
}

// onSweepingStore implements the Sweeping-phase barrier body: strong
// stores commit unmodified; weak stores are nulled out if their referent
// did not survive the mark phase and was not exempted by sweep-allocation.
func (b *Barrier) onSweepingStore(newVal offsetptr.Ptr) offsetptr.Ptr {
	if newVal.IsNull() || newVal.Tag() != offsetptr.TagWeak {
		return newVal
	}
	h := b.headers(newVal)
	if h == nil {
		return newVal
	}
	if h.Color() == header.White && !h.SweepAllocated() {
		return offsetptr.Null
	}
	return newVal
}
