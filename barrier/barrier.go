// Package barrier implements the mutate/sync barrier (C4): the primitive
// that serializes the collector's brief sync regions against the many
// concurrent mutator regions entered by every attached process's threads.
package barrier

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/greatmazinger/mpgc/mpgcerr"
)

// State is one node of the barrier's compound state machine.
type State uint8

const (
	Idle State = iota
	Mutating
	Allowing
	Syncing
	Unwinding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Mutating:
		return "mutating"
	case Allowing:
		return "allowing"
	case Syncing:
		return "syncing"
	case Unwinding:
		return "unwinding"
	default:
		return "invalid"
	}
}

// compoundState packs (n_mutate_regions, n_sync_regions, state) into one
// word so the barrier can advance by a single compare-and-swap on its fast
// path, without a cross-process mutex.
type compoundState struct {
	nMutate uint16
	nSync   uint16
	state   State
}

func (c compoundState) encode() uint64 {
	return uint64(c.nMutate) | uint64(c.nSync)<<16 | uint64(c.state)<<32
}

func decode(w uint64) compoundState {
	return compoundState{
		nMutate: uint16(w),
		nSync:   uint16(w >> 16),
		state:   State(w >> 32),
	}
}

// Barrier is a shared, cross-process coordination point. The word itself is
// safe to place in the shared segment's control block; the mutex and
// condition variables here stand in for the cross-process equivalents a
// real OS mapper would back with a shared futex or named semaphore (out of
// scope, see segment.Mapper).
type Barrier struct {
	word atomic.Uint64

	mu       sync.Mutex
	mutateOk *sync.Cond
	syncOk   *sync.Cond
	syncDone *sync.Cond

	// peers tracks every attached process currently known to hold a mutate
	// region, keyed by PID, so a crashed peer that never called
	// ExitForMutate can be detected and its region force-released instead
	// of wedging every future sync forever.
	peers sync.Map // int -> *peerLease
}

// peerLease is one attached process's last heartbeat.
type peerLease struct {
	lastSeen atomic.Int64 // unix nanoseconds
}

// New constructs a barrier in the Idle state.
func New() *Barrier {
	b := &Barrier{}
	b.word.Store(compoundState{state: Idle}.encode())
	b.mutateOk = sync.NewCond(&b.mu)
	b.syncOk = sync.NewCond(&b.mu)
	b.syncDone = sync.NewCond(&b.mu)
	return b
}

// RegisterPeer records pid as holding a mutate region, starting its
// heartbeat clock now. A mutator calls this on EnterForMutate and
// UnregisterPeer on its matching ExitForMutate.
func (b *Barrier) RegisterPeer(pid int) {
	lease := &peerLease{}
	lease.lastSeen.Store(time.Now().UnixNano())
	b.peers.Store(pid, lease)
}

// Heartbeat refreshes pid's last-seen time. A no-op if pid was never
// registered or has already been unregistered.
func (b *Barrier) Heartbeat(pid int) {
	if v, ok := b.peers.Load(pid); ok {
		v.(*peerLease).lastSeen.Store(time.Now().UnixNano())
	}
}

// UnregisterPeer removes pid's lease, for the normal (non-crash) exit path.
func (b *Barrier) UnregisterPeer(pid int) {
	b.peers.Delete(pid)
}

// DetectDeadPeers scans every registered peer and force-releases the
// mutate region of any whose heartbeat is older than timeout, reporting
// each one released. A clean exit always calls UnregisterPeer first, so
// only a peer that crashed mid-mutate is ever found here.
func (b *Barrier) DetectDeadPeers(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).UnixNano()
	var dead []*mpgcerr.DeadPeerError
	b.peers.Range(func(key, value any) bool {
		pid := key.(int)
		lease := value.(*peerLease)
		if lease.lastSeen.Load() < cutoff {
			b.peers.Delete(pid)
			b.forceReleaseMutate()
			dead = append(dead, &mpgcerr.DeadPeerError{PID: pid})
		}
		return true
	})
	return mpgcerr.AggregateDeadPeers(dead...)
}

// forceReleaseMutate releases one mutate region on behalf of a peer that
// can no longer release its own, guarded against a concurrent legitimate
// ExitForMutate already having brought nMutate to zero in the meantime.
func (b *Barrier) forceReleaseMutate() {
	if b.current().nMutate == 0 {
		return
	}
	b.ExitForMutate()
}

func (b *Barrier) current() compoundState {
	return decode(b.word.Load())
}

func (b *Barrier) cas(expected, next compoundState) bool {
	return b.word.CAS(expected.encode(), next.encode())
}

// EnterForMutate blocks until the caller may safely mutate managed
// pointers, then returns. It must be paired with ExitForMutate on every
// exit path; see Mutate for the scoped form.
func (b *Barrier) EnterForMutate() {
	for {
		s := b.current()
		switch s.state {
		case Idle, Mutating:
			next := compoundState{s.nMutate + 1, s.nSync, Mutating}
			if b.cas(s, next) {
				return
			}
		default: // Allowing, Syncing, Unwinding
			next := compoundState{s.nMutate + 1, s.nSync, s.state}
			if b.cas(s, next) {
				b.mu.Lock()
				for b.current().state != Mutating {
					b.mutateOk.Wait()
				}
				b.mu.Unlock()
				return
			}
		}
	}
}

// ExitForMutate releases the caller's mutate region. If it is the last
// mutator to leave and a syncer is waiting, the barrier hands control to
// the syncer (Allowing) and wakes it; otherwise it returns to Mutating (more
// mutators still active) or Idle.
func (b *Barrier) ExitForMutate() {
	for {
		s := b.current()
		nextMutate := s.nMutate - 1
		var next compoundState
		wake := false
		switch {
		case nextMutate > 0:
			// Preserve whatever state we observed (Mutating, or Allowing if
			// a syncer already asked to drain us out).
			next = compoundState{nextMutate, s.nSync, s.state}
		case s.nSync == 0:
			next = compoundState{0, 0, Idle}
		default:
			next = compoundState{0, s.nSync, Allowing}
			wake = true
		}
		if b.cas(s, next) {
			if wake {
				b.mu.Lock()
				b.syncOk.Broadcast()
				b.mu.Unlock()
			}
			return
		}
	}
}

// EnterForSync attempts to become the active syncer. It returns
// did_sync=true for the caller that actually performs the sync-region work;
// piggybacking callers that arrive while a sync is already underway return
// false, having waited for that other syncer to finish the work on their
// behalf.
func (b *Barrier) EnterForSync() bool {
	for {
		s := b.current()
		switch s.state {
		case Idle:
			next := compoundState{0, s.nSync, Syncing}
			if b.cas(s, next) {
				return true
			}
		case Mutating:
			next := compoundState{s.nMutate, s.nSync + 1, Allowing}
			if b.cas(s, next) {
				b.mu.Lock()
				for {
					cur := b.current()
					if cur.state == Allowing && cur.nMutate == 0 {
						// The active syncer drops its own registration, as on
						// the Idle path: nSync now counts only piggybackers.
						promoted := compoundState{0, cur.nSync - 1, Syncing}
						if b.cas(cur, promoted) {
							b.mu.Unlock()
							return true
						}
						continue
					}
					b.syncOk.Wait()
				}
			}
		default: // Allowing, Syncing, Unwinding: someone else is driving.
			next := compoundState{s.nMutate, s.nSync + 1, s.state}
			if b.cas(s, next) {
				b.mu.Lock()
				for {
					cur := b.current()
					if cur.state != Allowing && cur.state != Syncing {
						break
					}
					b.syncDone.Wait()
				}
				b.mu.Unlock()
				return false
			}
		}
	}
}

// ExitForSync releases the sync region. didSync must be the value
// EnterForSync returned for this call. The active syncer (didSync=true)
// advances Syncing->Unwinding, wakes piggybackers, then advances
// Unwinding->Mutating or ->Idle and wakes waiting mutators. A piggybacker
// (didSync=false) only decrements its registered interest.
func (b *Barrier) ExitForSync(didSync bool) {
	if !didSync {
		for {
			s := b.current()
			next := compoundState{s.nMutate, s.nSync - 1, s.state}
			if b.cas(s, next) {
				return
			}
		}
	}

	for {
		s := b.current()
		next := compoundState{s.nMutate, s.nSync, Unwinding}
		if b.cas(s, next) {
			b.mu.Lock()
			b.syncDone.Broadcast()
			b.mu.Unlock()
			break
		}
	}

	for {
		s := b.current()
		var next compoundState
		if s.nMutate > 0 {
			next = compoundState{s.nMutate, s.nSync, Mutating}
		} else {
			next = compoundState{0, s.nSync, Idle}
		}
		if b.cas(s, next) {
			b.mu.Lock()
			b.mutateOk.Broadcast()
			b.mu.Unlock()
			return
		}
	}
}

// Mutate runs fn inside a scoped mutate region, guaranteeing ExitForMutate
// on every exit path including a panic in fn.
func (b *Barrier) Mutate(fn func()) {
	b.EnterForMutate()
	defer b.ExitForMutate()
	fn()
}

// Sync runs fn inside a scoped sync region. fn is only invoked by the
// caller that actually becomes the active syncer (didSync); piggybacking
// callers skip fn entirely, since the active syncer has already performed
// the work on their behalf.
func (b *Barrier) Sync(fn func()) {
	didSync := b.EnterForSync()
	defer b.ExitForSync(didSync)
	if didSync {
		fn()
	}
}
