package control

import (
	"sync/atomic"

	"github.com/greatmazinger/mpgc/offsetptr"
)

// greyNode is one lock-free stack node, the same push/pop CAS loop shape as
// freeNode. Grounded on a classic lfstack push/pop compare-and-swap loop;
// since this module's objects are not themselves usable as stack nodes (they
// live behind an offset pointer, not a Go pointer), nodes are heap-allocated
// per push rather than embedded. Nodes are never recycled: a popped node
// that is still visible to a racing Pop (which may have already loaded it as
// its own "old") must stay immutable forever, or that racing Pop's CAS could
// succeed against a head that the recycled node's reuse silently mutated
// underneath it — the MPSC contract spec.md requires only holds if a popped
// node is retired, not reused.
type greyNode struct {
	next atomic.Pointer[greyNode]
	ptr  offsetptr.Ptr
}

// GreyLog is the lock-free multi-producer, single-consumer stack of managed
// pointers awaiting scan during Marking. Multiple mutators push via the
// write barrier; collector workers pop while draining.
type GreyLog struct {
	head atomic.Pointer[greyNode]
	size atomic.Int64
}

func NewGreyLog() *GreyLog {
	return &GreyLog{}
}

// Push enqueues a pointer to be scanned. Safe for any number of concurrent
// callers.
func (g *GreyLog) Push(p offsetptr.Ptr) {
	n := &greyNode{ptr: p}
	for {
		old := g.head.Load()
		n.next.Store(old)
		if g.head.CompareAndSwap(old, n) {
			g.size.Add(1)
			return
		}
	}
}

// Pop removes and returns one pointer, or reports empty. Scanning the same
// object twice (a duplicate entry left by a raced-out write-barrier CAS) is
// harmless: the marker's CompareAndSwapColor(White, Grey) on re-scan simply
// fails and Pop's caller moves on.
func (g *GreyLog) Pop() (offsetptr.Ptr, bool) {
	for {
		old := g.head.Load()
		if old == nil {
			return offsetptr.Null, false
		}
		next := old.next.Load()
		if g.head.CompareAndSwap(old, next) {
			g.size.Add(-1)
			return old.ptr, true
		}
	}
}

// Empty reports whether the log currently has no pending entries. Like any
// lock-free snapshot this can be stale the instant it returns; the
// collector treats a positive Empty() as provisional until confirmed inside
// a sync region (see collector.Collector.Collect).
func (g *GreyLog) Empty() bool {
	return g.head.Load() == nil
}

// Len reports the approximate number of pending entries, for diagnostics
// only.
func (g *GreyLog) Len() int64 {
	return g.size.Load()
}
