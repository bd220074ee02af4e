// Package collector implements the mark/sweep phase driver (C7): the loop
// that advances a heap through Idle -> Marking -> Sweeping -> Idle,
// performing only O(1) work inside each sync region and all tracing and
// reclamation outside of one, so mutator pause time never depends on heap
// size.
package collector

import (
	"time"
	"unsafe"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/greatmazinger/mpgc/control"
	"github.com/greatmazinger/mpgc/header"
	"github.com/greatmazinger/mpgc/offsetptr"
	"github.com/greatmazinger/mpgc/rootdir"
	"github.com/greatmazinger/mpgc/typereg"
)

// HeaderTable is the process-local table of live object headers, keyed by
// their offset in the managed segment. A collector never constructs
// headers itself — allocation does that — but it reads, mutates in place
// (via the header's own atomic operations), and removes entries for
// reclaimed objects.
type HeaderTable interface {
	HeaderAt(offset int64) (*header.Header, bool)
	// Range visits every live header. Order is unspecified; Range must
	// tolerate Remove being called on the current entry from within fn.
	Range(fn func(offset int64, h *header.Header))
	Remove(offset int64)
}

// FieldResolver locates the in-memory address of a managed-pointer field
// so the marker can load and, via Weak.Lock or a mutator's store, write
// its word.
type FieldResolver interface {
	FieldAddr(objOffset int64, fieldByteOffset uintptr) unsafe.Pointer
}

// Stats accumulates counters across collection cycles, exposed for
// diagnostics only.
type Stats struct {
	Cycles  atomic.Int64
	Marked  atomic.Int64
	Swept   atomic.Int64
	Freed   atomic.Int64
}

// Collector drives the phase state machine for one heap.
type Collector struct {
	cb          *control.ControlBlock
	registry    typereg.Registry
	roots       rootdir.Directory
	headers     HeaderTable
	fields      FieldResolver
	workers     int
	peerTimeout time.Duration
	log         *zap.SugaredLogger

	Stats Stats
}

// New constructs a collector. workers is the number of goroutines that
// drain the grey log concurrently during Marking; fewer than 1 is treated
// as 1. peerTimeout is how long an attached process's mutate lease may go
// without a heartbeat before a cycle force-releases it as crashed; zero
// disables the dead-peer sweep entirely. log may be nil to disable
// diagnostic logging.
func New(cb *control.ControlBlock, registry typereg.Registry, roots rootdir.Directory, headers HeaderTable, fields FieldResolver, workers int, peerTimeout time.Duration, log *zap.SugaredLogger) *Collector {
	if workers < 1 {
		workers = 1
	}
	return &Collector{
		cb:          cb,
		registry:    registry,
		roots:       roots,
		headers:     headers,
		fields:      fields,
		workers:     workers,
		peerTimeout: peerTimeout,
		log:         log,
	}
}

// Collect runs exactly one full Idle->Marking->Sweeping->Idle cycle,
// blocking until reclamation completes. Concurrent calls from multiple
// goroutines are safe: the barrier's sync piggyback semantics mean a
// caller arriving mid-cycle waits for the in-progress one rather than
// starting a redundant second cycle.
func (c *Collector) Collect() {
	c.detectDeadPeers()
	c.cb.Barrier.Sync(func() {
		c.cb.AdvanceEpoch()
		c.cb.SetPhase(control.Marking)
	})
	if c.log != nil {
		c.log.Infow("mpgc marking started", "epoch", c.cb.Epoch())
	}

	c.scanRoots()
	for {
		c.drainToQuiescence()

		confirmedEmpty := false
		c.cb.Barrier.Sync(func() {
			if c.cb.GreyLog.Empty() {
				confirmedEmpty = true
				c.cb.SetPhase(control.Sweeping)
			}
		})
		if confirmedEmpty {
			break
		}
	}
	if c.log != nil {
		c.log.Infow("mpgc sweeping started", "epoch", c.cb.Epoch())
	}

	freed, swept := c.sweep()
	c.Stats.Freed.Add(int64(freed))
	c.Stats.Swept.Add(int64(swept))

	c.cb.Barrier.Sync(func() {
		c.cb.SetPhase(control.Idle)
	})
	c.Stats.Cycles.Inc()
	if c.log != nil {
		c.log.Infow("mpgc cycle complete", "epoch", c.cb.Epoch(), "freed", freed, "swept", swept)
	}
}

// detectDeadPeers force-releases the mutate region of any attached process
// whose heartbeat has gone stale, so a single crashed mutator can never
// wedge every future Sync indefinitely. A zero peerTimeout disables the
// sweep (e.g. the single-process embedding, which has no peers to crash
// independently of this one).
func (c *Collector) detectDeadPeers() {
	if c.peerTimeout <= 0 {
		return
	}
	if err := c.cb.Barrier.DetectDeadPeers(c.peerTimeout); err != nil {
		if c.log != nil {
			c.log.Warnw("mpgc force-released dead peers", "error", err)
		}
	}
}

// scanRoots enqueues every registered external root whose current
// referent is White-under-the-current-epoch, seeding the grey log before
// the first drain pass.
func (c *Collector) scanRoots() {
	c.roots.Range(func(loc unsafe.Pointer) {
		c.tryGrey(offsetptr.LoadAt(loc))
	})
}

// tryGrey enqueues p if it is a live, non-null, non-weak pointer to a
// White-under-the-current-epoch object, claiming it exactly once via
// CompareAndSwapColor even if multiple scanners race on the same referent.
func (c *Collector) tryGrey(p offsetptr.Ptr) {
	if p.IsNull() || p.Tag() == offsetptr.TagWeak {
		return
	}
	h, ok := c.headers.HeaderAt(p.Offset())
	if !ok {
		return
	}
	if h.CompareAndSwapColor(header.White, header.Grey) {
		c.cb.GreyLog.Push(p.WithTag(offsetptr.TagNormal))
	}
}

// drainToQuiescence runs workers goroutines popping and scanning grey
// entries until the log looks exhausted. It is best-effort: a concurrent
// mutator can still push a fresh entry the instant a worker observes
// Empty(), which is exactly why Collect re-confirms emptiness inside a
// sync region afterward rather than trusting this function's return.
func (c *Collector) drainToQuiescence() {
	done := make(chan struct{})
	for i := 0; i < c.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				p, ok := c.cb.GreyLog.Pop()
				if !ok {
					return
				}
				c.scanObject(p)
			}
		}()
	}
	for i := 0; i < c.workers; i++ {
		<-done
	}
}

// scanObject scans every managed-pointer field of the object p refers to,
// greying any White-under-current-epoch strong referent, then marks the
// object itself Black. Weak fields are skipped entirely: they do not keep
// anything alive.
func (c *Collector) scanObject(p offsetptr.Ptr) {
	h, ok := c.headers.HeaderAt(p.Offset())
	if !ok {
		return
	}
	desc, ok := c.registry.Lookup(h.TypeOffset())
	if ok {
		for _, fd := range desc.Fields {
			if fd.Kind == typereg.FieldWeak || fd.Kind == typereg.FieldScalar {
				continue
			}
			loc := c.fields.FieldAddr(p.Offset(), fd.Offset)
			c.tryGrey(offsetptr.LoadAt(loc))
		}
	}
	h.SetColor(header.Black)
	c.Stats.Marked.Inc()
}

// sweep walks every known header once: White, non-sweep-allocated objects
// are reclaimed to their size class's free list and dropped from the
// header table; survivors are reset to White at the new generation and
// have their sweep-allocated exemption cleared, in the same linear pass —
// a real color-rotation scheme would avoid touching survivors at all, but
// since the sweep already visits every header, resetting color here adds
// no further asymptotic cost.
func (c *Collector) sweep() (freedBytes, sweptObjects int) {
	currentGen := c.cb.Generation()
	var toRemove []int64

	c.headers.Range(func(offset int64, h *header.Header) {
		sweptObjects++
		if h.Color() == header.White && !h.SweepAllocated() {
			size := header.Size
			if desc, ok := c.registry.Lookup(h.TypeOffset()); ok {
				size += int(desc.Size)
			}
			if class := c.cb.FreeLists.ClassFor(size); class >= 0 {
				c.cb.FreeLists.Donate(class, offset)
				freedBytes += c.cb.FreeLists.ClassSize(class)
			}
			toRemove = append(toRemove, offset)
			return
		}
		h.Rebirth(currentGen, header.White, false)
	})

	for _, offset := range toRemove {
		c.headers.Remove(offset)
	}
	return freedBytes, sweptObjects
}
