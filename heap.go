// Package mpgc ties the offset pointer, header, barrier, control,
// write-barrier, pointer-variety, and collector components into a single
// embeddable heap: Open a segment, allocate managed objects through
// Strong/Weak/External pointers, and call Collect to reclaim garbage.
package mpgc

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/greatmazinger/mpgc/collector"
	"github.com/greatmazinger/mpgc/control"
	"github.com/greatmazinger/mpgc/gcptr"
	"github.com/greatmazinger/mpgc/header"
	"github.com/greatmazinger/mpgc/mpgcconfig"
	"github.com/greatmazinger/mpgc/mpgcdiag"
	"github.com/greatmazinger/mpgc/mpgcerr"
	"github.com/greatmazinger/mpgc/offsetptr"
	"github.com/greatmazinger/mpgc/rootdir"
	"github.com/greatmazinger/mpgc/segment"
	"github.com/greatmazinger/mpgc/typereg"
	"github.com/greatmazinger/mpgc/writebarrier"
)

// fieldDescriptor looks up the offset and kind of the named managed-pointer
// field on owner's registered type, failing if the field was never
// registered (wrong name) or the object's header has no matching type
// descriptor at all.
func (h *Heap) fieldDescriptor(owner *header.Header, fieldName string) (*typereg.FieldDescriptor, error) {
	desc, ok := h.registry.Lookup(owner.TypeOffset())
	if !ok {
		return nil, mpgcerr.ErrUnknownType
	}
	for i := range desc.Fields {
		if desc.Fields[i].Name == fieldName {
			return &desc.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("mpgc: type %s has no managed-pointer field %q", desc.Name, fieldName)
}

// Heap is one attached managed heap: a mapped segment plus the live
// process-local control plane over it. Heap implements gcptr.Host and
// collector.HeaderTable/FieldResolver, so it is the single object every
// other component in this module is ultimately wired through.
type Heap struct {
	mu sync.Mutex

	cfg    *mpgcconfig.Config
	mapper segment.Mapper
	mem    []byte
	base   uintptr

	cb       *control.ControlBlock
	wb       *writebarrier.Barrier
	registry *typereg.ReflectRegistry
	roots    *rootdir.MapDirectory
	headers  map[int64]*header.Header
	frontier int64

	collector *collector.Collector
	log       *zap.SugaredLogger

	closed bool
}

// Open creates or attaches a heap backed by cfg.Heap.Path, mapped through
// mapper (pass nil for the platform default). log may be nil to disable
// diagnostic logging.
func Open(cfg *mpgcconfig.Config, mapper segment.Mapper, log *zap.SugaredLogger) (*Heap, error) {
	if mapper == nil {
		mapper = segment.DefaultMapper
	}

	mem, err := mapper.Map(cfg.Heap.Path, cfg.Heap.SizeBytes, true)
	if err != nil {
		return nil, fmt.Errorf("mpgc: open: %w", err)
	}
	if len(mem) < segment.PayloadOffset {
		return nil, mpgcerr.ErrSegmentMismatch
	}
	segment.NewHeader(cfg.Heap.SizeBytes).Encode(mem[:segment.HeaderSize])

	h := &Heap{
		cfg:      cfg,
		mapper:   mapper,
		mem:      mem,
		base:     uintptr(unsafe.Pointer(&mem[0])),
		registry: typereg.NewReflectRegistry(),
		roots:    rootdir.NewMapDirectory(),
		headers:  make(map[int64]*header.Header),
		frontier: int64(segment.PayloadOffset),
		log:      log,
	}
	h.cb = control.New(h.base, len(mem), cfg.Heap.SizeClasses)
	h.wb = writebarrier.New(h.cb, h.HeaderFor)
	h.collector = collector.New(h.cb, h.registry, h.roots, h, h, cfg.Collector.MarkWorkers, peerTimeout(cfg), log)

	return h, nil
}

// peerTimeout converts the configured millisecond timeout to a
// time.Duration, treating a non-positive value as "disabled" rather than
// an immediate timeout.
func peerTimeout(cfg *mpgcconfig.Config) time.Duration {
	if cfg.Collector.PeerTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(cfg.Collector.PeerTimeoutMS) * time.Millisecond
}

// Attach maps an existing segment at path read-write and validates its
// persisted header, for a process joining a heap another process created.
// The returned Heap's control plane starts fresh (Idle, epoch 0): this
// module's control block is process-local, so a newly attaching process
// cannot resume another process's in-flight collection cycle (see
// DESIGN.md's note on the single-process simplification).
func Attach(path string, mapper segment.Mapper, log *zap.SugaredLogger) (*Heap, error) {
	if mapper == nil {
		mapper = segment.DefaultMapper
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("mpgc: attach: %w", err)
	}
	mem, err := mapper.Map(path, fi.Size(), false)
	if err != nil {
		return nil, fmt.Errorf("mpgc: attach: %w", err)
	}
	if len(mem) < segment.PayloadOffset {
		return nil, mpgcerr.ErrSegmentMismatch
	}
	hdr, err := segment.DecodeHeader(mem[:segment.HeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mpgcerr.ErrSegmentMismatch, err)
	}

	h := &Heap{
		mapper:   mapper,
		mem:      mem,
		base:     uintptr(unsafe.Pointer(&mem[0])),
		registry: typereg.NewReflectRegistry(),
		roots:    rootdir.NewMapDirectory(),
		headers:  make(map[int64]*header.Header),
		frontier: int64(segment.PayloadOffset),
		log:      log,
		cfg:      mpgcconfig.Default(path),
	}
	h.cb = control.New(h.base, int(hdr.Length), h.cfg.Heap.SizeClasses)
	h.wb = writebarrier.New(h.cb, h.HeaderFor)
	h.collector = collector.New(h.cb, h.registry, h.roots, h, h, h.cfg.Collector.MarkWorkers, peerTimeout(h.cfg), log)
	return h, nil
}

// Base, ControlBlock, and WriteBarrier implement gcptr.Host.
func (h *Heap) Base() uintptr                      { return h.base }
func (h *Heap) ControlBlock() *control.ControlBlock { return h.cb }
func (h *Heap) WriteBarrier() *writebarrier.Barrier { return h.wb }

// HeaderFor implements gcptr.Host and backs the write barrier's header
// resolver.
func (h *Heap) HeaderFor(p offsetptr.Ptr) *header.Header {
	if p.IsNull() {
		return nil
	}
	hdr, _ := h.HeaderAt(p.Offset())
	return hdr
}

func (h *Heap) RegisterRoot(loc unsafe.Pointer)   { h.roots.Register(loc) }
func (h *Heap) UnregisterRoot(loc unsafe.Pointer) { h.roots.Unregister(loc) }

// HeaderAt, Range, Remove, and FieldAddr implement collector.HeaderTable
// and collector.FieldResolver.
func (h *Heap) HeaderAt(offset int64) (*header.Header, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hdr, ok := h.headers[offset]
	return hdr, ok
}

func (h *Heap) Range(fn func(offset int64, hdr *header.Header)) {
	h.mu.Lock()
	snapshot := make(map[int64]*header.Header, len(h.headers))
	for k, v := range h.headers {
		snapshot[k] = v
	}
	h.mu.Unlock()
	for offset, hdr := range snapshot {
		fn(offset, hdr)
	}
}

func (h *Heap) Remove(offset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.headers, offset)
}

func (h *Heap) FieldAddr(objOffset int64, fieldByteOffset uintptr) unsafe.Pointer {
	start := objOffset + int64(fieldByteOffset)
	return unsafe.Pointer(&h.mem[start])
}

// Allocate reserves space for one instance of t (which must be a struct
// type) and returns a normal-tagged pointer to it. The object is born
// White, except during Marking, where it is born Black so the in-progress
// trace cannot reclaim it; it carries the sweep-allocated flag if the heap
// is mid-Sweeping when Allocate runs.
func (h *Heap) Allocate(t reflect.Type) (offsetptr.Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return offsetptr.Null, mpgcerr.ErrClosed
	}

	typeOffset, err := h.registry.Register(t)
	if err != nil {
		return offsetptr.Null, err
	}
	desc, _ := h.registry.Lookup(typeOffset)
	size := header.Size + int(desc.Size)

	offset, err := h.reserve(size)
	if err != nil {
		return offsetptr.Null, err
	}

	phase := h.cb.Phase()
	color := header.White
	if phase == control.Marking {
		color = header.Black
	}
	sweepAllocated := phase == control.Sweeping
	h.headers[offset] = header.New(typeOffset, h.cb.Generation(), color, sweepAllocated)
	return offsetptr.Encode(offset, offsetptr.TagNormal), nil
}

// reserve finds size bytes of payload space, preferring the matching free
// list class before falling back to bumping the segment frontier. Bumped
// objects start on an 8-byte boundary.
func (h *Heap) reserve(size int) (int64, error) {
	if class := h.cb.FreeLists.ClassFor(size); class >= 0 {
		if offset, ok := h.cb.FreeLists.Take(class); ok {
			return offset, nil
		}
		size = h.cb.FreeLists.ClassSize(class)
	}

	start := (h.frontier + int64(header.Size) + 7) &^ 7
	if start+int64(size) > int64(len(h.mem)) {
		return 0, mpgcerr.ErrOutOfHeap
	}
	h.frontier = start + int64(size)
	return start, nil
}

// Collect runs one full mark/sweep cycle.
func (h *Heap) Collect() {
	h.collector.Collect()
}

// MutateRegion runs fn inside a scoped mutate region, registering this
// process's PID as a live peer for the duration so a crash mid-fn (which
// skips the deferred ExitForMutate/UnregisterPeer a clean return would
// reach) is eventually noticed and force-released by the next Collect's
// dead-peer sweep rather than wedging every future Sync.
func (h *Heap) MutateRegion(fn func()) {
	pid := os.Getpid()
	h.cb.Barrier.EnterForMutate()
	h.cb.Barrier.RegisterPeer(pid)
	defer h.cb.Barrier.ExitForMutate()
	defer h.cb.Barrier.UnregisterPeer(pid)
	fn()
}

// Heartbeat refreshes this process's mutate-lease timestamp, for a long
// running MutateRegion call to periodically call from within fn so it is
// never mistaken for a crashed peer mid-region.
func (h *Heap) Heartbeat() {
	h.cb.Barrier.Heartbeat(os.Getpid())
}

// Close unmaps the segment. Further use of the Heap or any pointer into
// it is undefined.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return mpgcerr.ErrClosed
	}
	h.closed = true
	return h.mapper.Unmap(h.mem)
}

// snapshot is the JSON-serializable view Snapshot produces.
type snapshot struct {
	Phase       string `json:"phase"`
	Epoch       uint32 `json:"epoch"`
	LiveObjects int    `json:"live_objects"`
	Cycles      int64  `json:"cycles"`
	Checksum    string `json:"checksum"`
}

// Snapshot serializes a diagnostic summary of the heap's current state.
// It is informational only and is never consulted by the collector.
func (h *Heap) Snapshot() ([]byte, error) {
	h.mu.Lock()
	live := len(h.headers)
	h.mu.Unlock()

	s := snapshot{
		Phase:       h.cb.Phase().String(),
		Epoch:       h.cb.Epoch(),
		LiveObjects: live,
		Cycles:      h.collector.Stats.Cycles.Load(),
		Checksum:    mpgcdiag.Checksum(h.mem),
	}
	return json.Marshal(s)
}

// NewStrong allocates a fresh instance of T and publishes it through a new
// root-level strong pointer, the Go analogue of constructing and
// publishing a managed object in one step.
func NewStrong[T any](h *Heap) (*gcptr.Strong[T], error) {
	var zero T
	p, err := h.Allocate(reflect.TypeOf(zero))
	if err != nil {
		return nil, err
	}
	s := gcptr.NewStrong[T](h, nil)
	s.Store(p)
	// A freshly allocated, just-stored pointer resolving to no address would
	// mean Allocate's own bookkeeping is broken, not a state any caller must
	// handle — fail fast instead of returning a Strong that silently can't
	// be read.
	s.MustRead()
	return s, nil
}

// StrongField resolves a Strong pointer bound to the mpgc:"strong" field
// named fieldName on the object owner points at, reading and writing that
// field's actual bytes inside the segment rather than a private value of
// its own — so a store through the returned Strong is visible to the
// collector tracing owner's fields directly. owner must be a
// normal-tagged, non-null pointer to an object whose registered type has
// a field named fieldName tagged mpgc:"strong".
func StrongField[T any](h *Heap, owner offsetptr.Ptr, fieldName string) (*gcptr.Strong[T], error) {
	ownerOffset := owner.Offset()
	hdr, ok := h.HeaderAt(ownerOffset)
	if !ok {
		return nil, mpgcerr.ErrUnknownType
	}
	fd, err := h.fieldDescriptor(hdr, fieldName)
	if err != nil {
		return nil, err
	}
	if fd.Kind != typereg.FieldStrong {
		return nil, fmt.Errorf("mpgc: field %q is not tagged mpgc:\"strong\"", fieldName)
	}
	return gcptr.NewStrongField[T](h, hdr, ownerOffset, fd.Offset), nil
}
