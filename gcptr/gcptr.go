// Package gcptr implements the three user-facing pointer varieties (C6):
// Strong, Weak, and External. All three share the same 64-bit offset word
// and route every mutation through the write barrier; they differ only in
// what that mutation means for reachability.
package gcptr

import (
	"unsafe"

	"github.com/greatmazinger/mpgc/control"
	"github.com/greatmazinger/mpgc/header"
	"github.com/greatmazinger/mpgc/offsetptr"
	"github.com/greatmazinger/mpgc/writebarrier"
)

// Host is the ambient heap a pointer variety is bound to: the mapping base
// for address resolution, the control block for phase/epoch/grey-log
// access, the write barrier every mutation commits through, a way to
// resolve a pointer word to its header, root registration for External,
// and field addressing for a Strong/Weak bound to a field inside a real
// managed object. A single implementation (the root package's Heap)
// satisfies this for every pointer value in a process.
type Host interface {
	Base() uintptr
	ControlBlock() *control.ControlBlock
	WriteBarrier() *writebarrier.Barrier
	HeaderFor(p offsetptr.Ptr) *header.Header
	RegisterRoot(loc unsafe.Pointer)
	UnregisterRoot(loc unsafe.Pointer)
	// FieldAddr resolves the address of a managed-pointer field at
	// fieldByteOffset within the object at objOffset, for a Strong/Weak
	// constructed via NewStrongField/NewWeakField to read and CAS against
	// directly, rather than through a private word of their own.
	FieldAddr(objOffset int64, fieldByteOffset uintptr) unsafe.Pointer
}

// destColor resolves the color a write should be attributed to: the
// containing object's header color, or Black when the pointer is itself a
// root (owner is nil). Roots are rescanned only once at Marking entry, so
// treating them as perpetually Black ensures any later root store still
// triggers the promotion rule rather than silently dropping a new
// reachability edge.
func destColor(owner *header.Header) header.Color {
	if owner == nil {
		return header.Black
	}
	return owner.Color()
}

// Strong is a co-owning managed pointer. A root-level Strong (constructed
// via NewStrong) stores its word in its own Go-heap field; a Strong bound
// to a field inside a real managed object (constructed via NewStrongField)
// instead addresses that field's actual bytes inside the segment, resolved
// through Host.FieldAddr on every access, so a store through the field is
// visible to the collector scanning the owning object directly.
type Strong[T any] struct {
	host  Host
	owner *header.Header

	hasField    bool
	ownerOffset int64
	fieldOffset uintptr

	word uint64 // backing storage when hasField is false (a root-level value)
}

// NewStrong constructs a root-level Strong pointer bound to host. owner is
// nearly always nil (a standalone value is not attributed to any object's
// color); passing a non-nil owner only affects destColor's write-barrier
// attribution; it does not make this a field of that object's bytes — use
// NewStrongField for that.
func NewStrong[T any](host Host, owner *header.Header) *Strong[T] {
	return &Strong[T]{host: host, owner: owner}
}

// NewStrongField constructs a Strong pointer bound to the managed-pointer
// field at fieldByteOffset within the object at objOffset (owner is that
// object's header, used both for destColor attribution and to identify the
// field's storage). Every Load/Store operates directly on that field's
// bytes inside the segment via Host.FieldAddr.
func NewStrongField[T any](host Host, owner *header.Header, objOffset int64, fieldByteOffset uintptr) *Strong[T] {
	return &Strong[T]{host: host, owner: owner, hasField: true, ownerOffset: objOffset, fieldOffset: fieldByteOffset}
}

func (s *Strong[T]) loc() unsafe.Pointer {
	if s.hasField {
		return s.host.FieldAddr(s.ownerOffset, s.fieldOffset)
	}
	return unsafe.Pointer(&s.word)
}

// Store publishes p through the write barrier. p must carry the normal
// tag: converting a strong field to a weak or external one is the
// dedicated Weak/External construction path, not a plain store.
func (s *Strong[T]) Store(p offsetptr.Ptr) {
	if !p.IsNull() && p.Tag() != offsetptr.TagNormal {
		panic("gcptr: Strong.Store requires a normal-tagged or null pointer")
	}
	s.host.WriteBarrier().Write(s.loc(), destColor(s.owner), p)
}

// Load atomically reads the current word without going through the
// barrier, matching C5's Idle-phase behavior: plain reads never need
// bookkeeping, only writes do.
func (s *Strong[T]) Load() offsetptr.Ptr {
	return offsetptr.LoadAt(s.loc())
}

// Read resolves the current referent's address in this process's mapping,
// or reports ok=false for a null pointer.
func (s *Strong[T]) Read() (*T, bool) {
	addr, ok := s.Load().Address(s.host.Base())
	if !ok {
		return nil, false
	}
	return (*T)(unsafe.Pointer(addr)), true
}

// MustRead is Read's fail-fast counterpart, for a call site that has
// already established this Strong cannot be null — immediately after
// Allocate and Store publish it, for instance — rather than one that must
// treat null as legitimate state. It panics with mpgcerr.ErrNullDereference
// if that invariant is ever violated.
func (s *Strong[T]) MustRead() *T {
	addr := s.Load().MustAddress(s.host.Base())
	return (*T)(unsafe.Pointer(addr))
}

// AsWeak returns a Weak holding the current value under a weak tag, the
// bit-level strong->weak conversion, stored through the write barrier. For
// a root-level Strong the Weak gets its own word and this Strong's word is
// left unchanged. For a field-mode Strong the conversion is in place: the
// returned Weak addresses the same segment bytes, now tagged weak.
func (s *Strong[T]) AsWeak() *Weak[T] {
	w := &Weak[T]{host: s.host, owner: s.owner, hasField: s.hasField, ownerOffset: s.ownerOffset, fieldOffset: s.fieldOffset}
	w.host.WriteBarrier().Write(w.loc(), destColor(w.owner), s.Load().WithTag(offsetptr.TagWeak))
	return w
}

// Weak is a look-aside managed pointer: it does not keep its referent
// alive and must be promoted back to a Strong pointer (Lock) before the
// referent can be dereferenced. Like Strong, it is either root-level (its
// own word) or field-mode (addresses real segment bytes via Host.FieldAddr).
type Weak[T any] struct {
	host  Host
	owner *header.Header

	hasField    bool
	ownerOffset int64
	fieldOffset uintptr

	word uint64
}

// NewWeak constructs an empty (null) root-level weak pointer.
func NewWeak[T any](host Host, owner *header.Header) *Weak[T] {
	return &Weak[T]{host: host, owner: owner}
}

// NewWeakField constructs a Weak pointer bound to the managed-pointer field
// at fieldByteOffset within the object at objOffset, the weak counterpart
// to NewStrongField.
func NewWeakField[T any](host Host, owner *header.Header, objOffset int64, fieldByteOffset uintptr) *Weak[T] {
	return &Weak[T]{host: host, owner: owner, hasField: true, ownerOffset: objOffset, fieldOffset: fieldByteOffset}
}

func (w *Weak[T]) loc() unsafe.Pointer {
	if w.hasField {
		return w.host.FieldAddr(w.ownerOffset, w.fieldOffset)
	}
	return unsafe.Pointer(&w.word)
}

// Store sets the weak pointer to reference p's target, tagging the word
// weak regardless of p's incoming tag.
func (w *Weak[T]) Store(p offsetptr.Ptr) {
	w.host.WriteBarrier().Write(w.loc(), destColor(w.owner), p.WithTag(offsetptr.TagWeak))
}

// Lock is the promote-to-strong operation. It reports ok=false for a null
// word or a referent that is white-under-the-current-epoch outside of an
// active Marking pass (i.e. provably unreached and pending sweep).
//
// During Marking, a white-under-current-epoch referent is not yet proven
// dead — tracing may still reach it by another path — so Lock instead
// performs the same promotion the write barrier applies to a fresh strong
// store: flip the referent Grey and enqueue it, since the strong pointer
// Lock returns is itself a brand-new reachability root.
func (w *Weak[T]) Lock() (*Strong[T], bool) {
	p := offsetptr.LoadAt(w.loc())
	if p.IsNull() {
		return nil, false
	}
	h := w.host.HeaderFor(p)
	if h == nil {
		return nil, false
	}

	cb := w.host.ControlBlock()
	whiteUnderEpoch := h.Color() == header.White && h.Generation() == cb.Generation()

	if cb.Phase() == control.Marking {
		if whiteUnderEpoch && h.CompareAndSwapColor(header.White, header.Grey) {
			cb.GreyLog.Push(p.WithTag(offsetptr.TagNormal))
		}
	} else if whiteUnderEpoch {
		return nil, false
	}

	strong := &Strong[T]{host: w.host, owner: w.owner}
	strong.word = uint64(p.WithTag(offsetptr.TagNormal))
	return strong, true
}

// External is a managed pointer held outside the managed segment — on a
// goroutine stack, in a file descriptor table, wherever Go code keeps
// state the collector cannot discover by scanning the segment. It acts as
// a root for as long as it is registered.
type External[T any] struct {
	host       Host
	word       uint64
	registered bool
}

// NewExternal constructs an External pointer over initial and registers it
// as a root with host immediately, mirroring the original's
// register-on-construction discipline. Release must be called when the
// value's lifetime ends; Go has no destructor to do this automatically.
func NewExternal[T any](host Host, initial offsetptr.Ptr) *External[T] {
	e := &External[T]{host: host, word: uint64(initial.WithTag(offsetptr.TagExternal))}
	host.RegisterRoot(e.loc())
	e.registered = true
	return e
}

func (e *External[T]) loc() unsafe.Pointer { return unsafe.Pointer(&e.word) }

// Store publishes p through the barrier; External roots are always
// attributed Black, per destColor's root-conservatism rule.
func (e *External[T]) Store(p offsetptr.Ptr) {
	e.host.WriteBarrier().Write(e.loc(), header.Black, p.WithTag(offsetptr.TagExternal))
}

func (e *External[T]) Load() offsetptr.Ptr {
	return offsetptr.LoadAt(e.loc())
}

func (e *External[T]) Read() (*T, bool) {
	addr, ok := e.Load().Address(e.host.Base())
	if !ok {
		return nil, false
	}
	return (*T)(unsafe.Pointer(addr)), true
}

// Clone registers a second, independent root pointing at the same
// referent, standing in for the original's copy-constructor semantics
// (which atomically bumped a registration count on the same storage);
// Go's value semantics make every External its own storage instead.
func (e *External[T]) Clone() *External[T] {
	return NewExternal[T](e.host, e.Load())
}

// Release de-registers the root. Calling it more than once is a no-op.
func (e *External[T]) Release() {
	if !e.registered {
		return
	}
	e.host.UnregisterRoot(e.loc())
	e.registered = false
}
