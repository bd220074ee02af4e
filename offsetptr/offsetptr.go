// Package offsetptr implements the 48-bit signed offset, 2-bit tag pointer
// word shared by every managed pointer flavor in mpgc.
package offsetptr

import (
	"unsafe"

	"go.uber.org/atomic"
	stdatomic "sync/atomic"

	"github.com/greatmazinger/mpgc/mpgcerr"
)

// Tag distinguishes the three observable pointer flavors. It rides in the
// low two bits of the word, stolen from the alignment padding of an 8-byte
// aligned offset.
type Tag uint8

const (
	TagNormal   Tag = 0
	TagWeak     Tag = 1
	TagExternal Tag = 2
	TagReserved Tag = 3
)

func (t Tag) String() string {
	switch t {
	case TagNormal:
		return "normal"
	case TagWeak:
		return "weak"
	case TagExternal:
		return "external"
	default:
		return "reserved"
	}
}

const (
	tagBits    = 2
	tagMask    = uint64(1)<<tagBits - 1
	offsetBits = 48
	// offsetShift is where the signed 48-bit offset begins within the word;
	// bit 15 and bits [14:2] are reserved padding between the tag and the
	// offset.
	offsetShift = 64 - offsetBits
)

// Ptr is the 64-bit word: bits [63:16] a signed byte offset from the
// holder's mapping base, bit 15 reserved, bits [1:0] the pointer-kind tag.
// The zero value is the null pointer of every kind.
type Ptr uint64

// Null is the shared null word for all three pointer kinds.
const Null Ptr = 0

// Encode packs a signed byte offset and a tag into a word. offset must fit
// in 48 signed bits; callers within this module only ever pass offsets
// derived from a segment length far smaller than that range.
func Encode(offset int64, tag Tag) Ptr {
	return Ptr(uint64(offset)<<offsetShift | (uint64(tag) & tagMask))
}

// IsNull reports whether the word is the all-zero null pattern.
func (p Ptr) IsNull() bool {
	return p == Null
}

// Offset extracts the signed byte offset, sign-extended from bit 63.
func (p Ptr) Offset() int64 {
	return int64(p) >> offsetShift
}

// Tag extracts the pointer-kind tag.
func (p Ptr) Tag() Tag {
	return Tag(uint64(p) & tagMask)
}

// WithTag returns the word with only its tag bits replaced. Used by the
// write barrier to convert a strong word to a weak one without touching
// the offset.
func (p Ptr) WithTag(tag Tag) Ptr {
	if p.IsNull() {
		return Null
	}
	return Ptr(uint64(p)&^tagMask | (uint64(tag) & tagMask))
}

// AddOffset shifts the encoded offset by n bytes, operating on the raw word
// so the tag bits ride along undisturbed, per the offset-pointer contract:
// arithmetic is always performed on the word, never on the decoded address.
func (p Ptr) AddOffset(n int64) Ptr {
	return Ptr(uint64(p) + uint64(n)<<offsetShift)
}

// Address resolves the word against a process-local mapping base. The
// caller's process must have mapped the segment at base; dereferencing a
// word resolved against the wrong base is undefined by contract, not
// caught here.
func (p Ptr) Address(base uintptr) (uintptr, bool) {
	if p.IsNull() {
		return 0, false
	}
	return base + uintptr(p.Offset()), true
}

// MustAddress is the fail-fast counterpart to Address: call sites that have
// already established by construction that p cannot be null (not ones that
// must handle a null pointer as legitimate state) use this instead of
// silently ignoring Address's ok, panicking with ErrNullDereference if the
// invariant is ever violated.
func (p Ptr) MustAddress(base uintptr) uintptr {
	addr, ok := p.Address(base)
	if !ok {
		panic(mpgcerr.ErrNullDereference)
	}
	return addr
}

// Hash1 and Hash2 are two independent hashes of the word, letting Ptr serve
// as a key in a cuckoo-hashed table (the root directory's backing store,
// out of scope here, is the intended consumer).
func (p Ptr) Hash1() uint64 {
	return splitmix64(uint64(p))
}

func (p Ptr) Hash2() uint64 {
	return splitmix64(uint64(p) ^ 0x9e3779b97f4a7c15)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Atomic is a lock-free holder for a Ptr word, used everywhere the word is
// read or written concurrently by mutators and the collector.
type Atomic struct {
	word atomic.Uint64
}

// NewAtomic constructs an Atomic initialized to p.
func NewAtomic(p Ptr) *Atomic {
	a := &Atomic{}
	a.word.Store(uint64(p))
	return a
}

func (a *Atomic) Load() Ptr {
	return Ptr(a.word.Load())
}

func (a *Atomic) Store(p Ptr) {
	a.word.Store(uint64(p))
}

// CompareAndSwap is the single-atomic-write primitive the write barrier
// commits through: concurrent readers observe either the old or the new
// word, never a torn value.
func (a *Atomic) CompareAndSwap(old, new Ptr) bool {
	return a.word.CAS(uint64(old), uint64(new))
}

func (a *Atomic) Swap(p Ptr) Ptr {
	return Ptr(a.word.Swap(uint64(p)))
}

// LoadAt, StoreAt, and CompareAndSwapAt operate directly on an 8-byte-aligned
// word living inside a mapped segment, rather than through an Atomic holder.
// The write barrier and gcptr.Strong[T] use these: their fields are plain
// offset words embedded inside managed objects, not Go-side holders, so they
// go through the stdlib's generic atomic.Pointer-adjacent *uint64 primitives
// instead of go.uber.org/atomic, which has no raw-address API.
func addr(loc unsafe.Pointer) *uint64 {
	return (*uint64)(loc)
}

// LoadAt reads the word at loc.
func LoadAt(loc unsafe.Pointer) Ptr {
	return Ptr(stdatomic.LoadUint64(addr(loc)))
}

// StoreAt writes p to loc.
func StoreAt(loc unsafe.Pointer, p Ptr) {
	stdatomic.StoreUint64(addr(loc), uint64(p))
}

// CompareAndSwapAt is the single-word commit primitive the write barrier
// retries through: it succeeds only if loc still holds old.
func CompareAndSwapAt(loc unsafe.Pointer, old, new Ptr) bool {
	return stdatomic.CompareAndSwapUint64(addr(loc), uint64(old), uint64(new))
}
