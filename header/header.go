// Package header implements the per-object header (C3): the color/mark
// bits, allocation generation, and sweep-allocated flag that precede every
// managed allocation.
package header

import (
	"encoding/binary"

	"go.uber.org/atomic"
)

// Color is the tri-color mark state of an object.
type Color uint8

const (
	White Color = iota
	Grey
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	default:
		return "invalid"
	}
}

const (
	// Size is the fixed on-disk and in-memory header size: 8 bytes for the
	// type-descriptor offset, 2 bytes of packed color/generation/flags, 6
	// reserved bytes.
	Size = 16

	colorBits      = 2
	colorMask      = uint16(1)<<colorBits - 1
	generationBits = 8
	generationShift = colorBits
	generationMask  = uint16(1)<<generationBits - 1
	sweepAllocBit   = colorBits + generationBits
)

// Header is the mutable in-memory view of an object header. TypeOffset
// locates the type descriptor in the type registry (consumed, not defined,
// by this module); packed holds color, generation, and the sweep-allocated
// flag so all three can be read or updated with a single atomic operation.
type Header struct {
	typeOffset atomic.Uint64
	packed     atomic.Uint32 // low 16 bits are the persisted packed word; upper bits unused, kept 32 for cheap CAS
}

// New initializes a freshly allocated header with the given color, epoch
// generation, and sweepAllocated as dictated by the phase the allocator
// observed at allocation time.
func New(typeOffset uint64, generation uint8, color Color, sweepAllocated bool) *Header {
	h := &Header{}
	h.typeOffset.Store(typeOffset)
	h.packed.Store(uint32(pack(color, generation, sweepAllocated)))
	return h
}

func pack(color Color, generation uint8, sweepAllocated bool) uint16 {
	w := uint16(color) & colorMask
	w |= (uint16(generation) & generationMask) << generationShift
	if sweepAllocated {
		w |= 1 << sweepAllocBit
	}
	return w
}

func unpack(w uint16) (Color, uint8, bool) {
	color := Color(w & colorMask)
	generation := uint8((w >> generationShift) & generationMask)
	sweepAllocated := w&(1<<sweepAllocBit) != 0
	return color, generation, sweepAllocated
}

// TypeOffset returns the registry offset of this object's type descriptor.
func (h *Header) TypeOffset() uint64 {
	return h.typeOffset.Load()
}

// Color, Generation, and SweepAllocated read the packed word's fields.
func (h *Header) Color() Color {
	c, _, _ := unpack(uint16(h.packed.Load()))
	return c
}

func (h *Header) Generation() uint8 {
	_, g, _ := unpack(uint16(h.packed.Load()))
	return g
}

func (h *Header) SweepAllocated() bool {
	_, _, s := unpack(uint16(h.packed.Load()))
	return s
}

// IsLive reports whether the object is live this epoch: its generation
// matches currentEpoch's low 8 bits and its color is not White.
func (h *Header) IsLive(currentEpoch uint8) bool {
	c, g, _ := unpack(uint16(h.packed.Load()))
	return g == currentEpoch && c != White
}

// SetColor performs an unconditional color transition, used by the marker
// to blacken an object once its fields are scanned.
func (h *Header) SetColor(c Color) {
	for {
		old := h.packed.Load()
		color, generation, sweepAllocated := unpack(uint16(old))
		_ = color
		new := pack(c, generation, sweepAllocated)
		if h.packed.CAS(old, uint32(new)) {
			return
		}
	}
}

// CompareAndSwapColor performs a conditional color transition; the marker
// uses this to claim an object for scanning exactly once (White->Grey)
// even if two collector workers race to enqueue the same referent.
func (h *Header) CompareAndSwapColor(from, to Color) bool {
	for {
		old := h.packed.Load()
		color, generation, sweepAllocated := unpack(uint16(old))
		if color != from {
			return false
		}
		new := pack(to, generation, sweepAllocated)
		if h.packed.CAS(old, uint32(new)) {
			return true
		}
	}
}

// ClearSweepAllocated drops the sweep-allocated exemption once the sweep
// that exempted the object has completed.
func (h *Header) ClearSweepAllocated() {
	for {
		old := h.packed.Load()
		color, generation, _ := unpack(uint16(old))
		new := pack(color, generation, false)
		if h.packed.CAS(old, uint32(new)) {
			return
		}
	}
}

// Rebirth overwrites an object's color, generation, and sweep-allocated
// flag in one store. The sweeper calls it on every survivor to reset it to
// White at the current generation with the exemption cleared.
func (h *Header) Rebirth(generation uint8, color Color, sweepAllocated bool) {
	h.packed.Store(uint32(pack(color, generation, sweepAllocated)))
}

// Encode writes the persisted 16-byte header: 8 bytes type offset
// (little-endian), 2 bytes packed color/generation/flags, 6 reserved zero
// bytes.
func (h *Header) Encode(buf []byte) {
	if len(buf) < Size {
		panic("header: Encode buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:8], h.typeOffset.Load())
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.packed.Load()))
	for i := 10; i < Size; i++ {
		buf[i] = 0
	}
}

// Decode reconstructs a Header view from persisted bytes, e.g. while the
// sweeper walks the heap segment linearly.
func Decode(buf []byte) *Header {
	if len(buf) < Size {
		panic("header: Decode buffer too small")
	}
	h := &Header{}
	h.typeOffset.Store(binary.LittleEndian.Uint64(buf[0:8]))
	h.packed.Store(uint32(binary.LittleEndian.Uint16(buf[8:10])))
	return h
}
