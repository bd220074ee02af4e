// Package segment maps the managed heap's backing file into the process
// and owns the small persisted header every process reads on attach:
// magic, version, segment length, and the byte offsets of the control
// block, root directory, and type registry within the mapping.
package segment

import (
	"encoding/binary"
	"fmt"
)

const (
	magic         uint64 = 0x4d504743474d5043 // "MPGCGMPC", widened to a full 8-byte word
	formatVersion uint32 = 1

	// controlBlockReserve and rootDirectoryReserve are the fixed-size
	// regions the header lays out immediately after itself for the control
	// block and root directory, so RootDirOffset/TypeRegistryOffset below
	// point at real, non-overlapping regions of the mapping even though
	// this module's current control block, root directory, and type
	// registry are process-local Go values rather than structures actually
	// written into these reserved bytes (see DESIGN.md's open-question
	// recap on the process-local control plane).
	controlBlockReserve  = 128
	rootDirectoryReserve = 128
	typeRegistryReserve  = 128

	headerByteSize = 44

	// HeaderSize is the exported form of headerByteSize, for callers that
	// need to reserve the leading bytes of a mapping for the persisted
	// header before handing the rest to the allocator.
	HeaderSize = headerByteSize

	// PayloadOffset is the first byte after the header and its three
	// reserved regions (control block, root directory, type registry),
	// where the allocator's bump-pointer frontier and free-list blocks
	// begin.
	PayloadOffset = headerByteSize + controlBlockReserve + rootDirectoryReserve + typeRegistryReserve
)

// Header is the first headerByteSize bytes of the segment file, written
// once by whichever process first creates the heap and read by every
// process that subsequently attaches to it: magic, format version, segment
// length, and the byte offsets of the control block, root directory, and
// type registry within the mapping.
type Header struct {
	Magic              uint64
	Version            uint32
	Length             int64
	ControlOffset      int64
	RootDirOffset      int64
	TypeRegistryOffset int64
}

// NewHeader builds the persisted header for a freshly created segment of
// the given total length, laying the control block, root directory, and
// type registry regions out back to back immediately after this header.
func NewHeader(length int64) Header {
	control := int64(headerByteSize)
	rootDir := control + controlBlockReserve
	typeReg := rootDir + rootDirectoryReserve
	return Header{
		Magic:              magic,
		Version:            formatVersion,
		Length:             length,
		ControlOffset:      control,
		RootDirOffset:      rootDir,
		TypeRegistryOffset: typeReg,
	}
}

// Encode writes the header into buf, which must be at least
// headerByteSize bytes.
func (h Header) Encode(buf []byte) {
	if len(buf) < headerByteSize {
		panic("segment: Encode buffer too small")
	}
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.Length))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.ControlOffset))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.RootDirOffset))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.TypeRegistryOffset))
}

// DecodeHeader reads and validates a persisted header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerByteSize {
		return Header{}, fmt.Errorf("segment: header buffer too small: %d bytes", len(buf))
	}
	h := Header{
		Magic:              binary.LittleEndian.Uint64(buf[0:8]),
		Version:            binary.LittleEndian.Uint32(buf[8:12]),
		Length:             int64(binary.LittleEndian.Uint64(buf[12:20])),
		ControlOffset:      int64(binary.LittleEndian.Uint64(buf[20:28])),
		RootDirOffset:      int64(binary.LittleEndian.Uint64(buf[28:36])),
		TypeRegistryOffset: int64(binary.LittleEndian.Uint64(buf[36:44])),
	}
	if h.Magic != magic {
		return Header{}, fmt.Errorf("segment: bad magic %#x, want %#x", h.Magic, magic)
	}
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("segment: unsupported format version %d, want %d", h.Version, formatVersion)
	}
	return h, nil
}

// Mapper maps and unmaps a backing file shared by every attached process.
// The default implementation (mmap_unix.go / mmap_windows.go) maps the
// backing file shared on every platform; tests substitute a heap-backed
// Mapper to avoid touching the filesystem.
type Mapper interface {
	// Map returns a byte slice backed by length bytes of shared memory at
	// path. When create is true the default implementation creates the file
	// if needed and truncates it to length.
	Map(path string, length int64, create bool) ([]byte, error)
	// Unmap releases a previously mapped slice.
	Unmap(mem []byte) error
}

// HeapMapper is a Mapper backed by ordinary Go heap memory, standing in
// for a real shared mapping in tests and in single-process use where
// cross-process sharing is not needed.
type HeapMapper struct{}

func (HeapMapper) Map(_ string, length int64, _ bool) ([]byte, error) {
	return make([]byte, length), nil
}

func (HeapMapper) Unmap(_ []byte) error { return nil }
