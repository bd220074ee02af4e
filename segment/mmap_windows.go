//go:build windows

package segment

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// PosixMapper is named for parity with mmap_unix.go; on Windows it maps
// the file through CreateFileMapping/MapViewOfFile, which plays the same
// cross-process-shared role as POSIX MAP_SHARED.
type PosixMapper struct{}

func (PosixMapper) Map(path string, length int64, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(length); err != nil {
			return nil, fmt.Errorf("segment: truncate %s to %d: %w", path, length, err)
		}
	}

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, uint32(length>>32), uint32(length), nil)
	if err != nil {
		return nil, fmt.Errorf("segment: CreateFileMapping %s: %w", path, err)
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(length))
	if err != nil {
		return nil, fmt.Errorf("segment: MapViewOfFile %s: %w", path, err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func (PosixMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&mem[0])))
}

// DefaultMapper is the Mapper new segments use unless a test or embedder
// substitutes one.
var DefaultMapper Mapper = PosixMapper{}
