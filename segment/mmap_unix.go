//go:build !windows

package segment

import (
	"fmt"
	"os"
	"syscall"
)

// PosixMapper maps the backing file MAP_SHARED, so every process attaching
// to the same path observes the same physical pages — the cross-process
// sharing a single Go process's heap cannot provide.
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

	mem, err := syscall.Mmap(int(f.Fd()), 0, int(length), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}
	return mem, nil
}

func (PosixMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return syscall.Munmap(mem)
}

// DefaultMapper is the Mapper new segments use unless a test or embedder
// substitutes one.
var DefaultMapper Mapper = PosixMapper{}
