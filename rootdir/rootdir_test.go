package rootdir

import (
	"sync"
	"testing"
	"unsafe"
)

func TestRegisterUnregisterLen(t *testing.T) {
	d := NewMapDirectory()
	var a, b int
	locA := unsafe.Pointer(&a)
	locB := unsafe.Pointer(&b)

	d.Register(locA)
	d.Register(locB)
	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", d.Len())
	}

	d.Register(locA) // duplicate register must not double-count
	if d.Len() != 2 {
		t.Fatalf("duplicate Register changed Len to %d, want 2", d.Len())
	}

	d.Unregister(locA)
	if d.Len() != 1 {
		t.Fatalf("Len() after Unregister = %d, want 1", d.Len())
	}

	d.Unregister(locA) // duplicate unregister must not go negative
	if d.Len() != 1 {
		t.Fatalf("duplicate Unregister changed Len to %d, want 1", d.Len())
	}
}

func TestRangeVisitsAllRegisteredRoots(t *testing.T) {
	d := NewMapDirectory()
	vals := make([]int, 5)
	for i := range vals {
		d.Register(unsafe.Pointer(&vals[i]))
	}

	seen := map[unsafe.Pointer]bool{}
	d.Range(func(loc unsafe.Pointer) { seen[loc] = true })
	if len(seen) != 5 {
		t.Fatalf("Range visited %d roots, want 5", len(seen))
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	d := NewMapDirectory()
	const n = 200
	vals := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			loc := unsafe.Pointer(&vals[i])
			d.Register(loc)
			d.Unregister(loc)
		}(i)
	}
	wg.Wait()
	if d.Len() != 0 {
		t.Fatalf("Len() after balanced register/unregister churn = %d, want 0", d.Len())
	}
}
