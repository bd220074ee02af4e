package collector

import (
	"sync"
	"unsafe"

	"testing"

	"github.com/greatmazinger/mpgc/control"
	"github.com/greatmazinger/mpgc/header"
	"github.com/greatmazinger/mpgc/offsetptr"
	"github.com/greatmazinger/mpgc/rootdir"
	"github.com/greatmazinger/mpgc/typereg"
)

// memObject is a tiny in-test managed object: a header plus one strong
// field word, both addressable so FieldResolver can hand out real
// pointers into it.
type memObject struct {
	h     *header.Header
	field uint64 // mpgc:"strong"
}

type memTable struct {
	mu      sync.Mutex
	objects map[int64]*memObject
}

func newMemTable() *memTable {
	return &memTable{objects: map[int64]*memObject{}}
}

func (t *memTable) put(offset int64, o *memObject) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[offset] = o
}

func (t *memTable) HeaderAt(offset int64) (*header.Header, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[offset]
	if !ok {
		return nil, false
	}
	return o.h, true
}

func (t *memTable) Range(fn func(offset int64, h *header.Header)) {
	t.mu.Lock()
	snapshot := make(map[int64]*memObject, len(t.objects))
	for k, v := range t.objects {
		snapshot[k] = v
	}
	t.mu.Unlock()
	for offset, o := range snapshot {
		fn(offset, o.h)
	}
}

func (t *memTable) Remove(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, offset)
}

func (t *memTable) FieldAddr(objOffset int64, fieldByteOffset uintptr) unsafe.Pointer {
	t.mu.Lock()
	o := t.objects[objOffset]
	t.mu.Unlock()
	return unsafe.Pointer(&o.field)
}

const typeOffsetWithStrongField = 1

func newRegistryWithStrongField() typereg.Registry {
	r := NewTestRegistry()
	r.Set(typeOffsetWithStrongField, &typereg.Descriptor{
		Name: "memObject",
		Size: 8,
		Fields: []typereg.FieldDescriptor{
			{Name: "field", Offset: 0, Kind: typereg.FieldStrong},
		},
	})
	return r
}

// testRegistry is a minimal fixed-map Registry for tests, avoiding a
// dependency on typereg's reflection-driven ReflectRegistry.
type testRegistry struct {
	byOffset map[uint64]*typereg.Descriptor
}

func NewTestRegistry() *testRegistry { return &testRegistry{byOffset: map[uint64]*typereg.Descriptor{}} }
func (r *testRegistry) Set(offset uint64, d *typereg.Descriptor) { r.byOffset[offset] = d }
func (r *testRegistry) Lookup(offset uint64) (*typereg.Descriptor, bool) {
	d, ok := r.byOffset[offset]
	return d, ok
}

func TestCollectReclaimsUnreachableObject(t *testing.T) {
	// 16-byte header + 8-byte body = 24 bytes, which needs the 32-byte class.
	cb := control.New(0, 1<<20, []int{32})
	registry := newRegistryWithStrongField()
	roots := rootdir.NewMapDirectory()
	table := newMemTable()

	garbage := &memObject{h: header.New(typeOffsetWithStrongField, 0, header.White, false)}
	table.put(100, garbage)

	c := New(cb, registry, roots, table, table, 2, 0, nil)
	c.Collect()

	if _, ok := table.HeaderAt(100); ok {
		t.Fatal("unreachable object should have been removed from the header table")
	}
	if c.Stats.Freed.Load() == 0 {
		t.Fatal("expected freed bytes to be recorded")
	}
}

func TestCollectPreservesRootReachableObject(t *testing.T) {
	cb := control.New(0, 1<<20, []int{16})
	registry := newRegistryWithStrongField()
	roots := rootdir.NewMapDirectory()
	table := newMemTable()

	live := &memObject{h: header.New(typeOffsetWithStrongField, 0, header.White, false)}
	table.put(200, live)

	var rootWord uint64 = uint64(offsetptr.Encode(200, offsetptr.TagNormal))
	roots.Register(unsafe.Pointer(&rootWord))

	c := New(cb, registry, roots, table, table, 2, 0, nil)
	c.Collect()

	h, ok := table.HeaderAt(200)
	if !ok {
		t.Fatal("root-reachable object must survive collection")
	}
	if h.Color() != header.White {
		t.Fatalf("survivor should be reset to White for the next cycle, got %v", h.Color())
	}
}

func TestCollectTracesThroughStrongField(t *testing.T) {
	cb := control.New(0, 1<<20, []int{16})
	registry := newRegistryWithStrongField()
	roots := rootdir.NewMapDirectory()
	table := newMemTable()

	child := &memObject{h: header.New(typeOffsetWithStrongField, 0, header.White, false)}
	table.put(300, child)

	parent := &memObject{h: header.New(typeOffsetWithStrongField, 0, header.White, false)}
	parent.field = uint64(offsetptr.Encode(300, offsetptr.TagNormal))
	table.put(400, parent)

	var rootWord uint64 = uint64(offsetptr.Encode(400, offsetptr.TagNormal))
	roots.Register(unsafe.Pointer(&rootWord))

	c := New(cb, registry, roots, table, table, 2, 0, nil)
	c.Collect()

	if _, ok := table.HeaderAt(300); !ok {
		t.Fatal("child reachable only via parent's strong field must survive")
	}
	if _, ok := table.HeaderAt(400); !ok {
		t.Fatal("root-reachable parent must survive")
	}
}

func TestCollectMultipleCyclesStabilize(t *testing.T) {
	cb := control.New(0, 1<<20, []int{16})
	registry := newRegistryWithStrongField()
	roots := rootdir.NewMapDirectory()
	table := newMemTable()

	live := &memObject{h: header.New(typeOffsetWithStrongField, 0, header.White, false)}
	table.put(500, live)
	var rootWord uint64 = uint64(offsetptr.Encode(500, offsetptr.TagNormal))
	roots.Register(unsafe.Pointer(&rootWord))

	c := New(cb, registry, roots, table, table, 2, 0, nil)
	for i := 0; i < 3; i++ {
		c.Collect()
	}
	if _, ok := table.HeaderAt(500); !ok {
		t.Fatal("root-reachable object must survive repeated collection cycles")
	}
	if c.Stats.Cycles.Load() != 3 {
		t.Fatalf("Cycles = %d, want 3", c.Stats.Cycles.Load())
	}
}
