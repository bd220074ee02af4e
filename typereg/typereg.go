// Package typereg implements the type registry the sweeper and marker
// consult to find the managed-pointer fields of an object: given a
// header's type offset, it returns which byte offsets inside the object
// hold a Strong, Weak, or External field so the collector can scan them
// without knowing the concrete Go type.
package typereg

import (
	"fmt"
	"reflect"
	"sync"
)

// FieldKind classifies one scanned struct field.
type FieldKind uint8

const (
	// FieldScalar fields hold no managed pointer and are never scanned.
	FieldScalar FieldKind = iota
	FieldStrong
	FieldWeak
	FieldExternal
)

func (k FieldKind) String() string {
	switch k {
	case FieldStrong:
		return "strong"
	case FieldWeak:
		return "weak"
	case FieldExternal:
		return "external"
	default:
		return "scalar"
	}
}

// FieldDescriptor locates one managed-pointer field within a type's
// layout: its byte offset from the object's start and what kind of
// pointer it holds.
type FieldDescriptor struct {
	Name   string
	Offset uintptr
	Kind   FieldKind
}

// Descriptor is a type's layout as the collector needs it: total size and
// the managed-pointer fields to scan. Scalar fields are omitted entirely —
// the collector has no use for them.
type Descriptor struct {
	Name   string
	Size   uintptr
	Fields []FieldDescriptor
}

// Registry resolves a header's type offset to a Descriptor. Offsets are
// assigned by the registry itself at registration time and are stable for
// the lifetime of the process (they are not persisted across restarts;
// every attaching process must register its types in the same order, or
// more robustly key lookups by name rather than a raw numeric offset, per
// its embedder's needs).
type Registry interface {
	Lookup(typeOffset uint64) (*Descriptor, bool)
}

// ReflectRegistry derives Descriptors from Go struct tags via reflection,
// so a managed type's layout is declared once in its field tags instead of
// hand-built. A field tagged `mpgc:"strong"`, `mpgc:"weak"`, or
// `mpgc:"external"` is recorded as that kind; untagged fields are treated
// as scalar and skipped.
type ReflectRegistry struct {
	mu       sync.RWMutex
	byOffset map[uint64]*Descriptor
	byName   map[string]uint64
	next     uint64
}

// NewReflectRegistry constructs an empty registry. Offset 0 is reserved
// (it is the type offset of a header whose TypeOffset was never set).
func NewReflectRegistry() *ReflectRegistry {
	return &ReflectRegistry{
		byOffset: make(map[uint64]*Descriptor),
		byName:   make(map[string]uint64),
		next:     1,
	}
}

// Register reflects over t (which must be a struct type) and assigns it a
// type offset, returning the offset to store in every header.TypeOffset of
// an instance of t. Registering the same type twice returns the
// previously assigned offset rather than creating a duplicate descriptor.
func (r *ReflectRegistry) Register(t reflect.Type) (uint64, error) {
	if t.Kind() != reflect.Struct {
		return 0, fmt.Errorf("typereg: %s is not a struct type", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if off, ok := r.byName[t.Name()]; ok {
		return off, nil
	}

	desc := &Descriptor{Name: t.Name(), Size: t.Size()}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		kind := fieldKind(f.Tag.Get("mpgc"))
		if kind == FieldScalar {
			continue
		}
		desc.Fields = append(desc.Fields, FieldDescriptor{
			Name:   f.Name,
			Offset: f.Offset,
			Kind:   kind,
		})
	}

	off := r.next
	r.next++
	r.byOffset[off] = desc
	r.byName[t.Name()] = off
	return off, nil
}

func fieldKind(tag string) FieldKind {
	switch tag {
	case "strong":
		return FieldStrong
	case "weak":
		return FieldWeak
	case "external":
		return FieldExternal
	default:
		return FieldScalar
	}
}

// Lookup implements Registry.
func (r *ReflectRegistry) Lookup(typeOffset uint64) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byOffset[typeOffset]
	return d, ok
}

// OffsetFor returns the previously registered offset for a type by name,
// for callers that only have a name (e.g. deserializing a snapshot).
func (r *ReflectRegistry) OffsetFor(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	off, ok := r.byName[name]
	return off, ok
}
