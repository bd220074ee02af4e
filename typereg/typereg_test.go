package typereg

import (
	"reflect"
	"testing"
)

type node struct {
	Value  int64
	Next   uint64 `mpgc:"strong"`
	Cache  uint64 `mpgc:"weak"`
	Handle uint64 `mpgc:"external"`
}

func TestRegisterDescribesTaggedFields(t *testing.T) {
	r := NewReflectRegistry()
	off, err := r.Register(reflect.TypeOf(node{}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	desc, ok := r.Lookup(off)
	if !ok {
		t.Fatal("Lookup failed for just-registered type")
	}
	if desc.Name != "node" {
		t.Fatalf("Name = %q, want node", desc.Name)
	}
	if len(desc.Fields) != 3 {
		t.Fatalf("Fields = %d, want 3 (scalar Value field must be skipped)", len(desc.Fields))
	}

	byName := map[string]FieldDescriptor{}
	for _, f := range desc.Fields {
		byName[f.Name] = f
	}
	if byName["Next"].Kind != FieldStrong {
		t.Errorf("Next kind = %v, want strong", byName["Next"].Kind)
	}
	if byName["Cache"].Kind != FieldWeak {
		t.Errorf("Cache kind = %v, want weak", byName["Cache"].Kind)
	}
	if byName["Handle"].Kind != FieldExternal {
		t.Errorf("Handle kind = %v, want external", byName["Handle"].Kind)
	}
}

func TestRegisterIsIdempotentPerType(t *testing.T) {
	r := NewReflectRegistry()
	a, _ := r.Register(reflect.TypeOf(node{}))
	b, _ := r.Register(reflect.TypeOf(node{}))
	if a != b {
		t.Fatalf("registering the same type twice returned different offsets: %d vs %d", a, b)
	}
}

func TestRegisterRejectsNonStruct(t *testing.T) {
	r := NewReflectRegistry()
	if _, err := r.Register(reflect.TypeOf(42)); err == nil {
		t.Fatal("registering a non-struct type should fail")
	}
}

func TestLookupUnknownOffsetFails(t *testing.T) {
	r := NewReflectRegistry()
	if _, ok := r.Lookup(999); ok {
		t.Fatal("lookup of an unregistered offset should fail")
	}
}

func TestOffsetForByName(t *testing.T) {
	r := NewReflectRegistry()
	off, _ := r.Register(reflect.TypeOf(node{}))
	got, ok := r.OffsetFor("node")
	if !ok || got != off {
		t.Fatalf("OffsetFor(node) = %d,%v want %d,true", got, ok, off)
	}
}
