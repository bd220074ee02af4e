package header

import "testing"

func TestNewAndIsLive(t *testing.T) {
	h := New(0x1000, 5, White, false)
	if h.IsLive(5) {
		t.Fatal("White object must not be live even at its own epoch")
	}
	h.SetColor(Grey)
	if !h.IsLive(5) {
		t.Fatal("Grey object at current epoch must be live")
	}
	if h.IsLive(6) {
		t.Fatal("object from epoch 5 must not be live under epoch 6")
	}
}

func TestCompareAndSwapColor(t *testing.T) {
	h := New(0, 1, White, false)
	if !h.CompareAndSwapColor(White, Grey) {
		t.Fatal("White->Grey should succeed")
	}
	if h.CompareAndSwapColor(White, Grey) {
		t.Fatal("second White->Grey should fail, color already Grey")
	}
	if h.Color() != Grey {
		t.Fatalf("color = %v, want Grey", h.Color())
	}
}

func TestSweepAllocatedLifecycle(t *testing.T) {
	h := New(0, 2, Black, true)
	if !h.SweepAllocated() {
		t.Fatal("expected sweep-allocated flag set")
	}
	h.ClearSweepAllocated()
	if h.SweepAllocated() {
		t.Fatal("expected sweep-allocated flag cleared")
	}
	if h.Color() != Black {
		t.Fatal("ClearSweepAllocated must not disturb color")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := New(0xdeadbeef, 7, Black, true)
	buf := make([]byte, Size)
	h.Encode(buf)

	h2 := Decode(buf)
	if h2.TypeOffset() != 0xdeadbeef {
		t.Errorf("TypeOffset = %x, want deadbeef", h2.TypeOffset())
	}
	if h2.Color() != Black || h2.Generation() != 7 || !h2.SweepAllocated() {
		t.Errorf("decoded fields mismatch: color=%v gen=%d sweepAlloc=%v",
			h2.Color(), h2.Generation(), h2.SweepAllocated())
	}
	for _, b := range buf[10:Size] {
		if b != 0 {
			t.Fatalf("reserved bytes must be zero, got %v", buf[10:Size])
		}
	}
}
