package mpgcconfig

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	want := Default(filepath.Join(dir, "heap.seg"))
	want.Collector.MarkWorkers = 4

	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Heap.Path != want.Heap.Path {
		t.Errorf("Heap.Path = %q, want %q", got.Heap.Path, want.Heap.Path)
	}
	if got.Heap.SizeBytes != want.Heap.SizeBytes {
		t.Errorf("Heap.SizeBytes = %d, want %d", got.Heap.SizeBytes, want.Heap.SizeBytes)
	}
	if len(got.Heap.SizeClasses) != len(want.Heap.SizeClasses) {
		t.Fatalf("SizeClasses len = %d, want %d", len(got.Heap.SizeClasses), len(want.Heap.SizeClasses))
	}
	if got.Collector.MarkWorkers != 4 {
		t.Errorf("MarkWorkers = %d, want 4", got.Collector.MarkWorkers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/mpgc.toml"); err == nil {
		t.Fatal("Load of a missing file should fail")
	}
}
