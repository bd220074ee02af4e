package mpgcerr

import (
	"testing"

	"go.uber.org/multierr"
)

func TestAggregateDeadPeersCombinesAll(t *testing.T) {
	err := AggregateDeadPeers(&DeadPeerError{PID: 10}, &DeadPeerError{PID: 20})
	if err == nil {
		t.Fatal("expected a combined error")
	}
	parts := multierr.Errors(err)
	if len(parts) != 2 {
		t.Fatalf("Errors() = %d parts, want 2", len(parts))
	}
}

func TestAggregateDeadPeersSkipsNil(t *testing.T) {
	err := AggregateDeadPeers(nil, &DeadPeerError{PID: 5}, nil)
	parts := multierr.Errors(err)
	if len(parts) != 1 {
		t.Fatalf("Errors() = %d parts, want 1", len(parts))
	}
}

func TestAggregateDeadPeersEmptyIsNil(t *testing.T) {
	if err := AggregateDeadPeers(); err != nil {
		t.Fatalf("empty aggregate should be nil, got %v", err)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrClosed, ErrSegmentMismatch, ErrUnknownType, ErrOutOfHeap, ErrNullDereference}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && a == b {
				t.Fatalf("sentinels %d and %d compare equal", i, j)
			}
		}
	}
}
