package barrier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIdleMutateRoundTrip(t *testing.T) {
	b := New()
	b.EnterForMutate()
	if b.current().state != Mutating {
		t.Fatalf("state = %v, want Mutating", b.current().state)
	}
	b.ExitForMutate()
	if b.current().state != Idle {
		t.Fatalf("state = %v, want Idle", b.current().state)
	}
}

func TestSyncFromIdleRunsImmediately(t *testing.T) {
	b := New()
	ran := false
	b.Sync(func() { ran = true })
	if !ran {
		t.Fatal("sync from Idle must run fn for the syncer itself")
	}
	if b.current().state != Idle {
		t.Fatalf("state after sync = %v, want Idle", b.current().state)
	}
}

func TestSyncDrainsActiveMutators(t *testing.T) {
	b := New()
	b.EnterForMutate()

	syncDone := make(chan struct{})
	go func() {
		b.Sync(func() {})
		close(syncDone)
	}()

	select {
	case <-syncDone:
		t.Fatal("sync must not complete while a mutator is still active")
	case <-time.After(50 * time.Millisecond):
	}

	b.ExitForMutate()

	select {
	case <-syncDone:
	case <-time.After(time.Second):
		t.Fatal("sync never completed after mutator exited")
	}
}

func TestMutateBlocksDuringSync(t *testing.T) {
	b := New()
	inSync := make(chan struct{})
	releaseSync := make(chan struct{})
	syncDone := make(chan struct{})

	go func() {
		b.Sync(func() {
			close(inSync)
			<-releaseSync
		})
		close(syncDone)
	}()
	<-inSync

	mutateEntered := make(chan struct{})
	go func() {
		b.EnterForMutate()
		close(mutateEntered)
		b.ExitForMutate()
	}()

	select {
	case <-mutateEntered:
		t.Fatal("mutator entered while a sync region was active")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseSync)
	<-syncDone

	select {
	case <-mutateEntered:
	case <-time.After(time.Second):
		t.Fatal("mutator never admitted after sync released")
	}
}

// TestBarrierPiggyback is scenario S6: one active syncer plus two
// concurrent sync requesters; exactly one of the three returns
// did_sync=true, and all three finish without livelock.
func TestBarrierPiggyback(t *testing.T) {
	b := New()
	var trueCount int32

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		did := b.EnterForSync()
		close(started)
		if did {
			atomic.AddInt32(&trueCount, 1)
		}
		<-release
		b.ExitForSync(did)
	}()
	<-started

	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			did := b.EnterForSync()
			if did {
				atomic.AddInt32(&trueCount, 1)
			}
			b.ExitForSync(did)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("livelock: goroutines never finished")
	}

	if got := atomic.LoadInt32(&trueCount); got != 1 {
		t.Fatalf("did_sync=true count = %d, want exactly 1", got)
	}

	final := b.current().state
	if final != Idle && final != Mutating {
		t.Fatalf("final state = %v, want Idle or Mutating", final)
	}
}

func TestDetectDeadPeersForceReleasesStaleLease(t *testing.T) {
	b := New()
	b.EnterForMutate()
	b.RegisterPeer(1)
	// Back-date the lease instead of sleeping past the timeout.
	v, _ := b.peers.Load(1)
	v.(*peerLease).lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	err := b.DetectDeadPeers(time.Millisecond)
	if err == nil {
		t.Fatal("expected DetectDeadPeers to report the stale peer")
	}
	if b.current().state != Idle {
		t.Fatalf("state after force-release = %v, want Idle", b.current().state)
	}
	if _, ok := b.peers.Load(1); ok {
		t.Fatal("DetectDeadPeers must remove the stale peer's lease")
	}
}

func TestDetectDeadPeersIgnoresFreshLease(t *testing.T) {
	b := New()
	b.EnterForMutate()
	b.RegisterPeer(1)

	if err := b.DetectDeadPeers(time.Hour); err != nil {
		t.Fatalf("expected no dead peers, got %v", err)
	}
	if b.current().state != Mutating {
		t.Fatalf("state = %v, want Mutating (lease must not be force-released)", b.current().state)
	}
}

func TestHeartbeatKeepsLeaseFresh(t *testing.T) {
	b := New()
	b.EnterForMutate()
	b.RegisterPeer(1)
	v, _ := b.peers.Load(1)
	v.(*peerLease).lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	b.Heartbeat(1)
	if err := b.DetectDeadPeers(time.Minute); err != nil {
		t.Fatalf("expected heartbeat to keep the lease fresh, got %v", err)
	}
}

func TestUnregisterPeerPreventsFalsePositive(t *testing.T) {
	b := New()
	b.EnterForMutate()
	b.RegisterPeer(1)
	b.UnregisterPeer(1)
	b.ExitForMutate()

	if err := b.DetectDeadPeers(time.Nanosecond); err != nil {
		t.Fatalf("expected no dead peers after clean unregister, got %v", err)
	}
}

func TestMutateLivenessWithNoSync(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Mutate(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enter_for_mutate did not complete in bounded time with no syncer")
	}
}
