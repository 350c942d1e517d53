package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateQueriesOverlap(t *testing.T) {
	g := NewEngineGate()

	const n = 8
	var peak atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g.LockShared()
			defer g.UnlockShared()
			for {
				cur := peak.Load()
				if g.ActiveReaders() <= cur || peak.CompareAndSwap(cur, g.ActiveReaders()) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
		}()
	}
	close(start)
	wg.Wait()

	if peak.Load() < 2 {
		t.Errorf("Expected overlapping readers, peak was %d", peak.Load())
	}
}

func TestGateMutationsNeverOverlap(t *testing.T) {
	g := NewEngineGate()

	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.LockExclusive()
			defer g.UnlockExclusive()
			if inside.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("Mutations overlapped %d times", violations.Load())
	}
}

func TestGateMutationExcludesQueries(t *testing.T) {
	g := NewEngineGate()

	g.LockExclusive()
	acquired := make(chan struct{})
	go func() {
		g.LockShared()
		close(acquired)
		g.UnlockShared()
	}()

	select {
	case <-acquired:
		t.Fatal("Query entered the gate while a mutation held it")
	case <-time.After(50 * time.Millisecond):
	}

	g.UnlockExclusive()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Query never entered after mutation released")
	}
}

func TestGateStats(t *testing.T) {
	g := NewEngineGate()

	g.LockShared()
	g.UnlockShared()
	g.LockExclusive()
	g.UnlockExclusive()

	stats := g.Stats()
	if stats["total_reads"].(uint64) != 1 || stats["total_writes"].(uint64) != 1 {
		t.Errorf("Unexpected counters: %v", stats)
	}
	if g.ActiveReaders() != 0 || g.ActiveWriters() != 0 {
		t.Error("Gate should be idle")
	}
}
