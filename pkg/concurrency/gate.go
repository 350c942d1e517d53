package concurrency

import (
	"sync"
	"sync/atomic"
)

// EngineGate mediates all access to the shared engine with a
// readers-writer discipline: queries hold the shared side and may
// overlap, mutations hold the exclusive side and never overlap with
// anything. The counters exist for status reporting and tests.
type EngineGate struct {
	mu sync.RWMutex

	activeReaders atomic.Int32
	activeWriters atomic.Int32
	totalReads    atomic.Uint64
	totalWrites   atomic.Uint64
}

// NewEngineGate creates an idle gate.
func NewEngineGate() *EngineGate {
	return &EngineGate{}
}

// LockShared acquires the gate for a query.
func (g *EngineGate) LockShared() {
	g.mu.RLock()
	g.activeReaders.Add(1)
	g.totalReads.Add(1)
}

// UnlockShared releases a query hold.
func (g *EngineGate) UnlockShared() {
	g.activeReaders.Add(-1)
	g.mu.RUnlock()
}

// LockExclusive acquires the gate for a mutation.
func (g *EngineGate) LockExclusive() {
	g.mu.Lock()
	g.activeWriters.Add(1)
	g.totalWrites.Add(1)
}

// UnlockExclusive releases a mutation hold.
func (g *EngineGate) UnlockExclusive() {
	g.activeWriters.Add(-1)
	g.mu.Unlock()
}

// ActiveReaders returns the number of queries currently inside the gate.
func (g *EngineGate) ActiveReaders() int32 {
	return g.activeReaders.Load()
}

// ActiveWriters returns 1 while a mutation is inside the gate.
func (g *EngineGate) ActiveWriters() int32 {
	return g.activeWriters.Load()
}

// Stats returns gate counters.
func (g *EngineGate) Stats() map[string]any {
	return map[string]any{
		"active_readers": g.activeReaders.Load(),
		"active_writers": g.activeWriters.Load(),
		"total_reads":    g.totalReads.Load(),
		"total_writes":   g.totalWrites.Load(),
	}
}
