package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine"
	"github.com/voxforge/voxd/pkg/registry"
)

type nopStore struct{}

func (nopStore) Save(p *engine.Project, path string) error { return nil }
func (nopStore) Load(path string) (*engine.Project, error) { return nil, core.ErrSnapshotCorrupt }
func (nopStore) DefaultPath(name string) string            { return "/tmp/" + name + ".vxp" }

func setupTestPool(t *testing.T, workers, queueCap int, timeout time.Duration) *WorkerPool {
	t.Helper()
	eng := engine.New(core.DefaultConfig().Engine, nopStore{})
	p := NewWorkerPool(eng, NewEngineGate(), core.WorkersConfig{
		Count:         workers,
		QueueCapacity: queueCap,
		JobTimeout:    timeout,
	})
	t.Cleanup(p.Stop)
	return p
}

func testMethod(access registry.Access, fn registry.HandlerFunc) *registry.Method {
	return &registry.Method{Name: "test.op", Access: access, Handler: fn}
}

func submitWait(t *testing.T, p *WorkerPool, m *registry.Method) (any, error) {
	t.Helper()
	type res struct {
		result any
		err    error
	}
	ch := make(chan res, 1)
	err := p.Submit(&Job{
		Method:     m,
		EnqueuedAt: time.Now(),
		Done:       func(result any, err error) { ch <- res{result, err} },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Job never completed")
		return nil, nil
	}
}

func TestPoolExecutesJob(t *testing.T) {
	p := setupTestPool(t, 2, 8, time.Second)
	p.Start()

	result, err := submitWait(t, p, testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) {
			return "done", nil
		}))
	if err != nil || result != "done" {
		t.Errorf("Unexpected outcome: %v, %v", result, err)
	}
}

func TestPoolPreservesSubmissionOrder(t *testing.T) {
	p := setupTestPool(t, 1, 64, time.Second)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		err := p.Submit(&Job{
			Method: testMethod(registry.AccessMutation,
				func(_ *engine.Engine, _ json.RawMessage) (any, error) {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil, nil
				}),
			Done: func(any, error) { wg.Done() },
		})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	p.Start()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Job %d ran at position %d", got, i)
		}
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := setupTestPool(t, 1, 2, time.Second)
	// Workers not started, so the queue only drains on Stop.

	blocker := testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) { return nil, nil })

	for i := 0; i < 2; i++ {
		if err := p.Submit(&Job{Method: blocker}); err != nil {
			t.Fatalf("Submit %d should fit: %v", i, err)
		}
	}
	if err := p.Submit(&Job{Method: blocker}); !errors.Is(err, core.ErrServerBusy) {
		t.Errorf("Expected ErrServerBusy, got %v", err)
	}

	stats := p.Stats()
	if stats["rejected"].(uint64) != 1 {
		t.Errorf("Expected 1 rejection, got %v", stats["rejected"])
	}
}

func TestPoolRejectsWhileDraining(t *testing.T) {
	p := setupTestPool(t, 1, 8, time.Second)
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	err := p.Submit(&Job{Method: testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) { return nil, nil })})
	if !errors.Is(err, core.ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestPoolTimesOutSlowJob(t *testing.T) {
	p := setupTestPool(t, 1, 8, 30*time.Millisecond)
	p.Start()

	release := make(chan struct{})
	_, err := submitWait(t, p, testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) {
			<-release
			return "late", nil
		}))
	if !errors.Is(err, core.ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}
	close(release)

	// The worker slot must survive an abandoned job.
	result, err := submitWait(t, p, testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) {
			return "next", nil
		}))
	if err != nil || result != "next" {
		t.Errorf("Worker did not recover after timeout: %v, %v", result, err)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := setupTestPool(t, 1, 8, time.Second)
	p.Start()

	_, err := submitWait(t, p, testMethod(registry.AccessMutation,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) {
			panic("boom")
		}))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("Expected panic error, got %v", err)
	}

	result, err := submitWait(t, p, testMethod(registry.AccessQuery,
		func(_ *engine.Engine, _ json.RawMessage) (any, error) {
			return "alive", nil
		}))
	if err != nil || result != "alive" {
		t.Errorf("Pool did not survive a panic: %v, %v", result, err)
	}
}

func TestPoolDrainWaitsForInflight(t *testing.T) {
	p := setupTestPool(t, 2, 8, time.Second)
	p.Start()

	started := make(chan struct{})
	finished := make(chan struct{})
	p.Submit(&Job{
		Method: testMethod(registry.AccessQuery,
			func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				close(started)
				time.Sleep(50 * time.Millisecond)
				return nil, nil
			}),
		Done: func(any, error) { close(finished) },
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	select {
	case <-finished:
	default:
		t.Error("Drain returned before the in-flight job finished")
	}
}

func TestPoolDrainCountsJustDequeuedJob(t *testing.T) {
	p := setupTestPool(t, 1, 8, time.Second)
	p.Start()

	// Drain immediately after Submit: the worker may have taken the job
	// off the queue without having started it yet, and Drain must still
	// wait for it.
	finished := make(chan struct{})
	err := p.Submit(&Job{
		Method: testMethod(registry.AccessQuery,
			func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				time.Sleep(30 * time.Millisecond)
				return nil, nil
			}),
		Done: func(any, error) { close(finished) },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Drain returned before the dequeued job finished")
	}
}

func TestPoolDrainHonorsDeadline(t *testing.T) {
	p := setupTestPool(t, 1, 8, time.Minute)
	p.Start()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	p.Submit(&Job{
		Method: testMethod(registry.AccessQuery,
			func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				close(started)
				<-release
				return nil, nil
			}),
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestPoolStopAnswersPendingJobs(t *testing.T) {
	eng := engine.New(core.DefaultConfig().Engine, nopStore{})
	p := NewWorkerPool(eng, NewEngineGate(), core.WorkersConfig{
		Count: 1, QueueCapacity: 4, JobTimeout: time.Second,
	})
	// Never started: queued jobs must still get an answer on Stop.

	ch := make(chan error, 1)
	p.Submit(&Job{
		Method: testMethod(registry.AccessQuery,
			func(_ *engine.Engine, _ json.RawMessage) (any, error) { return nil, nil }),
		Done: func(_ any, err error) { ch <- err },
	})
	p.Stop()

	select {
	case err := <-ch:
		if !errors.Is(err, core.ErrShuttingDown) {
			t.Errorf("Expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending job never answered")
	}
}
