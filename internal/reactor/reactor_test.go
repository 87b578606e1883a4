package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExecutesPostedCallbacksInOrder(t *testing.T) {
	r := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		r.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 callbacks to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("callbacks did not run in post order: %v", order)
		}
	}
}

func TestPostSyncBlocksUntilCallbackRuns(t *testing.T) {
	r := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	var ran atomic.Bool
	ok := r.PostSync(func() { ran.Store(true) })
	if !ok {
		t.Fatal("expected PostSync to report success")
	}
	if !ran.Load() {
		t.Fatal("expected callback to have run before PostSync returned")
	}
}

func TestPostSyncTimesOutWhenReactorIsNotRunning(t *testing.T) {
	r := New(1)
	r.SetSyncTimeout(20 * time.Millisecond)

	ok := r.PostSync(func() {})
	if ok {
		t.Fatal("expected PostSync to time out with no reactor thread draining the queue")
	}
}

func TestSingleThreadedDispatchGuarantee(t *testing.T) {
	r := New(64)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	var inFlight atomic.Int32
	var maxObserved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		r.Post(func() {
			defer wg.Done()
			n := inFlight.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			inFlight.Add(-1)
		})
	}
	wg.Wait()

	if maxObserved.Load() > 1 {
		t.Fatalf("expected at most one callback in flight at a time, observed %d", maxObserved.Load())
	}
}

func TestPollingExecutorRunsImmediately(t *testing.T) {
	var e PollingExecutor
	ran := false
	e.Post(func() { ran = true })
	if !ran {
		t.Fatal("expected PollingExecutor.Post to run fn synchronously")
	}
	if ok := e.PostSync(func() {}); !ok {
		t.Fatal("expected PollingExecutor.PostSync to always report success")
	}
}
