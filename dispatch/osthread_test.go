//go:build linux

package dispatch_test

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nimbus-embed/hostrt/dispatch"
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/hostabi/hosttest"
	"github.com/nimbus-embed/hostrt/rooting"
)

// A worker's adopted thread must stay pinned for its whole lifetime: the
// host's per-thread state handed back by AdoptThread is only valid on the
// kernel thread it was obtained on, so if the Go scheduler ever moved a
// worker goroutine to a different thread mid-task, later calls into the
// host would silently address the wrong thread's state. unix.Gettid gives
// these tests a way to observe the kernel thread a task body actually runs
// on, the same per-step Gettid reading the teacher's ptrace demo tracee
// prints to show which kernel thread ran each step.

func TestWorkerStaysOnOneOSThreadAcrossTasks(t *testing.T) {
	rt := hosttest.New()
	h := dispatch.NewMtHandle()
	pool, err := h.SpawnPool(rt, nil, 8, 1, "osthread")
	if err != nil {
		t.Fatalf("SpawnPool: %v", err)
	}
	defer pool.DropPool()

	const n = 20
	tids := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		pool.Schedule(func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error {
			defer wg.Done()
			tids[i] = unix.Gettid()
			return nil
		})
	}
	wg.Wait()

	want := tids[0]
	for i, tid := range tids {
		if tid != want {
			t.Fatalf("task %d ran on tid %d, want %d (worker's pinned thread drifted)", i, tid, want)
		}
	}
}

func TestDistinctWorkersUseDistinctOSThreads(t *testing.T) {
	rt := hosttest.New()
	h := dispatch.NewMtHandle()
	const nWorkers = 4
	pool, err := h.SpawnPool(rt, nil, nWorkers*4, nWorkers, "osthread-distinct")
	if err != nil {
		t.Fatalf("SpawnPool: %v", err)
	}
	defer pool.DropPool()

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	const n = nWorkers * 8
	wg.Add(n)
	for i := 0; i < n; i++ {
		pool.Schedule(func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error {
			defer wg.Done()
			tid := unix.Gettid()
			mu.Lock()
			seen[tid] = true
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("saw %d distinct OS thread(s) across %d workers, want more than one", len(seen), nWorkers)
	}
}
