// Package dispatch implements the multi-thread worker pool dispatcher of
// spec section 4.I: a singleton Manager owns every Pool, each Pool owns a
// set of Worker goroutines pulling Tasks off a shared channel, and every
// structural mutation (spawning a pool, adding or removing a worker,
// dropping a pool) is serialized through the Manager's internal channel
// instead of a lock, mirroring jlrs's manager/Pool split where the manager
// thread is the sole owner of pool state.
package dispatch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/gologger"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Task is one unit of host work a Worker runs on its adopted thread,
// rooted within the worker's persistent frame.
type Task func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error

// Executor blocks the calling (already adopted) thread running base — a
// pool worker's message loop — until base returns. The executor selection
// is a type parameter per spec section 4.I ("any implementation able to
// block the current thread on a future"); Go expresses that as an
// interface instead of a generic parameter, since nothing else in this
// package needs to be specialized per executor. Inline below is the
// degenerate case of a pool with no async runtime behind it. Package
// async's Executor is a separate type with its own Run() loop over a task
// queue; it does not implement this interface.
type Executor interface {
	Run(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, base func() error) error
}

// Inline runs base directly on the calling goroutine. It is the Executor
// a pool uses when tasks are plain synchronous host calls.
type Inline struct{}

// Run implements Executor.
func (Inline) Run(_ hostabi.Runtime, _ hostabi.RawPointer, _ *rooting.Frame, base func() error) error {
	return base()
}

// PoolID identifies a Pool within a Manager.
type PoolID uint64

// WorkerID identifies a Worker within a Pool.
type WorkerID uint64

// Worker is one pool member's bookkeeping: the goroutine itself is not
// exposed, only the handles used to ask it to stop and to learn that it
// has.
type Worker struct {
	id         WorkerID
	stop       chan struct{}
	done       chan struct{}
	cancelling bool
}

// Pool is one named group of workers sharing a task channel. Its fields
// are mutated only from within the owning Manager's serializing goroutine
// (see Manager.do); nothing outside this package ever holds a *Pool
// directly, so no mutex guards it — the same ownership discipline jlrs's
// manager thread uses for its Pools map.
type Pool struct {
	id           PoolID
	name         string
	rt           hostabi.Runtime
	executor     Executor
	tasks        chan Task
	nextWorkerID uint64
	workers      map[WorkerID]*Worker
	dropping     bool
}

// Manager is the process-wide singleton owning every Pool. Structural
// mutations arrive as closures on ops and run one at a time by a single
// goroutine, so Pool and Worker bookkeeping never needs its own lock —
// spec section 4.I's "the manager serializes these via an internal
// channel," taken literally.
type Manager struct {
	ops         chan func()
	pools       map[PoolID]*Pool
	nextPoolID  uint64
	activePools int

	allDoneOnce sync.Once
	allDone     chan struct{}
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process-wide Manager, starting its serializing
// goroutine on first use.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{
			ops:     make(chan func(), 32),
			pools:   make(map[PoolID]*Pool),
			allDone: make(chan struct{}),
		}
		go manager.run()
	})
	return manager
}

func (m *Manager) run() {
	for op := range m.ops {
		op()
	}
}

// do runs op on the manager's serializing goroutine and waits for it to
// finish, giving every pool/worker mutation a consistent, race-free view
// of Manager.pools without a lock.
func (m *Manager) do(op func()) {
	done := make(chan struct{})
	m.ops <- func() {
		op()
		close(done)
	}
	<-done
}

// AllHandlesDropped is closed once the last worker of the last pool has
// exited, the process-wide condition spec section 4.I names: "when the
// last worker of the last pool exits, the process-wide 'all handles
// dropped' condition fires."
func (m *Manager) AllHandlesDropped() <-chan struct{} {
	return m.allDone
}

// maybeRemovePool deletes p from the manager once it is marked dropping
// and has no workers left, firing AllHandlesDropped if p was the last
// pool. Must only be called from within the serializing goroutine.
func (m *Manager) maybeRemovePool(p *Pool) {
	if !p.dropping || len(p.workers) != 0 {
		return
	}
	delete(m.pools, p.id)
	m.activePools--
	if m.activePools == 0 {
		m.allDoneOnce.Do(func() { close(m.allDone) })
	}
}

func (m *Manager) spawnWorker(p *Pool) WorkerID {
	id := WorkerID(atomic.AddUint64(&p.nextWorkerID, 1))
	w := &Worker{id: id, stop: make(chan struct{}), done: make(chan struct{})}
	p.workers[id] = w
	go m.runWorker(p, w)
	return id
}

// requestDropWorker is called by a worker goroutine after it exits
// cleanly (lifecycle step 5): it removes itself from its pool and, if
// that pool is both dropping and now empty, removes the pool too.
func (m *Manager) requestDropWorker(poolID PoolID, workerID WorkerID) {
	m.do(func() {
		p, ok := m.pools[poolID]
		if !ok {
			return
		}
		delete(p.workers, workerID)
		m.maybeRemovePool(p)
	})
}

// requestRestartWorker is called by a worker goroutine that recovered
// from a panic (lifecycle step 6): the panicking worker is gone and a
// replacement is spawned under a fresh WorkerID — simpler than jlrs's
// same-id restart, since nothing outside this package observes worker
// identity across a restart.
func (m *Manager) requestRestartWorker(poolID PoolID, workerID WorkerID) {
	m.do(func() {
		p, ok := m.pools[poolID]
		if !ok {
			return
		}
		delete(p.workers, workerID)
		if p.dropping {
			m.maybeRemovePool(p)
			return
		}
		m.spawnWorker(p)
	})
}

// MtHandle is the multi-threading handle a caller uses to spawn pools
// (spec section 4.I, types "Manager ... MtHandle").
type MtHandle struct {
	mgr *Manager
}

// NewMtHandle returns a handle bound to the process-wide Manager.
func NewMtHandle() *MtHandle {
	return &MtHandle{mgr: GetManager()}
}

// PoolHandle is the caller-facing reference to one spawned Pool, the Go
// counterpart to jlrs's per-pool AsyncHandle: AddWorker/RemoveWorker/
// DropPool below are named directly on MtHandle by spec section 4.I, but
// each needs to name which pool it targets, so this module threads that
// targeting through the value SpawnPool returns rather than a bare PoolID
// argument repeated at every call site.
type PoolHandle struct {
	mgr   *Manager
	id    PoolID
	tasks chan Task
}

// SpawnPool creates a new Pool of nWorkers workers running executor (nil
// defaults to Inline), each pulling Tasks off a channel of the given
// capacity, and returns a handle to it.
func (h *MtHandle) SpawnPool(rt hostabi.Runtime, executor Executor, channelCapacity, nWorkers int, namePrefix string) (*PoolHandle, error) {
	if rt == nil {
		return nil, herr.New(herr.RuntimeError, "dispatch: SpawnPool requires a Runtime")
	}
	if executor == nil {
		executor = Inline{}
	}
	if nWorkers <= 0 {
		nWorkers = 1
	}
	if channelCapacity < 0 {
		channelCapacity = 0
	}

	var handle *PoolHandle
	h.mgr.do(func() {
		id := PoolID(atomic.AddUint64(&h.mgr.nextPoolID, 1))
		p := &Pool{
			id:       id,
			name:     namePrefix,
			rt:       rt,
			executor: executor,
			tasks:    make(chan Task, channelCapacity),
			workers:  make(map[WorkerID]*Worker, nWorkers),
		}
		h.mgr.pools[id] = p
		h.mgr.activePools++
		for i := 0; i < nWorkers; i++ {
			h.mgr.spawnWorker(p)
		}
		handle = &PoolHandle{mgr: h.mgr, id: id, tasks: p.tasks}
	})
	return handle, nil
}

// Schedule enqueues task for one of the pool's workers to run. It blocks
// if the pool's channel is full.
func (p *PoolHandle) Schedule(task Task) {
	p.tasks <- task
}

// AddWorker starts one additional worker in the pool.
func (p *PoolHandle) AddWorker() error {
	var err error
	p.mgr.do(func() {
		mp, ok := p.mgr.pools[p.id]
		if !ok {
			err = herr.New(herr.RuntimeError, "dispatch: AddWorker on unknown pool")
			return
		}
		p.mgr.spawnWorker(mp)
	})
	return err
}

// RemoveWorker asks one worker in the pool to exit after its current
// task (or immediately, if idle). It is a no-op if every worker is
// already being asked to stop.
func (p *PoolHandle) RemoveWorker() error {
	var err error
	p.mgr.do(func() {
		mp, ok := p.mgr.pools[p.id]
		if !ok {
			err = herr.New(herr.RuntimeError, "dispatch: RemoveWorker on unknown pool")
			return
		}
		for _, w := range mp.workers {
			if !w.cancelling {
				w.cancelling = true
				close(w.stop)
				return
			}
		}
	})
	return err
}

// DropPool asks every worker in the pool to exit; the pool itself is
// removed from the Manager once the last one does.
func (p *PoolHandle) DropPool() error {
	var err error
	p.mgr.do(func() {
		mp, ok := p.mgr.pools[p.id]
		if !ok {
			err = herr.New(herr.RuntimeError, "dispatch: DropPool on unknown pool")
			return
		}
		mp.dropping = true
		for _, w := range mp.workers {
			if !w.cancelling {
				w.cancelling = true
				close(w.stop)
			}
		}
		p.mgr.maybeRemovePool(mp)
	})
	return err
}

// runWorker implements the per-worker lifecycle of spec section 4.I,
// steps 1-6.
func (m *Manager) runWorker(p *Pool, w *Worker) {
	log := gologger.Named("dispatch").With("pool", p.name, "worker", uint64(w.id))
	defer close(w.done)

	// The host's per-thread state is only valid on the OS thread it was
	// obtained on; pin this goroutine for the worker's whole lifetime
	// before adopting, matching rooting.Stack's own one-thread contract.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Steps 1-2: adopt the thread and install its root stack.
	stack, err := rooting.NewStack(p.rt, rooting.StackOptions{})
	if err != nil {
		log.Error("worker failed to adopt thread", "error", err)
		m.requestDropWorker(p.id, w.id)
		return
	}
	ptls := stack.Ptls()
	frame := rooting.RootFrame(stack)

	exitedCleanly := false
	defer func() {
		if r := recover(); r != nil {
			// Any frame a task opened via rooting.Scope has already been
			// dropped by its own deferred close during this unwind —
			// Go runs deferred functions inner-to-outer as a panic
			// propagates, so by the time this recover executes there is
			// nothing left to clear beyond this worker's own frame,
			// which is dropped here before the stack is closed. The
			// panic is not re-raised: an unrecovered panic in a
			// goroutine ends the whole process, pool included, so the
			// worker goroutine returns and its replacement takes over.
			p.rt.GCSafeEnter(ptls)
			log.Error("worker panicked, requesting restart", "panic", r)
			m.requestRestartWorker(p.id, w.id)
			frame.Drop()
			stack.Close()
			return
		}
		frame.Drop()
		if err := stack.Close(); err != nil {
			log.Error("worker stack did not close cleanly", "error", err)
		}
		if exitedCleanly {
			log.Info("worker exiting")
			m.requestDropWorker(p.id, w.id)
		}
	}()

	// Step 3: enter GC-safe while idle.
	p.rt.GCSafeEnter(ptls)

	base := func() error {
		for {
			select {
			case <-w.stop:
				return nil
			case task, ok := <-p.tasks:
				if !ok {
					return nil
				}
				// Step 4: GC-unsafe for the duration of the task's host
				// work, then back to GC-safe to idle again.
				p.rt.GCSafeLeave(ptls, hostabi.GCUnsafe)
				if taskErr := task(p.rt, ptls, frame); taskErr != nil {
					log.Warn("task returned an error", "error", taskErr)
				}
				p.rt.GCSafeEnter(ptls)
			}
		}
	}

	if err := p.executor.Run(p.rt, ptls, frame, base); err != nil {
		log.Error("executor stopped with an error", "error", err)
	}
	exitedCleanly = true
}
