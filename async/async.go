// Package async implements the cooperative dispatch loop of spec section
// 4.J: a single host-adopted thread that processes a queue of message
// envelopes (one-shot tasks, type registrations, persistent call loops,
// blocking closures, file includes, error-color toggles) and the host
// task future primitive those messages complete through.
//
// Unlike dispatch's pools, which hand each worker its own adopted thread
// from rooting.NewStack, an Executor owns exactly one thread for its
// whole lifetime — the spec's "single host-adopted thread dedicated to
// the host's cooperative scheduler". dispatch and async compose by both
// independently upholding the same host-known-thread/GC-safe discipline,
// not by one embedding the other's loop; see DESIGN.md.
package async

import (
	"context"
	"reflect"
	"runtime"
	"sync"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/gologger"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/rooting"
)

// envelope is the type-erased message shape every queued item satisfies,
// the Go analogue of PendingTaskEnvelope: whatever the message carries,
// the executor's loop only needs to know how to deliver it.
type envelope interface {
	deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame)
}

// gcSafeEnter marks ptls GC-safe and returns the prior state, so the
// caller can bracket a region the host's collector may run concurrently
// with (spec section 4.J).
func gcSafeEnter(rt hostabi.Runtime, ptls hostabi.RawPointer) hostabi.GCSafeState {
	return rt.GCSafeEnter(ptls)
}

// gcSafeLeave restores ptls to prev, ending a GC-safe region.
func gcSafeLeave(rt hostabi.Runtime, ptls hostabi.RawPointer, prev hostabi.GCSafeState) {
	rt.GCSafeLeave(ptls, prev)
}

// Executor is the single host-adopted thread that drains queued
// envelopes until its queue is closed.
type Executor struct {
	rt    hostabi.Runtime
	queue chan envelope

	closeOnce sync.Once
}

// NewExecutor allocates an Executor. Run must be called (typically in its
// own goroutine) before anything scheduled against it makes progress.
func NewExecutor(rt hostabi.Runtime, channelCapacity int) *Executor {
	return &Executor{rt: rt, queue: make(chan envelope, channelCapacity)}
}

// Run adopts the calling thread, installs a root frame, and processes
// envelopes until Close is called — the normal shutdown signal (spec
// section 4.J: "channel close is the normal shutdown signal"). It
// defaults GC-safe while idle and transitions GC-unsafe only for the
// duration of each envelope's delivery, matching dispatch's worker loop.
func (e *Executor) Run() error {
	log := gologger.Named("async")

	// The host's per-thread state is only valid on the OS thread it was
	// obtained on; pin this goroutine for the rest of its life before
	// adopting, matching rooting.Stack's own one-thread contract.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stack, err := rooting.NewStack(e.rt, rooting.StackOptions{})
	if err != nil {
		return herr.Wrap(herr.RuntimeError, err, "async: adopt executor thread")
	}
	ptls := stack.Ptls()
	frame := rooting.RootFrame(stack)

	defer func() {
		frame.Drop()
		if err := stack.Close(); err != nil {
			log.Error("executor stack did not close cleanly", "error", err)
		}
	}()

	prev := gcSafeEnter(e.rt, ptls)
	for env := range e.queue {
		gcSafeLeave(e.rt, ptls, hostabi.GCUnsafe)
		env.deliver(e.rt, ptls, frame)
		prev = gcSafeEnter(e.rt, ptls)
	}
	_ = prev
	return nil
}

// Close stops the executor's loop once its queue drains. It is safe to
// call more than once.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.queue) })
}

// taskResult is the shared (value, error) pair every result-bearing
// message kind replies with.
type taskResult[T any] struct {
	value T
	err   error
}

// taskMsg is spec section 4.J's Task<T> message: run body to completion
// on the executor's thread and ship the result back through reply.
type taskMsg[T any] struct {
	body  func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (T, error)
	reply chan<- taskResult[T]
}

func (m *taskMsg[T]) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	v, err := m.body(rt, ptls, frame)
	m.reply <- taskResult[T]{value: v, err: err}
}

// registerMsg is spec section 4.J's Register<T> message: runs register
// once on the executor's thread to make a task type's host-side
// machinery available. T identifies which task type is being registered,
// the way foreign.keyOf keys a foreign type registry by reflect.Type —
// Register below uses it to make registration idempotent per T.
type registerMsg[T any] struct {
	register func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error
	reply    chan<- error
}

func (m *registerMsg[T]) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	m.reply <- m.register(rt, ptls, frame)
}

var (
	registeredMu sync.RWMutex
	registered   = map[reflect.Type]bool{}
)

func registerKeyOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register runs register on e's thread exactly once per task type T;
// later calls for the same T are no-ops, mirroring a host-side type
// registration that must not run twice.
func Register[T any](e *Executor, register func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error) error {
	key := registerKeyOf[T]()

	registeredMu.RLock()
	done := registered[key]
	registeredMu.RUnlock()
	if done {
		return nil
	}

	reply := make(chan error, 1)
	e.queue <- &registerMsg[T]{register: register, reply: reply}
	if err := <-reply; err != nil {
		return err
	}

	registeredMu.Lock()
	registered[key] = true
	registeredMu.Unlock()
	return nil
}

// blockingMsg is spec section 4.J's Blocking message: a plain
// synchronous closure run on the executor's thread, for callers with a
// short host-touching operation that doesn't need a future.
type blockingMsg[T any] struct {
	body  func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) T
	reply chan<- T
}

func (m *blockingMsg[T]) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	m.reply <- m.body(rt, ptls, frame)
}

// Blocking runs body on e's thread and waits for its result.
func Blocking[T any](e *Executor, body func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) T) T {
	reply := make(chan T, 1)
	e.queue <- &blockingMsg[T]{body: body, reply: reply}
	return <-reply
}

// includeMsg is spec section 4.J's Include(path) message.
type includeMsg struct {
	path  string
	reply chan<- error
}

func (m *includeMsg) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	m.reply <- rt.Include(ptls, m.path)
}

// Include evaluates the file at path on e's thread.
func (e *Executor) Include(path string) error {
	reply := make(chan error, 1)
	e.queue <- &includeMsg{path: path, reply: reply}
	return <-reply
}

// setErrorColorMsg is spec section 4.J's SetErrorColor(bool) message.
type setErrorColorMsg struct {
	enabled bool
	reply   chan<- struct{}
}

func (m *setErrorColorMsg) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	rt.SetErrorColor(m.enabled)
	close(m.reply)
}

// SetErrorColor toggles the host's error-message coloring from e's
// thread, waiting for the change to take effect before returning.
func (e *Executor) SetErrorColor(enabled bool) {
	reply := make(chan struct{})
	e.queue <- &setErrorColorMsg{enabled: enabled, reply: reply}
	<-reply
}

// persistentCall is one request sent to a running persistent task's call
// loop.
type persistentCall[I, O any] struct {
	input I
	reply chan<- taskResult[O]
}

// PersistentHandle is returned once a persistent task's init succeeds: a
// handle a caller uses to issue Call(input) requests. Dropping it signals
// the task's call loop to exit, which runs the task's exit hook.
type PersistentHandle[I, O any] struct {
	calls     chan persistentCall[I, O]
	closeOnce sync.Once
}

// Call sends input to the persistent task's call loop and waits for its
// output, or for ctx to be cancelled.
func (h *PersistentHandle[I, O]) Call(ctx context.Context, input I) (O, error) {
	reply := make(chan taskResult[O], 1)
	select {
	case h.calls <- persistentCall[I, O]{input: input, reply: reply}:
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
}

// Drop signals the persistent task's call loop to exit. Safe to call more
// than once.
func (h *PersistentHandle[I, O]) Drop() {
	h.closeOnce.Do(func() { close(h.calls) })
}

type persistentStartResult[I, O any] struct {
	handle *PersistentHandle[I, O]
	err    error
}

// persistentMsg is spec section 4.J's Persistent<P> message: init runs
// once on the executor's thread, then the task's call loop runs entirely
// within this one deliver call, consuming calls made through the handle
// init hands back — meaning a live persistent task occupies this
// Executor's single thread for its whole lifetime. Callers that need more
// than one persistent task running concurrently give each its own
// Executor, the same way dispatch gives each worker its own thread.
type persistentMsg[S, I, O any] struct {
	init  func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (S, error)
	run   func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *S, input I) (O, error)
	exit  func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *S)
	calls chan persistentCall[I, O]
	reply chan<- persistentStartResult[I, O]
}

func (m *persistentMsg[S, I, O]) deliver(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) {
	state, err := m.init(rt, ptls, frame)
	if err != nil {
		m.reply <- persistentStartResult[I, O]{err: err}
		return
	}

	handle := &PersistentHandle[I, O]{calls: m.calls}
	m.reply <- persistentStartResult[I, O]{handle: handle}

	for call := range m.calls {
		v, err := m.run(rt, ptls, frame, &state, call.input)
		call.reply <- taskResult[O]{value: v, err: err}
	}
	m.exit(rt, ptls, frame, &state)
}

// Persistent starts a persistent task on e's thread: init runs once to
// build the task's state, then every Call on the returned handle runs run
// against that state in turn, and Drop runs exit once the call loop ends.
func Persistent[S, I, O any](
	e *Executor,
	init func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (S, error),
	run func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *S, input I) (O, error),
	exit func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *S),
) (*PersistentHandle[I, O], error) {
	reply := make(chan persistentStartResult[I, O], 1)
	calls := make(chan persistentCall[I, O])
	e.queue <- &persistentMsg[S, I, O]{init: init, run: run, exit: exit, calls: calls, reply: reply}
	r := <-reply
	return r.handle, r.err
}

// WakeState is the state a HostTaskFuture shares with the host: spec
// section 4.J's "{completed: bool, waker: Option<Waker>, task:
// Option<Task>}", collapsed to what a Go future needs — the result slots
// replace the separate task handle, since wakeTask below fills them in
// directly via fetch rather than deferring a second retrieval step.
type WakeState[T any] struct {
	mu        sync.Mutex
	completed bool
	value     T
	err       error
	waiters   []func()
}

// HostTaskFuture is a future that completes when a host-scheduled task
// finishes (spec section 4.J's core primitive).
type HostTaskFuture[T any] struct {
	state *WakeState[T]
}

// NewHostTaskFuture reserves a WakeState and hands it to schedule, the
// host-side scheduling function responsible for arranging that wakeTask
// is eventually called with this same state once the task completes.
func NewHostTaskFuture[T any](schedule func(state *WakeState[T])) *HostTaskFuture[T] {
	state := &WakeState[T]{}
	schedule(state)
	return &HostTaskFuture[T]{state: state}
}

// Poll reports the task's outcome without blocking. ready is false until
// wakeTask has run.
func (f *HostTaskFuture[T]) Poll() (value T, err error, ready bool) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	return f.state.value, f.state.err, f.state.completed
}

// OnReady registers fn to run once the task completes — immediately,
// inline, if it already has. This is the Go shape of "stash the waker":
// callers composing futures without blocking a goroutine use this instead
// of Await.
func (f *HostTaskFuture[T]) OnReady(fn func()) {
	st := f.state
	st.mu.Lock()
	if st.completed {
		st.mu.Unlock()
		fn()
		return
	}
	st.waiters = append(st.waiters, fn)
	st.mu.Unlock()
}

// Await blocks the calling goroutine until the task completes or ctx is
// cancelled.
func (f *HostTaskFuture[T]) Await(ctx context.Context) (T, error) {
	done := make(chan struct{})
	f.OnReady(func() { close(done) })
	select {
	case <-done:
		v, err, _ := f.Poll()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// wakeTask is the host-exported completion hook spec section 4.J names: a
// real embedding invokes this (via a cgo //export trampoline in
// hostabi/ffi) once the host's own scheduler finishes a task, supplying
// fetch to retrieve its result. It fills in state and wakes every waiter
// registered via OnReady.
func wakeTask[T any](state *WakeState[T], fetch func() (T, error)) {
	state.mu.Lock()
	state.value, state.err = fetch()
	state.completed = true
	waiters := state.waiters
	state.waiters = nil
	state.mu.Unlock()

	for _, w := range waiters {
		w()
	}
}

// Schedule enqueues body to run to completion on e's thread, returning a
// future for its result — spec section 4.J's Task<T> message, wired
// through the host task future primitive rather than completing directly,
// so callers compose it the same way they would a future the host itself
// completed.
func Schedule[T any](e *Executor, body func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (T, error)) *HostTaskFuture[T] {
	return NewHostTaskFuture(func(state *WakeState[T]) {
		reply := make(chan taskResult[T], 1)
		e.queue <- &taskMsg[T]{body: body, reply: reply}
		go func() {
			r := <-reply
			wakeTask(state, func() (T, error) { return r.value, r.err })
		}()
	})
}
