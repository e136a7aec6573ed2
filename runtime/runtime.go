// Package runtime is the top-level entry point a caller holds before any
// pool or async split: the supplemented "handles.rs-style top-level
// runtime handle" (see SPEC_FULL.md, "Supplemented features"), grounded
// on jlrs's sync_rt.rs `Julia` struct — the thing a user constructs via
// RuntimeBuilder::start, uses to run synchronous scopes and toggle
// error-color/include, and drops when done. Handle owns the main
// thread's Stack the same way Julia owns its StackPage, and constructs
// dispatch.MtHandle / async.Executor on demand rather than up front,
// since not every embedding needs multithreading or the async executor.
package runtime

import (
	"sync"

	"github.com/nimbus-embed/hostrt/async"
	"github.com/nimbus-embed/hostrt/dispatch"
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/gologger"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/rooting"
)

// HandleOptions configures a Handle.
type HandleOptions struct {
	// StackOptions is forwarded to rooting.NewStack for the main thread's
	// root stack.
	StackOptions rooting.StackOptions
}

// Handle is the outermost handle to a running host instance: it owns the
// main thread's Stack and root Frame, and is the parent object that
// constructs a dispatch.MtHandle (for worker pools) or an async.Executor
// on request. Exactly one Handle should exist per adopted main thread.
type Handle struct {
	rt    hostabi.Runtime
	stack *rooting.Stack
	frame *rooting.Frame

	mtOnce sync.Once
	mt     *dispatch.MtHandle

	mu        sync.Mutex
	executors []*async.Executor
}

// New adopts the calling thread as the main host-known thread and
// installs its root stack.
func New(rt hostabi.Runtime, opts HandleOptions) (*Handle, error) {
	stack, err := rooting.NewStack(rt, opts.StackOptions)
	if err != nil {
		return nil, herr.Wrap(herr.RuntimeError, err, "runtime: adopt main thread")
	}
	return &Handle{
		rt:    rt,
		stack: stack,
		frame: rooting.RootFrame(stack),
	}, nil
}

// Runtime returns the underlying host primitive set, for callers that
// need to pass it through to call/dispatch/async operations directly.
func (h *Handle) Runtime() hostabi.Runtime { return h.rt }

// Ptls returns the main thread's per-thread state pointer.
func (h *Handle) Ptls() hostabi.RawPointer { return h.stack.Ptls() }

// Frame returns the main thread's root frame, the scope every
// top-level call and allocation roots into unless a caller opens its own
// child scope via rooting.Scope.
func (h *Handle) Frame() *rooting.Frame { return h.frame }

// Include evaluates the file at path on the main thread.
func (h *Handle) Include(path string) error {
	return h.rt.Include(h.Ptls(), path)
}

// SetErrorColor toggles colorized host exception formatting.
func (h *Handle) SetErrorColor(enabled bool) {
	h.rt.SetErrorColor(enabled)
}

// MtHandle returns the process-wide multithreading handle, constructing
// it on first use. All Handles in a process share the same underlying
// dispatch.Manager, matching dispatch.GetManager's own singleton.
func (h *Handle) MtHandle() *dispatch.MtHandle {
	h.mtOnce.Do(func() {
		h.mt = dispatch.NewMtHandle()
	})
	return h.mt
}

// NewAsyncExecutor starts a new async.Executor on its own goroutine,
// bound to this Handle's Runtime, and tracks it so Close can shut every
// executor it started down.
func (h *Handle) NewAsyncExecutor(channelCapacity int) *async.Executor {
	e := async.NewExecutor(h.rt, channelCapacity)
	h.mu.Lock()
	h.executors = append(h.executors, e)
	h.mu.Unlock()

	go func() {
		if err := e.Run(); err != nil {
			gologger.Named("runtime").Error("async executor exited with an error", "error", err)
		}
	}()
	return e
}

// Close drops the main thread's root frame, stops every executor this
// Handle started, and closes the main stack. It must be the last call
// made through this Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	executors := h.executors
	h.executors = nil
	h.mu.Unlock()
	for _, e := range executors {
		e.Close()
	}

	h.frame.Drop()
	return h.stack.Close()
}
