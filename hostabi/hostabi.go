// Package hostabi is the boundary between this module and the host
// runtime's C ABI (see spec section "EXTERNAL INTERFACES"). Everything
// above this package talks to the host only through the Runtime interface,
// the same way golang.org/x/debug/internal/core hides whether the
// inferior is a live ptrace'd process or a core file behind a single
// *core.Process type.
//
// A real embedding wires hostabi/ffi's cgo adapter as the Runtime
// implementation. Tests and the rest of this tree use a fake so the
// module builds and runs without the host runtime's shared library
// present.
package hostabi

import "fmt"

// RawPointer is an untyped, non-null address into the host heap. Ownership
// of the memory it points to belongs to the host's collector, never to Go.
type RawPointer uintptr

// Nil is the zero RawPointer; no valid host object is ever found there.
const Nil RawPointer = 0

func (p RawPointer) IsNil() bool { return p == Nil }

func (p RawPointer) String() string {
	if p.IsNil() {
		return "<nil>"
	}
	return fmt.Sprintf("0x%x", uintptr(p))
}

// GCSafeState records whether a thread was GC-safe (true) or GC-unsafe
// (false) before a transition, so the transition can be reversed exactly.
type GCSafeState bool

const (
	GCUnsafe GCSafeState = false
	GCSafe   GCSafeState = true
)

// MarkFunc is called by the host during a GC mark phase for a foreign-type
// instance. It must call back into Runtime.MarkQueueObj/MarkQueueObjArray
// for every host reference reachable from data, and return the number of
// objects it promoted, per spec section 4.F.
type MarkFunc func(ptls RawPointer, data RawPointer) int

// Runtime is the minimal set of host primitives spec section 6 names.
// Every method may be called only from a thread the host has adopted
// (see Runtime.AdoptThread).
type Runtime interface {
	// AdoptThread makes the calling OS thread known to the host and
	// returns the per-thread state pointer ("ptls") the root stack must
	// be installed at.
	AdoptThread() (RawPointer, error)
	// CurrentTask returns the ptls for a thread already adopted.
	CurrentTask() RawPointer

	// InstallRootStack registers walk as the thread's top GC root frame:
	// the host calls walk to obtain the current contents whenever it
	// walks roots, so growth of the underlying slice after installation
	// is still visible (the per-thread Stack's backing array can be
	// reallocated by append after this call). The returned func
	// uninstalls it; it must be called at most once.
	InstallRootStack(ptls RawPointer, walk func() []RawPointer) func()

	// GCSafeEnter/GCSafeLeave bracket a region in which the thread parks
	// without calling host code, so the collector may run concurrently.
	GCSafeEnter(ptls RawPointer) GCSafeState
	GCSafeLeave(ptls RawPointer, prev GCSafeState)

	// WriteBarrier must be invoked whenever a host-owned object's field
	// is mutated to point at another host object.
	WriteBarrier(ptls RawPointer, owner, newChild RawPointer)
	// MarkQueueObj/MarkQueueObjArray are called from within a MarkFunc.
	MarkQueueObj(ptls RawPointer, obj RawPointer) int
	MarkQueueObjArray(ptls RawPointer, begin, end RawPointer) int
	// ScheduleForeignSweep arranges for the host to call back when obj
	// is collected, for foreign types that need sweep notification.
	ScheduleForeignSweep(ptls RawPointer, obj RawPointer)

	AllocTyped(ptls RawPointer, size uintptr, typ RawPointer) (RawPointer, error)
	Collect(full bool)

	CreateForeignType(ptls RawPointer, name string, module RawPointer, size uintptr, large, hasPointers bool, mark MarkFunc) (RawPointer, error)
	ReinitForeignType(ptls RawPointer, typ RawPointer, mark MarkFunc) error
	ApplyType(ptls RawPointer, base RawPointer, params []RawPointer) (RawPointer, error)
	ConstructUnion(ptls RawPointer, variants []RawPointer) (RawPointer, error)
	InternSymbol(name string) RawPointer

	// Call invokes fn with args laid out contiguously. On success it
	// returns a non-nil pointer; on a host exception it returns an error
	// whose Unwrap chain bottoms out in *ExceptionError, carrying the
	// raised value's pointer.
	Call(ptls RawPointer, fn RawPointer, args []RawPointer) (RawPointer, error)
	Call0(ptls RawPointer, fn RawPointer) (RawPointer, error)
	Call1(ptls RawPointer, fn RawPointer, a0 RawPointer) (RawPointer, error)
	Call2(ptls RawPointer, fn RawPointer, a0, a1 RawPointer) (RawPointer, error)
	Call3(ptls RawPointer, fn RawPointer, a0, a1, a2 RawPointer) (RawPointer, error)
	KeywordSorter(fn RawPointer) (RawPointer, error)
	ExceptionOccurred(ptls RawPointer) RawPointer

	MainModule() RawPointer
	BaseModule() RawPointer
	CoreModule() RawPointer
	PackageRoot(name string) (RawPointer, error)

	Include(ptls RawPointer, path string) error
	SetErrorColor(enabled bool)
}

// ExceptionError wraps the pointer to a host-raised value surfaced by
// Runtime.Call. It is the concrete type herr.HostException unwraps to.
type ExceptionError struct {
	Value RawPointer
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("host exception: %s", e.Value)
}
