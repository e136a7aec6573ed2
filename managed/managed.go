// Package managed implements the Managed/Ref handle model of spec section
// 4.C. A Managed[T] pairs a raw host pointer with the ScopeTag of the
// frame that roots it; Ref[T] is the same pointer with no backing root.
// Per the Go-specific design decision recorded in DESIGN.md, what the
// original spec encodes as the lifetimes 'scope/'data becomes a runtime
// check against a *rooting.ScopeTag instead of a borrow-checked type
// parameter.
package managed

import (
	"fmt"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Kind is the constraint every managed wrapper type satisfies (spec
// section 4.C: "Every managed type implements a minimum contract"). A
// concrete host value type — Module, DataType, Array, Julia-analogue
// String, Task, generic Value, or a user's own managed wrapper —
// implements this by holding nothing but a hostabi.RawPointer and naming
// itself.
type Kind interface {
	// DisplayName is the static display name of the wrapper type (e.g.
	// "Module", "DataType"), used in error messages and Display.
	DisplayName() string
	// FromPointer builds a zero-overhead wrapper value around ptr; it
	// must not itself validate ptr's host type (that's layout's job).
	FromPointer(ptr hostabi.RawPointer) Kind
	// Pointer returns the wrapped raw pointer.
	Pointer() hostabi.RawPointer
	// ThreadSafe reports whether values of this kind are safe to use
	// from a goroutine other than the one that rooted them. Defaults to
	// false for any type wrapping host data unless that type is known
	// immutable/atomic in the host (see Send).
	ThreadSafe() bool
}

// Managed is a scoped, typed handle to host heap data: spec section 4.C's
// managed handle, generation-checked instead of lifetime-checked.
type Managed[T Kind] struct {
	value T
	scope *rooting.ScopeTag
}

// Root consumes target to root ptr as a T, per rooting.Target.Root.
func Root[T Kind](target rooting.Target, ptr hostabi.RawPointer) (Managed[T], error) {
	rootedAt, err := target.Root(ptr)
	if err != nil {
		var zeroM Managed[T]
		return zeroM, err
	}
	var zero T
	return Managed[T]{value: zero.FromPointer(ptr).(T), scope: rootedAt.Scope}, nil
}

// Live reports whether m's backing scope is still open. Every accessor
// below calls this first; a dead scope means "use after pop" — the
// runtime-checked analogue of what a borrow checker would reject at
// compile time.
func (m Managed[T]) Live() bool {
	return m.scope != nil && m.scope.Live()
}

func (m Managed[T]) checkLive() error {
	if !m.Live() {
		return herr.New(herr.RuntimeError, "use of %s after its rooting scope ended", m.value.DisplayName())
	}
	return nil
}

// Pointer returns the wrapped raw pointer, after checking liveness.
func (m Managed[T]) Pointer() (hostabi.RawPointer, error) {
	if err := m.checkLive(); err != nil {
		return 0, err
	}
	return m.value.Pointer(), nil
}

// Unwrap returns the T payload directly, for callers that have already
// satisfied themselves of liveness (e.g. immediately after Root).
func (m Managed[T]) Unwrap() T { return m.value }

// AsValue widens m to the universal Value type.
func (m Managed[T]) AsValue() (Value, error) {
	p, err := m.Pointer()
	if err != nil {
		return Value{}, err
	}
	return Value{ptr: p, scope: m.scope}, nil
}

// AsRef projects m to a non-rooted Ref at the same pointer.
func (m Managed[T]) AsRef() Ref[T] {
	return Ref[T]{value: m.value}
}

// Root re-roots m into target, consuming it, and returns a handle whose
// scope is target's. This is how a value built in an inner frame is
// returned rooted in an outer one (spec's end-to-end scenario 2): call
// Leak or AsRef on the inner handle, then Root the resulting pointer into
// the outer frame's Output.
func (m Managed[T]) Root(target rooting.Target) (Managed[T], error) {
	p, err := m.Pointer()
	if err != nil {
		return Managed[T]{}, err
	}
	return Root[T](target, p)
}

// Leak erases the scope check entirely: the handle is considered live
// forever. Valid only for freshly allocated data the caller knows the
// host keeps reachable some other way (globally rooted, or immediately
// handed back across the language boundary) — spec's "leak()".
func (m Managed[T]) Leak() Managed[T] {
	return Managed[T]{value: m.value, scope: alwaysLive}
}

// alwaysLive is a single shared tag never killed, used by Leak.
var alwaysLive = &rooting.ScopeTag{}

func init() {
	// rooting.ScopeTag's alive flag starts false on the zero value; Leak
	// needs one that reports true forever, so mint it through a real
	// frame that is never dropped.
	alwaysLive = leakScope()
}

func leakScope() *rooting.ScopeTag {
	s, err := rooting.NewStack(leakRuntime{}, rooting.StackOptions{})
	if err != nil {
		panic(err)
	}
	f := rooting.RootFrame(s)
	rooted, err := f.Root(1)
	if err != nil {
		panic(err)
	}
	return rooted.Scope
}

// leakRuntime is the minimal no-op Runtime used only to mint alwaysLive.
type leakRuntime struct{}

func (leakRuntime) AdoptThread() (hostabi.RawPointer, error) { return 1, nil }
func (leakRuntime) CurrentTask() hostabi.RawPointer          { return 1 }
func (leakRuntime) InstallRootStack(hostabi.RawPointer, func() []hostabi.RawPointer) func() {
	return func() {}
}
func (leakRuntime) GCSafeEnter(hostabi.RawPointer) hostabi.GCSafeState  { return hostabi.GCUnsafe }
func (leakRuntime) GCSafeLeave(hostabi.RawPointer, hostabi.GCSafeState) {}
func (leakRuntime) WriteBarrier(hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer) {}
func (leakRuntime) MarkQueueObj(hostabi.RawPointer, hostabi.RawPointer) int               { return 0 }
func (leakRuntime) MarkQueueObjArray(hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer) int {
	return 0
}
func (leakRuntime) ScheduleForeignSweep(hostabi.RawPointer, hostabi.RawPointer) {}
func (leakRuntime) AllocTyped(hostabi.RawPointer, uintptr, hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) Collect(bool) {}
func (leakRuntime) CreateForeignType(hostabi.RawPointer, string, hostabi.RawPointer, uintptr, bool, bool, hostabi.MarkFunc) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) ReinitForeignType(hostabi.RawPointer, hostabi.RawPointer, hostabi.MarkFunc) error {
	return nil
}
func (leakRuntime) ApplyType(hostabi.RawPointer, hostabi.RawPointer, []hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) ConstructUnion(hostabi.RawPointer, []hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) InternSymbol(string) hostabi.RawPointer { return 0 }
func (leakRuntime) Call(hostabi.RawPointer, hostabi.RawPointer, []hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) Call0(hostabi.RawPointer, hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) Call1(hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) Call2(hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) Call3(hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer, hostabi.RawPointer) (hostabi.RawPointer, error) {
	return 0, nil
}
func (leakRuntime) KeywordSorter(hostabi.RawPointer) (hostabi.RawPointer, error) { return 0, nil }
func (leakRuntime) ExceptionOccurred(hostabi.RawPointer) hostabi.RawPointer     { return 0 }
func (leakRuntime) MainModule() hostabi.RawPointer                              { return 0 }
func (leakRuntime) BaseModule() hostabi.RawPointer                              { return 0 }
func (leakRuntime) CoreModule() hostabi.RawPointer                              { return 0 }
func (leakRuntime) PackageRoot(string) (hostabi.RawPointer, error)              { return 0, nil }
func (leakRuntime) Include(hostabi.RawPointer, string) error                    { return nil }
func (leakRuntime) SetErrorColor(bool)                                          {}

// DisplayString and ErrorString call through to the host's formatting
// primitives. They take a Runtime explicitly because, unlike every other
// Managed method, formatting genuinely needs to call back into the host.
func (m Managed[T]) DisplayString(rt hostabi.Runtime, ptls hostabi.RawPointer, displayFn hostabi.RawPointer) (string, error) {
	p, err := m.Pointer()
	if err != nil {
		return "", err
	}
	res, err := rt.Call1(ptls, displayFn, p)
	if err != nil {
		return "", herr.Wrap(herr.HostException, err, "display_string")
	}
	return fmt.Sprintf("<%s %s>", m.value.DisplayName(), res), nil
}

// ErrorString calls the host's error-formatting entry point the same way
// DisplayString calls its display entry point; kept as a distinct method
// because the host typically exposes separate "show" and "showerror"
// functions with different formatting rules.
func (m Managed[T]) ErrorString(rt hostabi.Runtime, ptls hostabi.RawPointer, errorFn hostabi.RawPointer) (string, error) {
	p, err := m.Pointer()
	if err != nil {
		return "", err
	}
	res, err := rt.Call1(ptls, errorFn, p)
	if err != nil {
		return "", herr.Wrap(herr.HostException, err, "error_string")
	}
	return fmt.Sprintf("%s", res), nil
}

// Ref is a non-rooted copy of a raw host pointer (spec section 4.C).
// Converting it back to a Managed is the caller's unsafe promise that the
// data is still reachable.
type Ref[T Kind] struct {
	value T
}

// RefOf builds a Ref directly from a rooting.Ref (e.g. produced by a
// Shared target).
func RefOf[T Kind](r rooting.Ref) Ref[T] {
	var zero T
	return Ref[T]{value: zero.FromPointer(r.Ptr).(T)}
}

// Pointer returns the wrapped raw pointer. Unlike Managed.Pointer, this
// never fails: a Ref carries no scope to be dead.
func (r Ref[T]) Pointer() hostabi.RawPointer { return r.value.Pointer() }

// AsManaged is the unsafe promise: the caller asserts the pointed-to data
// is still reachable (globally rooted, transitively rooted through
// another managed value, or about to be rooted immediately). ok is false
// only if the pointer is nil.
func (r Ref[T]) AsManaged(scope *rooting.ScopeTag) (Managed[T], bool) {
	if r.value.Pointer().IsNil() {
		return Managed[T]{}, false
	}
	return Managed[T]{value: r.value, scope: scope}, true
}

// MustAsManaged is AsManaged but panics instead of returning ok=false,
// for call sites that have already established the pointer is non-nil.
func (r Ref[T]) MustAsManaged(scope *rooting.ScopeTag) Managed[T] {
	m, ok := r.AsManaged(scope)
	if !ok {
		panic("managed: AsManaged on a nil Ref")
	}
	return m
}

// Send wraps a Managed[T] so it can be passed across a channel to another
// goroutine. Go cannot forbid a non-thread-safe T from being sent on a
// channel the way a !Send marker trait would in the original design, so
// this is a convention: SendFor panics if T reports ThreadSafe() == false,
// pushing the check to the one place a value crosses a goroutine boundary
// instead of trusting every call site.
type Send[T Kind] struct {
	m Managed[T]
}

// SendFor wraps m for cross-goroutine use, panicking if m's Kind is not
// ThreadSafe.
func SendFor[T Kind](m Managed[T]) Send[T] {
	if !m.value.ThreadSafe() {
		panic(fmt.Sprintf("managed: %s is not thread-safe, cannot cross a goroutine boundary", m.value.DisplayName()))
	}
	return Send[T]{m: m}
}

// Unwrap retrieves the Managed[T] on the receiving goroutine.
func (s Send[T]) Unwrap() Managed[T] { return s.m }

// Value is the universal widened handle type every Managed[T] can convert
// to via AsValue, spec section 4.D's "Value" used throughout type
// construction and calling.
type Value struct {
	ptr   hostabi.RawPointer
	scope *rooting.ScopeTag
}

// ValueOf widens a Rooted directly to a Value, for callers (such as
// types and call) that root a raw pointer through a Target without ever
// needing a concrete Kind wrapper around it.
func ValueOf(r rooting.Rooted) Value {
	return Value{ptr: r.Ptr, scope: r.Scope}
}

// Pointer returns the wrapped pointer after a liveness check.
func (v Value) Pointer() (hostabi.RawPointer, error) {
	if v.scope != nil && !v.scope.Live() {
		return 0, herr.New(herr.RuntimeError, "use of Value after its rooting scope ended")
	}
	return v.ptr, nil
}

// As narrows v back to a concrete Kind wrapper without any host-side type
// check; pair with a layout.Layout predicate first if that check matters.
func As[T Kind](v Value) Managed[T] {
	var zero T
	return Managed[T]{value: zero.FromPointer(v.ptr).(T), scope: v.scope}
}
