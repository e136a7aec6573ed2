// Package call implements calling into the host and catching its
// exceptions (spec section 4.H): every call variant is parameterized by a
// Target that roots whichever pointer results — the call's return value
// on success, or the raised exception value on failure — and all
// exception-catching calls funnel through CatchExceptions unless the
// caller explicitly opts into an _Unchecked fast path.
package call

import (
	"errors"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/managed"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Value mirrors managed.Value so callers of this package don't need a
// separate import for the handle type call results widen to.
type Value = managed.Value

func valueFor(target rooting.Target, ptr hostabi.RawPointer) (Value, error) {
	rooted, err := target.Root(ptr)
	if err != nil {
		return Value{}, herr.Wrap(herr.RuntimeError, err, "root call result")
	}
	return managed.ValueOf(rooted), nil
}

// CatchExceptions runs fn, the closure producing a raw call result, and
// maps whichever pointer results — the success pointer, or the raised
// exception's pointer — through build, since both arms are "a host
// pointer that needs the same target-rooting treatment" (spec section
// 4.H: "Success roots the result in the target; exception roots the
// caught exception in the target"). The returned error is nil only on
// success; on a host exception it wraps herr.HostException, and the
// returned T is still build's mapping of the exception value, so a caller
// that wants to format or inspect the raised value doesn't need a second
// round trip through the host.
func CatchExceptions[T any](target rooting.Target, fn func() (hostabi.RawPointer, error), build func(hostabi.RawPointer) T) (T, error) {
	ptr, err := fn()
	if err == nil {
		rooted, rerr := target.Root(ptr)
		if rerr != nil {
			var zero T
			return zero, herr.Wrap(herr.RuntimeError, rerr, "root call result")
		}
		return build(rooted.Ptr), nil
	}

	var exc *hostabi.ExceptionError
	if errors.As(err, &exc) {
		rooted, rerr := target.Root(exc.Value)
		if rerr != nil {
			var zero T
			return zero, herr.Wrap(herr.RuntimeError, rerr, "root caught exception")
		}
		return build(rooted.Ptr), herr.Wrap(herr.HostException, err, "host call raised an exception")
	}

	var zero T
	return zero, err
}

// valueResult is the build function every checked call variant below
// uses: both arms produce the universal Value handle, since the call
// layer itself has no need to distinguish a success Kind from an
// exception Kind — that narrowing happens one layer up, via managed.As or
// a layout check, once the caller knows which case it's in from the
// returned error.
func valueResult(rooted hostabi.RawPointer) Value {
	return managed.ValueOf(rooting.Rooted{Ptr: rooted})
}

// Call0 invokes a zero-argument host function, catching exceptions.
func Call0(target rooting.Target, rt hostabi.Runtime, ptls, fn hostabi.RawPointer) (Value, error) {
	return CatchExceptions(target, func() (hostabi.RawPointer, error) { return rt.Call0(ptls, fn) }, valueResult)
}

// Call1 invokes a one-argument host function, catching exceptions.
func Call1(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0 hostabi.RawPointer) (Value, error) {
	return CatchExceptions(target, func() (hostabi.RawPointer, error) { return rt.Call1(ptls, fn, a0) }, valueResult)
}

// Call2 invokes a two-argument host function, catching exceptions.
func Call2(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0, a1 hostabi.RawPointer) (Value, error) {
	return CatchExceptions(target, func() (hostabi.RawPointer, error) { return rt.Call2(ptls, fn, a0, a1) }, valueResult)
}

// Call3 invokes a three-argument host function, catching exceptions.
func Call3(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0, a1, a2 hostabi.RawPointer) (Value, error) {
	return CatchExceptions(target, func() (hostabi.RawPointer, error) { return rt.Call3(ptls, fn, a0, a1, a2) }, valueResult)
}

// Call invokes a host function with an arbitrary, contiguously-laid-out
// argument list, catching exceptions — the generic N-ary variant for
// arities Call0..Call3 don't cover.
func Call(target rooting.Target, rt hostabi.Runtime, ptls, fn hostabi.RawPointer, args []hostabi.RawPointer) (Value, error) {
	return CatchExceptions(target, func() (hostabi.RawPointer, error) { return rt.Call(ptls, fn, args) }, valueResult)
}

// Call0Unchecked, Call1Unchecked, ... bypass CatchExceptions entirely, for
// call sites that have already established fn cannot raise (spec section
// 4.H: "unless explicitly marked unchecked"). A host exception here
// surfaces as a plain *hostabi.ExceptionError-wrapped error, not a
// herr.HostException, and is not rooted into target — the caller asserted
// this path would never need to inspect one.
func Call0Unchecked(target rooting.Target, rt hostabi.Runtime, ptls, fn hostabi.RawPointer) (Value, error) {
	ptr, err := rt.Call0(ptls, fn)
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func Call1Unchecked(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0 hostabi.RawPointer) (Value, error) {
	ptr, err := rt.Call1(ptls, fn, a0)
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func Call2Unchecked(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0, a1 hostabi.RawPointer) (Value, error) {
	ptr, err := rt.Call2(ptls, fn, a0, a1)
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func Call3Unchecked(target rooting.Target, rt hostabi.Runtime, ptls, fn, a0, a1, a2 hostabi.RawPointer) (Value, error) {
	ptr, err := rt.Call3(ptls, fn, a0, a1, a2)
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func CallUnchecked(target rooting.Target, rt hostabi.Runtime, ptls, fn hostabi.RawPointer, args []hostabi.RawPointer) (Value, error) {
	ptr, err := rt.Call(ptls, fn, args)
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

// ArgList is an args.rs-style incremental argument-list builder (spec
// section 4, supplemented features): a fixed 0-3 argument fast path
// avoids a heap allocation for the overwhelmingly common small-arity
// call, falling back to a slice once a caller pushes a fifth argument.
type ArgList struct {
	n        int
	a0       hostabi.RawPointer
	a1       hostabi.RawPointer
	a2       hostabi.RawPointer
	a3       hostabi.RawPointer
	overflow []hostabi.RawPointer
}

// Push appends arg to the list.
func (a *ArgList) Push(arg hostabi.RawPointer) {
	switch a.n {
	case 0:
		a.a0 = arg
	case 1:
		a.a1 = arg
	case 2:
		a.a2 = arg
	case 3:
		a.a3 = arg
	default:
		if a.overflow == nil {
			a.overflow = make([]hostabi.RawPointer, 0, 4)
		}
		a.overflow = append(a.overflow, arg)
	}
	a.n++
}

// Len reports the number of pushed arguments.
func (a *ArgList) Len() int { return a.n }

// Slice materializes the argument list as a contiguous slice, the shape
// Runtime.Call requires. Callers with <=3 arguments that want to avoid
// even this allocation should use Call1/Call2/Call3 directly instead of
// building an ArgList.
func (a *ArgList) Slice() []hostabi.RawPointer {
	out := make([]hostabi.RawPointer, 0, a.n)
	if a.n > 0 {
		out = append(out, a.a0)
	}
	if a.n > 1 {
		out = append(out, a.a1)
	}
	if a.n > 2 {
		out = append(out, a.a2)
	}
	if a.n > 3 {
		out = append(out, a.a3)
	}
	out = append(out, a.overflow...)
	return out
}

// Call invokes fn with this argument list, catching exceptions.
func (a *ArgList) Call(target rooting.Target, rt hostabi.Runtime, ptls, fn hostabi.RawPointer) (Value, error) {
	switch a.n {
	case 0:
		return Call0(target, rt, ptls, fn)
	case 1:
		return Call1(target, rt, ptls, fn, a.a0)
	case 2:
		return Call2(target, rt, ptls, fn, a.a0, a.a1)
	case 3:
		return Call3(target, rt, ptls, fn, a.a0, a.a1, a.a2)
	default:
		return Call(target, rt, ptls, fn, a.Slice())
	}
}

// TaggedResult is a rust_result.rs-style two-word tagged union (spec
// section 4, supplemented features): returning Result<Value, Value>
// across the host boundary without a heap allocation for the common case
// of a single pointer either way. IsError distinguishes which arm Ptr
// holds; it is the wire shape CatchExceptions' result collapses to at a
// C-ABI-facing entry point.
type TaggedResult struct {
	Ptr     hostabi.RawPointer
	IsError bool
}

// TaggedResultOf collapses a (Value, error) pair from a checked call into
// the two-word wire shape, for the call layer's C-ABI-facing entry
// points (e.g. the async executor's task-completion trampoline).
func TaggedResultOf(v Value, err error) (TaggedResult, error) {
	if err == nil {
		ptr, perr := v.Pointer()
		if perr != nil {
			return TaggedResult{}, perr
		}
		return TaggedResult{Ptr: ptr}, nil
	}
	if !herr.Is(err, herr.HostException) {
		return TaggedResult{}, err
	}
	ptr, perr := v.Pointer()
	if perr != nil {
		return TaggedResult{}, perr
	}
	return TaggedResult{Ptr: ptr, IsError: true}, nil
}
