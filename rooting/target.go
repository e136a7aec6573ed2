package rooting

import (
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
)

// Output is a reserved, guaranteed-available slot in a frame. It is
// single-use: the first Root call assigns the slot and consumes the
// target, matching spec section 4.B's "Output targeting".
type Output struct {
	frame *Frame
	index int
	used  bool
}

// Root assigns ptr into the reserved slot. The returned Rooted's scope is
// the frame that created the Output, which is what lets a value built in
// an inner Scope be returned rooted in the outer frame (spec's end-to-end
// scenario 2).
func (o *Output) Root(ptr hostabi.RawPointer) (Rooted, error) {
	if o.used {
		return Rooted{}, herr.New(herr.RuntimeError, "output slot already used")
	}
	if !o.frame.tag.alive {
		return Rooted{}, herr.New(herr.RuntimeError, "rooting into an output of a dropped frame")
	}
	o.frame.stack.SetRoot(o.index, ptr)
	o.frame.stack.markLive(o.index)
	o.used = true
	return Rooted{Ptr: ptr, Scope: o.frame.tag}, nil
}

// ReusableSlot is a reserved slot that can be overwritten repeatedly. Each
// write invalidates the Rooted returned by the previous write, since the
// previous write's scope tag is killed before a new one is minted (spec's
// "Rewriting invalidates the previous handle by construction").
type ReusableSlot struct {
	frame *Frame
	index int
	tag   *ScopeTag
}

// Root overwrites the slot with ptr and returns a Rooted scoped to this
// write only; the next call to Root kills that scope.
func (s *ReusableSlot) Root(ptr hostabi.RawPointer) (Rooted, error) {
	if !s.frame.tag.alive {
		return Rooted{}, herr.New(herr.RuntimeError, "rooting into a reusable slot of a dropped frame")
	}
	if s.tag.alive {
		s.tag.kill()
	}
	s.frame.stack.SetRoot(s.index, ptr)
	s.frame.stack.markLive(s.index)
	s.tag = &ScopeTag{name: "reusable-slot-write", alive: true}
	return Rooted{Ptr: ptr, Scope: s.tag}, nil
}

// Unrooted produces no root of its own; the resulting Rooted carries the
// owning frame's scope lifetime but no backing slot, for values about to
// be handed straight back to the host or into another rooted target.
type Unrooted struct {
	frame *Frame
}

func (u Unrooted) Root(ptr hostabi.RawPointer) (Rooted, error) {
	if !u.frame.tag.alive {
		return Rooted{}, herr.New(herr.RuntimeError, "using Unrooted from a dropped frame")
	}
	return Rooted{Ptr: ptr, Scope: u.frame.tag}, nil
}

// Ref is a raw host pointer with no backing root, spec section 4.C's
// non-rooted reference. Converting a Ref into something trusted to be
// reachable is the caller's unsafe promise; managed.Ref mirrors this type
// with the static Kind attached.
type Ref struct {
	Ptr hostabi.RawPointer
}

// Shared degrades any Target to produce a Ref instead of a Rooted,
// matching spec section 4.B's "Shared target (by reference)" variant. It
// does not consume or validate the inner target — Ref carries no scope to
// check.
type Shared struct {
	Inner Target
}

// RootRef returns ptr as a Ref without storing it anywhere.
func (s Shared) RootRef(ptr hostabi.RawPointer) Ref {
	return Ref{Ptr: ptr}
}

// Root implements Target so Shared can be passed anywhere a Target is
// expected (e.g. types.Applied recursing into its parameters): it never
// writes to the stack, and the returned Rooted carries a nil Scope, which
// managed.Value.Pointer treats as always-live, the same convention
// layout's fieldValue already uses for a pointer that needs no scope
// check. managed.Managed[T].Live, by contrast, reports a nil scope as dead.
func (s Shared) Root(ptr hostabi.RawPointer) (Rooted, error) {
	return Rooted{Ptr: ptr, Scope: nil}, nil
}

// AsyncFrame is a dynamic frame explicitly permitted to be used from an
// async task (spec section 4.B: "It differs only in that nested scopes
// are allowed to be async. Lifetime rules are identical."). In this
// runtime-checked port that distinction is purely documentary — Frame's
// checks already work from any goroutine — so AsyncFrame simply embeds
// Frame and exists as a distinct type for call-site clarity in the async
// package.
type AsyncFrame struct {
	*Frame
}

// AsyncScope is the AsyncFrame analogue of Scope.
func AsyncScope[R any](parent *AsyncFrame, f func(*AsyncFrame) (R, error)) (R, error) {
	return Scope(parent.Frame, func(child *Frame) (R, error) {
		return f(&AsyncFrame{Frame: child})
	})
}
