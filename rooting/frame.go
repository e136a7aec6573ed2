package rooting

import (
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
)

// ScopeTag is shared by every Rooted value produced within one frame (or,
// for a ReusableSlot, within one write to that slot). Callers check
// Live() before trusting a Rooted's pointer; a dead tag means the value's
// "lifetime" has ended — the in-Rust equivalent of a lifetime error,
// turned into a runtime check per spec section 9's guidance for Go-like
// languages.
type ScopeTag struct {
	name  string
	alive bool
}

// Live reports whether values tagged with this scope are still valid to
// use.
func (t *ScopeTag) Live() bool { return t.alive }

func (t *ScopeTag) kill() { t.alive = false }

// Rooted is what every Target.Root call returns: a pointer plus the scope
// it is valid within. The managed package wraps this into a typed
// Managed[T] handle.
type Rooted struct {
	Ptr   hostabi.RawPointer
	Scope *ScopeTag
}

// Target is the capability to root exactly one value, or to produce a
// non-rooting reference (spec section "Target" in DATA MODEL).
type Target interface {
	Root(ptr hostabi.RawPointer) (Rooted, error)
}

// Frame is a dynamic frame: a logical range [base, stack.Size()) in a
// Stack, corresponding to one scope (spec section "Frame" in DATA MODEL).
type Frame struct {
	stack   *Stack
	base    int
	tag     *ScopeTag
	parent  *Frame
	dropped bool
}

// Scope creates a child dynamic frame atop parent, invokes f with it, and
// pops the child's roots when f returns (or panics). The parent frame is
// unaffected; f's result must not retain any Rooted/Managed value scoped
// to the child frame past this call — doing so is caught at first use
// because the child's ScopeTag is killed before Scope returns.
func Scope[R any](parent *Frame, f func(*Frame) (R, error)) (R, error) {
	child := parent.stack.newFrame(parent)
	defer child.drop()
	return f(child)
}

func (s *Stack) newFrame(parent *Frame) *Frame {
	f := &Frame{
		stack:  s,
		base:   s.Size(),
		tag:    &ScopeTag{name: "frame", alive: true},
		parent: parent,
	}
	s.openFrames = append(s.openFrames, f)
	return f
}

// RootFrame creates the outermost frame for a Stack, the frame every other
// scope nests under for that thread.
func RootFrame(s *Stack) *Frame {
	return s.newFrame(nil)
}

// NewChildFrame creates a child frame atop parent without the automatic
// pop Scope provides; the caller is responsible for calling Drop on it,
// in LIFO order, before dropping any of its ancestors. For callers that
// must hold a frame open across multiple method calls instead of one
// closure.
func NewChildFrame(parent *Frame) *Frame {
	return parent.stack.newFrame(parent)
}

func (f *Frame) drop() {
	if f.dropped {
		return
	}
	n := len(f.stack.openFrames)
	if n == 0 || f.stack.openFrames[n-1] != f {
		panic("rooting: frame dropped out of nesting order (inner frame must drop before outer)")
	}
	f.stack.openFrames = f.stack.openFrames[:n-1]
	f.stack.popFrame(f.base)
	f.tag.kill()
	f.dropped = true
}

// Drop ends the frame explicitly. Scope calls this automatically; it is
// exported for callers managing a root frame's lifetime by hand (e.g. the
// top-level runtime.Handle owning the thread's outermost frame).
func (f *Frame) Drop() { f.drop() }

// Stack returns the Stack this frame roots into.
func (f *Frame) Stack() *Stack { return f.stack }

// Root implements Target: each call pushes a new root onto the frame.
// Unbounded — callers may root as many values as they like.
func (f *Frame) Root(ptr hostabi.RawPointer) (Rooted, error) {
	if !f.tag.alive {
		return Rooted{}, herr.New(herr.RuntimeError, "rooting into a dropped frame")
	}
	idx := f.stack.PushRoot(ptr)
	f.stack.markLive(idx)
	return Rooted{Ptr: ptr, Scope: f.tag}, nil
}

// Output reserves one guaranteed-available slot in f, returning an Output
// target bound to f's scope lifetime. Rooting into it assigns the slot and
// consumes the target (single use).
func (f *Frame) Output() *Output {
	idx := f.stack.ReserveSlot()
	return &Output{frame: f, index: idx}
}

// ReusableSlot reserves one slot that can be overwritten repeatedly.
func (f *Frame) ReusableSlot() *ReusableSlot {
	idx := f.stack.ReserveSlot()
	return &ReusableSlot{frame: f, index: idx, tag: &ScopeTag{name: "slot"}}
}

// Unrooted returns a target that produces no root but carries f's scope
// lifetime, for values immediately consumed by the host or re-rooted
// elsewhere.
func (f *Frame) Unrooted() Unrooted {
	return Unrooted{frame: f}
}

// LocalFrame is a fixed-size local frame: an inline array of n slots
// linked into the host's GC root set independently of the thread's Stack
// (spec section "Frame": "a stack-local inline array of N slots linked
// into the host's GC stack separately from the per-thread root stack").
// n == 0 is legal and elides the linking entirely.
type LocalFrame struct {
	slots     []hostabi.RawPointer
	uninstall func()
	tag       *ScopeTag
}

// LocalScope creates a fixed-size LocalFrame of n slots, invokes f with
// it, and unlinks it from the host GC stack on return.
func LocalScope[R any](stack *Stack, n int, f func(*LocalFrame) (R, error)) (R, error) {
	lf := &LocalFrame{
		slots: make([]hostabi.RawPointer, n),
		tag:   &ScopeTag{name: "local-frame", alive: true},
	}
	if n > 0 {
		lf.uninstall = stack.rt.InstallRootStack(stack.ptls, func() []hostabi.RawPointer { return lf.slots })
	}
	defer func() {
		if lf.uninstall != nil {
			lf.uninstall()
		}
		lf.tag.kill()
	}()
	return f(lf)
}

// Root implements Target for a LocalFrame by filling the next free inline
// slot.
func (lf *LocalFrame) Root(ptr hostabi.RawPointer) (Rooted, error) {
	if !lf.tag.alive {
		return Rooted{}, herr.New(herr.RuntimeError, "rooting into a dropped local frame")
	}
	for i, s := range lf.slots {
		if s.IsNil() {
			lf.slots[i] = ptr
			return Rooted{Ptr: ptr, Scope: lf.tag}, nil
		}
	}
	return Rooted{}, herr.New(herr.RuntimeError, "local frame has no free slots")
}
