// Package binding implements the static-binding cache of spec section
// 4.G: a lazily-initialized, process-lifetime cell holding the host
// pointer a fully-qualified path resolves to, published with relaxed
// atomics because every racing initializer resolves to the same pointer.
package binding

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/managed"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Value mirrors managed.Value so callers of this package don't need a
// separate import for the handle type binding lookups return.
type Value = managed.Value

// Root names which of the host's fixed modules, or a named package root,
// a Slot's Path is resolved relative to (spec section 4.G: "one of the
// host's Main, Base, Core, or a package root by name").
type Root int

const (
	MainRoot Root = iota
	BaseRoot
	CoreRoot
	PackageRoot
)

// pathResolver is the narrow seam for walking a dotted path from a root
// module down to a final global; hosttest.Runtime implements it, a real
// adapter would split the path itself and call the host's module-lookup
// and global-lookup primitives at each step.
type pathResolver interface {
	Resolve(root hostabi.RawPointer, path []string) (hostabi.RawPointer, error)
}

func valueFor(target rooting.Target, ptr hostabi.RawPointer) (Value, error) {
	rooted, err := target.Root(ptr)
	if err != nil {
		return Value{}, herr.Wrap(herr.RuntimeError, err, "root static binding")
	}
	return managed.ValueOf(rooted), nil
}

// Slot is one static-binding site: a single atomic pointer cell plus the
// fully-qualified path string it resolves (spec section 4.G).
type Slot struct {
	ptr atomic.Uint64

	Root    Root
	Package string // used when Root == PackageRoot
	Path    string // dot-separated path under Root, e.g. "LinearAlgebra.det"
}

func (s *Slot) rootPointer(rt hostabi.Runtime) (hostabi.RawPointer, error) {
	switch s.Root {
	case MainRoot:
		return rt.MainModule(), nil
	case BaseRoot:
		return rt.BaseModule(), nil
	case CoreRoot:
		return rt.CoreModule(), nil
	case PackageRoot:
		return rt.PackageRoot(s.Package)
	default:
		return 0, herr.New(herr.AccessError, "unknown binding root %d", s.Root)
	}
}

// GetOrInit implements spec section 4.G's get_or_init: load the cached
// pointer if present, otherwise resolve the path fresh and publish it.
// Multiple goroutines racing the uninitialized case resolve to the same
// path and so race-store the same value; the loser's CompareAndSwap
// simply fails and both return handles to the identical host pointer.
func (s *Slot) GetOrInit(target rooting.Target, rt hostabi.Runtime) (Value, error) {
	if p := hostabi.RawPointer(s.ptr.Load()); !p.IsNil() {
		return valueFor(target, p)
	}

	root, err := s.rootPointer(rt)
	if err != nil {
		return Value{}, herr.Wrap(herr.AccessError, err, "resolve binding root for %q", s.Path)
	}
	pr, ok := rt.(pathResolver)
	if !ok {
		return Value{}, herr.New(herr.RuntimeError, "host runtime does not support path resolution")
	}
	ptr, err := pr.Resolve(root, strings.Split(s.Path, "."))
	if err != nil {
		return Value{}, herr.Wrap(herr.AccessError, err, "resolve binding %q", s.Path)
	}

	s.ptr.CompareAndSwap(0, uint64(ptr))
	return valueFor(target, ptr)
}

// SymbolSlot is a Slot specialized for interned host symbols: the cache
// holds only the interned pointer, with no path walk (spec section 4.G:
// "Symbol caches store only the interned host symbol pointer").
type SymbolSlot struct {
	ptr  atomic.Uint64
	Name string
}

func (s *SymbolSlot) GetOrInit(target rooting.Target, rt hostabi.Runtime) (Value, error) {
	if p := hostabi.RawPointer(s.ptr.Load()); !p.IsNil() {
		return valueFor(target, p)
	}
	ptr := rt.InternSymbol(s.Name)
	s.ptr.CompareAndSwap(0, uint64(ptr))
	return valueFor(target, ptr)
}

// TypeSlot is a Slot specialized for a constructed-type cache entry (spec
// section 4.G: "Constructed-type caches store a pointer to the cached
// type handle"). The cell and path-resolution mechanics are identical to
// Slot; TypeSlot exists as a distinct type only so call sites read as
// "this binding names a type", the way the teacher's gocore package
// distinguishes Type from Object at the type level despite both being
// addresses into the same heap.
type TypeSlot struct {
	Slot
}

// ExprSlot is the get_or_eval variant (spec section 4.G): evaluates an
// expression string rather than walking a named path, for types or values
// that have no stable dotted name.
type ExprSlot struct {
	ptr  atomic.Uint64
	Expr string
}

// evaluator is the narrow seam for a host able to evaluate an expression
// string and return the resulting pointer; hosttest.Runtime implements it
// against a tiny fake expression table.
type evaluator interface {
	Eval(ptls hostabi.RawPointer, expr string) (hostabi.RawPointer, error)
}

// GetOrEval implements spec section 4.G's get_or_eval.
func (s *ExprSlot) GetOrEval(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	if p := hostabi.RawPointer(s.ptr.Load()); !p.IsNil() {
		return valueFor(target, p)
	}
	ev, ok := rt.(evaluator)
	if !ok {
		return Value{}, herr.New(herr.RuntimeError, "host runtime does not support expression evaluation")
	}
	ptr, err := ev.Eval(ptls, s.Expr)
	if err != nil {
		return Value{}, herr.Wrap(herr.HostException, err, "eval %q", s.Expr)
	}
	s.ptr.CompareAndSwap(0, uint64(ptr))
	return valueFor(target, ptr)
}

// internedSymbols is the process-wide interned-symbol cache (spec's
// supplemented static_symbol.rs feature): unlike Slot, which is one cell
// per call site, this is shared across every call site requesting the
// same symbol name, because symbols are never collected by the host and
// so never need per-site re-resolution.
var internedSymbols struct {
	mu      sync.RWMutex
	entries map[string]hostabi.RawPointer
}

func init() {
	internedSymbols.entries = make(map[string]hostabi.RawPointer)
}

// InternedSymbol looks up (or interns and caches) the host symbol named
// name, sharing one cache entry across every caller for the same name.
func InternedSymbol(target rooting.Target, rt hostabi.Runtime, name string) (Value, error) {
	internedSymbols.mu.RLock()
	if p, ok := internedSymbols.entries[name]; ok {
		internedSymbols.mu.RUnlock()
		return valueFor(target, p)
	}
	internedSymbols.mu.RUnlock()

	ptr := rt.InternSymbol(name)

	internedSymbols.mu.Lock()
	internedSymbols.entries[name] = ptr
	internedSymbols.mu.Unlock()

	return valueFor(target, ptr)
}
