// Package types implements the type-construction contract of spec section
// 4.D: mapping in-language type descriptors onto host type objects
// (Value handles), including the composite constructors (applied
// parametric types, tuples, pointers/refs, unions) and the cached,
// parametric-environment entry point.
package types

import (
	"sync"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/managed"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Value mirrors managed.Value locally so this package does not need to
// know about any specific Kind wrapper; callers that want a typed handle
// narrow with managed.As themselves.
type Value = managed.Value

// Descriptor is the construct-type contract every in-language type
// description satisfies (spec section 4.D).
type Descriptor interface {
	// ConstructType builds (or fetches the cached) host type object for
	// this descriptor, rooted via target.
	ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error)
	// BaseType returns the unparameterized family this descriptor belongs
	// to, if any (e.g. "Array" for "Array{Float32,2}").
	BaseType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, bool)
	// Cacheable reports whether ConstructType's result should be interned
	// in the process-wide constructed-type cache, keyed by descriptor
	// identity.
	Cacheable() bool
}

var (
	cacheMu sync.RWMutex
	cache   = map[any]hostabi.RawPointer{}
)

// cached looks up or computes and stores the host pointer for key,
// guarding the process-wide constructed-type cache the same way
// binding.Slot guards a single static-binding cell, but keyed by an
// arbitrary comparable descriptor value rather than a path string.
func cached(key any, compute func() (hostabi.RawPointer, error)) (hostabi.RawPointer, error) {
	cacheMu.RLock()
	if p, ok := cache[key]; ok {
		cacheMu.RUnlock()
		return p, nil
	}
	cacheMu.RUnlock()

	p, err := compute()
	if err != nil {
		return 0, err
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if existing, ok := cache[key]; ok {
		return existing, nil
	}
	cache[key] = p
	return p, nil
}

// valueFor roots ptr into target and widens the result to a Value. Every
// constructor below funnels its final host pointer through this.
func valueFor(target rooting.Target, ptr hostabi.RawPointer) (Value, error) {
	rooted, err := target.Root(ptr)
	if err != nil {
		return Value{}, herr.Wrap(herr.RuntimeError, err, "root constructed type")
	}
	return managed.ValueOf(rooted), nil
}

// valueForOk is valueFor for BaseType's (Value, bool) return shape: a
// rooting failure degrades to "no base type" rather than a panic, since
// BaseType callers already treat ok=false as "nothing to report".
func valueForOk(target rooting.Target, ptr hostabi.RawPointer) (Value, bool) {
	v, err := valueFor(target, ptr)
	if err != nil {
		return Value{}, false
	}
	return v, true
}

// primLookup is the narrow seam between this package and the host
// runtime's primitive-type lookup; hosttest.Runtime implements it in
// tests, and a real adapter would call the host's named-lookup primitive.
type primLookup interface {
	PrimType(name string) hostabi.RawPointer
}

func primType(rt hostabi.Runtime, name string) (hostabi.RawPointer, error) {
	pl, ok := rt.(primLookup)
	if !ok {
		return 0, herr.New(herr.RuntimeError, "host runtime does not support primitive type lookup")
	}
	return pl.PrimType(name), nil
}

// Primitive is a concrete primitive type descriptor: booleans, signed and
// unsigned integers of each width, floats, chars, and the unsafe-pointer
// type all share this one shape — a fixed host primitive-type lookup with
// no parameters.
type Primitive struct {
	// Name is the host-side primitive type name, e.g. "Int64", "Float32",
	// "Bool", "Char", "Ptr".
	Name string
}

func (p Primitive) Cacheable() bool { return true }

func (p Primitive) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	ptr, err := cached(p, func() (hostabi.RawPointer, error) {
		return primType(rt, p.Name)
	})
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func (p Primitive) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

// ConstGeneric describes a const-generic family parameterized by a value
// of type V (e.g. an array's compile-time rank), per spec section 4.D:
// "construct_type boxes the const into a host value usable as a type
// parameter."
type ConstGeneric[V comparable] struct {
	Value V
	// Box converts the Go value into a host value pointer suitable for use
	// as a type parameter (e.g. boxing an int as the host's Int64).
	Box func(rt hostabi.Runtime, ptls hostabi.RawPointer, v V) (hostabi.RawPointer, error)
}

func (c ConstGeneric[V]) Cacheable() bool { return true }

func (c ConstGeneric[V]) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	ptr, err := cached(constGenericKey[V]{value: c.Value}, func() (hostabi.RawPointer, error) {
		return c.Box(rt, ptls, c.Value)
	})
	if err != nil {
		return Value{}, err
	}
	return valueFor(target, ptr)
}

func (c ConstGeneric[V]) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

type constGenericKey[V comparable] struct {
	value V
}

// TypeVar is a type-variable descriptor: a name plus lower and upper
// bounds, defaulting to the empty bottom and universal top per spec
// section 4.D.
type TypeVar struct {
	Name  string
	Lower Descriptor // nil means the empty bottom type
	Upper Descriptor // nil means the universal top type
}

func (tv TypeVar) Cacheable() bool { return false }

type typeVarBuilder interface {
	NewTypeVar(name string, lower, upper hostabi.RawPointer) (hostabi.RawPointer, error)
}

func (tv TypeVar) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	var lowerPtr, upperPtr hostabi.RawPointer
	if tv.Lower != nil {
		lv, err := tv.Lower.ConstructType(rooting.Shared{Inner: target}, rt, ptls)
		if err != nil {
			return Value{}, err
		}
		if lowerPtr, err = lv.Pointer(); err != nil {
			return Value{}, err
		}
	}
	if tv.Upper != nil {
		uv, err := tv.Upper.ConstructType(rooting.Shared{Inner: target}, rt, ptls)
		if err != nil {
			return Value{}, err
		}
		if upperPtr, err = uv.Pointer(); err != nil {
			return Value{}, err
		}
	}
	tb, ok := rt.(typeVarBuilder)
	if !ok {
		return Value{}, herr.New(herr.RuntimeError, "host runtime does not support type-variable construction")
	}
	ptr, err := tb.NewTypeVar(tv.Name, lowerPtr, upperPtr)
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "construct type variable %q", tv.Name)
	}
	return valueFor(target, ptr)
}

func (tv TypeVar) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

// Applied is the applied-parametric constructor (spec section 4.D):
// recursively constructs each parameter then invokes the host's
// apply-type primitive on Base.
type Applied struct {
	Base   hostabi.RawPointer // the unparameterized family, e.g. Array's UnionAll
	Params []Descriptor
}

func (a Applied) Cacheable() bool { return true }

func (a Applied) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	paramPtrs, err := constructAll(target, rt, ptls, a.Params)
	if err != nil {
		return Value{}, err
	}
	ptr, err := rt.ApplyType(ptls, a.Base, paramPtrs)
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "apply type")
	}
	return valueFor(target, ptr)
}

func (a Applied) BaseType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, bool) {
	return valueForOk(target, a.Base)
}

// constructAll constructs each descriptor in ds, sharing rather than
// consuming target (each element's handle only needs to live long enough
// to read its pointer before being passed to the host's builder
// primitive).
func constructAll(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, ds []Descriptor) ([]hostabi.RawPointer, error) {
	ptrs := make([]hostabi.RawPointer, len(ds))
	for i, d := range ds {
		v, err := d.ConstructType(rooting.Shared{Inner: target}, rt, ptls)
		if err != nil {
			return nil, err
		}
		ptr, err := v.Pointer()
		if err != nil {
			return nil, err
		}
		ptrs[i] = ptr
	}
	return ptrs, nil
}

// TupleOf constructs a host tuple type from N element descriptors (spec
// section 4.D "Tuple-of-N").
type TupleOf struct {
	Elements []Descriptor
}

func (t TupleOf) Cacheable() bool { return true }

type tupleBuilder interface {
	NewTupleType(elems []hostabi.RawPointer) (hostabi.RawPointer, error)
}

func (t TupleOf) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	elemPtrs, err := constructAll(target, rt, ptls, t.Elements)
	if err != nil {
		return Value{}, err
	}
	tb, ok := rt.(tupleBuilder)
	if !ok {
		return Value{}, herr.New(herr.RuntimeError, "host runtime does not support tuple type construction")
	}
	ptr, err := tb.NewTupleType(elemPtrs)
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "construct tuple type of arity %d", len(t.Elements))
	}
	return valueFor(target, ptr)
}

func (t TupleOf) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

// PtrTo and RefTo apply the host's Ptr/Ref family to a constructed
// element type (spec section 4.D "Pointer and reference constructors").
type PtrTo struct{ Elem Descriptor }
type RefTo struct{ Elem Descriptor }

func (p PtrTo) Cacheable() bool { return true }
func (r RefTo) Cacheable() bool { return true }

func (p PtrTo) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	return applyFamily(target, rt, ptls, p.Elem, "Ptr")
}
func (p PtrTo) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

func (r RefTo) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	return applyFamily(target, rt, ptls, r.Elem, "Ref")
}
func (r RefTo) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

func applyFamily(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, elem Descriptor, familyName string) (Value, error) {
	ev, err := elem.ConstructType(rooting.Shared{Inner: target}, rt, ptls)
	if err != nil {
		return Value{}, err
	}
	elemPtr, err := ev.Pointer()
	if err != nil {
		return Value{}, err
	}
	family, err := primType(rt, familyName)
	if err != nil {
		return Value{}, err
	}
	ptr, err := rt.ApplyType(ptls, family, []hostabi.RawPointer{elemPtr})
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "apply %s family", familyName)
	}
	return valueFor(target, ptr)
}

// Union constructs the host union of two or more member types (spec
// section 4.D: "larger unions nest").
type Union struct {
	Members []Descriptor
}

func (u Union) Cacheable() bool { return true }

func (u Union) ConstructType(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer) (Value, error) {
	if len(u.Members) == 0 {
		return Value{}, herr.New(herr.InstantiationError, "union of zero members")
	}
	memberPtrs, err := constructAll(target, rt, ptls, u.Members)
	if err != nil {
		return Value{}, err
	}
	ptr, err := rt.ConstructUnion(ptls, memberPtrs)
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "construct union of %d members", len(u.Members))
	}
	return valueFor(target, ptr)
}

func (u Union) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

// Env maps free type-variable names to already-constructed type handles,
// for ConstructTypeWithEnv (spec section 4.D: "used to resolve free type
// parameters appearing in signatures").
type Env map[string]hostabi.RawPointer

// EnvAware is implemented by descriptors that can resolve a free type
// variable from an Env instead of constructing it themselves (e.g. a
// VarRef appearing inside a larger signature).
type EnvAware interface {
	Descriptor
	ConstructTypeWithEnv(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, env Env) (Value, error)
}

// VarRef is a reference to a type variable by name, resolved from an Env;
// its plain ConstructType errors, since a bare VarRef has no meaning
// outside an environment.
type VarRef struct {
	Name string
}

func (v VarRef) Cacheable() bool { return false }

func (v VarRef) ConstructType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, error) {
	return Value{}, herr.New(herr.TypeError, "type variable %q used outside of ConstructTypeWithEnv", v.Name)
}

func (v VarRef) BaseType(rooting.Target, hostabi.Runtime, hostabi.RawPointer) (Value, bool) {
	return Value{}, false
}

func (v VarRef) ConstructTypeWithEnv(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, env Env) (Value, error) {
	ptr, ok := env[v.Name]
	if !ok {
		return Value{}, herr.New(herr.TypeError, "type variable %q not bound in environment", v.Name)
	}
	return valueFor(target, ptr)
}

// ConstructTypeWithEnv constructs d's host type object, resolving any
// EnvAware descriptor (e.g. VarRef) against env rather than recursing
// into its normal ConstructType. Descriptors that are not EnvAware fall
// back to their ordinary ConstructType.
func ConstructTypeWithEnv(d Descriptor, target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, env Env) (Value, error) {
	if ea, ok := d.(EnvAware); ok {
		return ea.ConstructTypeWithEnv(target, rt, ptls, env)
	}
	return d.ConstructType(target, rt, ptls)
}

// TypeName wraps a raw type-object Value to report its name, a
// supplemented convenience accessor (DESIGN.md: grounded on
// gocore.Type.String()/Type.Name in the teacher).
type TypeName struct {
	v Value
}

// NameOf builds a TypeName wrapper over v.
func NameOf(v Value) TypeName { return TypeName{v: v} }

type namer interface {
	TypeName(ptr hostabi.RawPointer) (string, error)
}

// String calls the host's type-naming primitive.
func (n TypeName) String(rt hostabi.Runtime) (string, error) {
	ptr, err := n.v.Pointer()
	if err != nil {
		return "", err
	}
	nm, ok := rt.(namer)
	if !ok {
		return "", herr.New(herr.RuntimeError, "host runtime does not support type naming")
	}
	return nm.TypeName(ptr)
}

// UnionAll wraps a parametric family's unapplied (UnionAll-like) type
// object, giving Applied's Base field something to point at with a
// readable accessor (DESIGN.md: supplemented from union_all.rs).
type UnionAll struct {
	v Value
}

// UnionAllOf builds a UnionAll wrapper over v.
func UnionAllOf(v Value) UnionAll { return UnionAll{v: v} }

// Pointer returns the wrapped family's raw pointer.
func (u UnionAll) Pointer() (hostabi.RawPointer, error) { return u.v.Pointer() }

// Apply constructs this family applied to params, delegating to Applied.
func (u UnionAll) Apply(target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, params ...Descriptor) (Value, error) {
	base, err := u.Pointer()
	if err != nil {
		return Value{}, err
	}
	return Applied{Base: base, Params: params}.ConstructType(target, rt, ptls)
}
