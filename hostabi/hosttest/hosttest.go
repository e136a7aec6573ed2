// Package hosttest is a small in-memory fake of a host runtime, used by
// every other package's tests instead of linking against a real
// scientific runtime's shared library. It implements hostabi.Runtime with
// just enough semantics to drive the round-trips and scenarios in
// spec.md section 8 ("TESTABLE PROPERTIES"): boxing/unboxing primitives,
// a mark-sweep collector that walks installed root stacks and foreign
// mark callbacks, modules with globals and callable functions that can
// raise, and type construction (primitives, structs, applied parametric
// types, unions).
package hosttest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/layout"
)

// Kind distinguishes the payload shape of a fake host object.
type Kind int

const (
	KindType Kind = iota
	KindModule
	KindFunc
	KindSymbol
	KindPrimitive
	KindStruct
	KindForeign
	KindUnion
	KindUnionAll
	KindTypeVar
)

// Obj is one heap object in the fake host.
type Obj struct {
	Kind Kind
	Type hostabi.RawPointer // the object's type, or 0 for type objects themselves

	// KindType payload:
	TypeName    string
	TypeSize    uintptr
	TypeFields  []Field
	TypeLarge   bool
	TypeHasPtrs bool
	TypeMark    hostabi.MarkFunc
	TypeBase    hostabi.RawPointer   // for an applied type, its unapplied family
	TypeParams  []hostabi.RawPointer // for an applied type, its parameters
	TypeVariants []hostabi.RawPointer // for a union
	TypeIsPrimitive bool

	// KindModule payload:
	Globals map[string]hostabi.RawPointer

	// KindFunc payload:
	Fn func(args []hostabi.RawPointer) (hostabi.RawPointer, error)

	// KindSymbol payload:
	SymName string

	// KindPrimitive payload: raw bit pattern, width taken from Type.
	Bits uint64

	// KindStruct payload: field values, in field-declaration order.
	FieldVals []hostabi.RawPointer

	// KindForeign payload: the boxed Go value and its field pointer (for
	// Wrap-style types containing one host reference, per scenario 6).
	Foreign    any
	ForeignRef hostabi.RawPointer

	marked bool
}

// Runtime is the fake hostabi.Runtime.
type Runtime struct {
	mu      sync.Mutex
	objects map[hostabi.RawPointer]*Obj
	next    uint64

	rootWalkers map[hostabi.RawPointer][]func() []hostabi.RawPointer

	ptlsSeq    uint64
	gcSafe     map[hostabi.RawPointer]hostabi.GCSafeState
	exception  map[hostabi.RawPointer]hostabi.RawPointer
	errorColor bool
	included   []string

	// Types for every primitive width this module constructs, keyed by
	// name, created lazily and cached so repeated ConstructType calls on
	// the same primitive return the same type object (required for
	// "layout validity" comparisons by pointer identity).
	primTypes map[string]hostabi.RawPointer

	main, base, core hostabi.RawPointer
	pkgRoots         map[string]hostabi.RawPointer
	exprs            map[string]hostabi.RawPointer

	collectCount int
}

// New returns a fake host with Main/Base/Core modules pre-populated.
func New() *Runtime {
	r := &Runtime{
		objects:     make(map[hostabi.RawPointer]*Obj),
		rootWalkers: make(map[hostabi.RawPointer][]func() []hostabi.RawPointer),
		gcSafe:      make(map[hostabi.RawPointer]hostabi.GCSafeState),
		exception:   make(map[hostabi.RawPointer]hostabi.RawPointer),
		primTypes:   make(map[string]hostabi.RawPointer),
		pkgRoots:    make(map[string]hostabi.RawPointer),
		exprs:       make(map[string]hostabi.RawPointer),
	}
	r.main = r.newObj(&Obj{Kind: KindModule, Globals: map[string]hostabi.RawPointer{}})
	r.base = r.newObj(&Obj{Kind: KindModule, Globals: map[string]hostabi.RawPointer{}})
	r.core = r.newObj(&Obj{Kind: KindModule, Globals: map[string]hostabi.RawPointer{}})
	return r
}

func (r *Runtime) newObj(o *Obj) hostabi.RawPointer {
	r.next++
	addr := hostabi.RawPointer(r.next)
	r.objects[addr] = o
	return addr
}

// Obj looks up a live object by address; used by tests to assert on
// internal state without going through the Runtime interface.
func (r *Runtime) Obj(p hostabi.RawPointer) *Obj {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[p]
}

// CollectCount reports how many times Collect has run, for tests that
// want to assert a GC actually happened.
func (r *Runtime) CollectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectCount
}

// --- thread adoption & GC-safe transitions -------------------------------

func (r *Runtime) AdoptThread() (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ptlsSeq++
	ptls := hostabi.RawPointer(1<<32 | r.ptlsSeq)
	r.gcSafe[ptls] = hostabi.GCUnsafe
	return ptls, nil
}

func (r *Runtime) CurrentTask() hostabi.RawPointer {
	return 0
}

func (r *Runtime) InstallRootStack(ptls hostabi.RawPointer, walk func() []hostabi.RawPointer) func() {
	r.mu.Lock()
	r.rootWalkers[ptls] = append(r.rootWalkers[ptls], walk)
	idx := len(r.rootWalkers[ptls]) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rootWalkers[ptls][idx] = nil
	}
}

func (r *Runtime) GCSafeEnter(ptls hostabi.RawPointer) hostabi.GCSafeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.gcSafe[ptls]
	r.gcSafe[ptls] = hostabi.GCSafe
	return prev
}

func (r *Runtime) GCSafeLeave(ptls hostabi.RawPointer, prev hostabi.GCSafeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcSafe[ptls] = prev
}

func (r *Runtime) WriteBarrier(ptls hostabi.RawPointer, owner, newChild hostabi.RawPointer) {
	// The fake GC rescans every live object's recorded pointers on each
	// Collect instead of maintaining a remembered set, so no bookkeeping
	// is required here; real adapters forward to the host's barrier.
}

func (r *Runtime) MarkQueueObj(ptls hostabi.RawPointer, obj hostabi.RawPointer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markLocked(obj)
}

func (r *Runtime) MarkQueueObjArray(ptls hostabi.RawPointer, begin, end hostabi.RawPointer) int {
	n := 0
	for a := begin; a <= end; a++ {
		n += r.MarkQueueObj(ptls, a)
	}
	return n
}

func (r *Runtime) ScheduleForeignSweep(ptls hostabi.RawPointer, obj hostabi.RawPointer) {}

// markLocked marks obj and, if it is a foreign-typed object with a mark
// callback, invokes that callback so it can queue further objects. Caller
// holds r.mu to access the map, but the mark callback itself calls back
// into MarkQueueObj which re-acquires... Go's sync.Mutex is not
// reentrant, so markLocked invokes the callback after releasing the lock.
func (r *Runtime) markLocked(addr hostabi.RawPointer) int {
	obj, ok := r.objects[addr]
	if !ok || obj.marked {
		return 0
	}
	obj.marked = true
	promoted := 1

	if obj.Kind == KindForeign {
		typ := r.objects[obj.Type]
		if typ != nil && typ.TypeHasPtrs && typ.TypeMark != nil {
			r.mu.Unlock()
			typ.TypeMark(0, addr)
			r.mu.Lock()
		}
	}
	for _, p := range obj.FieldVals {
		if !p.IsNil() {
			promoted += r.markLocked(p)
		}
	}
	if !obj.ForeignRef.IsNil() {
		promoted += r.markLocked(obj.ForeignRef)
	}
	return promoted
}

// Collect runs a stop-the-world mark-sweep: mark every root-reachable
// object (including via foreign mark callbacks), then drop anything
// unmarked. full is accepted for interface parity with a real host but
// this fake always does a full collection.
func (r *Runtime) Collect(full bool) {
	r.mu.Lock()
	for _, o := range r.objects {
		o.marked = false
	}
	var roots []hostabi.RawPointer
	for _, walkers := range r.rootWalkers {
		for _, w := range walkers {
			if w == nil {
				continue
			}
			roots = append(roots, w()...)
		}
	}
	for _, addr := range roots {
		if !addr.IsNil() {
			r.markLocked(addr)
		}
	}
	for addr, o := range r.objects {
		if !o.marked && o.Kind != KindModule && o.Kind != KindType {
			delete(r.objects, addr)
		}
	}
	r.collectCount++
	r.mu.Unlock()
}

// --- allocation -----------------------------------------------------------

func (r *Runtime) AllocTyped(ptls hostabi.RawPointer, size uintptr, typ hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newObj(&Obj{Kind: KindStruct, Type: typ}), nil
}

// BoxPrimitive stores bits as an instance of the named primitive type
// (registered via RegisterPrimitiveType or one of the built-ins this fake
// seeds lazily).
func (r *Runtime) BoxPrimitive(typeName string, bits uint64) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	typ := r.primTypeLocked(typeName)
	return r.newObj(&Obj{Kind: KindPrimitive, Type: typ, Bits: bits})
}

// Unbox reads the bit pattern back out of a primitive instance.
func (r *Runtime) Unbox(p hostabi.RawPointer) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[p]
	if !ok || o.Kind != KindPrimitive {
		return 0, false
	}
	return o.Bits, true
}

func (r *Runtime) primTypeLocked(name string) hostabi.RawPointer {
	if t, ok := r.primTypes[name]; ok {
		return t
	}
	t := r.newObj(&Obj{Kind: KindType, TypeName: name, TypeIsPrimitive: true})
	r.primTypes[name] = t
	return t
}

// PrimType exposes primTypeLocked for descriptor implementations in the
// types package to resolve a canonical primitive type object.
func (r *Runtime) PrimType(name string) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primTypeLocked(name)
}

// --- foreign types ----------------------------------------------------

func (r *Runtime) CreateForeignType(ptls hostabi.RawPointer, name string, module hostabi.RawPointer, size uintptr, large, hasPointers bool, mark hostabi.MarkFunc) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.primTypes["foreign:"+name]; ok {
		return t, nil
	}
	t := r.newObj(&Obj{
		Kind:        KindType,
		TypeName:    name,
		TypeSize:    size,
		TypeLarge:   large,
		TypeHasPtrs: hasPointers,
		TypeMark:    mark,
	})
	r.primTypes["foreign:"+name] = t
	return t, nil
}

// CreateForeignTypeWithSupertype is CreateForeignType plus recording the
// declared supertype in TypeBase, for foreign.Type's Supertype field.
func (r *Runtime) CreateForeignTypeWithSupertype(ptls hostabi.RawPointer, name string, module hostabi.RawPointer, size uintptr, large, hasPointers bool, supertype hostabi.RawPointer, mark hostabi.MarkFunc) (hostabi.RawPointer, error) {
	r.mu.Lock()
	if t, ok := r.primTypes["foreign:"+name]; ok {
		r.mu.Unlock()
		return t, nil
	}
	t := r.newObj(&Obj{
		Kind:        KindType,
		TypeName:    name,
		TypeSize:    size,
		TypeLarge:   large,
		TypeHasPtrs: hasPointers,
		TypeMark:    mark,
		TypeBase:    supertype,
	})
	r.primTypes["foreign:"+name] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Runtime) ReinitForeignType(ptls hostabi.RawPointer, typ hostabi.RawPointer, mark hostabi.MarkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[typ]
	if !ok || o.Kind != KindType {
		return fmt.Errorf("hosttest: reinit of unknown type %s", typ)
	}
	o.TypeMark = mark
	return nil
}

// BoxForeign stores value as an instance of typ, with an optional pointer
// field (ForeignRef) for Wrap{inner ValueRef}-shaped types.
func (r *Runtime) BoxForeign(typ hostabi.RawPointer, value any, ref hostabi.RawPointer) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newObj(&Obj{Kind: KindForeign, Type: typ, Foreign: value, ForeignRef: ref})
}

// UnboxForeign retrieves the boxed Go value and its reference field back.
func (r *Runtime) UnboxForeign(p hostabi.RawPointer) (any, hostabi.RawPointer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[p]
	if !ok || o.Kind != KindForeign {
		return nil, 0, false
	}
	return o.Foreign, o.ForeignRef, true
}

// --- type construction --------------------------------------------------

func (r *Runtime) ApplyType(ptls hostabi.RawPointer, base hostabi.RawPointer, params []hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	baseObj, ok := r.objects[base]
	if !ok {
		return 0, fmt.Errorf("hosttest: apply_type on unknown base %s", base)
	}
	key := fmt.Sprintf("applied:%s:%v", baseObj.TypeName, params)
	if t, ok := r.primTypes[key]; ok {
		return t, nil
	}
	t := r.newObj(&Obj{
		Kind:     KindType,
		TypeName: fmt.Sprintf("%s{...}", baseObj.TypeName),
		TypeBase: base,
		TypeParams: append([]hostabi.RawPointer(nil), params...),
	})
	r.primTypes[key] = t
	return t, nil
}

func (r *Runtime) ConstructUnion(ptls hostabi.RawPointer, variants []hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.newObj(&Obj{Kind: KindUnion, TypeName: "Union", TypeVariants: append([]hostabi.RawPointer(nil), variants...)})
	return t, nil
}

// NewTypeVar registers a type-variable type object bounded by lower/upper
// (0 meaning the respective unbounded default), for types.TypeVar.
func (r *Runtime) NewTypeVar(name string, lower, upper hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.newObj(&Obj{
		Kind:       KindTypeVar,
		TypeName:   name,
		TypeParams: []hostabi.RawPointer{lower, upper},
	})
	return t, nil
}

// NewTupleType registers a tuple type object over elems, for
// types.TupleOf.
func (r *Runtime) NewTupleType(elems []hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.newObj(&Obj{
		Kind:       KindType,
		TypeName:   "Tuple",
		TypeParams: append([]hostabi.RawPointer(nil), elems...),
	})
	return t, nil
}

// TypeName reports the declared name of a type object, for
// types.TypeName.
func (r *Runtime) TypeName(p hostabi.RawPointer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[p]
	if !ok {
		return "", fmt.Errorf("hosttest: type_name of unknown object %s", p)
	}
	return o.TypeName, nil
}

func (r *Runtime) InternSymbol(name string) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := "sym:" + name
	if t, ok := r.primTypes[key]; ok {
		return t
	}
	t := r.newObj(&Obj{Kind: KindSymbol, SymName: name})
	r.primTypes[key] = t
	return t
}

// DefineStructType registers a concrete struct type with named fields, so
// layout validators can check it.
func (r *Runtime) DefineStructType(name string, fields []Field) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newObj(&Obj{Kind: KindType, TypeName: name, TypeFields: fields})
}

// NewStructValue allocates an instance of a struct type with the given
// field values, in declaration order.
func (r *Runtime) NewStructValue(typ hostabi.RawPointer, fieldVals []hostabi.RawPointer) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newObj(&Obj{Kind: KindStruct, Type: typ, FieldVals: fieldVals})
}

// Field describes one field of a fake struct type.
type Field struct {
	Name string
	Type hostabi.RawPointer
}

// --- layout introspection -------------------------------------------------

// IsPrimitiveType reports whether typ is the primitive type named name,
// for layout.Primitive.
func (r *Runtime) IsPrimitiveType(typ hostabi.RawPointer, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[typ]
	return ok && o.TypeIsPrimitive && o.TypeName == name
}

// StructFields reports the declared fields of a concrete struct type, for
// layout.ReprCStruct.
func (r *Runtime) StructFields(typ hostabi.RawPointer) ([]layout.FieldType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[typ]
	if !ok || o.Kind != KindType || o.TypeFields == nil {
		return nil, false
	}
	out := make([]layout.FieldType, len(o.TypeFields))
	for i, f := range o.TypeFields {
		out[i] = layout.FieldType{Name: f.Name, Type: f.Type}
	}
	return out, true
}

// IsManagedRefField reports whether typ is a pointer-backed (non-
// primitive) concrete type, for layout.ManagedRefField.
func (r *Runtime) IsManagedRefField(typ hostabi.RawPointer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[typ]
	return ok && o.Kind == KindType && !o.TypeIsPrimitive
}

// BitsUnionLayout reports the variant set of a union type object, for
// layout.BitsUnionField. The fake has no real byte-offset concept, so it
// only models the variant set.
func (r *Runtime) BitsUnionLayout(typ hostabi.RawPointer) (layout.BitsUnionType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[typ]
	if !ok || o.Kind != KindUnion {
		return layout.BitsUnionType{}, false
	}
	return layout.BitsUnionType{Variants: append([]hostabi.RawPointer(nil), o.TypeVariants...)}, true
}

// --- calling --------------------------------------------------------------

// DefineFunc registers fn as a callable host function under name within
// module (pass 0 for the Main module), returning the function object's
// address for use as a static binding target.
func (r *Runtime) DefineFunc(module hostabi.RawPointer, name string, fn func(args []hostabi.RawPointer) (hostabi.RawPointer, error)) hostabi.RawPointer {
	r.mu.Lock()
	if module.IsNil() {
		module = r.main
	}
	addr := r.newObj(&Obj{Kind: KindFunc, Fn: fn})
	r.objects[module].Globals[name] = addr
	r.mu.Unlock()
	return addr
}

// callLocked looks fn up with r.mu held, then runs its body with r.mu
// released: function bodies call back into the runtime (BoxPrimitive and
// the like) and Go's sync.Mutex is not reentrant.
func (r *Runtime) callLocked(fn hostabi.RawPointer, args []hostabi.RawPointer) (hostabi.RawPointer, error) {
	obj, ok := r.objects[fn]
	if !ok || obj.Kind != KindFunc {
		return 0, fmt.Errorf("hosttest: call on non-function %s", fn)
	}
	r.mu.Unlock()
	defer r.mu.Lock()
	return obj.Fn(args)
}

func (r *Runtime) Call(ptls hostabi.RawPointer, fn hostabi.RawPointer, args []hostabi.RawPointer) (hostabi.RawPointer, error) {
	r.mu.Lock()
	res, err := r.callLocked(fn, args)
	r.mu.Unlock()
	if err != nil {
		exc := r.newObj(&Obj{Kind: KindForeign, Foreign: err})
		r.mu.Lock()
		r.exception[ptls] = exc
		r.mu.Unlock()
		return 0, &hostabi.ExceptionError{Value: exc}
	}
	return res, nil
}

func (r *Runtime) Call0(ptls hostabi.RawPointer, fn hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, nil)
}
func (r *Runtime) Call1(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0})
}
func (r *Runtime) Call2(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0, a1 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0, a1})
}
func (r *Runtime) Call3(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0, a1, a2 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0, a1, a2})
}

func (r *Runtime) KeywordSorter(fn hostabi.RawPointer) (hostabi.RawPointer, error) {
	return fn, nil
}

func (r *Runtime) ExceptionOccurred(ptls hostabi.RawPointer) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exception[ptls]
}

// --- modules ----------------------------------------------------------

func (r *Runtime) MainModule() hostabi.RawPointer { return r.main }
func (r *Runtime) BaseModule() hostabi.RawPointer { return r.base }
func (r *Runtime) CoreModule() hostabi.RawPointer { return r.core }

func (r *Runtime) PackageRoot(name string) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pkgRoots[name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("hosttest: no package root named %q", name)
}

// DefinePackageRoot registers a package-root module (for paths like
// "SomePackage.Foo").
func (r *Runtime) DefinePackageRoot(name string) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.newObj(&Obj{Kind: KindModule, Globals: map[string]hostabi.RawPointer{}})
	r.pkgRoots[name] = m
	return m
}

// SetGlobal installs a pre-existing value as a global under name in
// module (0 means Main), for paths that aren't functions.
func (r *Runtime) SetGlobal(module hostabi.RawPointer, name string, value hostabi.RawPointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if module.IsNil() {
		module = r.main
	}
	r.objects[module].Globals[name] = value
}

// Submodule returns (or lazily creates) a nested module under parent named
// name, so "Main.Sub.Name" paths resolve.
func (r *Runtime) Submodule(parent hostabi.RawPointer, name string) hostabi.RawPointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.objects[parent]
	if existing, ok := p.Globals[name]; ok {
		if m := r.objects[existing]; m != nil && m.Kind == KindModule {
			return existing
		}
	}
	m := r.newObj(&Obj{Kind: KindModule, Globals: map[string]hostabi.RawPointer{}})
	p.Globals[name] = m
	return m
}

// Resolve walks a dotted path starting from a root module the way the
// real host would for binding.Slot.GetOrInit, returning the address of
// the final global.
func (r *Runtime) Resolve(root hostabi.RawPointer, path []string) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := root
	for i, part := range path {
		obj := r.objects[cur]
		if obj == nil || obj.Kind != KindModule {
			return 0, fmt.Errorf("hosttest: %q is not a module", part)
		}
		next, ok := obj.Globals[part]
		if !ok {
			return 0, fmt.Errorf("hosttest: no member %q", part)
		}
		if i == len(path)-1 {
			return next, nil
		}
		cur = next
	}
	return 0, fmt.Errorf("hosttest: empty path")
}

// DefineExpr registers a fake expression string so Eval can resolve it,
// for binding.ExprSlot tests.
func (r *Runtime) DefineExpr(expr string, result hostabi.RawPointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exprs[expr] = result
}

// Eval resolves a previously-registered expression string, for
// binding.ExprSlot.GetOrEval.
func (r *Runtime) Eval(ptls hostabi.RawPointer, expr string) (hostabi.RawPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.exprs[expr]
	if !ok {
		return 0, fmt.Errorf("hosttest: no registered result for expression %q", expr)
	}
	return p, nil
}

func (r *Runtime) Include(ptls hostabi.RawPointer, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.included = append(r.included, path)
	return nil
}

// Included returns every path passed to Include, in order.
func (r *Runtime) Included() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.included...)
}

func (r *Runtime) SetErrorColor(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorColor = enabled
}

func (r *Runtime) ErrorColor() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorColor
}

var _ hostabi.Runtime = (*Runtime)(nil)

// LiveCount reports the number of objects still present (used by GC
// survival tests).
func (r *Runtime) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

var seq atomic.Uint64

// UniqueBufferID hands out process-wide unique buffer identities for
// ledger borrow tests.
func UniqueBufferID() uint64 {
	return seq.Add(1)
}
