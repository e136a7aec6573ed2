package types_test

import (
	"testing"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/hostabi/hosttest"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/rooting"
	"github.com/nimbus-embed/hostrt/types"
)

func newFrame(t *testing.T) (*hosttest.Runtime, hostabi.RawPointer, *rooting.Frame) {
	t.Helper()
	rt := hosttest.New()
	s, err := rooting.NewStack(rt, rooting.StackOptions{})
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	f := rooting.RootFrame(s)
	return rt, hostabi.RawPointer(1), f
}

func TestPrimitiveConstructIsCachedByIdentity(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	d := types.Primitive{Name: "Int64"}
	v1, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("first ConstructType: %v", err)
	}
	v2, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("second ConstructType: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("repeated Primitive.ConstructType returned different pointers: %v vs %v", p1, p2)
	}
}

func TestConstGenericBoxesValue(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	d := types.ConstGeneric[int64]{
		Value: 2,
		Box: func(rt hostabi.Runtime, ptls hostabi.RawPointer, v int64) (hostabi.RawPointer, error) {
			return rt.(*hosttest.Runtime).BoxPrimitive("Int64", uint64(v)), nil
		},
	}
	v, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("ConstructType: %v", err)
	}
	p, err := v.Pointer()
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	bits, ok := rt.Unbox(p)
	if !ok || bits != 2 {
		t.Fatalf("Unbox = (%v, %v), want (2, true)", bits, ok)
	}
}

func TestTypeVarDefaultBounds(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	d := types.TypeVar{Name: "T"}
	v, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("ConstructType: %v", err)
	}
	p, err := v.Pointer()
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	obj := rt.Obj(p)
	if obj == nil || obj.Kind != hosttest.KindTypeVar {
		t.Fatalf("type var object = %+v, want KindTypeVar", obj)
	}
	if obj.TypeParams[0] != 0 || obj.TypeParams[1] != 0 {
		t.Fatalf("default bounds = %v, want (0, 0)", obj.TypeParams)
	}
}

func TestAppliedRecursesIntoParams(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	family := rt.DefineStructType("Array", nil)
	d := types.Applied{
		Base: family,
		Params: []types.Descriptor{
			types.Primitive{Name: "Float32"},
			types.ConstGeneric[int64]{
				Value: 2,
				Box: func(rt hostabi.Runtime, ptls hostabi.RawPointer, v int64) (hostabi.RawPointer, error) {
					return rt.(*hosttest.Runtime).BoxPrimitive("Int64", uint64(v)), nil
				},
			},
		},
	}
	v1, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("first ConstructType: %v", err)
	}
	v2, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("second ConstructType: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("Applied{...} with identical params should hit the host's apply cache: %v vs %v", p1, p2)
	}

	base, ok := d.BaseType(f, rt, ptls)
	if !ok {
		t.Fatal("BaseType should report ok=true for Applied")
	}
	basePtr, _ := base.Pointer()
	if basePtr != family {
		t.Fatalf("BaseType pointer = %v, want %v", basePtr, family)
	}
}

func TestTupleOfArity(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	d := types.TupleOf{Elements: []types.Descriptor{
		types.Primitive{Name: "Int64"},
		types.Primitive{Name: "Float64"},
		types.Primitive{Name: "Bool"},
	}}
	v, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("ConstructType: %v", err)
	}
	p, _ := v.Pointer()
	obj := rt.Obj(p)
	if len(obj.TypeParams) != 3 {
		t.Fatalf("tuple arity = %d, want 3", len(obj.TypeParams))
	}
}

func TestPtrToAndRefTo(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	pv, err := (types.PtrTo{Elem: types.Primitive{Name: "Int64"}}).ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("PtrTo.ConstructType: %v", err)
	}
	rv, err := (types.RefTo{Elem: types.Primitive{Name: "Int64"}}).ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("RefTo.ConstructType: %v", err)
	}
	pp, _ := pv.Pointer()
	rp, _ := rv.Pointer()
	if pp == rp {
		t.Fatal("Ptr{Int64} and Ref{Int64} should be distinct type objects")
	}
}

func TestUnionOfZeroMembersErrors(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	_, err := (types.Union{}).ConstructType(f, rt, ptls)
	if !herr.Is(err, herr.InstantiationError) {
		t.Fatalf("Union{} error = %v, want InstantiationError", err)
	}
}

func TestUnionNestsLargerSets(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	d := types.Union{Members: []types.Descriptor{
		types.Primitive{Name: "Int64"},
		types.Primitive{Name: "Float64"},
		types.Primitive{Name: "Bool"},
	}}
	v, err := d.ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("ConstructType: %v", err)
	}
	p, _ := v.Pointer()
	obj := rt.Obj(p)
	if len(obj.TypeVariants) != 3 {
		t.Fatalf("union variants = %d, want 3", len(obj.TypeVariants))
	}
}

func TestConstructTypeWithEnvResolvesVarRef(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	intType, err := (types.Primitive{Name: "Int64"}).ConstructType(f, rt, ptls)
	if err != nil {
		t.Fatalf("Primitive.ConstructType: %v", err)
	}
	intPtr, _ := intType.Pointer()

	env := types.Env{"T": intPtr}
	v, err := types.ConstructTypeWithEnv(types.VarRef{Name: "T"}, f, rt, ptls, env)
	if err != nil {
		t.Fatalf("ConstructTypeWithEnv: %v", err)
	}
	p, _ := v.Pointer()
	if p != intPtr {
		t.Fatalf("resolved VarRef pointer = %v, want %v", p, intPtr)
	}
}

func TestConstructTypeWithEnvMissingBindingErrors(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	_, err := types.ConstructTypeWithEnv(types.VarRef{Name: "Missing"}, f, rt, ptls, types.Env{})
	if !herr.Is(err, herr.TypeError) {
		t.Fatalf("error = %v, want TypeError", err)
	}
}

func TestBareVarRefErrorsOutsideEnv(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	_, err := (types.VarRef{Name: "T"}).ConstructType(f, rt, ptls)
	if !herr.Is(err, herr.TypeError) {
		t.Fatalf("error = %v, want TypeError", err)
	}
}

func TestTypeNameAndUnionAllAccessors(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	family := rt.DefineStructType("Array", nil)
	v, ok := (types.Applied{Base: family}).BaseType(f, rt, ptls)
	if !ok {
		t.Fatal("BaseType should report ok=true")
	}

	name, nameErr := types.NameOf(v).String(rt)
	if nameErr != nil {
		t.Fatalf("TypeName.String: %v", nameErr)
	}
	if name != "Array" {
		t.Fatalf("name = %q, want %q", name, "Array")
	}

	ua := types.UnionAllOf(v)
	applied, applyErr := ua.Apply(f, rt, ptls, types.Primitive{Name: "Float32"})
	if applyErr != nil {
		t.Fatalf("UnionAll.Apply: %v", applyErr)
	}
	if _, perr := applied.Pointer(); perr != nil {
		t.Fatalf("applied.Pointer: %v", perr)
	}
}
