package foreign_test

import (
	"testing"

	"github.com/nimbus-embed/hostrt/foreign"
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/hostabi/hosttest"
	"github.com/nimbus-embed/hostrt/rooting"
)

type point struct{ X, Y float64 }

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

func TestCreateForeignTypeIsIdempotent(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	desc := foreign.Type[point]{Name: "Point", Size: 16}
	v1, err := foreign.CreateForeignType(f, rt, ptls, desc)
	if err != nil {
		t.Fatalf("first CreateForeignType: %v", err)
	}
	v2, err := foreign.CreateForeignType(f, rt, ptls, desc)
	if err != nil {
		t.Fatalf("second CreateForeignType: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("repeated registration of point returned different types: %v vs %v", p1, p2)
	}
	if !foreign.Registered[point]() {
		t.Fatal("Registered[point] should report true after CreateForeignType")
	}
}

func TestDistinctGoTypesGetDistinctRegistrations(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	// Both types are local to this test: the registry is process-global, so
	// a type an earlier test registered would resolve to that test's fake
	// runtime's address rather than a fresh registration in this one.
	type first struct{ X, Y float64 }
	type other struct{ Z int64 }

	v1, err := foreign.CreateForeignType(f, rt, ptls, foreign.Type[first]{Name: "Point", Size: 16})
	if err != nil {
		t.Fatalf("CreateForeignType[first]: %v", err)
	}
	v2, err := foreign.CreateForeignType(f, rt, ptls, foreign.Type[other]{Name: "Other", Size: 8})
	if err != nil {
		t.Fatalf("CreateForeignType[other]: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 == p2 {
		t.Fatal("distinct Go types should register distinct host types")
	}
}

func TestReinitRequiresPriorRegistration(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	type unregistered struct{}
	_, err := foreign.Reinit[unregistered](f, rt, ptls, nil)
	if err == nil {
		t.Fatal("Reinit on an unregistered type should error")
	}
}

func TestReinitUpdatesMarkCallback(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	// A type local to this test, so the registration (and the Reinit that
	// follows) lands in this test's fake runtime.
	type marked struct{ X, Y float64 }

	called := false
	_, err := foreign.CreateForeignType(f, rt, ptls, foreign.Type[marked]{
		Name: "Point", Size: 16, HasPointers: true,
		Mark: func(hostabi.RawPointer, hostabi.RawPointer) int { return 0 },
	})
	if err != nil {
		t.Fatalf("CreateForeignType: %v", err)
	}
	v, err := foreign.Reinit[marked](f, rt, ptls, func(hostabi.RawPointer, hostabi.RawPointer) int {
		called = true
		return 0
	})
	if err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	p, _ := v.Pointer()
	obj := rt.Obj(p)
	obj.TypeMark(0, 0)
	if !called {
		t.Fatal("Reinit's new mark callback was not installed")
	}
}

// TestForeignWithHostRefsSurvivesGC is spec.md section 8 scenario 6: a
// foreign type holding a host reference (ValueRef-analogue) must advertise
// that reference during mark, or the referenced host value is collected
// out from under it.
func TestForeignWithHostRefsSurvivesGC(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	type wrap struct{ Inner hostabi.RawPointer }

	v, err := foreign.CreateForeignType(f, rt, ptls, foreign.Type[wrap]{
		Name: "Wrap", Size: 8, HasPointers: true,
		Mark: func(markPtls, data hostabi.RawPointer) int {
			_, inner, _ := rt.UnboxForeign(data)
			return rt.MarkQueueObj(markPtls, inner)
		},
	})
	if err != nil {
		t.Fatalf("CreateForeignType: %v", err)
	}
	typ, _ := v.Pointer()

	inner := rt.BoxPrimitive("Float64", 1)
	boxed := rt.BoxForeign(typ, wrap{Inner: inner}, inner)

	if _, err := f.Root(boxed); err != nil {
		t.Fatalf("Root: %v", err)
	}

	rt.Collect(true)

	_, _, ok := rt.UnboxForeign(boxed)
	if !ok {
		t.Fatal("Wrap instance did not survive collection")
	}
	if _, unboxOk := rt.Unbox(inner); !unboxOk {
		t.Fatal("inner Float64 value did not survive collection: mark did not advertise it")
	}
}
