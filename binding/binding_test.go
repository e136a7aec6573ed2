package binding_test

import (
	"sync"
	"testing"

	"github.com/nimbus-embed/hostrt/binding"
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/hostabi/hosttest"
	"github.com/nimbus-embed/hostrt/rooting"
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

func TestSlotResolvesDottedPathUnderBase(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	la := rt.Submodule(rt.BaseModule(), "LinearAlgebra")
	det := rt.DefineFunc(la, "det", func([]hostabi.RawPointer) (hostabi.RawPointer, error) { return 1, nil })

	s := &binding.Slot{Root: binding.BaseRoot, Path: "LinearAlgebra.det"}
	v, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	p, _ := v.Pointer()
	if p != det {
		t.Fatalf("resolved pointer = %v, want %v", p, det)
	}
}

func TestSlotCachesAfterFirstResolve(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	rt.SetGlobal(0, "pi", rt.BoxPrimitive("Float64", 1))
	s := &binding.Slot{Root: binding.MainRoot, Path: "pi"}

	v1, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("first GetOrInit: %v", err)
	}
	v2, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("second GetOrInit: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("cached slot returned different pointers: %v vs %v", p1, p2)
	}
}

func TestSlotConcurrentInitAgreesOnPointer(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	rt.SetGlobal(0, "x", rt.BoxPrimitive("Int64", 7))
	s := &binding.Slot{Root: binding.MainRoot, Path: "x"}

	// Each goroutine resolves through its own Shared{Inner: f} target —
	// Shared never writes into the stack, so concurrent GetOrInit calls
	// race only the Slot's atomic cell, not the (single-threaded) Stack
	// itself, matching the one-stack-per-thread model elsewhere in this
	// module.
	const n = 16
	results := make([]hostabi.RawPointer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.GetOrInit(rooting.Shared{Inner: f}, rt)
			if err != nil {
				t.Errorf("GetOrInit: %v", err)
				return
			}
			results[i], _ = v.Pointer()
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("racing GetOrInit calls disagreed: %v vs %v", results[i], results[0])
		}
	}
}

func TestSlotUnknownPackageRootErrors(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	s := &binding.Slot{Root: binding.PackageRoot, Package: "Nope", Path: "x"}
	if _, err := s.GetOrInit(f, rt); err == nil {
		t.Fatal("GetOrInit with an unregistered package root should error")
	}
}

func TestSymbolSlotInternsOnce(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	s := &binding.SymbolSlot{Name: ":foo"}
	v1, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	v2, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("symbol slot returned different pointers on repeat: %v vs %v", p1, p2)
	}
}

func TestTypeSlotBehavesAsSlot(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	rt.SetGlobal(0, "Int64Type", rt.PrimType("Int64"))
	var s binding.TypeSlot
	s.Root = binding.MainRoot
	s.Path = "Int64Type"

	v, err := s.GetOrInit(f, rt)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	p, _ := v.Pointer()
	if p != rt.PrimType("Int64") {
		t.Fatalf("TypeSlot resolved %v, want the Int64 type object", p)
	}
}

func TestExprSlotEvaluatesAndCaches(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	expected := rt.BoxPrimitive("Float64", 2)
	rt.DefineExpr("Vector{Float64}(undef, 2)", expected)

	s := &binding.ExprSlot{Expr: "Vector{Float64}(undef, 2)"}
	v1, err := s.GetOrEval(f, rt, ptls)
	if err != nil {
		t.Fatalf("GetOrEval: %v", err)
	}
	v2, err := s.GetOrEval(f, rt, ptls)
	if err != nil {
		t.Fatalf("GetOrEval: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != expected || p2 != expected {
		t.Fatalf("GetOrEval = (%v, %v), want both %v", p1, p2, expected)
	}
}

func TestExprSlotUnregisteredExpressionErrors(t *testing.T) {
	rt, ptls, f := newFrame(t)
	defer f.Drop()

	s := &binding.ExprSlot{Expr: "nonsense"}
	if _, err := s.GetOrEval(f, rt, ptls); err == nil {
		t.Fatal("GetOrEval on an unregistered expression should error")
	}
}

func TestInternedSymbolSharesCacheAcrossCallers(t *testing.T) {
	rt, _, f := newFrame(t)
	defer f.Drop()

	v1, err := binding.InternedSymbol(f, rt, ":shared")
	if err != nil {
		t.Fatalf("InternedSymbol: %v", err)
	}
	v2, err := binding.InternedSymbol(f, rt, ":shared")
	if err != nil {
		t.Fatalf("InternedSymbol: %v", err)
	}
	p1, _ := v1.Pointer()
	p2, _ := v2.Pointer()
	if p1 != p2 {
		t.Fatalf("InternedSymbol returned different pointers for the same name: %v vs %v", p1, p2)
	}
}
