package rooting_test

import (
	"testing"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/rooting"
)

func TestScopeNesting(t *testing.T) {
	_, s := newStack(t)
	a := rooting.RootFrame(s)
	defer a.Drop()

	out := a.Output()
	_, err := rooting.Scope(a, func(b *rooting.Frame) (struct{}, error) {
		inner, err := b.Root(hostabi.RawPointer(2))
		if err != nil {
			return struct{}{}, err
		}
		_, err = out.Root(inner.Ptr)
		return struct{}{}, err
	})
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}

	if s.Size() != a.Stack().Size() {
		t.Fatalf("sanity: stack size mismatch")
	}
	// b's frame popped back to a's base plus the one output slot a reserved.
	if s.Size() != 1 {
		t.Fatalf("stack size after inner scope drop = %d, want 1 (just a's output slot)", s.Size())
	}
	if got := s.GetRoot(0); got != hostabi.RawPointer(2) {
		t.Fatalf("output slot = %v, want 2", got)
	}
}

func TestOutputSingleUse(t *testing.T) {
	_, s := newStack(t)
	f := rooting.RootFrame(s)
	defer f.Drop()

	out := f.Output()
	if _, err := out.Root(hostabi.RawPointer(1)); err != nil {
		t.Fatalf("first Root: %v", err)
	}
	if _, err := out.Root(hostabi.RawPointer(2)); err == nil {
		t.Fatal("second Root on Output should fail")
	}
}

func TestReusableSlotInvalidatesPrevious(t *testing.T) {
	_, s := newStack(t)
	f := rooting.RootFrame(s)
	defer f.Drop()

	slot := f.ReusableSlot()
	r1, err := slot.Root(hostabi.RawPointer(1))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if !r1.Scope.Live() {
		t.Fatal("r1 should be live right after write")
	}
	r2, err := slot.Root(hostabi.RawPointer(2))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if r1.Scope.Live() {
		t.Fatal("r1 should be dead after slot is rewritten")
	}
	if !r2.Scope.Live() {
		t.Fatal("r2 should be live")
	}
}

func TestUnrootedCarriesFrameScope(t *testing.T) {
	_, s := newStack(t)
	f := rooting.RootFrame(s)

	u := f.Unrooted()
	r, err := u.Root(hostabi.RawPointer(42))
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !r.Scope.Live() {
		t.Fatal("unrooted handle should be live while frame is open")
	}
	f.Drop()
	if r.Scope.Live() {
		t.Fatal("unrooted handle should die with its frame")
	}
}

func TestSharedDegradesToRef(t *testing.T) {
	_, s := newStack(t)
	f := rooting.RootFrame(s)
	defer f.Drop()

	shared := rooting.Shared{Inner: f}
	ref := shared.RootRef(hostabi.RawPointer(7))
	if ref.Ptr != hostabi.RawPointer(7) {
		t.Fatalf("ref ptr = %v, want 7", ref.Ptr)
	}
	// A Shared target never writes into the frame's stack.
	if s.Size() != 0 {
		t.Fatalf("stack size after Shared.RootRef = %d, want 0", s.Size())
	}
}

// TestSharedSatisfiesTargetAsAlwaysLive exercises Shared through the
// Target interface (the path types.Applied and friends use to recurse
// into parameters): Root must succeed without touching the stack, and the
// resulting Rooted must never report dead, even after the inner frame
// that produced Shared is dropped.
func TestSharedSatisfiesTargetAsAlwaysLive(t *testing.T) {
	_, s := newStack(t)
	f := rooting.RootFrame(s)

	var target rooting.Target = rooting.Shared{Inner: f}
	rooted, err := target.Root(hostabi.RawPointer(9))
	if err != nil {
		t.Fatalf("Shared.Root: %v", err)
	}
	if rooted.Ptr != hostabi.RawPointer(9) {
		t.Fatalf("rooted ptr = %v, want 9", rooted.Ptr)
	}
	if s.Size() != 0 {
		t.Fatalf("stack size after Shared.Root = %d, want 0", s.Size())
	}

	f.Drop()
	if rooted.Scope != nil && !rooted.Scope.Live() {
		t.Fatal("Shared.Root's Rooted must stay live even after the sharing frame drops")
	}
}

func TestLocalFrameZeroSizeLegal(t *testing.T) {
	_, s := newStack(t)
	_, err := rooting.LocalScope(s, 0, func(lf *rooting.LocalFrame) (struct{}, error) {
		_, err := lf.Root(hostabi.RawPointer(1))
		return struct{}{}, err
	})
	if err == nil {
		t.Fatal("rooting into a 0-slot local frame should fail (no free slots), not panic")
	}
}

func TestLocalFrameFillsSlots(t *testing.T) {
	_, s := newStack(t)
	_, err := rooting.LocalScope(s, 2, func(lf *rooting.LocalFrame) (struct{}, error) {
		if _, err := lf.Root(hostabi.RawPointer(1)); err != nil {
			return struct{}{}, err
		}
		if _, err := lf.Root(hostabi.RawPointer(2)); err != nil {
			return struct{}{}, err
		}
		if _, err := lf.Root(hostabi.RawPointer(3)); err == nil {
			t.Fatal("third Root into a 2-slot local frame should fail")
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("LocalScope: %v", err)
	}
}
