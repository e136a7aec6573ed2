package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimbus-embed/hostrt/async"
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/hostabi/hosttest"
	"github.com/nimbus-embed/hostrt/rooting"
)

func runExecutor(t *testing.T, rt hostabi.Runtime) *async.Executor {
	t.Helper()
	e := async.NewExecutor(rt, 8)
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run() }()
	t.Cleanup(func() {
		e.Close()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Executor.Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("executor did not exit after Close")
		}
	})
	return e
}

func TestScheduleRunsTaskAndCompletesFuture(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	future := async.Schedule(e, func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (int, error) {
		v := rt.(*hosttest.Runtime).BoxPrimitive("Int64", 41)
		_, err := frame.Root(v)
		if err != nil {
			return 0, err
		}
		return 41, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := future.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if v != 41 {
		t.Fatalf("got %d, want 41", v)
	}
}

func TestHostTaskFuturePollBeforeAndAfterCompletion(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	gate := make(chan struct{})
	future := async.Schedule(e, func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (int, error) {
		<-gate
		return 7, nil
	})

	if _, _, ready := future.Poll(); ready {
		t.Fatal("future reported ready before its task ran")
	}
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := future.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if v != 7 {
		t.Fatalf("got %d, want 7", v)
	}
	if _, _, ready := future.Poll(); !ready {
		t.Fatal("future did not report ready after completion")
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	block := make(chan struct{})
	defer close(block)
	future := async.Schedule(e, func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (int, error) {
		<-block
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := future.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRegisterRunsOnceForRepeatedCalls(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	type marker struct{}
	calls := 0
	register := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) error {
		calls++
		return nil
	}

	if err := async.Register[marker](e, register); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := async.Register[marker](e, register); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if calls != 1 {
		t.Fatalf("register ran %d times, want 1", calls)
	}
}

func TestBlockingReturnsClosureResult(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	got := async.Blocking(e, func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) hostabi.RawPointer {
		return rt.(*hosttest.Runtime).BoxPrimitive("Int64", 3)
	})
	if got.IsNil() {
		t.Fatal("Blocking returned a nil pointer")
	}
}

func TestIncludeRecordsPath(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	if err := e.Include("setup.jl"); err != nil {
		t.Fatalf("Include: %v", err)
	}
	paths := rt.Included()
	if len(paths) != 1 || paths[0] != "setup.jl" {
		t.Fatalf("Included() = %v, want [setup.jl]", paths)
	}
}

func TestSetErrorColorTakesEffect(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	e.SetErrorColor(true)
	if !rt.ErrorColor() {
		t.Fatal("SetErrorColor(true) did not take effect")
	}
}

func TestPersistentTaskRunsInitRunExitInOrder(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	var order []string
	init := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (int, error) {
		order = append(order, "init")
		return 0, nil
	}
	run := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *int, input int) (int, error) {
		*state += input
		order = append(order, "run")
		return *state, nil
	}
	exitFired := make(chan struct{})
	exit := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *int) {
		order = append(order, "exit")
		close(exitFired)
	}

	handle, err := async.Persistent[int, int, int](e, init, run, exit)
	if err != nil {
		t.Fatalf("Persistent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := handle.Call(ctx, 5)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v != 5 {
		t.Fatalf("got %d, want 5", v)
	}
	v, err = handle.Call(ctx, 10)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v != 15 {
		t.Fatalf("got %d, want 15", v)
	}

	handle.Drop()
	select {
	case <-exitFired:
	case <-time.After(2 * time.Second):
		t.Fatal("exit did not run after Drop")
	}

	want := []string{"init", "run", "run", "exit"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPersistentTaskInitFailureSurfacesError(t *testing.T) {
	rt := hosttest.New()
	e := runExecutor(t, rt)

	wantErr := errors.New("init failed")
	init := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame) (int, error) {
		return 0, wantErr
	}
	run := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *int, input int) (int, error) {
		return 0, nil
	}
	exit := func(rt hostabi.Runtime, ptls hostabi.RawPointer, frame *rooting.Frame, state *int) {}

	handle, err := async.Persistent[int, int, int](e, init, run, exit)
	if err == nil {
		t.Fatal("Persistent: expected error from a failing init")
	}
	if handle != nil {
		t.Fatal("Persistent: expected a nil handle alongside an init error")
	}
}
