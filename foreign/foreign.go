// Package foreign implements the foreign-type protocol of spec section
// 4.F: registering an in-language type as a first-class host heap type,
// with custom mark/sweep trampolines, and the process-global registry that
// makes registration idempotent per Go type.
package foreign

import (
	"reflect"
	"sync"

	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/internal/herr"
	"github.com/nimbus-embed/hostrt/managed"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Value mirrors managed.Value so callers of this package don't need a
// separate import for the handle type registration returns.
type Value = managed.Value

// Type describes the registration contract for an in-language type T
// (spec section 4.F: "Must be Send + Sync + 'static"; Go's equivalent is
// that T crosses the host boundary only via a RawPointer, never a Go
// pointer, so no such marker is needed here).
type Type[T any] struct {
	// Name is the host-visible name of the registered type.
	Name string
	// Module is the host module the type is registered under.
	Module hostabi.RawPointer
	// Size is sizeof(T) as the host should allocate it.
	Size uintptr
	// Large flags values exceeding the host's small-object threshold.
	Large bool
	// HasPointers gates whether Mark is invoked during collection.
	HasPointers bool
	// Mark enumerates host references reachable from a T instance by
	// calling MarkQueueObj/MarkQueueObjArray; nil if HasPointers is false.
	Mark hostabi.MarkFunc
	// Supertype is the host abstract type this registration subtypes, 0
	// meaning the universal top type (spec section 4.F: "A supertype
	// choice, defaulting to the universal top").
	Supertype hostabi.RawPointer
}

// supertypeCreator is the narrow seam for hosts that track a registered
// foreign type's declared supertype; hosttest.Runtime implements it, a
// host with no notion of abstract supertypes simply isn't asserted to it
// and CreateForeignType falls back to the plain hostabi.Runtime primitive.
type supertypeCreator interface {
	CreateForeignTypeWithSupertype(ptls hostabi.RawPointer, name string, module hostabi.RawPointer, size uintptr, large, hasPointers bool, supertype hostabi.RawPointer, mark hostabi.MarkFunc) (hostabi.RawPointer, error)
}

// Registry is the process-global foreign-type registry (spec section
// 4.F/"Shared resources": "a reader-writer-locked vector; reads dominate
// and are lock-free after initialization is complete in practice"),
// keyed by the in-language type's reflect.Type identity rather than a
// vector index, since Go has no stable per-type integer id to index by.
var registry struct {
	mu      sync.RWMutex
	entries map[reflect.Type]hostabi.RawPointer
}

func init() {
	registry.entries = make(map[reflect.Type]hostabi.RawPointer)
}

func keyOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func valueFor(target rooting.Target, ptr hostabi.RawPointer) (Value, error) {
	rooted, err := target.Root(ptr)
	if err != nil {
		return Value{}, herr.Wrap(herr.RuntimeError, err, "root foreign type handle")
	}
	return managed.ValueOf(rooted), nil
}

// CreateForeignType registers T as a first-class host type, or returns the
// existing registration if T was already registered (spec section 4.F:
// "duplicate registration returns the existing entry").
func CreateForeignType[T any](target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, desc Type[T]) (Value, error) {
	key := keyOf[T]()

	registry.mu.RLock()
	if t, ok := registry.entries[key]; ok {
		registry.mu.RUnlock()
		return valueFor(target, t)
	}
	registry.mu.RUnlock()

	t, err := createHostType(rt, ptls, desc)
	if err != nil {
		return Value{}, herr.Wrap(herr.InstantiationError, err, "create foreign type %q", desc.Name)
	}

	registry.mu.Lock()
	if existing, ok := registry.entries[key]; ok {
		registry.mu.Unlock()
		return valueFor(target, existing)
	}
	registry.entries[key] = t
	registry.mu.Unlock()

	return valueFor(target, t)
}

func createHostType[T any](rt hostabi.Runtime, ptls hostabi.RawPointer, desc Type[T]) (hostabi.RawPointer, error) {
	if sc, ok := rt.(supertypeCreator); ok && !desc.Supertype.IsNil() {
		return sc.CreateForeignTypeWithSupertype(ptls, desc.Name, desc.Module, desc.Size, desc.Large, desc.HasPointers, desc.Supertype, desc.Mark)
	}
	return rt.CreateForeignType(ptls, desc.Name, desc.Module, desc.Size, desc.Large, desc.HasPointers, desc.Mark)
}

// Reinit updates the mark callback of T's already-registered host type and
// (re-)registers it in the registry, for host versions that persist
// foreign types across snapshots (spec section 4.F).
func Reinit[T any](target rooting.Target, rt hostabi.Runtime, ptls hostabi.RawPointer, mark hostabi.MarkFunc) (Value, error) {
	key := keyOf[T]()

	registry.mu.RLock()
	t, ok := registry.entries[key]
	registry.mu.RUnlock()
	if !ok {
		return Value{}, herr.New(herr.RuntimeError, "foreign type %s has no prior registration to reinit", key)
	}

	if err := rt.ReinitForeignType(ptls, t, mark); err != nil {
		return Value{}, herr.Wrap(herr.RuntimeError, err, "reinit foreign type %s", key)
	}

	registry.mu.Lock()
	registry.entries[key] = t
	registry.mu.Unlock()

	return valueFor(target, t)
}

// Registered reports whether T has already been registered, without
// forcing registration — used by call sites that want to assert a type
// was set up during module init rather than lazily on first use.
func Registered[T any]() bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.entries[keyOf[T]()]
	return ok
}

// NotifyWriteBarrier must be called whenever a host-owned foreign value's
// field is mutated to store a new host reference (spec section 4.F:
// "Whenever a host-owned T is mutated to store a new host reference, the
// caller must invoke the host's write-barrier"). It is a thin, named
// wrapper over Runtime.WriteBarrier so call sites read as a deliberate
// safety obligation rather than an arbitrary host call.
func NotifyWriteBarrier(rt hostabi.Runtime, ptls, owner, newChild hostabi.RawPointer) {
	rt.WriteBarrier(ptls, owner, newChild)
}
