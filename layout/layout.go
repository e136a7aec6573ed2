// Package layout implements the layout-validation predicates of spec
// section 4.E: given a host type object, does it permit reinterpreting a
// host value of that type as some in-language layout? These predicates
// gate unboxing and array-slice exposure.
package layout

import (
	"github.com/nimbus-embed/hostrt/hostabi"
	"github.com/nimbus-embed/hostrt/managed"
	"github.com/nimbus-embed/hostrt/rooting"
)

// Value mirrors managed.Value so callers of this package don't need a
// separate import for the handle type layout predicates operate on.
type Value = managed.Value

// typeInspector is the narrow seam into the host's type-object
// introspection; hosttest.Runtime implements it for tests, and a real
// adapter would read the host's DataType descriptor fields.
type typeInspector interface {
	// IsPrimitiveType reports whether typ is the primitive type named
	// name.
	IsPrimitiveType(typ hostabi.RawPointer, name string) bool
	// StructFields reports the field (name, type) pairs of a concrete
	// struct type, or ok=false if typ isn't a concrete struct type.
	StructFields(typ hostabi.RawPointer) (fields []FieldType, ok bool)
	// IsManagedRefField reports whether typ, as a struct field's declared
	// type, is a managed (pointer) field that may be reinterpreted as a
	// Ref<Managed<compatible>> — i.e. it is a concrete pointer-backed type
	// and not a bits/inline type.
	IsManagedRefField(typ hostabi.RawPointer) bool
	// BitsUnionLayout reports the bits-union layout (alignment, payload
	// size, tag byte offset, variant types) of typ, or ok=false if typ
	// isn't a bits-union type.
	BitsUnionLayout(typ hostabi.RawPointer) (layout BitsUnionType, ok bool)
}

// FieldType names one field's declared host type.
type FieldType struct {
	Name string
	Type hostabi.RawPointer
}

// BitsUnionType describes a host bits-union (inline tagged union) field's
// layout.
type BitsUnionType struct {
	AlignOffset   uintptr
	PayloadSize   uintptr
	TagByteOffset uintptr
	Variants      []hostabi.RawPointer
}

func inspector(rt hostabi.Runtime) (typeInspector, error) {
	ti, ok := rt.(typeInspector)
	if !ok {
		return nil, errNoInspector
	}
	return ti, nil
}

var errNoInspector = layoutError("host runtime does not support type layout introspection")

type layoutError string

func (e layoutError) Error() string { return string(e) }

// Layout is the contract every in-language layout type implements (spec
// section 4.E): does a host type object permit reinterpreting a host
// value of that type as this layout?
type Layout interface {
	// ValidLayout reports whether v's host type matches this layout.
	ValidLayout(v Value, rt hostabi.Runtime) bool
}

// ValidField is the companion predicate (spec section 4.E): like
// ValidLayout, but additionally disallows fields that would require
// rooting beyond the struct's lifetime (e.g. a field holding an
// independently-rootable managed reference rather than an inline value).
// Implementations of Layout that also restrict which of their shapes are
// legal struct fields implement this interface; a Layout without special
// field restrictions is valid as a field whenever it is a valid layout.
type FieldValidator interface {
	Layout
	ValidField(v Value, rt hostabi.Runtime) bool
}

// Primitive validates that a type object is exactly the named host
// primitive type (spec section 4.E: "the type object must be the
// corresponding primitive host type").
type Primitive struct {
	Name string
}

func (p Primitive) ValidLayout(v Value, rt hostabi.Runtime) bool {
	ptr, err := v.Pointer()
	if err != nil {
		return false
	}
	ti, err := inspector(rt)
	if err != nil {
		return false
	}
	return ti.IsPrimitiveType(ptr, p.Name)
}

func (p Primitive) ValidField(v Value, rt hostabi.Runtime) bool { return p.ValidLayout(v, rt) }

// Field declares one field of a ReprCStruct layout: its name and the
// FieldValidator its host-side counterpart must satisfy.
type Field struct {
	Name      string
	Validator FieldValidator
}

// ReprCStruct validates a repr(C)-equivalent struct layout with no
// lifetimes: the type object must be a concrete data-type with a
// matching field count, each field's declared type valid for the
// corresponding layout field (spec section 4.E).
type ReprCStruct struct {
	Fields []Field
}

func (s ReprCStruct) ValidLayout(v Value, rt hostabi.Runtime) bool {
	ptr, err := v.Pointer()
	if err != nil {
		return false
	}
	ti, err := inspector(rt)
	if err != nil {
		return false
	}
	hostFields, ok := ti.StructFields(ptr)
	if !ok || len(hostFields) != len(s.Fields) {
		return false
	}
	for i, f := range s.Fields {
		if !f.Validator.ValidField(fieldValue(hostFields[i].Type), rt) {
			return false
		}
	}
	return true
}

func (s ReprCStruct) ValidField(v Value, rt hostabi.Runtime) bool {
	// A struct containing only inline fields is itself safe to embed
	// inline in an enclosing struct.
	return s.ValidLayout(v, rt)
}

// fieldValue wraps a raw host field-type pointer as a throwaway Value for
// recursive ValidField calls. It carries no scope — field type objects
// are globally rooted by the host's type system, never pop'd — so a nil
// scope (always "live") is correct here, matching how binding.Slot's
// published pointers need no liveness check either.
func fieldValue(typ hostabi.RawPointer) Value {
	return managed.ValueOf(rooting.Rooted{Ptr: typ, Scope: nil})
}

// ManagedRefField validates a struct field declared as Ref<Managed<...>>:
// the host field must be a managed (pointer) field of a compatible type
// (spec section 4.E).
type ManagedRefField struct {
	// Of restricts which managed kind is acceptable, nil meaning any
	// managed reference is acceptable (the generic Value case).
	Of FieldValidator
}

func (m ManagedRefField) ValidLayout(v Value, rt hostabi.Runtime) bool {
	ptr, err := v.Pointer()
	if err != nil {
		return false
	}
	ti, err := inspector(rt)
	if err != nil {
		return false
	}
	if !ti.IsManagedRefField(ptr) {
		return false
	}
	if m.Of == nil {
		return true
	}
	return m.Of.ValidLayout(v, rt)
}

// ValidField applies the same check as ValidLayout: a Ref<Managed<...>>
// field is an ordinary, valid struct field so long as the host field is a
// managed (pointer) field of a compatible type (spec section 4.E).
func (m ManagedRefField) ValidField(v Value, rt hostabi.Runtime) bool {
	return m.ValidLayout(v, rt)
}

// BitsUnionField validates an inline tagged union field by checking that
// the host union descriptor lists exactly len(Variants) variants and that
// each host variant, in order, passes the matching validator. The
// alignment, payload size and tag byte offset that BitsUnionLayout reports
// are not compared against anything.
type BitsUnionField struct {
	Variants []FieldValidator
}

func (b BitsUnionField) ValidLayout(v Value, rt hostabi.Runtime) bool {
	ptr, err := v.Pointer()
	if err != nil {
		return false
	}
	ti, err := inspector(rt)
	if err != nil {
		return false
	}
	hostLayout, ok := ti.BitsUnionLayout(ptr)
	if !ok || len(hostLayout.Variants) != len(b.Variants) {
		return false
	}
	for i, variant := range hostLayout.Variants {
		if !b.Variants[i].ValidField(fieldValue(variant), rt) {
			return false
		}
	}
	return true
}

func (b BitsUnionField) ValidField(v Value, rt hostabi.Runtime) bool { return b.ValidLayout(v, rt) }
