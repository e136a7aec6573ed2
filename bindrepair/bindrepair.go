// Package bindrepair implements the binding repair pass of spec section
// 4.K: a machine-generated low-level binding to the host's C ABI is
// naive about two things a hand-written binding would get right — fields
// the host declares `_Atomic(T)` need an atomic Go type, not a plain one,
// and platforms whose linker doesn't receive an import library need an
// extra link attribute on every extern declaration. This package detects
// both from the original header text and rewrites the generated bindings
// accordingly.
package bindrepair

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/nimbus-embed/hostrt/internal/herr"
)

// AtomicKind classifies a C type declared _Atomic(T) by the Go atomic
// type it must become.
type AtomicKind int

const (
	AtomicUnknown AtomicKind = iota
	AtomicPointer
	AtomicInt32
	AtomicInt64
	AtomicUint32
	AtomicUint64
	AtomicFunc
)

func (k AtomicKind) String() string {
	switch k {
	case AtomicPointer:
		return "pointer"
	case AtomicInt32:
		return "int32"
	case AtomicInt64:
		return "int64"
	case AtomicUint32:
		return "uint32"
	case AtomicUint64:
		return "uint64"
	case AtomicFunc:
		return "func-ptr"
	default:
		return "unknown"
	}
}

// goType is the Go spelling of the atomic wrapper this Kind rewrites the
// generated field's type to.
func (k AtomicKind) goType(elemGoType string) string {
	switch k {
	case AtomicPointer:
		return fmt.Sprintf("atomic.Pointer[%s]", elemGoType)
	case AtomicInt32:
		return "atomic.Int32"
	case AtomicInt64:
		return "atomic.Int64"
	case AtomicUint32:
		return "atomic.Uint32"
	case AtomicUint64:
		return "atomic.Uint64"
	case AtomicFunc:
		return "bindrepair.AtomicFuncPtr"
	default:
		return elemGoType
	}
}

// AtomicFuncPtr is the "generic typed atomic" spec section 4.K calls for
// when a function-pointer-valued field is rewritten: there is no
// sync/atomic type for a function pointer, so generated bindings
// reference this instead, storing the pointer's bit pattern.
type AtomicFuncPtr struct {
	v atomic.Uintptr
}

// Load returns the stored function pointer's bit pattern.
func (p *AtomicFuncPtr) Load() uintptr { return p.v.Load() }

// Store sets the function pointer's bit pattern.
func (p *AtomicFuncPtr) Store(v uintptr) { p.v.Store(v) }

// NoDrop marks an atomic field that originally lived inside a union: spec
// section 4.K says such fields get wrapped further to preserve the
// union's drop semantics. Go's collector needs no such wrapper — there is
// no destructor to suppress — but the textual rewrite still produces one
// so a binding generated from the same header keeps the same shape
// whichever language backs it; see DESIGN.md.
type NoDrop[T any] struct {
	Value T
}

// AtomicField is one struct field the original header declares
// _Atomic(T).
type AtomicField struct {
	Struct  string
	Field   string
	CType   string
	Kind    AtomicKind
	InUnion bool
}

// AtomicGlobal is an `extern _Atomic(int) name;` declaration.
type AtomicGlobal struct {
	Name string
}

// AtomicFieldSet is everything ParseAtomicFields found in a header.
type AtomicFieldSet struct {
	Fields  []AtomicField
	Globals []AtomicGlobal
}

var (
	typedefBlockRe = regexp.MustCompile(`(?s)typedef\s+(struct|union)\s*\{(.*?)\}\s*(\w+)\s*;`)
	atomicFieldRe  = regexp.MustCompile(`_Atomic\(\s*([\w \*]+?)\s*\)\s*(\w+)\s*;`)
	externAtomicRe = regexp.MustCompile(`extern\s+_Atomic\(\s*int\s*\)\s*(\w+)\s*;`)
	funcPtrFieldRe = regexp.MustCompile(`\(\s*\*\s*\)\s*\(`)
)

// ParseAtomicFields scans the original host header for `_Atomic(T)`
// struct fields and extern globals.
func ParseAtomicFields(headerSrc string) (AtomicFieldSet, error) {
	var set AtomicFieldSet

	for _, block := range typedefBlockRe.FindAllStringSubmatch(headerSrc, -1) {
		kind, body, name := block[1], block[2], block[3]
		inUnion := kind == "union"
		for _, m := range atomicFieldRe.FindAllStringSubmatch(body, -1) {
			cType, field := strings.TrimSpace(m[1]), m[2]
			set.Fields = append(set.Fields, AtomicField{
				Struct:  name,
				Field:   field,
				CType:   cType,
				Kind:    classifyCType(cType),
				InUnion: inUnion,
			})
		}
	}

	for _, m := range externAtomicRe.FindAllStringSubmatch(headerSrc, -1) {
		set.Globals = append(set.Globals, AtomicGlobal{Name: m[1]})
	}

	return set, nil
}

// classifyCType maps a C type's spelling to the atomic kind it repairs
// to, per spec section 4.K: "pointer -> atomic pointer, small integers ->
// fixed-width atomic integers, function-pointer-valued fields -> a
// generic typed atomic".
func classifyCType(cType string) AtomicKind {
	if funcPtrFieldRe.MatchString(cType) {
		return AtomicFunc
	}
	if strings.Contains(cType, "*") {
		return AtomicPointer
	}
	switch strings.TrimSpace(cType) {
	case "int8_t", "uint8_t", "int16_t", "uint16_t", "int32_t", "int", "signed int":
		return AtomicInt32
	case "uint32_t", "unsigned int", "unsigned":
		return AtomicUint32
	case "int64_t", "long", "long long":
		return AtomicInt64
	case "uint64_t", "unsigned long", "unsigned long long", "size_t":
		return AtomicUint64
	default:
		return AtomicInt32
	}
}

// goFieldRe matches a single Go struct field declaration line: leading
// whitespace, a field name, its type, and an optional trailing line
// comment — the shape a cgo-style binding generator emits one field per
// line as.
func goFieldRe(field string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^(\s*` + regexp.QuoteMeta(field) + `\s+)([\w.\[\]\*]+)(\s*(?://.*)?)$`)
}

// externDeclRe matches a top-level var or func declaration (plus any
// comment lines directly above it) that addLinkAttr may need to annotate
// with a link attribute.
var externDeclRe = regexp.MustCompile(`(?m)^((?://.*\n)*)(var|func)\s+(\w+)\b.*$`)

// Repair rewrites bindingsSrc: every field or global fields names as an
// atomic field gets its declared type replaced with the Go atomic type
// Kind calls for (wrapped in NoDrop if it was found inside a union), and
// every extern declaration gets a platform link attribute comment when
// NeedsLinkAttr(goos, goarch) would be true for the target the bindings
// are generated for — callers pass goos/goarch explicitly via
// RepairForPlatform; Repair itself performs only the atomic-field and
// Debug-derivation rewrites, which are platform-independent.
func Repair(headerSrc, bindingsSrc string, fields AtomicFieldSet) (string, error) {
	out := bindingsSrc

	debugStructs := map[string]bool{}
	for _, f := range fields.Fields {
		re := goFieldRe(f.Field)
		if !re.MatchString(out) {
			return "", herr.New(herr.Other, "bindrepair: field %s.%s not found in generated bindings", f.Struct, f.Field)
		}
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			sub := re.FindStringSubmatch(m)
			lead, oldType, trail := sub[1], sub[2], sub[3]
			// oldType is the Go type the naive generator already emitted
			// (e.g. unsafe.Pointer) — used as the element type for
			// AtomicPointer so the rewrite doesn't need its own C-to-Go
			// type translator, which the generator already is.
			goType := f.Kind.goType(oldType)
			if f.InUnion {
				goType = fmt.Sprintf("NoDrop[%s]", goType)
			}
			return lead + goType + trail
		})
		debugStructs[f.Struct] = true
	}

	for _, g := range fields.Globals {
		re := regexp.MustCompile(`(?m)^(\s*var\s+` + regexp.QuoteMeta(g.Name) + `\s+)([\w.\[\]\*]+)(\s*(?://.*)?)$`)
		if !re.MatchString(out) {
			return "", herr.New(herr.Other, "bindrepair: global %s not found in generated bindings", g.Name)
		}
		out = re.ReplaceAllString(out, "${1}atomic.Int32${3}")
	}

	for structName := range debugStructs {
		out = stripDebugDerivation(out, structName)
	}

	return out, nil
}

// stripDebugDerivation removes a `//go:generate stringer` (or an
// equivalent "derive(Debug)" marker comment this module's own generated
// bindings use) immediately above the named struct's type declaration,
// per spec section 4.K: "strip Debug derivations from any type that
// gains an atomic field ... atomics are not trivially printable".
func stripDebugDerivation(src, structName string) string {
	lines := strings.Split(src, "\n")
	typeDeclRe := regexp.MustCompile(`^type\s+` + regexp.QuoteMeta(structName) + `\s+struct\b`)
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if typeDeclRe.MatchString(line) && i > 0 {
			prev := strings.TrimSpace(lines[i-1])
			if prev == "//go:generate stringer -type "+structName || strings.Contains(prev, "derive(Debug)") {
				out = out[:len(out)-1]
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// linkAttrPlatforms is the per-platform table of targets whose linker
// does not receive an import library for host functions/statics, and so
// need an explicit link attribute on every extern declaration — the
// arch.Architecture table's idiom, applied to a boolean fact about a
// (goos, goarch) pair instead of a byte-order/pointer-size fact.
var linkAttrPlatforms = map[string]bool{
	"windows/amd64": true,
	"windows/386":   true,
	"windows/arm64": true,
}

// NeedsLinkAttr reports whether bindings generated for goos/goarch need a
// platform-specific link attribute added to extern declarations, per spec
// section 4.K.
func NeedsLinkAttr(goos, goarch string) bool {
	return linkAttrPlatforms[goos+"/"+goarch]
}

// RepairForPlatform runs Repair and, when NeedsLinkAttr(goos, goarch),
// additionally inserts a `//go:linkname NAME` line directly above every
// top-level `var`/`func` declaration (one that already carries that line
// is left alone), giving each extern declaration an explicit link
// attribute.
func RepairForPlatform(headerSrc, bindingsSrc string, fields AtomicFieldSet, goos, goarch string) (string, error) {
	out, err := Repair(headerSrc, bindingsSrc, fields)
	if err != nil {
		return "", err
	}
	if !NeedsLinkAttr(goos, goarch) {
		return out, nil
	}
	return addLinkAttr(out), nil
}

func addLinkAttr(src string) string {
	return externDeclRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := externDeclRe.FindStringSubmatch(m)
		lead, kind, name := sub[1], sub[2], sub[3]
		attr := fmt.Sprintf("//go:linkname %s\n", name)
		if strings.Contains(lead, attr) {
			return m
		}
		return lead + attr + kind + m[len(lead)+len(kind):]
	})
}
