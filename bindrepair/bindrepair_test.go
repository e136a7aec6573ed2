package bindrepair_test

import (
	"strings"
	"testing"

	"github.com/nimbus-embed/hostrt/bindrepair"
)

const sampleHeader = `
typedef struct {
    void* data;
    _Atomic(int64_t) len;
    _Atomic(int32_t) flags;
} jl_array_t;

typedef union {
    _Atomic(void*) ptr;
    int64_t tag;
} jl_value_bits_t;

extern _Atomic(int) jl_n_threads;
`

const sampleBindings = `package bindings

import "unsafe"

//go:generate stringer -type jl_array_t
type jl_array_t struct {
	data  unsafe.Pointer
	len   int64
	flags int32
}

type jl_value_bits_t struct {
	ptr unsafe.Pointer
	tag int64
}

var jl_n_threads int32
`

func TestParseAtomicFieldsFindsFieldsAndGlobals(t *testing.T) {
	set, err := bindrepair.ParseAtomicFields(sampleHeader)
	if err != nil {
		t.Fatalf("ParseAtomicFields: %v", err)
	}
	if len(set.Fields) != 3 {
		t.Fatalf("got %d fields, want 3: %+v", len(set.Fields), set.Fields)
	}
	byField := map[string]bindrepair.AtomicField{}
	for _, f := range set.Fields {
		byField[f.Struct+"."+f.Field] = f
	}

	lenField, ok := byField["jl_array_t.len"]
	if !ok {
		t.Fatal("missing jl_array_t.len")
	}
	if lenField.Kind != bindrepair.AtomicInt64 || lenField.InUnion {
		t.Fatalf("jl_array_t.len = %+v, want Int64 not-in-union", lenField)
	}

	flagsField, ok := byField["jl_array_t.flags"]
	if !ok {
		t.Fatal("missing jl_array_t.flags")
	}
	if flagsField.Kind != bindrepair.AtomicInt32 {
		t.Fatalf("jl_array_t.flags kind = %v, want Int32", flagsField.Kind)
	}

	ptrField, ok := byField["jl_value_bits_t.ptr"]
	if !ok {
		t.Fatal("missing jl_value_bits_t.ptr")
	}
	if ptrField.Kind != bindrepair.AtomicPointer || !ptrField.InUnion {
		t.Fatalf("jl_value_bits_t.ptr = %+v, want Pointer in-union", ptrField)
	}

	if len(set.Globals) != 1 || set.Globals[0].Name != "jl_n_threads" {
		t.Fatalf("globals = %+v, want [jl_n_threads]", set.Globals)
	}
}

func TestRepairRewritesAtomicFieldsAndStripsDebug(t *testing.T) {
	set, err := bindrepair.ParseAtomicFields(sampleHeader)
	if err != nil {
		t.Fatalf("ParseAtomicFields: %v", err)
	}

	out, err := bindrepair.Repair(sampleHeader, sampleBindings, set)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if strings.Contains(out, "stringer -type jl_array_t") {
		t.Fatal("Repair did not strip the Debug derivation from jl_array_t")
	}
	if !strings.Contains(out, "len   atomic.Int64") {
		t.Fatalf("len field not rewritten to atomic.Int64:\n%s", out)
	}
	if !strings.Contains(out, "flags atomic.Int32") {
		t.Fatalf("flags field not rewritten to atomic.Int32:\n%s", out)
	}
	if !strings.Contains(out, "ptr NoDrop[atomic.Pointer[unsafe.Pointer]]") {
		t.Fatalf("union pointer field not wrapped in NoDrop:\n%s", out)
	}
	if !strings.Contains(out, "var jl_n_threads atomic.Int32") {
		t.Fatalf("extern global not rewritten to atomic.Int32:\n%s", out)
	}
}

func TestRepairFailsOnFieldNotFound(t *testing.T) {
	set := bindrepair.AtomicFieldSet{
		Fields: []bindrepair.AtomicField{{Struct: "jl_array_t", Field: "missing_field", CType: "int64_t", Kind: bindrepair.AtomicInt64}},
	}
	if _, err := bindrepair.Repair(sampleHeader, sampleBindings, set); err == nil {
		t.Fatal("Repair: expected an error for a field absent from the bindings")
	}
}

func TestNeedsLinkAttrIsWindowsOnly(t *testing.T) {
	cases := []struct {
		goos, goarch string
		want         bool
	}{
		{"windows", "amd64", true},
		{"windows", "arm64", true},
		{"linux", "amd64", false},
		{"darwin", "arm64", false},
	}
	for _, c := range cases {
		if got := bindrepair.NeedsLinkAttr(c.goos, c.goarch); got != c.want {
			t.Errorf("NeedsLinkAttr(%q, %q) = %v, want %v", c.goos, c.goarch, got, c.want)
		}
	}
}

func TestRepairForPlatformAddsLinkAttrOnlyWhenNeeded(t *testing.T) {
	set, err := bindrepair.ParseAtomicFields(sampleHeader)
	if err != nil {
		t.Fatalf("ParseAtomicFields: %v", err)
	}

	linux, err := bindrepair.RepairForPlatform(sampleHeader, sampleBindings, set, "linux", "amd64")
	if err != nil {
		t.Fatalf("RepairForPlatform(linux): %v", err)
	}
	if strings.Contains(linux, "go:linkname jl_n_threads") {
		t.Fatal("linux/amd64 should not gain a link attribute")
	}

	windows, err := bindrepair.RepairForPlatform(sampleHeader, sampleBindings, set, "windows", "amd64")
	if err != nil {
		t.Fatalf("RepairForPlatform(windows): %v", err)
	}
	if !strings.Contains(windows, "go:linkname jl_n_threads") {
		t.Fatalf("windows/amd64 should gain a link attribute on jl_n_threads:\n%s", windows)
	}
}
