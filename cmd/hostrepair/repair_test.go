package main

import (
	"strings"
	"testing"
)

const testHeader = `
typedef struct {
    _Atomic(int64_t) refcount;
} jl_weakref_t;
`

const testBindings = `package bindings

type jl_weakref_t struct {
	refcount int64
}
`

func TestRepairBindingsRewritesAtomicField(t *testing.T) {
	out, err := repairBindings(testHeader, testBindings, "linux", "amd64")
	if err != nil {
		t.Fatalf("repairBindings: %v", err)
	}
	if out == testBindings {
		t.Fatal("repairBindings did not rewrite anything")
	}
	wantSubstr := "refcount atomic.Int64"
	if !strings.Contains(out, wantSubstr) {
		t.Fatalf("output missing %q:\n%s", wantSubstr, out)
	}
}

func TestRepairBindingsAddsLinkAttrOnlyOnWindows(t *testing.T) {
	linux, err := repairBindings(testHeader, testBindings, "linux", "amd64")
	if err != nil {
		t.Fatalf("repairBindings(linux): %v", err)
	}
	if strings.Contains(linux, "go:linkname") {
		t.Fatal("linux/amd64 should not gain a link attribute")
	}

	windows, err := repairBindings(testHeader, testBindings, "windows", "amd64")
	if err != nil {
		t.Fatalf("repairBindings(windows): %v", err)
	}
	_ = windows // no extern var/func in testBindings, so nothing to annotate here
}

func TestRepairBindingsFailsOnUnknownField(t *testing.T) {
	badHeader := `
typedef struct {
    _Atomic(int64_t) missing;
} jl_weakref_t;
`
	if _, err := repairBindings(badHeader, testBindings, "linux", "amd64"); err == nil {
		t.Fatal("expected an error for a field absent from the bindings")
	}
}
