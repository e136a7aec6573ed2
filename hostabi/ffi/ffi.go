// Package ffi is the real cgo adapter for hostabi.Runtime: a thin wrapper
// around the host runtime's C entry points, linked in only when built with
// cgo enabled and the host's shared library available. Every exported
// method does nothing but marshal Go values to their C shape, call
// straight through, and marshal the result back — all the policy (rooting,
// borrow checks, dispatch, async scheduling) lives above this package and
// never needs to change if a future host revises its C ABI.
//
// The handle-table-plus-//export-trampoline shape below (Go values handed
// to C as an opaque void*, C callbacks routed back through a small
// package-level registry instead of a raw function pointer) mirrors
// billziss-gh/cgofuse's hostHandleNew/hostHandleGet split and its
// //export hostGetattr-style callbacks, applied here to the host's mark
// function and GC root walker instead of a filesystem's syscall table.
package ffi

/*
#include <stdint.h>
#include <stdlib.h>

// This header declares the subset of the host's C API this module calls.
// A real embedding replaces these prototypes with the host's own installed
// header (e.g. "#include <julia.h>") and drops this block; it is spelled
// out here so the package is self-contained without that header present.

typedef void *host_ptr_t;

host_ptr_t host_adopt_thread(void);
host_ptr_t host_current_task(void);
void host_install_root_stack(host_ptr_t ptls, void *walker_handle);
int host_gc_safe_enter(host_ptr_t ptls);
void host_gc_safe_leave(host_ptr_t ptls, int prev);
void host_write_barrier(host_ptr_t ptls, host_ptr_t owner, host_ptr_t child);
int host_gc_queue_obj(host_ptr_t ptls, host_ptr_t obj);
int host_gc_queue_obj_array(host_ptr_t ptls, host_ptr_t begin, host_ptr_t end);
void host_schedule_foreign_sweep(host_ptr_t ptls, host_ptr_t obj);
host_ptr_t host_gc_alloc_typed(host_ptr_t ptls, size_t size, host_ptr_t typ);
void host_gc_collect(int full);
host_ptr_t host_new_foreign_type(host_ptr_t ptls, const char *name, host_ptr_t module, size_t size, int large, int has_pointers, void *mark_handle);
int host_reinit_foreign_type(host_ptr_t ptls, host_ptr_t typ, void *mark_handle);
host_ptr_t host_apply_type(host_ptr_t ptls, host_ptr_t base, host_ptr_t *params, int nparams);
host_ptr_t host_new_bits_union(host_ptr_t ptls, host_ptr_t *variants, int nvariants);
host_ptr_t host_symbol(const char *name);
host_ptr_t host_call(host_ptr_t ptls, host_ptr_t fn, host_ptr_t *args, int nargs);
host_ptr_t host_keyword_sorter(host_ptr_t fn);
host_ptr_t host_exception_occurred(host_ptr_t ptls);
host_ptr_t host_main_module(void);
host_ptr_t host_base_module(void);
host_ptr_t host_core_module(void);
host_ptr_t host_package_root(const char *name);
int host_include(host_ptr_t ptls, const char *path);
void host_set_error_color(int enabled);

// markTrampoline and rootWalkTrampoline are defined in ffi_export.go and
// exported to C; the host calls back through these during a mark phase or
// a root walk instead of ever holding a Go function pointer directly.
extern int markTrampoline(host_ptr_t ptls, host_ptr_t data, void *mark_handle);
extern host_ptr_t *rootWalkTrampoline(void *walker_handle, int *n);
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nimbus-embed/hostrt/hostabi"
)

// Runtime is the cgo-backed hostabi.Runtime implementation. The zero value
// is ready to use; there is exactly one host process per Go process, so
// Runtime carries no per-instance state of its own beyond the callback
// registries below.
type Runtime struct{}

var _ hostabi.Runtime = Runtime{}

func toPtr(p C.host_ptr_t) hostabi.RawPointer { return hostabi.RawPointer(uintptr(p)) }
func toC(p hostabi.RawPointer) C.host_ptr_t   { return C.host_ptr_t(unsafe.Pointer(uintptr(p))) }

func (Runtime) AdoptThread() (hostabi.RawPointer, error) {
	ptls := C.host_adopt_thread()
	if ptls == nil {
		return 0, fmt.Errorf("ffi: host refused to adopt this thread")
	}
	return toPtr(ptls), nil
}

func (Runtime) CurrentTask() hostabi.RawPointer {
	return toPtr(C.host_current_task())
}

// markHandles and walkHandles hand the host an opaque integer key instead
// of a Go pointer (cgo forbids passing a Go pointer that itself contains
// Go pointers to C, and a func value is exactly that) — the same
// indirection cgofuse's hostHandleNew/hostHandleGet pair uses for a
// *FileSystemHost.
var (
	handleMu    sync.Mutex
	markHandles = map[uintptr]hostabi.MarkFunc{}
	walkHandles = map[uintptr]func() []hostabi.RawPointer{}
	nextHandle  uintptr
)

func registerMarkFunc(fn hostabi.MarkFunc) unsafe.Pointer {
	handleMu.Lock()
	defer handleMu.Unlock()
	nextHandle++
	h := nextHandle
	markHandles[h] = fn
	return unsafe.Pointer(h)
}

func registerWalker(fn func() []hostabi.RawPointer) unsafe.Pointer {
	handleMu.Lock()
	defer handleMu.Unlock()
	nextHandle++
	h := nextHandle
	walkHandles[h] = fn
	return unsafe.Pointer(h)
}

func (Runtime) InstallRootStack(ptls hostabi.RawPointer, walk func() []hostabi.RawPointer) func() {
	handle := registerWalker(walk)
	C.host_install_root_stack(toC(ptls), handle)
	return func() {
		handleMu.Lock()
		delete(walkHandles, uintptr(handle))
		handleMu.Unlock()
	}
}

func (Runtime) GCSafeEnter(ptls hostabi.RawPointer) hostabi.GCSafeState {
	return hostabi.GCSafeState(C.host_gc_safe_enter(toC(ptls)) != 0)
}

func (Runtime) GCSafeLeave(ptls hostabi.RawPointer, prev hostabi.GCSafeState) {
	v := C.int(0)
	if prev {
		v = 1
	}
	C.host_gc_safe_leave(toC(ptls), v)
}

func (Runtime) WriteBarrier(ptls hostabi.RawPointer, owner, newChild hostabi.RawPointer) {
	C.host_write_barrier(toC(ptls), toC(owner), toC(newChild))
}

func (Runtime) MarkQueueObj(ptls hostabi.RawPointer, obj hostabi.RawPointer) int {
	return int(C.host_gc_queue_obj(toC(ptls), toC(obj)))
}

func (Runtime) MarkQueueObjArray(ptls hostabi.RawPointer, begin, end hostabi.RawPointer) int {
	return int(C.host_gc_queue_obj_array(toC(ptls), toC(begin), toC(end)))
}

func (Runtime) ScheduleForeignSweep(ptls hostabi.RawPointer, obj hostabi.RawPointer) {
	C.host_schedule_foreign_sweep(toC(ptls), toC(obj))
}

func (Runtime) AllocTyped(ptls hostabi.RawPointer, size uintptr, typ hostabi.RawPointer) (hostabi.RawPointer, error) {
	p := C.host_gc_alloc_typed(toC(ptls), C.size_t(size), toC(typ))
	if p == nil {
		return 0, fmt.Errorf("ffi: host allocation failed")
	}
	return toPtr(p), nil
}

func (Runtime) Collect(full bool) {
	v := C.int(0)
	if full {
		v = 1
	}
	C.host_gc_collect(v)
}

func (Runtime) CreateForeignType(ptls hostabi.RawPointer, name string, module hostabi.RawPointer, size uintptr, large, hasPointers bool, mark hostabi.MarkFunc) (hostabi.RawPointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	handle := registerMarkFunc(mark)
	typ := C.host_new_foreign_type(toC(ptls), cname, toC(module), C.size_t(size), boolToC(large), boolToC(hasPointers), handle)
	if typ == nil {
		return 0, fmt.Errorf("ffi: host rejected foreign type %q", name)
	}
	return toPtr(typ), nil
}

func (Runtime) ReinitForeignType(ptls hostabi.RawPointer, typ hostabi.RawPointer, mark hostabi.MarkFunc) error {
	handle := registerMarkFunc(mark)
	if C.host_reinit_foreign_type(toC(ptls), toC(typ), handle) == 0 {
		return fmt.Errorf("ffi: host rejected foreign type reinit")
	}
	return nil
}

func (Runtime) ApplyType(ptls hostabi.RawPointer, base hostabi.RawPointer, params []hostabi.RawPointer) (hostabi.RawPointer, error) {
	cargs, free := toCArray(params)
	defer free()
	typ := C.host_apply_type(toC(ptls), toC(base), cargs, C.int(len(params)))
	if typ == nil {
		return 0, fmt.Errorf("ffi: host rejected type application")
	}
	return toPtr(typ), nil
}

func (Runtime) ConstructUnion(ptls hostabi.RawPointer, variants []hostabi.RawPointer) (hostabi.RawPointer, error) {
	cargs, free := toCArray(variants)
	defer free()
	typ := C.host_new_bits_union(toC(ptls), cargs, C.int(len(variants)))
	if typ == nil {
		return 0, fmt.Errorf("ffi: host rejected union construction")
	}
	return toPtr(typ), nil
}

func (Runtime) InternSymbol(name string) hostabi.RawPointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return toPtr(C.host_symbol(cname))
}

func (r Runtime) Call(ptls hostabi.RawPointer, fn hostabi.RawPointer, args []hostabi.RawPointer) (hostabi.RawPointer, error) {
	cargs, free := toCArray(args)
	defer free()
	result := C.host_call(toC(ptls), toC(fn), cargs, C.int(len(args)))
	if exc := C.host_exception_occurred(toC(ptls)); exc != nil {
		return 0, &hostabi.ExceptionError{Value: toPtr(exc)}
	}
	return toPtr(result), nil
}

func (r Runtime) Call0(ptls hostabi.RawPointer, fn hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, nil)
}

func (r Runtime) Call1(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0})
}

func (r Runtime) Call2(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0, a1 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0, a1})
}

func (r Runtime) Call3(ptls hostabi.RawPointer, fn hostabi.RawPointer, a0, a1, a2 hostabi.RawPointer) (hostabi.RawPointer, error) {
	return r.Call(ptls, fn, []hostabi.RawPointer{a0, a1, a2})
}

func (Runtime) KeywordSorter(fn hostabi.RawPointer) (hostabi.RawPointer, error) {
	p := C.host_keyword_sorter(toC(fn))
	if p == nil {
		return 0, fmt.Errorf("ffi: function has no keyword sorter")
	}
	return toPtr(p), nil
}

func (Runtime) ExceptionOccurred(ptls hostabi.RawPointer) hostabi.RawPointer {
	return toPtr(C.host_exception_occurred(toC(ptls)))
}

func (Runtime) MainModule() hostabi.RawPointer { return toPtr(C.host_main_module()) }
func (Runtime) BaseModule() hostabi.RawPointer { return toPtr(C.host_base_module()) }
func (Runtime) CoreModule() hostabi.RawPointer { return toPtr(C.host_core_module()) }

func (Runtime) PackageRoot(name string) (hostabi.RawPointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	p := C.host_package_root(cname)
	if p == nil {
		return 0, fmt.Errorf("ffi: no package root named %q", name)
	}
	return toPtr(p), nil
}

func (Runtime) Include(ptls hostabi.RawPointer, path string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	if C.host_include(toC(ptls), cpath) == 0 {
		return fmt.Errorf("ffi: include %q failed", path)
	}
	return nil
}

func (Runtime) SetErrorColor(enabled bool) {
	C.host_set_error_color(boolToC(enabled))
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

// toCArray allocates a C array of host_ptr_t holding args, returning a
// closure that frees it. The host never retains this array past the call
// it's passed to.
func toCArray(args []hostabi.RawPointer) (*C.host_ptr_t, func()) {
	if len(args) == 0 {
		return nil, func() {}
	}
	buf := C.malloc(C.size_t(len(args)) * C.size_t(unsafe.Sizeof(C.host_ptr_t(nil))))
	out := (*[1 << 30]C.host_ptr_t)(buf)[:len(args):len(args)]
	for i, a := range args {
		out[i] = toC(a)
	}
	return (*C.host_ptr_t)(buf), func() { C.free(buf) }
}
