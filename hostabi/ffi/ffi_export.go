package ffi

/*
#include <stdint.h>
#include <stdlib.h>
typedef void *host_ptr_t;
*/
import "C"

import "unsafe"

// markTrampoline is exported to C so the host's collector can call back
// into the Go MarkFunc a foreign type was registered with, without ever
// holding a Go function pointer — mirrors cgofuse's //export hostGetattr
// routing a FUSE callback back through hostHandleGet(...).fsop instead of
// exposing a Go closure to C directly.
//
//export markTrampoline
func markTrampoline(ptls, data C.host_ptr_t, markHandle unsafe.Pointer) C.int {
	handleMu.Lock()
	fn, ok := markHandles[uintptr(markHandle)]
	handleMu.Unlock()
	if !ok {
		return 0
	}
	return C.int(fn(toPtr(ptls), toPtr(data)))
}

// rootWalkTrampoline is exported to C so the host can re-fetch a thread's
// current root set on every GC, per hostabi.Runtime.InstallRootStack's
// contract that growth after installation stays visible. The returned
// buffer is only valid until the next call on this same walker handle;
// the host must finish using it before walking any other thread's roots.
//
//export rootWalkTrampoline
func rootWalkTrampoline(walkerHandle unsafe.Pointer, n *C.int) *C.host_ptr_t {
	handleMu.Lock()
	fn, ok := walkHandles[uintptr(walkerHandle)]
	handleMu.Unlock()
	if !ok {
		*n = 0
		return nil
	}

	roots := fn()
	*n = C.int(len(roots))
	if len(roots) == 0 {
		return nil
	}

	buf := C.malloc(C.size_t(len(roots)) * C.size_t(unsafe.Sizeof(C.host_ptr_t(nil))))
	out := (*[1 << 30]C.host_ptr_t)(buf)[:len(roots):len(roots)]
	for i, r := range roots {
		out[i] = toC(r)
	}
	return (*C.host_ptr_t)(buf)
}
