//go:build linux && cgo

package dl

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <link.h>
#include <stdint.h>
#include <stdlib.h>

static uintptr_t plthook_dlopen(const char *path, int flags) {
	return (uintptr_t)dlopen(path, flags);
}

static uintptr_t plthook_dlsym(uintptr_t handle, const char *name) {
	return (uintptr_t)dlsym((void*)handle, name);
}

static uintptr_t plthook_dlsym_default(const char *name) {
	return (uintptr_t)dlsym(RTLD_DEFAULT, name);
}

static int plthook_linkmap(uintptr_t handle, uintptr_t *base, uintptr_t *dyn, const char **name) {
	struct link_map *lm;
	if (dlinfo((void*)handle, RTLD_DI_LINKMAP, &lm))
		return -1;
	*base = (uintptr_t)lm->l_addr;
	*dyn = (uintptr_t)lm->l_ld;
	*name = lm->l_name;
	return 0;
}

static const char *plthook_dladdr(uintptr_t addr) {
	Dl_info info;
	if (!dladdr((void*)addr, &info))
		return NULL;
	return info.dli_fname;
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"
)

func cflags(flags Flag) C.int {
	var mode C.int
	if flags&Lazy != 0 {
		mode |= C.RTLD_LAZY
	}
	if flags&Now != 0 {
		mode |= C.RTLD_NOW
	}
	if flags&Global != 0 {
		mode |= C.RTLD_GLOBAL
	}
	if flags&NoDelete != 0 {
		mode |= C.RTLD_NODELETE
	}
	return mode
}

// pin keeps the calling goroutine on one thread until the returned func runs.
// dlerror state is per thread, so clearing it, the dl call and reading it
// back must not migrate.
func pin() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// lastError returns the pending dlerror message, clearing it.
func lastError() string {
	if msg := C.dlerror(); msg != nil {
		return C.GoString(msg)
	}
	return "unknown error"
}

// Open loads the library at path, or returns the existing handle if it is
// already loaded.
func (*Lib) Open(path string, flags Flag) (Handle, error) {
	defer pin()()
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	// clear stale dlerror
	C.dlerror()
	h := C.plthook_dlopen(cpath, cflags(flags))
	if h == 0 {
		return 0, fmt.Errorf("dlopen(%s): %w: %s", path, ErrNotFound, lastError())
	}
	return Handle(h), nil
}

// Info returns the link map of an open handle.
func (*Lib) Info(h Handle) (LinkMap, error) {
	defer pin()()
	var (
		base, dyn C.uintptr_t
		name      *C.char
	)
	C.dlerror()
	if C.plthook_linkmap(C.uintptr_t(h), &base, &dyn, &name) != 0 {
		return LinkMap{}, fmt.Errorf("dlinfo(%#x, RTLD_DI_LINKMAP): %s", uintptr(h), lastError())
	}
	lm := LinkMap{Base: uintptr(base), Dynamic: uintptr(dyn)}
	if name != nil {
		lm.Name = C.GoString(name)
	}
	return lm, nil
}

// Sym resolves name in the scope of h.
func (*Lib) Sym(h Handle, name string) (uintptr, error) {
	defer pin()()
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	addr := C.plthook_dlsym(C.uintptr_t(h), cname)
	if addr == 0 {
		return 0, fmt.Errorf("dlsym(%s): %w: %s", name, ErrNotFound, lastError())
	}
	return uintptr(addr), nil
}

// Lookup resolves name in the global scope of the process.
func (*Lib) Lookup(name string) (uintptr, error) {
	defer pin()()
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	addr := C.plthook_dlsym_default(cname)
	if addr == 0 {
		return 0, fmt.Errorf("dlsym(RTLD_DEFAULT, %s): %w: %s", name, ErrNotFound, lastError())
	}
	return uintptr(addr), nil
}

// Owner returns the path of the module mapping addr.
func (*Lib) Owner(addr uintptr) (string, error) {
	fname := C.plthook_dladdr(C.uintptr_t(addr))
	if fname == nil {
		return "", fmt.Errorf("dladdr(%#x): %w", addr, ErrNotFound)
	}
	path := C.GoString(fname)
	if path == "" {
		return "", fmt.Errorf("dladdr(%#x): %w: no filename", addr, ErrNotFound)
	}
	return path, nil
}
