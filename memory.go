package plthook

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"
)

// Memory is the address space the patcher reads module tables from and
// writes jump slots into. ReadAt offsets are absolute addresses.
type Memory interface {
	io.ReaderAt
	// Load reads the word at addr.
	Load(addr uintptr) (uintptr, error)
	// Store atomically writes the word at addr.
	Store(addr, v uintptr) error
	PageSize() uintptr
	// Unprotect makes [page, page+size) readable and writable. It must
	// succeed when the range already is.
	Unprotect(page, size uintptr) error
}

var errNullAddress = errors.New("null address")

// processMemory is the memory of the running process.
type processMemory struct{}

// ProcessMemory returns the memory of the running process.
func ProcessMemory() Memory {
	return processMemory{}
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func (processMemory) ReadAt(p []byte, off int64) (int, error) {
	if off <= 0 {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(p), off, errNullAddress)
	}
	return copy(p, makeSlice(uintptr(off), uintptr(len(p)))), nil
}

func (processMemory) Load(addr uintptr) (uintptr, error) {
	if addr == 0 {
		return 0, errNullAddress
	}
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr))), nil
}

func (processMemory) Store(addr, v uintptr) error {
	if addr == 0 {
		return errNullAddress
	}
	// other threads may be calling through the slot
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), v)
	return nil
}

func (processMemory) PageSize() uintptr {
	return pageSize
}
