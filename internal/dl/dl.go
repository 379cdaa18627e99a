// Package dl bridges the platform dynamic loader: dlopen, dlsym, dlinfo and
// dladdr.
package dl

import "errors"

// Handle is an opaque module reference returned by the loader. It is borrowed
// for the lifetime of the process and never closed by this package.
type Handle uintptr

// Flag mirrors the glibc dlopen mode bits.
type Flag int

const (
	Lazy     Flag = 0x00001
	Now      Flag = 0x00002
	Global   Flag = 0x00100
	Local    Flag = 0x00000
	NoDelete Flag = 0x01000
)

// LinkMap is the load metadata of a module.
type LinkMap struct {
	// Name is the path the module was loaded from
	Name string
	// Base is the difference between the module's link-time and load-time addresses
	Base uintptr
	// Dynamic is the address of the module's dynamic section
	Dynamic uintptr
}

var (
	// ErrUnsupported means the binary was built without a dynamic loader bridge
	ErrUnsupported = errors.New("dynamic loader not available in this build")
	// ErrNotFound means the loader could not find the library, symbol or address
	ErrNotFound = errors.New("not found")
)

// Lib is the process dynamic loader.
type Lib struct{}

// New returns the process dynamic loader.
func New() *Lib {
	return &Lib{}
}
