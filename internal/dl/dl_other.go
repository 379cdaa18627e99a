//go:build !linux || !cgo

package dl

func (*Lib) Open(path string, flags Flag) (Handle, error) { return 0, ErrUnsupported }
func (*Lib) Info(h Handle) (LinkMap, error)               { return LinkMap{}, ErrUnsupported }
func (*Lib) Sym(h Handle, name string) (uintptr, error)   { return 0, ErrUnsupported }
func (*Lib) Lookup(name string) (uintptr, error)          { return 0, ErrUnsupported }
func (*Lib) Owner(addr uintptr) (string, error)           { return "", ErrUnsupported }
