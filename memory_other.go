//go:build !unix

package plthook

import "errors"

var pageSize uintptr = 4096

func (processMemory) Unprotect(page, size uintptr) error {
	return errors.New("mprotect is not available on this platform")
}
