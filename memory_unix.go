//go:build unix

// Copyright (C) 2022 K2 Cyber Security Inc.

package plthook

import (
	"golang.org/x/sys/unix"
)

var pageSize uintptr

func init() {
	pageSize = uintptr(unix.Getpagesize())
}

// Unprotect drops write protection on whole pages. The GOT never needs to be
// executable, so the pages end up PROT_READ|PROT_WRITE.
func (processMemory) Unprotect(page, size uintptr) error {
	start := pageSize * (page / pageSize)
	length := pageSize * ((page + size + pageSize - 1 - start) / pageSize)
	for i := uintptr(0); i < length; i += pageSize {
		data := makeSlice(start+i, pageSize)
		err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return err
		}
	}
	return nil
}
