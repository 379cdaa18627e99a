// Package symbols reads the PLT imports of ELF shared objects on disk, so a
// hook table can be checked against a library without loading it.
package symbols

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// Import is one PLT relocation of an object.
type Import struct {
	Name string
	Info byte
	// RelType is the machine specific relocation type
	RelType  uint32
	JumpSlot bool
	// Slot is the link-time address of the GOT entry
	Slot uint64
	// Stub is the link-time address of the PLT stub jumping through Slot,
	// 0 when it could not be decoded
	Stub uint64
}

func (i Import) Type() elf.SymType { return elf.ST_TYPE(i.Info) }
func (i Import) Bind() elf.SymBind { return elf.ST_BIND(i.Info) }

// Object is the PLT of one shared object.
type Object struct {
	Class   elf.Class
	Machine elf.Machine
	Rela    bool
	// Imports holds the jump slot relocations by symbol name
	Imports map[string]Import
	// Foreign holds the PLT relocations that are not jump slots
	Foreign []Import
}

type rawFile interface {
	Imports() (*Object, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
}

// ReadImports reads the PLT imports of the object file name.
func ReadImports(name string) (*Object, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadImportsFrom(r, name)
}

// ReadImportsFrom reads the PLT imports of the object in r, name is only
// used in errors.
func ReadImportsFrom(r io.ReaderAt, name string) (*Object, error) {
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			obj, err := raw.Imports()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("open %s: unrecognized object file", name)
}
