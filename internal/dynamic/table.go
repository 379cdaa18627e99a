package dynamic

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// a dynamic section without DT_NULL in this many records is corrupt
	maxRecords = 4096
	// upper bound for a symbol name when DT_STRSZ is missing
	maxName = 4096
)

// Table is a read-only view of the procedure-linkage relocations of one
// module. All addresses are absolute addresses in the inspected memory.
type Table struct {
	Layout Layout
	// Rela is set when DT_PLTREL is DT_RELA
	Rela       bool
	JmpRel     uint64
	JmpRelSize uint64
	EntSize    uint64
	SymTab     uint64
	SymEnt     uint64
	StrTab     uint64
	StrSize    uint64
}

// Reloc is one relocation record of the PLT array.
type Reloc struct {
	Off    uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// Symbol is one dynamic symbol table entry with its name resolved.
type Symbol struct {
	Name  string
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }
func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

// Parse walks the dynamic section at addr of the module loaded at base once
// and returns the validated table view. It never returns a partially valid
// table.
func Parse(mem io.ReaderAt, l Layout, addr, base uint64) (*Table, error) {
	if _, ok := l.JumpSlot(); !ok {
		return nil, fmt.Errorf("%w: no jump slot relocation known for machine %v", ErrUnsupported, l.Machine)
	}
	if addr == 0 {
		return nil, fmt.Errorf("%w: dynamic section address is null", ErrMalformed)
	}
	var (
		t       = &Table{Layout: l}
		pltRel  uint64
		relEnt  uint64
		relaEnt uint64
		sr      = io.NewSectionReader(mem, int64(addr), int64(maxRecords*l.dynSize()))
	)
walk:
	for i := 0; ; i++ {
		if i == maxRecords {
			return nil, fmt.Errorf("%w: no DT_NULL within %d records", ErrMalformed, maxRecords)
		}
		tag, val, err := l.readDyn(sr)
		if err != nil {
			return nil, fmt.Errorf("%w: read record %d at %#x: %v", ErrMalformed, i, addr+uint64(i)*l.dynSize(), err)
		}
		switch tag {
		case elf.DT_NULL:
			break walk
		case elf.DT_PLTREL:
			pltRel = val
		case elf.DT_JMPREL:
			t.JmpRel = val
		case elf.DT_PLTRELSZ:
			t.JmpRelSize = val
		case elf.DT_RELENT:
			if relEnt == 0 {
				relEnt = val
			}
		case elf.DT_RELAENT:
			if relaEnt == 0 {
				relaEnt = val
			}
		case elf.DT_SYMTAB:
			t.SymTab = val
		case elf.DT_SYMENT:
			t.SymEnt = val
		case elf.DT_STRTAB:
			t.StrTab = val
		case elf.DT_STRSZ:
			t.StrSize = val
		}
	}

	switch elf.DynTag(pltRel) {
	case elf.DT_RELA:
		t.Rela = true
		t.EntSize = relaEnt
	case elf.DT_REL:
		t.EntSize = relEnt
	default:
		return nil, fmt.Errorf("%w: DT_PLTREL is %#x, want DT_REL or DT_RELA", ErrMalformed, pltRel)
	}
	if l.LinkTimeDyn {
		for _, p := range []*uint64{&t.JmpRel, &t.SymTab, &t.StrTab} {
			if *p != 0 {
				*p += base
			}
		}
	}
	if t.EntSize == 0 {
		// only one of the entry sizes may be present, the size check below
		// rejects the wrong one
		t.EntSize = relaEnt | relEnt
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) validate() error {
	switch {
	case t.EntSize == 0:
		return fmt.Errorf("%w: plt entry size is zero (check failed: DT_RELENT or DT_RELAENT present)", ErrMalformed)
	case t.JmpRelSize%t.EntSize != 0:
		return fmt.Errorf("%w: .rel.plt length %d is not a multiple of entry size %d", ErrMalformed, t.JmpRelSize, t.EntSize)
	case t.EntSize != t.Layout.RelSize(t.Rela):
		return fmt.Errorf("%w: entry size mismatch (%d != %d, rela=%t)", ErrMalformed, t.Layout.RelSize(t.Rela), t.EntSize, t.Rela)
	case t.JmpRelSize != 0 && t.JmpRel == 0:
		return fmt.Errorf("%w: DT_PLTRELSZ is %d but DT_JMPREL is missing", ErrMalformed, t.JmpRelSize)
	case t.SymTab == 0:
		return fmt.Errorf("%w: DT_SYMTAB is missing", ErrMalformed)
	case t.StrTab == 0:
		return fmt.Errorf("%w: DT_STRTAB is missing", ErrMalformed)
	case t.SymEnt != 0 && t.SymEnt != t.Layout.SymSize():
		return fmt.Errorf("%w: symbol entry size mismatch (%d != %d)", ErrMalformed, t.Layout.SymSize(), t.SymEnt)
	}
	return nil
}

// Len is the number of records in the PLT relocation array.
func (t *Table) Len() int {
	return int(t.JmpRelSize / t.EntSize)
}

// Reloc reads the i-th PLT relocation record.
func (t *Table) Reloc(mem io.ReaderAt, i int) (Reloc, error) {
	if i < 0 || i >= t.Len() {
		return Reloc{}, fmt.Errorf("%w: relocation index %d out of range [0, %d)", ErrMalformed, i, t.Len())
	}
	addr := t.JmpRel + uint64(i)*t.EntSize
	sr := io.NewSectionReader(mem, int64(addr), int64(t.EntSize))
	bo := t.Layout.ByteOrder
	var (
		r   Reloc
		err error
	)
	switch {
	case t.Layout.Class == elf.ELFCLASS64 && t.Rela:
		var rela elf.Rela64
		if err = binary.Read(sr, bo, &rela); err == nil {
			r = Reloc{Off: rela.Off, Type: elf.R_TYPE64(rela.Info), Sym: elf.R_SYM64(rela.Info), Addend: rela.Addend}
		}
	case t.Layout.Class == elf.ELFCLASS64:
		var rel elf.Rel64
		if err = binary.Read(sr, bo, &rel); err == nil {
			r = Reloc{Off: rel.Off, Type: elf.R_TYPE64(rel.Info), Sym: elf.R_SYM64(rel.Info)}
		}
	case t.Rela:
		var rela elf.Rela32
		if err = binary.Read(sr, bo, &rela); err == nil {
			r = Reloc{Off: uint64(rela.Off), Type: elf.R_TYPE32(rela.Info), Sym: elf.R_SYM32(rela.Info), Addend: int64(rela.Addend)}
		}
	default:
		var rel elf.Rel32
		if err = binary.Read(sr, bo, &rel); err == nil {
			r = Reloc{Off: uint64(rel.Off), Type: elf.R_TYPE32(rel.Info), Sym: elf.R_SYM32(rel.Info)}
		}
	}
	if err != nil {
		return Reloc{}, fmt.Errorf("%w: read relocation %d at %#x: %v", ErrMalformed, i, addr, err)
	}
	return r, nil
}

// Symbol reads the dynamic symbol at index and resolves its name.
func (t *Table) Symbol(mem io.ReaderAt, index uint32) (Symbol, error) {
	addr := t.SymTab + uint64(index)*t.Layout.SymSize()
	sr := io.NewSectionReader(mem, int64(addr), int64(t.Layout.SymSize()))
	var (
		s    Symbol
		name uint32
		err  error
	)
	if t.Layout.Class == elf.ELFCLASS64 {
		var sym elf.Sym64
		if err = binary.Read(sr, t.Layout.ByteOrder, &sym); err == nil {
			name = sym.Name
			s = Symbol{Info: sym.Info, Other: sym.Other, Shndx: sym.Shndx, Value: sym.Value, Size: sym.Size}
		}
	} else {
		var sym elf.Sym32
		if err = binary.Read(sr, t.Layout.ByteOrder, &sym); err == nil {
			name = sym.Name
			s = Symbol{Info: sym.Info, Other: sym.Other, Shndx: sym.Shndx, Value: uint64(sym.Value), Size: uint64(sym.Size)}
		}
	}
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: read symbol %d at %#x: %v", ErrMalformed, index, addr, err)
	}
	if s.Name, err = t.Name(mem, name); err != nil {
		return Symbol{}, err
	}
	return s, nil
}

// Name reads the NUL-terminated string at off in the dynamic string table.
func (t *Table) Name(mem io.ReaderAt, off uint32) (string, error) {
	limit := int64(maxName)
	if t.StrSize != 0 {
		if uint64(off) >= t.StrSize {
			return "", fmt.Errorf("%w: string offset %d outside DT_STRSZ %d", ErrMalformed, off, t.StrSize)
		}
		limit = min(limit, int64(t.StrSize-uint64(off)))
	}
	sr := io.NewSectionReader(mem, int64(t.StrTab+uint64(off)), limit)
	var (
		data []byte
		buf  [0x10]byte
	)
	for pos := int64(0); ; {
		n, err := sr.ReadAt(buf[:], pos)
		if i := bytes.IndexByte(buf[:n], 0); i != -1 {
			return string(append(data, buf[:i]...)), nil
		}
		data = append(data, buf[:n]...)
		pos += int64(n)
		if err != nil || n == 0 {
			return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformed, t.StrTab+uint64(off))
		}
	}
}

func (l Layout) readDyn(r io.Reader) (elf.DynTag, uint64, error) {
	if l.Class == elf.ELFCLASS64 {
		var dyn elf.Dyn64
		if err := binary.Read(r, l.ByteOrder, &dyn); err != nil {
			return 0, 0, err
		}
		return elf.DynTag(dyn.Tag), dyn.Val, nil
	}
	var dyn elf.Dyn32
	if err := binary.Read(r, l.ByteOrder, &dyn); err != nil {
		return 0, 0, err
	}
	return elf.DynTag(dyn.Tag), uint64(dyn.Val), nil
}
