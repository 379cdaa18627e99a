package symbols

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/k2io/plthook/internal/dynamic"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) layout() dynamic.Layout {
	return dynamic.Layout{Class: e.elf.Class, ByteOrder: e.elf.ByteOrder, Machine: e.elf.Machine}
}

// pltSection finds the PLT relocation section, .rela.plt or .rel.plt.
func (e *elfFile) pltSection() (*elf.Section, bool) {
	for _, name := range []string{".rela.plt", ".rel.plt"} {
		if s := e.elf.Section(name); s != nil {
			return s, s.Type == elf.SHT_RELA
		}
	}
	return nil, false
}

func (e *elfFile) Imports() (*Object, error) {
	l := e.layout()
	obj := &Object{
		Class:   e.elf.Class,
		Machine: e.elf.Machine,
		Imports: make(map[string]Import),
	}
	sec, rela := e.pltSection()
	if sec == nil {
		return obj, nil
	}
	obj.Rela = rela
	slot, ok := l.JumpSlot()
	if !ok {
		return nil, fmt.Errorf("%w: no jump slot relocation known for machine %v", dynamic.ErrUnsupported, l.Machine)
	}

	syms, err := e.elf.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	// the relocations are read with the same decoder the patcher uses, the
	// section is the whole address space
	tab := &dynamic.Table{
		Layout:     l,
		Rela:       rela,
		JmpRelSize: sec.Size,
		EntSize:    l.RelSize(rela),
	}
	if sec.Size%tab.EntSize != 0 {
		return nil, fmt.Errorf("%w: %s length %d is not a multiple of entry size %d", dynamic.ErrMalformed, sec.Name, sec.Size, tab.EntSize)
	}

	stubs := e.stubs()
	for i := 0; i < tab.Len(); i++ {
		rel, err := tab.Reloc(sec, i)
		if err != nil {
			return nil, err
		}
		imp := Import{RelType: rel.Type, JumpSlot: rel.Type == slot, Slot: rel.Off, Stub: stubs[rel.Off]}
		// DynamicSymbols drops the null symbol at index 0
		if rel.Sym != 0 && int(rel.Sym) <= len(syms) {
			s := syms[rel.Sym-1]
			imp.Name = s.Name
			imp.Info = s.Info
		}
		if !imp.JumpSlot || imp.Name == "" {
			obj.Foreign = append(obj.Foreign, imp)
			continue
		}
		obj.Imports[imp.Name] = imp
	}
	return obj, nil
}
