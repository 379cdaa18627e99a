// Package fake is an in-memory process for tests: a dynamic loader and an
// address space holding ELF64 x86-64 module images built from declarations.
package fake

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// offsets of the tables inside a module image
const (
	dynOff    = 0x1000
	symOff    = 0x2000
	strOff    = 0x3000
	relOff    = 0x4000
	gotOff    = 0x5000
	pltOff    = 0x6000
	imageSize = 0x7000

	// slots reserved for the loader at the start of .got.plt
	gotReserved = 3
	wordSize    = 8
	stubSize    = 16
)

// Import is one PLT relocation of a Library.
type Import struct {
	Name string
	// Type defaults to STT_FUNC
	Type elf.SymType
	// Bind defaults to STB_GLOBAL
	Bind elf.SymBind
	// RelType defaults to R_X86_64_JMP_SLOT
	RelType elf.R_X86_64
	// Bound is the initial slot value, the PLT stub when 0
	Bound uintptr
}

func (i Import) info() byte {
	typ, bind := i.Type, i.Bind
	if typ == 0 {
		typ = elf.STT_FUNC
	}
	if bind == 0 {
		bind = elf.STB_GLOBAL
	}
	return elf.ST_INFO(bind, typ)
}

func (i Import) relType() uint32 {
	if i.RelType == 0 {
		return uint32(elf.R_X86_64_JMP_SLOT)
	}
	return uint32(i.RelType)
}

// Library declares a shared object.
type Library struct {
	Path    string
	Imports []Import
	Exports map[string]uintptr
	// Rel uses DT_REL records instead of DT_RELA
	Rel bool

	// EntSize overrides the DT_RELENT or DT_RELAENT value
	EntSize uint64
	// SizeDelta is added to DT_PLTRELSZ
	SizeDelta int64
	// Omit drops dynamic section records
	Omit []elf.DynTag
	// PLTRel overrides the DT_PLTREL value
	PLTRel elf.DynTag
	// LinkTimeDyn leaves the d_ptr values unrelocated
	LinkTimeDyn bool
	// Misalign is added to every r_offset
	Misalign uint64
}

func (l *Library) entSize() uint64 {
	if l.Rel {
		return 16
	}
	return 24
}

// SlotOffset is the link-time address of the GOT slot of the i-th import.
func SlotOffset(i int) uint64 {
	return gotOff + uint64(gotReserved+i)*wordSize
}

// StubOffset is the link-time address of the PLT stub of the i-th import.
func StubOffset(i int) uint64 {
	return pltOff + uint64(i+1)*stubSize
}

func (l *Library) omitted(tag elf.DynTag) bool {
	for _, t := range l.Omit {
		if t == tag {
			return true
		}
	}
	return false
}

// image builds the mapped image of l loaded at base. Dynamic section values
// are absolute, as the loader leaves them after relocating itself.
func (l *Library) image(base uintptr) []byte {
	img := make([]byte, imageSize)
	le := binary.LittleEndian
	b := uint64(base)
	dynBase := b
	if l.LinkTimeDyn {
		dynBase = 0
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	var symtab, rels bytes.Buffer
	binary.Write(&symtab, le, elf.Sym64{})
	for i, imp := range l.Imports {
		name := uint32(strtab.Len())
		strtab.WriteString(imp.Name)
		strtab.WriteByte(0)
		binary.Write(&symtab, le, elf.Sym64{Name: name, Info: imp.info()})

		info := elf.R_INFO(uint32(i+1), imp.relType())
		if l.Rel {
			binary.Write(&rels, le, elf.Rel64{Off: SlotOffset(i) + l.Misalign, Info: info})
		} else {
			binary.Write(&rels, le, elf.Rela64{Off: SlotOffset(i) + l.Misalign, Info: info})
		}

		bound := uint64(imp.Bound)
		if bound == 0 {
			bound = b + StubOffset(i)
		}
		le.PutUint64(img[SlotOffset(i):], bound)
	}
	copy(img[symOff:], symtab.Bytes())
	copy(img[strOff:], strtab.Bytes())
	copy(img[relOff:], rels.Bytes())

	pltRel, entTag := elf.DT_RELA, elf.DT_RELAENT
	if l.Rel {
		pltRel, entTag = elf.DT_REL, elf.DT_RELENT
	}
	if l.PLTRel != 0 {
		pltRel = l.PLTRel
	}
	ent := l.entSize()
	if l.EntSize != 0 {
		ent = l.EntSize
	}
	dyn := []elf.Dyn64{
		{Tag: int64(elf.DT_PLTREL), Val: uint64(pltRel)},
		{Tag: int64(elf.DT_JMPREL), Val: dynBase + relOff},
		{Tag: int64(elf.DT_PLTRELSZ), Val: uint64(int64(rels.Len()) + l.SizeDelta)},
		{Tag: int64(entTag), Val: ent},
		{Tag: int64(elf.DT_SYMTAB), Val: dynBase + symOff},
		{Tag: int64(elf.DT_SYMENT), Val: 24},
		{Tag: int64(elf.DT_STRTAB), Val: dynBase + strOff},
		{Tag: int64(elf.DT_STRSZ), Val: uint64(strtab.Len())},
	}
	var dynBuf bytes.Buffer
	for _, d := range dyn {
		if l.omitted(elf.DynTag(d.Tag)) {
			continue
		}
		binary.Write(&dynBuf, le, d)
	}
	binary.Write(&dynBuf, le, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	copy(img[dynOff:], dynBuf.Bytes())
	return img
}
