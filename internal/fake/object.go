package fake

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// link-time layout of the file written by SharedObject
const (
	objStrOff = 0x200
	objSymOff = 0x400
	objRelOff = 0x800
	objPltOff = 0x1000
	objGotOff = 0x2000
	objShOff  = 0x3000
)

// SharedObject returns lib as an ELF64 x86-64 shared object file with the
// sections an offline reader needs: .dynstr, .dynsym, .rela.plt (or
// .rel.plt), .plt and .got.plt. File offsets equal addresses.
func SharedObject(lib Library) []byte {
	le := binary.LittleEndian

	var dynstr, dynsym, rels bytes.Buffer
	dynstr.WriteByte(0)
	binary.Write(&dynsym, le, elf.Sym64{})
	plt := make([]byte, (len(lib.Imports)+1)*stubSize)
	got := make([]byte, (len(lib.Imports)+gotReserved)*wordSize)

	// PLT0: push GOT+8(%rip); jmp *GOT+16(%rip); nop
	copy(plt, []byte{0xff, 0x35})
	le.PutUint32(plt[2:], uint32(objGotOff+8-(objPltOff+6)))
	copy(plt[6:], []byte{0xff, 0x25})
	le.PutUint32(plt[8:], uint32(objGotOff+16-(objPltOff+12)))
	copy(plt[12:], []byte{0x0f, 0x1f, 0x40, 0x00})

	for i, imp := range lib.Imports {
		name := uint32(dynstr.Len())
		dynstr.WriteString(imp.Name)
		dynstr.WriteByte(0)
		binary.Write(&dynsym, le, elf.Sym64{Name: name, Info: imp.info()})

		slot := objGotOff + uint64(gotReserved+i)*wordSize
		info := elf.R_INFO(uint32(i+1), imp.relType())
		if lib.Rel {
			binary.Write(&rels, le, elf.Rel64{Off: slot, Info: info})
		} else {
			binary.Write(&rels, le, elf.Rela64{Off: slot, Info: info})
		}

		// jmp *slot(%rip); push $i; jmp PLT0
		stub := uint64(objPltOff + (i+1)*stubSize)
		e := plt[(i+1)*stubSize:]
		copy(e, []byte{0xff, 0x25})
		le.PutUint32(e[2:], uint32(slot-(stub+6)))
		e[6] = 0x68
		le.PutUint32(e[7:], uint32(i))
		e[11] = 0xe9
		le.PutUint32(e[12:], uint32(int32(objPltOff)-int32(stub+16)))
		le.PutUint64(got[(gotReserved+i)*wordSize:], stub+6)
	}

	relName, relType, relEnt := ".rela.plt", elf.SHT_RELA, uint64(24)
	if lib.Rel {
		relName, relType, relEnt = ".rel.plt", elf.SHT_REL, 16
	}

	var shstr bytes.Buffer
	shstr.WriteByte(0)
	shName := func(s string) uint32 {
		off := uint32(shstr.Len())
		shstr.WriteString(s)
		shstr.WriteByte(0)
		return off
	}
	sections := []elf.Section64{
		{},
		{Name: shName(".dynstr"), Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC),
			Addr: objStrOff, Off: objStrOff, Size: uint64(dynstr.Len()), Addralign: 1},
		{Name: shName(".dynsym"), Type: uint32(elf.SHT_DYNSYM), Flags: uint64(elf.SHF_ALLOC),
			Addr: objSymOff, Off: objSymOff, Size: uint64(dynsym.Len()), Link: 1, Info: 1, Addralign: 8, Entsize: 24},
		{Name: shName(relName), Type: uint32(relType), Flags: uint64(elf.SHF_ALLOC | elf.SHF_INFO_LINK),
			Addr: objRelOff, Off: objRelOff, Size: uint64(rels.Len()), Link: 2, Info: 5, Addralign: 8, Entsize: relEnt},
		{Name: shName(".plt"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: objPltOff, Off: objPltOff, Size: uint64(len(plt)), Addralign: 16, Entsize: stubSize},
		{Name: shName(".got.plt"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: objGotOff, Off: objGotOff, Size: uint64(len(got)), Addralign: 8, Entsize: wordSize},
	}
	shstrndx := len(sections)
	shstrName := shName(".shstrtab")
	shstrOff := uint64(objShOff + (len(sections)+1)*64)
	sections = append(sections, elf.Section64{Name: shstrName, Type: uint32(elf.SHT_STRTAB),
		Off: shstrOff, Size: uint64(shstr.Len()), Addralign: 1})

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(elf.ET_DYN)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Shoff = objShOff
	hdr.Ehsize = 64
	hdr.Phentsize = 56
	hdr.Shentsize = 64
	hdr.Shnum = uint16(len(sections))
	hdr.Shstrndx = uint16(shstrndx)

	out := make([]byte, shstrOff+uint64(shstr.Len()))
	var hb bytes.Buffer
	binary.Write(&hb, le, &hdr)
	copy(out, hb.Bytes())
	copy(out[objStrOff:], dynstr.Bytes())
	copy(out[objSymOff:], dynsym.Bytes())
	copy(out[objRelOff:], rels.Bytes())
	copy(out[objPltOff:], plt)
	copy(out[objGotOff:], got)
	var sb bytes.Buffer
	for _, s := range sections {
		binary.Write(&sb, le, s)
	}
	copy(out[objShOff:], sb.Bytes())
	copy(out[shstrOff:], shstr.Bytes())
	return out
}

// ObjectSlot is the address of the GOT slot of the i-th import in a
// SharedObject file.
func ObjectSlot(i int) uint64 {
	return objGotOff + uint64(gotReserved+i)*wordSize
}

// ObjectStub is the address of the PLT stub of the i-th import in a
// SharedObject file.
func ObjectStub(i int) uint64 {
	return objPltOff + uint64(i+1)*stubSize
}
