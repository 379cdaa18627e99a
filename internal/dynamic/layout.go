// Package dynamic reads the dynamic section of a loaded ELF module and exposes
// a validated view of its procedure-linkage relocations.
package dynamic

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"runtime"
	"strconv"
)

var (
	// ErrMalformed means the dynamic section or one of the tables it points
	// to does not have the expected shape
	ErrMalformed = errors.New("malformed dynamic section")
	// ErrUnsupported means the module uses a feature the patcher does not handle
	ErrUnsupported = errors.New("unsupported")
)

// Layout describes the ELF flavor of the modules mapped in a process.
type Layout struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Machine   elf.Machine
	// LinkTimeDyn is set where the loader maps the dynamic section
	// read-only and never relocates its d_ptr values (MIPS, RISC-V)
	LinkTimeDyn bool
}

// machines with a lazy jump-slot relocation model
var jumpSlots = map[elf.Machine]uint32{
	elf.EM_386:     uint32(elf.R_386_JMP_SLOT),
	elf.EM_X86_64:  uint32(elf.R_X86_64_JMP_SLOT),
	elf.EM_ARM:     uint32(elf.R_ARM_JUMP_SLOT),
	elf.EM_AARCH64: uint32(elf.R_AARCH64_JUMP_SLOT),
	elf.EM_RISCV:   uint32(elf.R_RISCV_JUMP_SLOT),
}

// Native returns the layout of the running process.
func Native() Layout {
	l := Layout{
		Class:     elf.ELFCLASS64,
		ByteOrder: binary.LittleEndian,
		Machine:   elf.EM_NONE,
	}
	if strconv.IntSize == 32 {
		l.Class = elf.ELFCLASS32
	}
	switch runtime.GOARCH {
	case "amd64":
		l.Machine = elf.EM_X86_64
	case "386":
		l.Machine = elf.EM_386
	case "arm":
		l.Machine = elf.EM_ARM
	case "arm64":
		l.Machine = elf.EM_AARCH64
	case "riscv64":
		l.Machine = elf.EM_RISCV
		l.LinkTimeDyn = true
	}
	return l
}

// JumpSlot returns the jump-slot relocation type for the layout's machine.
func (l Layout) JumpSlot() (uint32, bool) {
	typ, ok := jumpSlots[l.Machine]
	return typ, ok
}

// RelSize is the size of one relocation record, with or without addend.
func (l Layout) RelSize(rela bool) uint64 {
	switch {
	case l.Class == elf.ELFCLASS64 && rela:
		return 24
	case l.Class == elf.ELFCLASS64:
		return 16
	case rela:
		return 12
	default:
		return 8
	}
}

// SymSize is the size of one dynamic symbol table entry.
func (l Layout) SymSize() uint64 {
	if l.Class == elf.ELFCLASS64 {
		return 24
	}
	return 16
}

// WordSize is the size of a GOT slot.
func (l Layout) WordSize() uint64 {
	if l.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (l Layout) dynSize() uint64 {
	if l.Class == elf.ELFCLASS64 {
		return 16
	}
	return 8
}
