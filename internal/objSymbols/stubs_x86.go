package symbols

import (
	"bytes"
	"debug/elf"

	"golang.org/x/arch/x86/x86asm"
)

const pltEntrySize = 16

var (
	endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}
	endbr32 = []byte{0xf3, 0x0f, 0x1e, 0xfb}
)

// stubs maps GOT slot addresses to the PLT stubs jumping through them. Only
// x86 stubs are decoded, other machines get an empty map.
func (e *elfFile) stubs() map[uint64]uint64 {
	out := make(map[uint64]uint64)
	var mode int
	switch e.elf.Machine {
	case elf.EM_X86_64:
		mode = 64
	case elf.EM_386:
		mode = 32
	default:
		return out
	}
	var gotplt uint64
	if s := e.elf.Section(".got.plt"); s != nil {
		gotplt = s.Addr
	} else if s := e.elf.Section(".got"); s != nil {
		gotplt = s.Addr
	}
	for _, name := range []string{".plt", ".plt.sec"} {
		s := e.elf.Section(name)
		if s == nil || s.Type == elf.SHT_NOBITS {
			continue
		}
		code, err := s.Data()
		if err != nil {
			continue
		}
		decodeStubs(code, s.Addr, mode, gotplt, out)
	}
	return out
}

func decodeStubs(code []byte, base uint64, mode int, gotplt uint64, out map[uint64]uint64) {
	for pc := 0; pc < len(code); {
		if bytes.HasPrefix(code[pc:], endbr64) || bytes.HasPrefix(code[pc:], endbr32) {
			pc += len(endbr64)
			continue
		}
		inst, err := x86asm.Decode(code[pc:], mode)
		if err != nil || inst.Len == 0 {
			pc++
			continue
		}
		if slot, ok := jumpSlot(inst, base+uint64(pc), gotplt); ok {
			stub := (base + uint64(pc)) &^ (pltEntrySize - 1)
			if _, seen := out[slot]; !seen {
				out[slot] = stub
			}
		}
		pc += inst.Len
	}
}

// jumpSlot returns the memory operand of an indirect jmp as an address.
func jumpSlot(inst x86asm.Inst, pc, gotplt uint64) (uint64, bool) {
	if inst.Op != x86asm.JMP {
		return 0, false
	}
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok || m.Index != 0 {
		return 0, false
	}
	switch m.Base {
	case x86asm.RIP:
		return pc + uint64(inst.Len) + uint64(m.Disp), true
	case x86asm.EBX:
		// i386 PIC stubs address the GOT through %ebx
		return gotplt + uint64(m.Disp), true
	case 0:
		return uint64(m.Disp), true
	}
	return 0, false
}
