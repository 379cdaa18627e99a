package dynamic

import (
	"debug/elf"
	"fmt"
)

// CheckJumpSlot rejects any relocation type other than the layout's jump slot.
func (l Layout) CheckJumpSlot(typ uint32) error {
	want, ok := l.JumpSlot()
	if !ok {
		return fmt.Errorf("%w: no jump slot relocation known for machine %v", ErrUnsupported, l.Machine)
	}
	if typ != want {
		return fmt.Errorf("%w: not a jump slot relocation (R_TYPE=%d, want %d)", ErrUnsupported, typ, want)
	}
	return nil
}

// CheckSymbol reports whether a symbol with the given st_info can have its
// jump slot redirected: a globally bound function that is not an IFUNC.
func CheckSymbol(info byte) error {
	typ, bind := elf.ST_TYPE(info), elf.ST_BIND(info)
	switch {
	case typ == elf.STT_GNU_IFUNC:
		return fmt.Errorf("%w: STT_GNU_IFUNC symbols are not implemented", ErrUnsupported)
	case typ != elf.STT_FUNC:
		return fmt.Errorf("%w: not a function symbol (ST_TYPE=%v)", ErrUnsupported, typ)
	case bind != elf.STB_GLOBAL:
		return fmt.Errorf("%w: not a globally bound symbol (ST_BIND=%v)", ErrUnsupported, bind)
	}
	return nil
}
