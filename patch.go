package plthook

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/plthook/internal/dynamic"
)

// PatchRecord is one jump slot write.
type PatchRecord struct {
	Lib    string
	Symbol string
	// Slot is the absolute address of the GOT entry
	Slot uintptr
	// Previous is the slot value before the write
	Previous uintptr
	// Original is the address the library exports for Symbol
	Original    uintptr
	Replacement uintptr
}

// Patcher rewrites the jump slots of loaded modules. Pages it writes to stay
// writable afterwards, restoring the protection breaks hosts using partial
// RELRO that share the page with other lazily bound slots.
type Patcher struct {
	env *Env

	// one slot write at a time
	mu      sync.Mutex
	journal []PatchRecord
}

// Patch points the jump slot of sym in the module h at replacement. The
// returned record carries the original address of sym.
func (p *Patcher) Patch(h Handle, sym string, replacement uintptr) (*PatchRecord, error) {
	if h == 0 || sym == "" || replacement == 0 {
		return nil, fmt.Errorf("%w: BUG: required arguments are null (handle=%#x sym=%q replacement=%#x)",
			ErrInvalidArgument, h, sym, replacement)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patch(h, sym, replacement)
}

// Restore writes back the slot value rec was captured over.
func (p *Patcher) Restore(h Handle, rec *PatchRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: BUG: nil patch record", ErrInvalidArgument)
	}
	prev := rec.Previous
	if prev == 0 {
		prev = rec.Original
	}
	if h == 0 || prev == 0 {
		return fmt.Errorf("%w: BUG: required arguments are null (handle=%#x previous=%#x)", ErrInvalidArgument, h, prev)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.patch(h, rec.Symbol, prev)
	return err
}

// Journal returns every write done so far, oldest first.
func (p *Patcher) Journal() []PatchRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PatchRecord(nil), p.journal...)
}

func (p *Patcher) patch(h Handle, sym string, replacement uintptr) (*PatchRecord, error) {
	var (
		env = p.env
		mem = env.mem
		log = env.log.With(zap.String("sym", sym))
	)

	lm, err := env.loader.Info(h)
	if err != nil {
		return nil, fmt.Errorf("%w: could not get link map for lib: %v", ErrLoader, err)
	}
	log.Debug("lib is mapped", zap.String("lib", lm.Name), zap.Uintptr("base", lm.Base))

	tab, err := dynamic.Parse(mem, env.layout, uint64(lm.Dynamic), uint64(lm.Base))
	if err != nil {
		return nil, fmt.Errorf("lib %s: %w", lm.Name, err)
	}
	log.Debug("parsed DT_DYNAMIC",
		zap.Bool("rela", tab.Rela),
		zap.Uint64("jmprel", tab.JmpRel),
		zap.Uint64("pltrelsz", tab.JmpRelSize),
		zap.Uint64("symtab", tab.SymTab),
		zap.Uint64("strtab", tab.StrTab))

	for i := 0; i < tab.Len(); i++ {
		rel, err := tab.Reloc(mem, i)
		if err != nil {
			return nil, fmt.Errorf("lib %s: %w", lm.Name, err)
		}
		if err := tab.Layout.CheckJumpSlot(rel.Type); err != nil {
			return nil, fmt.Errorf("lib %s: relocation %d: %w", lm.Name, i, err)
		}
		s, err := tab.Symbol(mem, rel.Sym)
		if err != nil {
			return nil, fmt.Errorf("lib %s: relocation %d: %w", lm.Name, i, err)
		}
		if s.Name != sym {
			continue
		}

		slot := lm.Base + uintptr(rel.Off)
		log.Debug("found symbol", zap.Uint64("gotoff", rel.Off), zap.Uintptr("slot", slot))
		if ws := tab.Layout.WordSize(); uint64(slot)%ws != 0 {
			return nil, fmt.Errorf("%w: lib %s: slot %#x of %s is not aligned to %d bytes", ErrLayout, lm.Name, slot, sym, ws)
		}
		if err := dynamic.CheckSymbol(s.Info); err != nil {
			return nil, fmt.Errorf("lib %s: %s (gotoff=%#x): %w", lm.Name, sym, rel.Off, err)
		}

		orig, err := env.loader.Sym(h, sym)
		if err != nil {
			return nil, fmt.Errorf("%w: could not dlsym %s: %v", ErrSymbolNotFound, sym, err)
		}
		prev, err := mem.Load(slot)
		if err != nil {
			return nil, fmt.Errorf("%w: could not read slot %#x: %v", ErrProtect, slot, err)
		}

		ps := mem.PageSize()
		if ps == 0 || ps&(ps-1) != 0 {
			return nil, fmt.Errorf("%w: could not get memory page size (got %d)", ErrProtect, ps)
		}
		page := slot &^ (ps - 1)
		if err := mem.Unprotect(page, ps); err != nil {
			return nil, fmt.Errorf("%w: could not set memory protection of page %#x containing %#x to PROT_READ|PROT_WRITE: %v",
				ErrProtect, page, slot, err)
		}
		if err := mem.Store(slot, replacement); err != nil {
			return nil, fmt.Errorf("%w: could not write slot %#x: %v", ErrProtect, slot, err)
		}

		rec := PatchRecord{
			Lib:         lm.Name,
			Symbol:      sym,
			Slot:        slot,
			Previous:    prev,
			Original:    orig,
			Replacement: replacement,
		}
		p.journal = append(p.journal, rec)
		log.Info("patched symbol",
			zap.Uintptr("slot", slot),
			zap.Uintptr("orig", orig),
			zap.Uintptr("previous", prev),
			zap.Uintptr("new", replacement))
		return &rec, nil
	}
	return nil, fmt.Errorf("%w: %s is not in the PLT relocations of %s", ErrSymbolNotFound, sym, lm.Name)
}
