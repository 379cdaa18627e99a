package fake

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/k2io/plthook/internal/dl"
	"github.com/k2io/plthook/internal/dynamic"
)

const (
	firstBase = 0x7f0000000000
	baseStep  = 0x100000
	pageSize  = 0x1000
)

var (
	// ErrNotFound is returned by every failed loader query
	ErrNotFound = errors.New("fake: not found")
	// ErrFault means an access outside the mapped images
	ErrFault = errors.New("fake: segmentation fault")
	// ErrProtect is returned by Unprotect when FailProtect is set
	ErrProtect = errors.New("fake: mprotect denied")
)

// Open records one dlopen call.
type Open struct {
	Path  string
	Flags dl.Flag
}

type module struct {
	lib  Library
	base uintptr
	mem  []byte
}

func (m *module) handle() dl.Handle { return dl.Handle(m.base) }

// Process is a fake process. It implements the loader and memory interfaces
// of the patcher.
type Process struct {
	mu      sync.Mutex
	mods    []*module
	globals map[string]uintptr
	// writable pages, GOT pages start read-only
	writable map[uintptr]bool
	opens    []Open

	// SelfPath is what Owner returns
	SelfPath string
	// OwnerErr makes Owner fail
	OwnerErr error
	// FailProtect makes Unprotect fail
	FailProtect bool
	// Unprotected counts the successful Unprotect calls
	Unprotected int
}

// New returns a process with libs loaded.
func New(libs ...Library) *Process {
	p := &Process{
		globals:  make(map[string]uintptr),
		writable: make(map[uintptr]bool),
	}
	for _, l := range libs {
		p.Add(l)
	}
	return p
}

// Add maps lib and returns its handle.
func (p *Process) Add(lib Library) dl.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := uintptr(firstBase + len(p.mods)*baseStep)
	m := &module{lib: lib, base: base, mem: lib.image(base)}
	p.mods = append(p.mods, m)
	for off := uintptr(0); off < imageSize; off += pageSize {
		p.writable[base+off] = off != gotOff
	}
	return m.handle()
}

// SetGlobal makes name resolvable process-wide.
func (p *Process) SetGlobal(name string, addr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globals[name] = addr
}

// Layout is the ELF layout of the images.
func (p *Process) Layout() dynamic.Layout {
	return dynamic.Layout{Class: elf.ELFCLASS64, ByteOrder: binary.LittleEndian, Machine: elf.EM_X86_64}
}

// Opens returns the dlopen calls made so far.
func (p *Process) Opens() []Open {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Open(nil), p.opens...)
}

func (p *Process) find(path string) *module {
	for _, m := range p.mods {
		if m.lib.Path == path {
			return m
		}
	}
	for _, m := range p.mods {
		if filepath.Base(m.lib.Path) == filepath.Base(path) {
			return m
		}
	}
	return nil
}

func (p *Process) byHandle(h dl.Handle) *module {
	for _, m := range p.mods {
		if m.handle() == h {
			return m
		}
	}
	return nil
}

func (p *Process) byAddr(addr uintptr) *module {
	for _, m := range p.mods {
		if addr >= m.base && addr < m.base+imageSize {
			return m
		}
	}
	return nil
}

// Open returns the handle of a mapped library.
func (p *Process) Open(path string, flags dl.Flag) (dl.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens = append(p.opens, Open{Path: path, Flags: flags})
	m := p.find(path)
	if m == nil {
		return 0, fmt.Errorf("dlopen(%s): %w", path, ErrNotFound)
	}
	return m.handle(), nil
}

// Handle returns the handle of the library at path without recording a
// dlopen, 0 when it is not mapped.
func (p *Process) Handle(path string) dl.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.find(path); m != nil {
		return m.handle()
	}
	return 0
}

// Info returns the link map of h.
func (p *Process) Info(h dl.Handle) (dl.LinkMap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byHandle(h)
	if m == nil {
		return dl.LinkMap{}, fmt.Errorf("dlinfo(%#x): %w", uintptr(h), ErrNotFound)
	}
	return dl.LinkMap{Name: m.lib.Path, Base: m.base, Dynamic: m.base + dynOff}, nil
}

// Sym looks name up in h, then in every other library.
func (p *Process) Sym(h dl.Handle, name string) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byHandle(h)
	if m == nil {
		return 0, fmt.Errorf("dlsym(%#x): %w: bad handle", uintptr(h), ErrNotFound)
	}
	if addr, ok := m.lib.Exports[name]; ok {
		return addr, nil
	}
	if addr, ok := p.lookup(name); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("dlsym(%s): %w", name, ErrNotFound)
}

// Lookup resolves name process-wide.
func (p *Process) Lookup(name string) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr, ok := p.lookup(name); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("dlsym(RTLD_DEFAULT, %s): %w", name, ErrNotFound)
}

func (p *Process) lookup(name string) (uintptr, bool) {
	if addr, ok := p.globals[name]; ok {
		return addr, true
	}
	for _, m := range p.mods {
		if addr, ok := m.lib.Exports[name]; ok {
			return addr, true
		}
	}
	return 0, false
}

// Owner returns SelfPath for every address.
func (p *Process) Owner(addr uintptr) (string, error) {
	if p.OwnerErr != nil {
		return "", p.OwnerErr
	}
	if p.SelfPath == "" {
		return "", fmt.Errorf("dladdr(%#x): %w", addr, ErrNotFound)
	}
	return p.SelfPath, nil
}

// ReadAt reads the images, off is an absolute address.
func (p *Process) ReadAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byAddr(uintptr(off))
	if m == nil {
		return 0, fmt.Errorf("read %#x: %w", off, ErrFault)
	}
	n := copy(b, m.mem[uintptr(off)-m.base:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Load reads the word at addr.
func (p *Process) Load(addr uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byAddr(addr)
	if m == nil || addr+wordSize > m.base+imageSize {
		return 0, fmt.Errorf("load %#x: %w", addr, ErrFault)
	}
	return uintptr(binary.LittleEndian.Uint64(m.mem[addr-m.base:])), nil
}

// Store writes the word at addr. The page must be writable.
func (p *Process) Store(addr, v uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byAddr(addr)
	if m == nil || addr+wordSize > m.base+imageSize {
		return fmt.Errorf("store %#x: %w", addr, ErrFault)
	}
	if !p.writable[addr&^(pageSize-1)] {
		return fmt.Errorf("store %#x: %w: page is read-only", addr, ErrFault)
	}
	binary.LittleEndian.PutUint64(m.mem[addr-m.base:], uint64(v))
	return nil
}

// PageSize is 4 KiB.
func (p *Process) PageSize() uintptr { return pageSize }

// Unprotect makes the pages in range writable.
func (p *Process) Unprotect(page, size uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailProtect {
		return ErrProtect
	}
	for a := page &^ (pageSize - 1); a < page+size; a += pageSize {
		if p.byAddr(a) == nil {
			return fmt.Errorf("mprotect %#x: %w", a, ErrFault)
		}
		p.writable[a] = true
	}
	p.Unprotected++
	return nil
}

// Slot returns the GOT slot value of sym in the library at path.
func (p *Process) Slot(path, sym string) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.find(path)
	if m == nil {
		return 0
	}
	for i, imp := range m.lib.Imports {
		if imp.Name == sym {
			return uintptr(binary.LittleEndian.Uint64(m.mem[SlotOffset(i):]))
		}
	}
	return 0
}

// Call returns where a call to sym through the PLT of the library at path
// lands. An unbound slot is resolved the way the lazy binder would.
func (p *Process) Call(path, sym string) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.find(path)
	if m == nil {
		return 0
	}
	for i, imp := range m.lib.Imports {
		if imp.Name != sym {
			continue
		}
		v := uintptr(binary.LittleEndian.Uint64(m.mem[SlotOffset(i):]))
		if v != m.base+uintptr(StubOffset(i)) {
			return v
		}
		addr, _ := p.lookup(sym)
		return addr
	}
	return 0
}

// Base returns the load bias of the library at path.
func (p *Process) Base(path string) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.find(path); m != nil {
		return m.base
	}
	return 0
}
