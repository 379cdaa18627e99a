// Package plthook interposes functions of loaded ELF shared libraries by
// rewriting their jump slots, inside a failsafe that keeps a broken mod from
// being loaded again.
package plthook

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/k2io/plthook/internal/config"
	"github.com/k2io/plthook/internal/diag"
	"github.com/k2io/plthook/internal/dl"
	"github.com/k2io/plthook/internal/dynamic"
)

// Version is logged when a mod initializes.
var Version = "v0.1.0"

type (
	// Handle is a module reference borrowed from the dynamic loader.
	Handle = dl.Handle
	// LinkMap is the load metadata of a module.
	LinkMap = dl.LinkMap
	// Info describes a mod and its lifecycle flags.
	Info = config.Info
)

// Loader is the dynamic loader of the process.
type Loader interface {
	// Open loads path, or returns the existing handle when it is loaded.
	Open(path string, flags dl.Flag) (Handle, error)
	// Info returns the link map of a module.
	Info(h Handle) (LinkMap, error)
	// Sym returns the address of name as exported by h.
	Sym(h Handle, name string) (uintptr, error)
	// Lookup resolves name in the default lookup scope of the process.
	Lookup(name string) (uintptr, error)
	// Owner returns the path of the module containing addr.
	Owner(addr uintptr) (string, error)
}

var (
	// ErrLayout means a module has a malformed dynamic section
	ErrLayout = dynamic.ErrMalformed
	// ErrUnsupported means a relocation or symbol kind cannot be patched
	ErrUnsupported = dynamic.ErrUnsupported
	// ErrSymbolNotFound means a symbol is neither imported nor exported where expected
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrLibNotFound means an owning library could not be loaded
	ErrLibNotFound = errors.New("library not found")
	// ErrLoader means the dynamic loader refused a query
	ErrLoader = errors.New("loader error")
	// ErrProtect means a page protection could not be changed
	ErrProtect = errors.New("memory protection error")
	// ErrInvalidArgument means a required argument is missing
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrFailsafeLoaded means the mod was loaded from its failsafe file
	ErrFailsafeLoaded = errors.New("loaded from failsafe file")
	// ErrFailsafe means the failsafe could not be armed
	ErrFailsafe = errors.New("failsafe error")
	// ErrInvalidTable means a hook or resolution table is malformed
	ErrInvalidTable = config.ErrInvalid
	// ErrInitFailed means the init callback of a mod failed
	ErrInitFailed = errors.New("init callback failed")
)

// Hook replaces Sym in the jump slots of Lib with SymNew, exported by the mod.
type Hook struct {
	Sym    string `validate:"required"`
	SymNew string `validate:"required"`
	Lib    string `validate:"required"`
	// Out receives the address Sym resolved to before hooking, 0 when skipped
	Out  *uintptr `validate:"required"`
	Desc string
	// Optional turns failures into a logged skip
	Optional bool
}

// Key identifies the hook in Result.Originals.
func (h *Hook) Key() string {
	return h.Lib + ":" + h.Sym
}

func (h *Hook) String() string {
	if h.Desc != "" {
		return fmt.Sprintf("%s (%s)", h.Key(), h.Desc)
	}
	return h.Key()
}

// Dlsym resolves Name in the default lookup scope into Out.
type Dlsym struct {
	Name     string   `validate:"required"`
	Out      *uintptr `validate:"required"`
	Desc     string
	Optional bool
}

// Mod is everything a mod declares.
type Mod struct {
	Info Info
	// Target is loaded and pinned before hooking, hooks against it reuse its handle
	Target string
	Hooks  []Hook  `validate:"dive"`
	Dlsyms []Dlsym `validate:"dive"`
	// Init runs once after every hook is live, an error rolls them back
	Init func() error
}

// Result describes a committed mod.
type Result struct {
	// Uninstalled is set when a lifecycle flag removed the mod instead
	Uninstalled bool
	Symbols     map[string]uintptr
	// Originals maps Hook.Key to the original address
	Originals map[string]uintptr
	Patches   []PatchRecord
}

func newResult() *Result {
	return &Result{
		Symbols:   make(map[string]uintptr),
		Originals: make(map[string]uintptr),
	}
}

// ValidateTables rejects tables with missing names or output slots.
func ValidateTables(hooks []Hook, dlsyms []Dlsym) error {
	return config.Validate(&struct {
		Hooks  []Hook  `validate:"dive"`
		Dlsyms []Dlsym `validate:"dive"`
	}{hooks, dlsyms})
}

// Init runs mod in the current process. NH_* environment variables override
// its lifecycle flags, and the diagnostics also go to syslog.
func Init(mod *Mod, opts ...Option) (*Result, error) {
	m := *mod
	if err := config.ApplyEnv(&m.Info); err != nil {
		return nil, err
	}
	dir := m.Info.DumpDir
	if dir == "" {
		dir = os.TempDir()
	}
	sink := diag.New(m.Info.Name, diag.WithSyslog(), diag.WithDumpDir(afero.NewOsFs(), dir))
	env := NewEnv(append([]Option{WithSink(sink)}, opts...)...)
	return env.Run(&m)
}

// Run arms the failsafe, applies the tables of mod, and disarms the failsafe.
// A fatal error is returned after the hooks are rolled back and the
// diagnostics are dumped. A mod removed by its lifecycle flags returns a
// Result with Uninstalled set.
func (e *Env) Run(mod *Mod) (*Result, error) {
	log := e.log
	log.Info("initializing", zap.String("mod", mod.Info.Name), zap.String("version", Version))
	if mod.Info.Desc != "" {
		log.Info(mod.Info.Desc)
	}

	log.Info("creating failsafe")
	g, err := Arm(e)
	if err != nil {
		log.Error("error creating failsafe, returning", zap.Error(err))
		e.dump()
		return nil, err
	}

	res, err := e.run(mod, g)
	if err != nil {
		log.Error("fatal error", zap.Error(err))
		e.dump()
	}
	if res != nil && res.Uninstalled {
		log.Info("done")
		return res, nil
	}

	log.Info("destroying failsafe", zap.Duration("delay", mod.Info.Delay()))
	g.Disarm(mod.Info.Delay())
	if err == nil {
		log.Info("done")
	}
	return res, err
}

func (e *Env) dump() {
	if path, err := e.sink.Dump(); err != nil {
		e.log.Warn("could not dump log", zap.Error(err))
	} else {
		e.log.Info("dumped log", zap.String("path", path))
	}
}

func (e *Env) run(mod *Mod, g *Guard) (*Result, error) {
	log := e.log
	log.Info("checking config")
	if err := config.Validate(mod); err != nil {
		return nil, err
	}

	if f := mod.Info.UninstallFlag; f != "" {
		log.Info("checking for uninstall flag", zap.String("path", f))
		if ok, _ := afero.Exists(e.fs, f); ok {
			log.Info("flag found, uninstalling")
			if err := e.fs.Remove(f); err != nil {
				log.Warn("could not delete uninstall flag", zap.Error(err))
			}
			g.Uninstall()
			return &Result{Uninstalled: true}, nil
		}
	}
	if f := mod.Info.UninstallXFlag; f != "" {
		log.Info("checking for uninstall xflag", zap.String("path", f))
		if _, err := e.fs.Stat(f); errors.Is(err, os.ErrNotExist) {
			log.Info("xflag not found, uninstalling")
			g.Uninstall()
			return &Result{Uninstalled: true}, nil
		}
	}

	var target Handle
	if mod.Target != "" {
		log.Info("loading target", zap.String("lib", mod.Target))
		h, err := e.loader.Open(mod.Target, dl.Lazy|dl.NoDelete)
		if err != nil {
			return nil, fmt.Errorf("%w: could not dlopen target %s: %v", ErrLibNotFound, mod.Target, err)
		}
		target = h
	}

	return NewTxn(e, g.Handle(), mod.Target, target).Apply(mod.Hooks, mod.Dlsyms, mod.Init)
}
