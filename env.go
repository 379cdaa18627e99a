package plthook

import (
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/k2io/plthook/internal/diag"
	"github.com/k2io/plthook/internal/dl"
	"github.com/k2io/plthook/internal/dynamic"
)

// Env bundles the process facilities every component works against. The
// zero value is not usable, create one with NewEnv.
type Env struct {
	loader   Loader
	mem      Memory
	fs       afero.Fs
	clock    clockwork.Clock
	realpath func(string) (string, error)
	layout   dynamic.Layout
	sink     *diag.Sink
	log      *zap.Logger

	// detached restore tasks
	tasks   errgroup.Group
	patcher *Patcher
}

// Option configures an Env.
type Option func(*Env)

// WithLoader replaces the dynamic loader.
func WithLoader(l Loader) Option { return func(e *Env) { e.loader = l } }

// WithMemory replaces the process memory.
func WithMemory(m Memory) Option { return func(e *Env) { e.mem = m } }

// WithFs replaces the filesystem the failsafe and the uninstall flags live on.
func WithFs(fs afero.Fs) Option { return func(e *Env) { e.fs = fs } }

// WithClock replaces the clock the delayed restore waits on.
func WithClock(c clockwork.Clock) Option { return func(e *Env) { e.clock = c } }

// WithRealpath replaces the function canonicalizing the module path.
func WithRealpath(f func(string) (string, error)) Option { return func(e *Env) { e.realpath = f } }

// WithLayout overrides the ELF layout of the modules patched.
func WithLayout(l dynamic.Layout) Option { return func(e *Env) { e.layout = l } }

// WithSink replaces the diagnostics sink.
func WithSink(s *diag.Sink) Option { return func(e *Env) { e.sink = s } }

// NewEnv returns an Env for the running process, adjusted by opts.
func NewEnv(opts ...Option) *Env {
	e := &Env{
		loader:   dl.New(),
		mem:      ProcessMemory(),
		fs:       afero.NewOsFs(),
		clock:    clockwork.NewRealClock(),
		realpath: realpath,
		layout:   dynamic.Native(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = diag.New("plthook")
	}
	e.log = e.sink.Logger()
	e.patcher = &Patcher{env: e}
	return e
}

// Patcher returns the relocation patcher bound to this Env.
func (e *Env) Patcher() *Patcher { return e.patcher }

// Sink returns the diagnostics sink.
func (e *Env) Sink() *diag.Sink { return e.sink }

// Wait blocks until every scheduled restore has run.
func (e *Env) Wait() error {
	return e.tasks.Wait()
}

func (e *Env) spawn(f func() error) {
	e.tasks.Go(f)
}

func realpath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
