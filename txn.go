package plthook

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/k2io/plthook/internal/config"
	"github.com/k2io/plthook/internal/dl"
)

// State is the progress of a Txn.
type State int

const (
	Idle State = iota
	ResolvingSymbols
	ApplyingHooks
	Committed
	RollingBack
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingSymbols:
		return "resolving symbols"
	case ApplyingHooks:
		return "applying hooks"
	case Committed:
		return "committed"
	case RollingBack:
		return "rolling back"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type appliedHook struct {
	hook *Hook
	lib  Handle
	rec  *PatchRecord
}

// Txn applies the hook and resolution tables of a mod as one unit.
type Txn struct {
	env        *Env
	log        *zap.Logger
	self       Handle
	targetName string
	target     Handle
	state      State
	// owning libraries opened so far
	libs map[string]Handle
	// hooks to undo on failure, in application order
	applied []appliedHook
}

// NewTxn returns a transaction resolving replacements in self and reusing
// target for hooks whose library is targetName. target may be 0.
func NewTxn(env *Env, self Handle, targetName string, target Handle) *Txn {
	return &Txn{
		env:        env,
		log:        env.log.Named("txn"),
		self:       self,
		targetName: targetName,
		target:     target,
		libs:       make(map[string]Handle),
	}
}

// State returns the current state.
func (t *Txn) State() State { return t.state }

func (t *Txn) setState(s State) {
	t.log.Debug("state", zap.Stringer("from", t.state), zap.Stringer("to", s))
	t.state = s
}

// Apply resolves dlsyms, then installs hooks in order, then runs init. On a
// fatal error every installed hook is restored in reverse order before the
// error is returned. Out slots of optional entries that failed are left 0.
func (t *Txn) Apply(hooks []Hook, dlsyms []Dlsym, init func() error) (*Result, error) {
	if t.state != Idle {
		return nil, fmt.Errorf("%w: transaction is %s", ErrInvalidArgument, t.state)
	}
	if err := ValidateTables(hooks, dlsyms); err != nil {
		t.setState(RolledBack)
		return nil, err
	}
	res := newResult()

	t.setState(ResolvingSymbols)
	for i := range dlsyms {
		v := &dlsyms[i]
		log := t.log.With(zap.String("sym", v.Name))
		log.Info("dlsym")
		*v.Out = 0
		addr, err := t.env.loader.Lookup(v.Name)
		if err != nil {
			if !v.Optional {
				return nil, t.rollback(fmt.Errorf("%w: could not dlsym %s: %v", ErrSymbolNotFound, v.Name, err))
			}
			log.Info("could not dlsym optional symbol, ignoring", zap.Error(err))
			continue
		}
		*v.Out = addr
		res.Symbols[v.Name] = addr
	}

	t.setState(ApplyingHooks)
	for i := range hooks {
		v := &hooks[i]
		log := t.log.With(zap.String("lib", v.Lib), zap.String("sym", v.Sym), zap.String("sym_new", v.SymNew))
		log.Info("hooking")
		*v.Out = 0
		rec, lib, err := t.hook(v)
		if err != nil {
			if !v.Optional {
				return nil, t.rollback(fmt.Errorf("hook %s: %w", v, err))
			}
			log.Info("could not hook optional symbol, ignoring", zap.Error(err))
			continue
		}
		*v.Out = rec.Original
		t.applied = append(t.applied, appliedHook{hook: v, lib: lib, rec: rec})
		res.Originals[v.Key()] = rec.Original
		res.Patches = append(res.Patches, *rec)
	}

	if init != nil {
		t.log.Info("calling init")
		if err := init(); err != nil {
			return nil, t.rollback(fmt.Errorf("%w: %v", ErrInitFailed, err))
		}
	}

	t.setState(Committed)
	t.applied = nil
	return res, nil
}

func (t *Txn) hook(v *Hook) (*PatchRecord, Handle, error) {
	lib, err := t.lib(v.Lib)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: could not load lib: %v", ErrLibNotFound, err)
	}
	target, err := t.env.loader.Sym(t.self, v.SymNew)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: could not load new symbol %s: %v", ErrSymbolNotFound, v.SymNew, err)
	}
	rec, err := t.env.patcher.Patch(lib, v.Sym, target)
	if err != nil {
		return nil, 0, fmt.Errorf("could not hook symbol: %w", err)
	}
	return rec, lib, nil
}

func (t *Txn) lib(name string) (Handle, error) {
	if t.target != 0 && config.SameLib(name, t.targetName) {
		return t.target, nil
	}
	if h, ok := t.libs[name]; ok {
		return h, nil
	}
	h, err := t.env.loader.Open(name, dl.Lazy|dl.Local)
	if err != nil {
		return 0, err
	}
	t.libs[name] = h
	return h, nil
}

func (t *Txn) rollback(cause error) error {
	t.setState(RollingBack)
	t.log.Error("fatal", zap.Error(cause))
	if len(t.applied) != 0 {
		t.log.Info("restoring hooks", zap.Int("count", len(t.applied)))
	}
	for i := len(t.applied) - 1; i >= 0; i-- {
		a := t.applied[i]
		log := t.log.With(zap.String("lib", a.hook.Lib), zap.String("sym", a.hook.Sym))
		log.Info("restoring hook")
		if err := t.env.patcher.Restore(a.lib, a.rec); err != nil {
			log.Warn("failed to restore hook", zap.Error(err))
		}
	}
	t.applied = nil
	t.setState(RolledBack)
	return cause
}
