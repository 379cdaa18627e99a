package plthook

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/k2io/plthook/internal/dl"
)

// FailsafeSuffix is appended to the module file while the failsafe is armed.
const FailsafeSuffix = ".failsafe"

// Guard keeps the mod file away from the loader while the mod initializes.
// Between Arm and the end of Disarm or Uninstall, the file only exists at the
// failsafe path.
type Guard struct {
	env  *Env
	log  *zap.Logger
	orig string
	tmp  string
	self Handle
	once sync.Once
}

// selfAddr is an address inside the module this package is linked into.
func selfAddr() uintptr {
	return reflect.ValueOf(Arm).Pointer()
}

// Arm pins the module containing this package in memory and renames its file
// to the failsafe path. Nothing is renamed when it fails.
func Arm(env *Env) (*Guard, error) {
	log := env.log.Named("failsafe")

	log.Info("finding filenames")
	fname, err := env.loader.Owner(selfAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: could not find own path: %v", ErrFailsafe, err)
	}
	if strings.HasSuffix(fname, FailsafeSuffix) {
		return nil, fmt.Errorf("%w: %s", ErrFailsafeLoaded, fname)
	}
	orig, err := env.realpath(fname)
	if err != nil {
		return nil, fmt.Errorf("%w: could not resolve path of %s: %v", ErrFailsafe, fname, err)
	}
	if strings.HasSuffix(orig, FailsafeSuffix) {
		return nil, fmt.Errorf("%w: %s", ErrFailsafeLoaded, orig)
	}

	g := &Guard{
		env:  env,
		log:  log,
		orig: orig,
		tmp:  orig + FailsafeSuffix,
	}

	log.Info("ensuring own lib remains in memory even if it is dlclosed after being loaded with a dlopen")
	if g.self, err = env.loader.Open(orig, dl.Lazy|dl.NoDelete); err != nil {
		return nil, fmt.Errorf("%w: could not dlopen own lib: %v", ErrFailsafe, err)
	}

	log.Info("renaming", zap.String("from", g.orig), zap.String("to", g.tmp))
	if err := env.fs.Rename(g.orig, g.tmp); err != nil {
		return nil, fmt.Errorf("%w: could not rename lib: %v", ErrFailsafe, err)
	}
	return g, nil
}

// Handle is the pinned handle of the mod itself. It stays valid after the
// guard is released.
func (g *Guard) Handle() Handle {
	return g.self
}

// Path is the canonical path of the mod file.
func (g *Guard) Path() string {
	return g.orig
}

// Disarm moves the mod file back after delay on a detached task. The restore
// cannot be cancelled. Only the first Disarm or Uninstall has an effect.
func (g *Guard) Disarm(delay time.Duration) {
	g.release(func() {
		g.log.Info("scheduling restore", zap.Duration("delay", delay))
		g.env.spawn(func() error {
			if delay > 0 {
				<-g.env.clock.After(delay)
			}
			g.log.Info("renaming", zap.String("from", g.tmp), zap.String("to", g.orig))
			if err := g.env.fs.Rename(g.tmp, g.orig); err != nil {
				g.log.Warn("could not rename lib", zap.Error(err))
			}
			return nil
		})
	})
}

// Uninstall deletes the mod file so it is not loaded again.
func (g *Guard) Uninstall() {
	g.release(func() {
		g.log.Info("deleting", zap.String("path", g.tmp))
		if err := g.env.fs.Remove(g.tmp); err != nil {
			g.log.Warn("could not delete lib", zap.Error(err))
		}
	})
}

func (g *Guard) release(f func()) {
	done := false
	g.once.Do(func() {
		done = true
		f()
	})
	if !done {
		g.log.Warn("failsafe already released")
	}
}

// RestoreFailsafe moves a failsafe file left by a crashed process back to
// orig. It reports whether anything was moved.
func RestoreFailsafe(fs afero.Fs, orig string) (bool, error) {
	orig = strings.TrimSuffix(orig, FailsafeSuffix)
	if _, err := fs.Stat(orig); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	tmp := orig + FailsafeSuffix
	if _, err := fs.Stat(tmp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := fs.Rename(tmp, orig); err != nil {
		return false, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return true, nil
}
