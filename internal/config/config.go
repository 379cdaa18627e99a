// Package config holds the mod description and lifecycle flags, read from
// code, a YAML manifest, or NH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment overrides, e.g. NH_FAILSAFE_DELAY.
const EnvPrefix = "nh"

// ErrInvalid means a manifest or mod description failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Info describes a mod.
type Info struct {
	// Name must be unique, it tags every log line and names dump files
	Name string `yaml:"name" ignored:"true" validate:"required"`
	Desc string `yaml:"desc,omitempty" ignored:"true"`
	// UninstallFlag is a path whose existence triggers an uninstall; the flag
	// deletes itself
	UninstallFlag string `yaml:"uninstall_flag,omitempty" envconfig:"uninstall_flag"`
	// UninstallXFlag is a path whose absence triggers an uninstall
	UninstallXFlag string `yaml:"uninstall_xflag,omitempty" envconfig:"uninstall_xflag"`
	// FailsafeDelay is the number of seconds before the failsafe is disarmed
	FailsafeDelay int `yaml:"failsafe_delay,omitempty" envconfig:"failsafe_delay" validate:"gte=0"`
	// DumpDir is where diagnostic dumps are written, the temp dir if empty
	DumpDir string `yaml:"dump_dir,omitempty" envconfig:"dump_dir"`
}

// Delay is FailsafeDelay as a duration.
func (i Info) Delay() time.Duration {
	return time.Duration(i.FailsafeDelay) * time.Second
}

// HookDecl is the serialized form of a hook entry.
type HookDecl struct {
	Sym      string `yaml:"sym" validate:"required"`
	SymNew   string `yaml:"sym_new" validate:"required"`
	Lib      string `yaml:"lib" validate:"required"`
	Desc     string `yaml:"desc,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// DlsymDecl is the serialized form of a resolution entry.
type DlsymDecl struct {
	Name     string `yaml:"name" validate:"required"`
	Desc     string `yaml:"desc,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Manifest is a mod description with its hook and resolution tables.
type Manifest struct {
	Info   `yaml:",inline"`
	Target string      `yaml:"target,omitempty"`
	Hooks  []HookDecl  `yaml:"hooks,omitempty" validate:"dive"`
	Dlsyms []DlsymDecl `yaml:"dlsyms,omitempty" validate:"dive"`
}

var validate = validator.New()

// Validate checks the required fields of v.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ApplyEnv overrides the lifecycle fields of info from NH_* variables.
func ApplyEnv(info *Info) error {
	if err := envconfig.Process(EnvPrefix, info); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}
	return nil
}

// Load reads and validates a YAML manifest.
func Load(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, filepath.Base(path), err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HooksFor returns the hooks declared against lib, matched by path or base name.
func (m *Manifest) HooksFor(lib string) []HookDecl {
	var out []HookDecl
	for _, h := range m.Hooks {
		if SameLib(h.Lib, lib) {
			out = append(out, h)
		}
	}
	return out
}

// SameLib reports whether two library identifiers name the same library:
// equal, or equal base names when one of them is a bare soname.
func SameLib(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	if filepath.Base(a) != filepath.Base(b) {
		return false
	}
	return !filepath.IsAbs(a) || !filepath.IsAbs(b)
}
