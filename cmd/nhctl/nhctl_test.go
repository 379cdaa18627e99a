package main

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/k2io/plthook/internal/fake"
)

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	cmd := newRoot(zap.NewNop(), fs).command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeLib(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtarget.so.1")
	lib := fake.Library{Imports: []fake.Import{
		{Name: "open"},
		{Name: "memcpy", Type: elf.STT_GNU_IFUNC},
	}}
	require.NoError(t, os.WriteFile(path, fake.SharedObject(lib), 0o644))
	return path
}

func TestCheckSymbols(t *testing.T) {
	lib := writeLib(t)

	out, err := run(t, afero.NewOsFs(), "check", "--lib", lib, "open")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   open")

	out, err = run(t, afero.NewOsFs(), "check", "--lib", lib, "open", "memcpy")
	assert.ErrorIs(t, err, errCheckFailed)
	assert.Contains(t, out, "FAIL memcpy")
}

func TestCheckManifest(t *testing.T) {
	lib := writeLib(t)
	fs := afero.NewMemMapFs()
	manifest := `
name: mod
hooks:
  - {sym: open, sym_new: my_open, lib: libtarget.so.1}
  - {sym: memcpy, sym_new: my_memcpy, lib: libtarget.so.1, optional: true}
  - {sym: close, sym_new: my_close, lib: libother.so}
`
	require.NoError(t, afero.WriteFile(fs, "mod.yaml", []byte(manifest), 0o644))

	out, err := run(t, fs, "check", "--lib", lib, "--manifest", "mod.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   open")
	assert.Contains(t, out, "SKIP memcpy")
	assert.NotContains(t, out, "close")
}

func TestCheckNeedsLib(t *testing.T) {
	_, err := run(t, afero.NewMemMapFs(), "check", "open")
	assert.ErrorContains(t, err, "--lib")
}

func TestRestore(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/opt/mods/mod.so.failsafe", []byte("mod"), 0o755))

	_, err := run(t, fs, "restore", "/opt/mods/mod.so")
	require.NoError(t, err)
	ok, _ := afero.Exists(fs, "/opt/mods/mod.so")
	assert.True(t, ok)
}
