package plthook

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/plthook/internal/dl"
	"github.com/k2io/plthook/internal/fake"
)

func testMod(s *slots) *Mod {
	return &Mod{
		Info:   Info{Name: "test-mod", Desc: "redirects file access"},
		Target: targetPath,
		Hooks: []Hook{
			{Sym: "open", SymNew: "my_open", Lib: targetPath, Out: &s.open},
			{Sym: "close", SymNew: "my_close", Lib: targetPath, Out: &s.close},
		},
	}
}

func (te *testEnv) dumps(t *testing.T) []string {
	t.Helper()
	names, err := afero.Glob(te.fs, dumpDir+"/test-mod_*.log")
	require.NoError(t, err)
	return names
}

func TestRun(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	s := newSlots()
	mod := testMod(s)
	mod.Info.FailsafeDelay = 2
	inits := 0
	mod.Init = func() error {
		inits++
		// the failsafe is still armed while init runs
		assert.True(t, te.exists(t, tmpPath))
		return nil
	}

	res, err := te.Run(mod)
	require.NoError(t, err)
	assert.Equal(t, 1, inits)
	assert.Equal(t, libcOpen, s.open)
	assert.Equal(t, libcClose, res.Originals[targetPath+":close"])
	assert.Equal(t, myOpen, te.proc.Call(targetPath, "open"))

	// pinned and target opened without unloading
	opens := te.proc.Opens()
	require.Len(t, opens, 2)
	assert.Equal(t, fake.Open{Path: modPath, Flags: dl.Lazy | dl.NoDelete}, opens[0])
	assert.Equal(t, fake.Open{Path: targetPath, Flags: dl.Lazy | dl.NoDelete}, opens[1])

	te.clock.BlockUntil(1)
	assert.True(t, te.exists(t, tmpPath))
	te.clock.Advance(2 * time.Second)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))
	assert.Empty(t, te.dumps(t))
}

func TestRunFatalRollsBackAndDumps(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	before := te.slotValues("open", "close")
	s := newSlots()
	mod := testMod(s)
	mod.Hooks[1].SymNew = "my_missing"

	res, err := te.Run(mod)
	require.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Nil(t, res)
	assert.Equal(t, before, te.slotValues("open", "close"))

	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.Len(t, te.dumps(t), 1)
}

func TestRunUninstallFlag(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	before := te.slotValues("open", "close")
	const flag = "/mnt/onboard/.adds/uninstall"
	require.NoError(t, afero.WriteFile(te.fs, flag, nil, 0o644))
	s := newSlots()
	mod := testMod(s)
	mod.Info.UninstallFlag = flag

	res, err := te.Run(mod)
	require.NoError(t, err)
	assert.True(t, res.Uninstalled)
	require.NoError(t, te.Wait())

	assert.False(t, te.exists(t, flag))
	assert.False(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))
	assert.Equal(t, before, te.slotValues("open", "close"))
	assert.Equal(t, unset, s.open)
}

func TestRunUninstallFlagAbsent(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	mod := testMod(newSlots())
	mod.Info.UninstallFlag = "/mnt/onboard/.adds/uninstall"

	res, err := te.Run(mod)
	require.NoError(t, err)
	assert.False(t, res.Uninstalled)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
}

func TestRunUninstallXFlag(t *testing.T) {
	const xflag = "/mnt/onboard/.adds/keep"

	t.Run("present", func(t *testing.T) {
		te := newTestEnv(t, targetLibrary("open", "close"))
		require.NoError(t, afero.WriteFile(te.fs, xflag, nil, 0o644))
		mod := testMod(newSlots())
		mod.Info.UninstallXFlag = xflag

		res, err := te.Run(mod)
		require.NoError(t, err)
		assert.False(t, res.Uninstalled)
		require.NoError(t, te.Wait())
		assert.True(t, te.exists(t, modPath))
		assert.True(t, te.exists(t, xflag))
	})

	t.Run("removed", func(t *testing.T) {
		te := newTestEnv(t, targetLibrary("open", "close"))
		s := newSlots()
		mod := testMod(s)
		mod.Info.UninstallXFlag = xflag

		res, err := te.Run(mod)
		require.NoError(t, err)
		assert.True(t, res.Uninstalled)
		require.NoError(t, te.Wait())
		assert.False(t, te.exists(t, modPath))
		assert.False(t, te.exists(t, tmpPath))
		assert.Equal(t, unset, s.open)
	})
}

func TestRunArmFailure(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	te.proc.OwnerErr = errors.New("dladdr failed")
	s := newSlots()

	_, err := te.Run(testMod(s))
	require.ErrorIs(t, err, ErrFailsafe)
	assert.Equal(t, unset, s.open)
	assert.True(t, te.exists(t, modPath))
	assert.Empty(t, te.proc.Opens())
	assert.Len(t, te.dumps(t), 1)
}

func TestRunMissingTarget(t *testing.T) {
	te := newTestEnv(t)
	mod := testMod(newSlots())

	_, err := te.Run(mod)
	require.ErrorIs(t, err, ErrLibNotFound)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.Len(t, te.dumps(t), 1)
}

func TestRunInvalidMod(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	mod := testMod(newSlots())
	mod.Info.Name = ""

	_, err := te.Run(mod)
	require.ErrorIs(t, err, ErrInvalidTable)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
}

func TestRunWithoutTarget(t *testing.T) {
	te := newTestEnv(t, targetLibrary("open", "close"))
	s := newSlots()
	mod := testMod(s)
	mod.Target = ""

	_, err := te.Run(mod)
	require.NoError(t, err)
	require.NoError(t, te.Wait())

	opens := te.proc.Opens()
	require.Len(t, opens, 2)
	assert.Equal(t, fake.Open{Path: targetPath, Flags: dl.Lazy | dl.Local}, opens[1])
	assert.Equal(t, myClose, te.proc.Call(targetPath, "close"))
}
