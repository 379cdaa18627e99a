package plthook

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/plthook/internal/dl"
)

const tmpPath = modPath + FailsafeSuffix

func TestArm(t *testing.T) {
	te := newTestEnv(t)

	g, err := Arm(te.Env)
	require.NoError(t, err)

	assert.Equal(t, modPath, g.Path())
	assert.NotZero(t, g.Handle())
	assert.False(t, te.exists(t, modPath))
	assert.True(t, te.exists(t, tmpPath))

	opens := te.proc.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, modPath, opens[0].Path)
	assert.NotZero(t, opens[0].Flags&dl.NoDelete)
}

func TestArmDisarmArm(t *testing.T) {
	te := newTestEnv(t)

	g, err := Arm(te.Env)
	require.NoError(t, err)
	g.Disarm(0)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))

	g, err = Arm(te.Env)
	require.NoError(t, err)
	assert.False(t, te.exists(t, modPath))
	assert.True(t, te.exists(t, tmpPath))

	g.Disarm(0)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))
}

func TestDisarmWaitsForDelay(t *testing.T) {
	te := newTestEnv(t)
	g, err := Arm(te.Env)
	require.NoError(t, err)

	g.Disarm(10 * time.Second)
	te.clock.BlockUntil(1)
	assert.True(t, te.exists(t, tmpPath))

	te.clock.Advance(9 * time.Second)
	assert.True(t, te.exists(t, tmpPath))
	assert.False(t, te.exists(t, modPath))

	te.clock.Advance(time.Second)
	require.NoError(t, te.Wait())
	assert.True(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))
}

func TestUninstall(t *testing.T) {
	te := newTestEnv(t)
	g, err := Arm(te.Env)
	require.NoError(t, err)

	g.Uninstall()
	assert.False(t, te.exists(t, modPath))
	assert.False(t, te.exists(t, tmpPath))
	assert.NotZero(t, g.Handle())
}

func TestReleaseOnce(t *testing.T) {
	te := newTestEnv(t)
	g, err := Arm(te.Env)
	require.NoError(t, err)

	g.Disarm(0)
	require.NoError(t, te.Wait())
	g.Uninstall()
	g.Disarm(0)
	require.NoError(t, te.Wait())

	assert.True(t, te.exists(t, modPath))
	assert.True(t, te.logged("failsafe already released"))
}

func TestDisarmRenameFailureIsLogged(t *testing.T) {
	te := newTestEnv(t)
	g, err := Arm(te.Env)
	require.NoError(t, err)
	require.NoError(t, te.fs.Remove(tmpPath))

	g.Disarm(0)
	assert.NoError(t, te.Wait())
	assert.True(t, te.logged("could not rename lib"))
}

func TestArmErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(te *testEnv)
		err   error
	}{
		{
			name:  "unknown own path",
			setup: func(te *testEnv) { te.proc.OwnerErr = errors.New("dladdr failed") },
			err:   ErrFailsafe,
		},
		{
			name:  "loaded from failsafe",
			setup: func(te *testEnv) { te.proc.SelfPath = tmpPath },
			err:   ErrFailsafeLoaded,
		},
		{
			name: "resolves to failsafe",
			setup: func(te *testEnv) {
				te.realpath = func(string) (string, error) { return tmpPath, nil }
			},
			err: ErrFailsafeLoaded,
		},
		{
			name: "realpath fails",
			setup: func(te *testEnv) {
				te.realpath = func(string) (string, error) { return "", errors.New("ELOOP") }
			},
			err: ErrFailsafe,
		},
		{
			name:  "cannot pin",
			setup: func(te *testEnv) { te.proc.SelfPath = "/opt/mods/other.so" },
			err:   ErrFailsafe,
		},
		{
			name:  "cannot rename",
			setup: func(te *testEnv) { te.Env.fs = afero.NewReadOnlyFs(te.fs) },
			err:   ErrFailsafe,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t)
			tt.setup(te)

			g, err := Arm(te.Env)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, g)
			assert.True(t, te.exists(t, modPath))
			assert.False(t, te.exists(t, tmpPath))
		})
	}
}

func TestRestoreFailsafe(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, tmpPath, []byte("mod"), 0o755))

	moved, err := RestoreFailsafe(fs, modPath)
	require.NoError(t, err)
	assert.True(t, moved)
	ok, _ := afero.Exists(fs, modPath)
	assert.True(t, ok)

	moved, err = RestoreFailsafe(fs, modPath)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestRestoreFailsafeByTmpPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, tmpPath, []byte("mod"), 0o755))

	moved, err := RestoreFailsafe(fs, tmpPath)
	require.NoError(t, err)
	assert.True(t, moved)
}

func TestRestoreFailsafeNothing(t *testing.T) {
	moved, err := RestoreFailsafe(afero.NewMemMapFs(), modPath)
	require.NoError(t, err)
	assert.False(t, moved)
}
