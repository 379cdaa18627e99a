package symbols

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/plthook/internal/fake"
)

func writeObject(t *testing.T, lib fake.Library) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtest.so")
	require.NoError(t, os.WriteFile(path, fake.SharedObject(lib), 0o644))
	return path
}

func TestReadImports(t *testing.T) {
	path := writeObject(t, fake.Library{Imports: []fake.Import{
		{Name: "open"},
		{Name: "strlen", Type: elf.STT_GNU_IFUNC},
		{Name: "close"},
	}})

	obj, err := ReadImports(path)
	require.NoError(t, err)
	assert.Equal(t, elf.EM_X86_64, obj.Machine)
	assert.True(t, obj.Rela)
	assert.Empty(t, obj.Foreign)
	require.Len(t, obj.Imports, 3)

	for i, name := range []string{"open", "strlen", "close"} {
		imp := obj.Imports[name]
		assert.True(t, imp.JumpSlot, name)
		assert.Equal(t, fake.ObjectSlot(i), imp.Slot, name)
		assert.Equal(t, fake.ObjectStub(i), imp.Stub, name)
	}
	assert.Equal(t, elf.STT_GNU_IFUNC, obj.Imports["strlen"].Type())
	assert.Equal(t, elf.STB_GLOBAL, obj.Imports["open"].Bind())
}

func TestReadImportsRel(t *testing.T) {
	path := writeObject(t, fake.Library{Rel: true, Imports: []fake.Import{{Name: "write"}}})

	obj, err := ReadImports(path)
	require.NoError(t, err)
	assert.False(t, obj.Rela)
	require.Contains(t, obj.Imports, "write")
	assert.Equal(t, fake.ObjectStub(0), obj.Imports["write"].Stub)
}

func TestReadImportsForeign(t *testing.T) {
	path := writeObject(t, fake.Library{Imports: []fake.Import{
		{Name: "open"},
		{Name: "environ", RelType: elf.R_X86_64_GLOB_DAT},
	}})

	obj, err := ReadImports(path)
	require.NoError(t, err)
	assert.Contains(t, obj.Imports, "open")
	require.Len(t, obj.Foreign, 1)
	assert.Equal(t, "environ", obj.Foreign[0].Name)
	assert.Equal(t, uint32(elf.R_X86_64_GLOB_DAT), obj.Foreign[0].RelType)
}

func TestReadImportsNotElf(t *testing.T) {
	_, err := ReadImportsFrom(bytes.NewReader([]byte("#!/bin/sh\n")), "script")
	assert.ErrorContains(t, err, "unrecognized object file")
}

func TestReadImportsMissing(t *testing.T) {
	_, err := ReadImports(filepath.Join(t.TempDir(), "nope.so"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecodeStubsEndbr(t *testing.T) {
	// endbr64; bnd jmp *0x2ff2(%rip); nop
	code := []byte{
		0xf3, 0x0f, 0x1e, 0xfa,
		0xf2, 0xff, 0x25, 0xf2, 0x2f, 0x00, 0x00,
		0x0f, 0x1f, 0x44, 0x00, 0x00,
	}
	out := make(map[uint64]uint64)
	decodeStubs(code, 0x1050, 64, 0, out)
	assert.Equal(t, map[uint64]uint64{0x1050 + 11 + 0x2ff2: 0x1050}, out)
}
