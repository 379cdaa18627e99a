//go:build linux && cgo

package dl

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsNameTheirOwnCall(t *testing.T) {
	lib := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				path := fmt.Sprintf("/nonexistent/libplthook_%d_%d.so", i, j)
				_, err := lib.Open(path, Lazy)
				if assert.ErrorIs(t, err, ErrNotFound) {
					assert.NotContains(t, err.Error(), "unknown error")
					assert.Contains(t, err.Error(), ": "+path)
				}

				name := fmt.Sprintf("plthook_missing_%d_%d", i, j)
				_, err = lib.Lookup(name)
				if assert.ErrorIs(t, err, ErrNotFound) {
					assert.NotContains(t, err.Error(), "unknown error")
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestOwnerAndInfo(t *testing.T) {
	lib := New()
	h, err := lib.Open("", Lazy)
	require.NoError(t, err)
	_, err = lib.Info(h)
	assert.NoError(t, err)
}
