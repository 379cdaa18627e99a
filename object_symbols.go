package plthook

import (
	"fmt"
	"strings"

	"github.com/k2io/plthook/internal/dynamic"
	sym "github.com/k2io/plthook/internal/objSymbols"
)

type (
	// Import is one PLT relocation of an object file.
	Import = sym.Import
	// Object is the PLT of an object file.
	Object = sym.Object
)

// GetImports reads the PLT imports of the shared object name.
func GetImports(name string) (*Object, error) {
	return sym.ReadImports(name)
}

// CheckImport reports whether Patch would accept sym in the library obj was
// read from.
func CheckImport(obj *Object, name string) (*Import, error) {
	if len(obj.Foreign) != 0 {
		types := make([]string, 0, len(obj.Foreign))
		for _, f := range obj.Foreign {
			types = append(types, fmt.Sprintf("%s(%d)", f.Name, f.RelType))
		}
		return nil, fmt.Errorf("%w: not a jump slot relocation: %s", ErrUnsupported, strings.Join(types, ", "))
	}
	imp, ok := obj.Imports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in the PLT relocations", ErrSymbolNotFound, name)
	}
	if err := dynamic.CheckSymbol(imp.Info); err != nil {
		return &imp, fmt.Errorf("%s: %w", name, err)
	}
	return &imp, nil
}
