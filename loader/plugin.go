package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/version"
)

// Symbols a plugin unit exports.
const (
	// SymbolNew must be a func() any returning an object FromObject accepts.
	SymbolNew = "NewComponent"
	// SymbolABI, when exported, is a *uint64 holding the unit's ABI.
	SymbolABI = "ABISignature"
	// SymbolContract, when exported, is a *string holding the contract hash.
	SymbolContract = "ContractHash"
)

// Plugin loads units built with -buildmode=plugin from a directory. Unit
// files are named "<id>@<version key>.so". Go plugins cannot be unloaded, so
// releasing a handle only drops the instance.
type Plugin struct {
	Dir string
}

// Path returns the unit file for id at version v.
func (p Plugin) Path(id string, v version.ExtendedVersion) string {
	name := strings.NewReplacer("/", "_", "+", "_").Replace(id + "@" + v.Key())
	return filepath.Join(p.Dir, name+".so")
}

// Load implements Loader.
func (p Plugin) Load(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Plugin", "Load", "check context")
	}

	path := p.Path(id, v)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrLibraryLoadFailed, err),
			"Plugin", "Load", "stat unit")
	}

	lib, err := plugin.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrLibraryLoadFailed, err),
			"Plugin", "Load", "open unit")
	}

	sym, err := lib.Lookup(SymbolNew)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrLibraryLoadFailed, err),
			"Plugin", "Load", "lookup "+SymbolNew)
	}
	ctor, ok := sym.(func() any)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is %T, want func() any", errors.ErrLibraryLoadFailed, SymbolNew, sym),
			"Plugin", "Load", "assert constructor")
	}

	impl, err := FromObject(ctor())
	if err != nil {
		return nil, errors.Wrap(err, "Plugin", "Load", "adapt unit")
	}
	if err := Check(impl, v); err != nil {
		return nil, errors.Wrap(err, "Plugin", "Load", "check "+id)
	}

	opts := []HandleOption{}
	if sym, err := lib.Lookup(SymbolABI); err == nil {
		if abi, ok := sym.(*uint64); ok {
			opts = append(opts, WithABISignature(*abi))
		}
	}
	if sym, err := lib.Lookup(SymbolContract); err == nil {
		if hash, ok := sym.(*string); ok {
			opts = append(opts, WithContractHash(*hash))
		}
	}
	return NewHandle(id, v, impl, opts...), nil
}
