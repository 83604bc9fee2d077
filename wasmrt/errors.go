package wasmrt

import (
	"errors"
	"os"

	"github.com/tetratelabs/wazero"
)

// ErrWasiSetup is returned when resolving WASI imports or the env host
// module fails during Module construction, or when preparing the preopen
// filesystem fails during Module.Instantiate.
var ErrWasiSetup = errors.New("wasmrt: WASI setup failed")

// ErrCompile is returned when the guest binary fails to compile.
var ErrCompile = errors.New("wasmrt: module compile failed")

// ErrInstantiate is returned when a compiled Module fails to instantiate,
// typically due to an unresolved import.
var ErrInstantiate = errors.New("wasmrt: module instantiate failed")

// withPreopens roots the module's "/" filesystem view at root, creating it
// if necessary so a guest's first invocation does not fail on a missing
// scratch directory.
func withPreopens(config wazero.ModuleConfig, root string) (wazero.ModuleConfig, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return config, err
	}
	return config.WithFS(os.DirFS(root)), nil
}
