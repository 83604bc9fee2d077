// Package wasmrtconfig centralizes the environment-variable-driven
// configuration the runtime reads at Runner/Launcher start: WASI preopen
// profile, module path override, and launcher timeout.
package wasmrtconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Profile selects the WASI preopen policy a Module is built with.
type Profile string

const (
	// ProfileDefault exposes only the host temp directory (os.TempDir) as
	// the guest root.
	ProfileDefault Profile = "default"
	// ProfileContainer exposes only the directory holding the guest module
	// as the guest root, for guests running inside a container alongside
	// their own unpacked source tree. The temp directory and system
	// directories are not mapped under this profile.
	ProfileContainer Profile = "ruby-docker"
	// ProfilePackaged maps all guest roots under the host's temp directory,
	// for guests whose assets were unpacked there at deploy time.
	ProfilePackaged Profile = "ruby-lambda"
)

// EnvFunctionEnv is the environment variable selecting the WASI preopen
// profile.
const EnvFunctionEnv = "ASML_FUNCTION_ENV"

// EnvWasmModuleName overrides the module path a RunnerMessage names,
// resolving to /opt/assemblylift/<name>.
const EnvWasmModuleName = "ASML_WASM_MODULE_NAME"

// ProfileFromEnv reads ASML_FUNCTION_ENV, defaulting to ProfileDefault for
// an empty or unrecognized value.
func ProfileFromEnv() Profile {
	switch Profile(os.Getenv(EnvFunctionEnv)) {
	case ProfileContainer:
		return ProfileContainer
	case ProfilePackaged:
		return ProfilePackaged
	default:
		return ProfileDefault
	}
}

// PreopenRoot returns the single host directory a Module's WASI config
// should expose as its guest root, for the given profile and guest module
// path. The pinned wazero release this runtime targets exposes one root
// filesystem per module (ModuleConfig.WithFS), not per-path mounts, so
// multi-directory preopen policies collapse to their most useful single
// root here; see DESIGN.md.
func PreopenRoot(profile Profile, wasmPath string) string {
	switch profile {
	case ProfileContainer:
		return filepath.Dir(wasmPath)
	case ProfilePackaged:
		return os.TempDir()
	default:
		return os.TempDir()
	}
}

// EffectiveModulePath resolves the module path a RunnerMessage should use:
// the ASML_WASM_MODULE_NAME override if set, else fallback.
func EffectiveModulePath(fallback string) string {
	if name := os.Getenv(EnvWasmModuleName); name != "" {
		return filepath.Join("/opt/assemblylift", name)
	}
	return fallback
}

// LauncherTimeout is the hard per-invocation deadline the Launcher applies
// while waiting on a status channel.
const LauncherTimeout = 30 * time.Second

// LauncherAddr is the Launcher's HTTP listen address.
const LauncherAddr = "0.0.0.0:5543"
