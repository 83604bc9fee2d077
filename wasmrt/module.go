// Package wasmrt is a thin wrapper over wazero providing the Module and
// Instance abstractions described in the specification: compilation,
// import resolution (including WASI), instantiation, and guest memory I/O,
// generalized over whatever host capability set the abi package needs.
package wasmrt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/dotxlem/assemblylift/abi"
	"github.com/dotxlem/assemblylift/buffer"
	"github.com/dotxlem/assemblylift/iomod"
	"github.com/dotxlem/assemblylift/status"
	"github.com/dotxlem/assemblylift/threader"
	"github.com/dotxlem/assemblylift/wasmrtconfig"
)

const functionStart = "_start"

// Module is an immutable, compiled representation of one WASM binary plus
// its resolved imports. It is created once per source path and is safe to
// share across invocations — the Runner caches it keyed by path.
type Module struct {
	path     string
	registry *iomod.Registry
	logger   *zap.SugaredLogger
	profile  wasmrtconfig.Profile

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	envMod   api.Module
	wasiMod  api.Module // kept alive for the lifetime of runtime; never called directly

	instanceCounter uint64
	closed          uint32
}

// NewModuleFromPath compiles a Module from the WASM binary at path. Every
// path, with or without a ".wasmu" suffix, is read as WASM bytes and
// compiled fresh; no precompiled artifact is loaded from disk and none is
// written beside the source. The pinned wazero release backing this
// runtime has no portable serialize-to-disk format (unlike wasmtime's
// .cwasm); reuse of a compiled module across invocations comes from
// runner.Runner's in-process cache keyed by path; see DESIGN.md.
func NewModuleFromPath(ctx context.Context, path string, registry *iomod.Registry, logger *zap.SugaredLogger) (*Module, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmrt: read module %s: %w", path, err)
	}
	return NewModuleFromBytes(ctx, path, code, registry, logger)
}

// NewModuleFromBytes compiles a Module directly from WASM bytes, recording
// path (with any trailing ".wasmu" removed) only for WASI root resolution
// and instance naming.
func NewModuleFromBytes(ctx context.Context, path string, code []byte, registry *iomod.Registry, logger *zap.SugaredLogger) (*Module, error) {
	runtime := wazero.NewRuntime(ctx)

	wasiMod, err := wasi_snapshot_preview1.Instantiate(ctx, runtime)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("wasmrt: %w: %v", ErrWasiSetup, err)
	}

	envMod, err := abi.Register(ctx, runtime)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("wasmrt: %w: %v", ErrWasiSetup, err)
	}

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("wasmrt: %w: %v", ErrCompile, err)
	}

	m := &Module{
		path:     strings.TrimSuffix(path, ".wasmu"),
		registry: registry,
		logger:   logger,
		profile:  wasmrtconfig.ProfileFromEnv(),
		runtime:  runtime,
		compiled: compiled,
		envMod:   envMod,
		wasiMod:  wasiMod,
	}
	return m, nil
}

// Instantiate creates a single guest instance bound to this Module's
// registry, with fresh per-invocation State wired to statusSender, and
// initializes its input buffer from input.
func (m *Module) Instantiate(ctx context.Context, input []byte, statusSender status.Chan) (*Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, fmt.Errorf("wasmrt: cannot instantiate a closed module")
	}

	fib := buffer.NewFunctionInputBuffer()
	fib.Initialize(input)

	th := threader.New(ctx, m.registry)
	state := newState(th, fib, statusSender, m.logger)

	root := wasmrtconfig.PreopenRoot(m.profile, m.path)
	config, err := withPreopens(wazero.NewModuleConfig(), root)
	if err != nil {
		th.Close()
		return nil, fmt.Errorf("wasmrt: %w: %v", ErrWasiSetup, err)
	}

	name := fmt.Sprintf("%s-%d", m.path, atomic.AddUint64(&m.instanceCounter, 1))
	config = config.WithName(name).WithStartFunctions() // WASI/_start invoked explicitly via Start, below

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, config)
	if err != nil {
		th.Close()
		return nil, fmt.Errorf("wasmrt: %w: %v", ErrInstantiate, err)
	}
	state.bindModule(mod)

	start := mod.ExportedFunction(functionStart)
	if start == nil {
		_ = mod.Close(ctx)
		th.Close()
		return nil, fmt.Errorf("wasmrt: module %s does not export %s", name, functionStart)
	}

	return &Instance{
		module: m,
		mod:    mod,
		state:  state,
		start:  start,
	}, nil
}

// Close releases the runtime and everything compiled against it. Call
// after every Instance created from this Module has itself been closed.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	return m.runtime.Close(ctx)
}

// Path returns the source path this Module was compiled from, with any
// trailing ".wasmu" removed.
func (m *Module) Path() string { return m.path }
