// Package runner owns guest execution: it caches one compiled wasmrt.Module
// per WASM path, drives one Instance per RunnerMessage, and turns any
// failure to run the guest to completion into a Failure status so a caller
// waiting on the status channel always hears back.
package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dotxlem/assemblylift/iomod"
	"github.com/dotxlem/assemblylift/status"
	"github.com/dotxlem/assemblylift/wasmrt"
	"github.com/dotxlem/assemblylift/wasmrtconfig"
)

// RunnerMessage is one request to run a guest module to completion. Input
// is delivered to the guest through its function input buffer;
// StatusSender receives exactly one terminal Status.
type RunnerMessage struct {
	Input        []byte
	StatusSender status.Chan
	WasmPath     string
}

// RunnerTx is the send side of a Runner's message channel.
type RunnerTx chan<- RunnerMessage

// RunnerRx is the receive side of a Runner's message channel.
type RunnerRx <-chan RunnerMessage

// RunnerChannel pairs a RunnerTx with the RunnerRx it feeds.
type RunnerChannel struct {
	Tx RunnerTx
	Rx RunnerRx
}

// NewRunnerChannel allocates a buffered RunnerMessage channel of the given
// depth and returns both ends.
func NewRunnerChannel(depth int) RunnerChannel {
	ch := make(chan RunnerMessage, depth)
	return RunnerChannel{Tx: ch, Rx: ch}
}

// Runner drives guest execution. It owns a compiled-module cache keyed by
// resolved WASM path; each RunnerMessage spawns its own goroutine so a slow
// or stuck guest never blocks the receive loop, while each path's module is
// cached after its first compile and reused by later messages.
type Runner struct {
	registry *iomod.Registry
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	modules map[string]*wasmrt.Module
	pool    *InstancePool
}

// New constructs a Runner bound to registry (consulted by every guest's
// I/O invocations) and logger (may be nil to discard logging).
func New(registry *iomod.Registry, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		registry: registry,
		logger:   logger,
		modules:  make(map[string]*wasmrt.Module),
	}
}

// WithPool bounds the number of compiled modules this Runner keeps warm,
// evicting the earliest-tracked path once the limit is reached (see
// InstancePool; reusing a path does not refresh its position).
func (r *Runner) WithPool(size uint64) *Runner {
	r.pool = NewInstancePool(r, size)
	return r
}

// Spawn reads from rx until it is closed, dispatching each RunnerMessage in
// its own goroutine. It returns once rx is drained and closed, so callers
// typically run it in its own goroutine.
func (r *Runner) Spawn(ctx context.Context, rx RunnerRx) {
	for msg := range rx {
		msg := msg
		go r.handle(ctx, msg)
	}
}

func (r *Runner) handle(ctx context.Context, msg RunnerMessage) {
	// instance is non-nil only once mod.Instantiate has succeeded; the
	// panic-recovery branch below uses that to decide whether a State
	// exists to route the failure's CAS guard through.
	var instance *wasmrt.Instance
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Errorw("guest invocation panicked", "recover", rec, "path", msg.WasmPath)
			}
			failMsg := "WASM module exited in error"
			if instance != nil {
				instance.Fail(failMsg)
			} else {
				sendFailure(msg.StatusSender, failMsg)
			}
		}
	}()

	path := wasmrtconfig.EffectiveModulePath(msg.WasmPath)

	mod, err := r.moduleFor(ctx, path)
	if err != nil {
		if r.logger != nil {
			r.logger.Errorw("could not build wasm module", "path", path, "error", err)
		}
		sendFailure(msg.StatusSender, "WASM module exited in error")
		return
	}

	instance, err = mod.Instantiate(ctx, msg.Input, msg.StatusSender)
	if err != nil {
		if r.logger != nil {
			r.logger.Errorw("could not instantiate wasm module", "path", path, "error", err)
		}
		sendFailure(msg.StatusSender, "WASM module exited in error")
		return
	}
	defer instance.Close(ctx)

	if err := instance.Start(ctx); err != nil {
		if r.logger != nil {
			r.logger.Errorw("guest run failed", "path", path, "error", err)
		}
		instance.Fail("WASM module exited in error")
	}
}

// moduleFor returns the cached Module for path, compiling and caching it on
// first use. Compilation happens outside r.mu so concurrent first-uses of
// distinct paths are not serialized against each other; a double-checked
// insert resolves the (rare) case where two goroutines race to compile the
// same new path, closing whichever compile lost.
func (r *Runner) moduleFor(ctx context.Context, path string) (*wasmrt.Module, error) {
	r.mu.Lock()
	mod, ok := r.modules[path]
	r.mu.Unlock()
	if !ok {
		compiled, err := wasmrt.NewModuleFromPath(ctx, path, r.registry, r.logger)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if existing, raced := r.modules[path]; raced {
			r.mu.Unlock()
			_ = compiled.Close(ctx)
			mod = existing
		} else {
			r.modules[path] = compiled
			r.mu.Unlock()
			mod = compiled
		}
	}

	if r.pool != nil {
		if err := r.pool.Touch(ctx, path); err != nil && r.logger != nil {
			r.logger.Warnw("pool touch failed", "path", path, "error", err)
		}
	}
	return mod, nil
}

// evict closes and removes path from the module cache, if still present.
// Called by InstancePool when it needs to make room for a newly-touched
// path; path is never the path currently being touched (see InstancePool.Touch),
// so this never closes the module moduleFor is about to return to its caller.
func (r *Runner) evict(ctx context.Context, path string) {
	r.mu.Lock()
	mod, ok := r.modules[path]
	if ok {
		delete(r.modules, path)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := mod.Close(ctx); err != nil && r.logger != nil {
		r.logger.Warnw("error closing evicted wasm module", "path", path, "error", err)
	}
}

// Close releases every cached Module. Call once, at host shutdown.
func (r *Runner) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, mod := range r.modules {
		if err := mod.Close(ctx); err != nil && r.logger != nil {
			r.logger.Warnw("error closing wasm module", "path", path, "error", err)
		}
	}
	r.modules = make(map[string]*wasmrt.Module)
}

// sendFailure delivers a Failure status without blocking forever if the
// guest already sent its own terminal status through the same channel
// before failing in a later step (e.g. during Close).
func sendFailure(sender status.Chan, msg string) {
	select {
	case sender <- status.Failure{Body: []byte(msg)}:
	default:
	}
}
