// Command functionhost serves a single WASM guest over HTTP, wiring the
// iomod registry, the builtin IOmods, the Runner, and the Launcher
// together the way a deployed function container would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dotxlem/assemblylift/iomod"
	"github.com/dotxlem/assemblylift/iomod/builtin"
	"github.com/dotxlem/assemblylift/launcher"
	"github.com/dotxlem/assemblylift/runner"
	"github.com/dotxlem/assemblylift/wasmrtconfig"
)

func main() {
	wasmPath := flag.String("wasm", "", "path to the guest WASM module to serve")
	poolSize := flag.Uint64("pool-size", 0, "max compiled modules kept warm at once, rounded up to a power of two (0 disables the bound)")
	flag.Parse()

	if *wasmPath == "" {
		fmt.Fprintln(os.Stderr, "usage: functionhost -wasm <path>")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not construct logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(*wasmPath, *poolSize, sugar); err != nil {
		sugar.Fatalw("functionhost exited in error", "error", err)
	}
}

func run(wasmPath string, poolSize uint64, logger *zap.SugaredLogger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := iomod.New()
	builtin.Register(registry)

	r := runner.New(registry, logger)
	if poolSize > 0 {
		r = r.WithPool(poolSize)
	}
	defer r.Close(ctx)

	ch := runner.NewRunnerChannel(32)
	go r.Spawn(ctx, ch.Rx)

	resolvedPath := wasmrtconfig.EffectiveModulePath(wasmPath)
	logger.Infow("starting functionhost", "wasm_path", resolvedPath, "addr", wasmrtconfig.LauncherAddr)

	l := launcher.New(ch.Tx, resolvedPath, logger)
	return l.ListenAndServe(ctx)
}
