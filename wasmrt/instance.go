package wasmrt

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/dotxlem/assemblylift/abi"
)

// exitCoder is satisfied by wazero's sys.ExitError, which _start returns
// when the guest calls proc_exit. Checked by assertion rather than an
// import of the sys package so this file does not depend on an exact
// wazero API vintage being present.
type exitCoder interface {
	ExitCode() uint32
}

// Instance is one running guest bound to a single invocation: its own
// memory, its own Threader, its own status channel. It is not reused —
// a fresh Instance is created per RunnerMessage.
type Instance struct {
	module *Module
	mod    api.Module
	state  *State
	start  api.Function
}

// Start runs the guest's _start export to completion. The guest is
// expected to call __asml_abi_runtime_success before returning; if it
// returns (or proc_exits) without having done so, the caller sees that
// reflected as an Exited status on the channel this Instance's State was
// constructed with, not as a Go error — matching the Rust launcher's
// Exited(_) => continue semantics. A non-exit runtime error (trap, missing
// import, host-function panic) is returned so the Runner can translate it
// into a Failure status.
func (i *Instance) Start(ctx context.Context) error {
	ctx = abi.WithState(ctx, i.state)
	_, err := i.start.Call(ctx)
	if err != nil {
		if ec, ok := err.(exitCoder); ok {
			i.state.sendExited(int(ec.ExitCode()))
			return nil
		}
		return err
	}
	i.state.sendExited(0)
	return nil
}

// Close releases this Instance's module and Threader. Safe to call after
// Start returns or after a Runner-side panic recovery.
func (i *Instance) Close(ctx context.Context) error {
	i.state.threader.Close()
	return i.mod.Close(ctx)
}

// Fail reports a host-side failure on this Instance's status channel (a
// guest run that returned a non-exit error, or a panic recovered while it
// was running). It goes through State.sendFailure so the single-terminal-
// status CAS guard applies here too: if the guest already raced a Success,
// Exited, or another Fail through to statusSender first, this is a no-op.
func (i *Instance) Fail(msg string) {
	i.state.sendFailure([]byte(msg))
}
