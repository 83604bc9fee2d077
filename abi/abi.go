// Package abi implements the env-namespaced host functions a guest imports:
// log, success, clock, input paging, I/O invocation, polling, length, load,
// and next. Every function here follows the C-style signed-integer
// convention (-1 for error) and touches guest memory only through the
// api.Memory abstraction, never by raw pointer arithmetic.
package abi

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/dotxlem/assemblylift/buffer"
	"github.com/dotxlem/assemblylift/threader"
)

const i32 = api.ValueTypeI32
const i64 = api.ValueTypeI64

// HostState is the per-instance capability set every ABI function needs.
// wasmrt.State implements this; it is expressed as an interface here so
// this package never imports wasmrt (which in turn imports abi to build
// the host module).
type HostState interface {
	Threader() *threader.Threader
	InputBuffer() *buffer.FunctionInputBuffer
	Memory() api.Memory
	// GuestInputBufferPointer returns the guest memory offset the guest
	// wants its input buffer paged into, resolved by calling a guest-
	// exported accessor function on first use and cached thereafter.
	GuestInputBufferPointer(ctx context.Context) (uint32, error)
	// GuestIOBufferPointer is the same, for the I/O response buffer.
	GuestIOBufferPointer(ctx context.Context) (uint32, error)
	// Log emits a guest log line to the host's logger.
	Log(msg string)
	// Success records a terminal success outcome. Calls after the first
	// are logged and otherwise ignored.
	Success(payload []byte)
}

type stateKey struct{}

// WithState returns a context carrying state, to be passed to a guest's
// exported start function so every ABI call during that invocation can
// recover it.
func WithState(ctx context.Context, state HostState) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

func stateFrom(ctx context.Context) HostState {
	s, _ := ctx.Value(stateKey{}).(HostState)
	return s
}

// memoryWriter adapts api.Memory to buffer.MemoryWriter.
type memoryWriter struct{ mem api.Memory }

func (w memoryWriter) MemoryWrite(offset uint32, bytes []byte) (int, error) {
	if !w.mem.Write(offset, bytes) {
		return 0, errOutOfRange
	}
	return len(bytes), nil
}

var errOutOfRange = &outOfRangeError{}

type outOfRangeError struct{}

func (*outOfRangeError) Error() string { return "abi: guest memory write out of range" }

// Register builds the "env" host module wazero will resolve guest imports
// against, and instantiates it on r. Host functions are defined by hand
// (not via reflection) for the same reason the wapc-go wazero engine does:
// this is the foundational ABI surface, and explicit stack-based functions
// are cheap to audit against the table in the specification.
func Register(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(runtimeLog), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("__asml_abi_runtime_log").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(runtimeSuccess), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("__asml_abi_runtime_success").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(clockTimeGet), []api.ValueType{}, []api.ValueType{i64}).
		Export("__asml_abi_clock_time_get").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(inputStart), []api.ValueType{}, []api.ValueType{i32}).
		Export("__asml_abi_input_start").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(inputNext), []api.ValueType{}, []api.ValueType{i32}).
		Export("__asml_abi_input_next").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(inputLengthGet), []api.ValueType{}, []api.ValueType{i64}).
		Export("__asml_abi_input_length_get").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(ioInvoke), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("name_ptr", "name_len", "in_ptr", "in_len").
		Export("__asml_abi_io_invoke").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(ioPoll), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("ioid").
		Export("__asml_abi_io_poll").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(ioLen), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("ioid").
		Export("__asml_abi_io_len").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(ioLoad), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("ioid").
		Export("__asml_abi_io_load").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(ioNext), []api.ValueType{}, []api.ValueType{i32}).
		Export("__asml_abi_io_next").
		Instantiate(ctx)
}

func runtimeLog(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		return
	}
	ptr, ln := uint32(stack[0]), uint32(stack[1])
	msg, ok := m.Memory().Read(ptr, ln)
	if !ok {
		return
	}
	state.Log(string(msg))
}

func runtimeSuccess(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		return
	}
	ptr, ln := uint32(stack[0]), uint32(stack[1])
	payload, ok := m.Memory().Read(ptr, ln)
	if !ok {
		return
	}
	state.Success(append([]byte(nil), payload...))
}

func clockTimeGet(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(time.Now().UnixMilli())
}

func inputStart(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	dst, err := state.GuestInputBufferPointer(ctx)
	if err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	rc := state.InputBuffer().First(memoryWriter{m.Memory()}, dst)
	stack[0] = uint64(uint32(rc))
}

func inputNext(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	dst, err := state.GuestInputBufferPointer(ctx)
	if err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	rc := state.InputBuffer().Next(memoryWriter{m.Memory()}, dst)
	stack[0] = uint64(uint32(rc))
}

func inputLengthGet(ctx context.Context, _ api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = 0
		return
	}
	stack[0] = uint64(state.InputBuffer().Len())
}

func ioInvoke(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	namePtr, nameLen := uint32(stack[0]), uint32(stack[1])
	inPtr, inLen := uint32(stack[2]), uint32(stack[3])

	nameBytes, ok := m.Memory().Read(namePtr, nameLen)
	if !ok {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	input, ok := m.Memory().Read(inPtr, inLen)
	if !ok {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}

	ioid, err := state.Threader().NextIoid()
	if err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	state.Threader().Invoke(string(nameBytes), append([]byte(nil), input...), ioid)
	stack[0] = uint64(ioid)
}

func ioPoll(ctx context.Context, _ api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = 0
		return
	}
	ioid := uint32(stack[0])
	if state.Threader().Poll(ioid) {
		stack[0] = 1
	} else {
		stack[0] = 0
	}
}

func ioLen(ctx context.Context, _ api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = 0
		return
	}
	ioid := uint32(stack[0])
	stack[0] = uint64(uint32(state.Threader().GetIOMemoryDocument(ioid).Length))
}

func ioLoad(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	ioid := uint32(stack[0])
	dst, err := state.GuestIOBufferPointer(ctx)
	if err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	if err := state.Threader().DocumentLoad(memoryWriter{m.Memory()}, ioid, dst); err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	stack[0] = 0
}

func ioNext(ctx context.Context, m api.Module, stack []uint64) {
	state := stateFrom(ctx)
	if state == nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	dst, err := state.GuestIOBufferPointer(ctx)
	if err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	if err := state.Threader().DocumentNext(memoryWriter{m.Memory()}, dst); err != nil {
		stack[0] = uint64(uint32(int32(-1)))
		return
	}
	stack[0] = 0
}
