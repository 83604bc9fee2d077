package wasmrt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/dotxlem/assemblylift/buffer"
	"github.com/dotxlem/assemblylift/status"
	"github.com/dotxlem/assemblylift/threader"
)

const (
	guestInputBufferPointerFn = "__asml_guest_input_buffer_pointer"
	guestIOBufferPointerFn    = "__asml_guest_io_buffer_pointer"
)

// State is the per-instance container of everything a host ABI call needs:
// the Threader handle, the host-owned FunctionInputBuffer, lazily-resolved
// references to exported guest memory and accessor functions, and the
// status sender for this invocation. It implements abi.HostState.
type State struct {
	threader *threader.Threader
	input    *buffer.FunctionInputBuffer

	statusSender status.Chan
	statusSent   int32 // atomically set to 1 once a terminal status has been sent

	logger *zap.SugaredLogger

	mod api.Module

	inputPtrOnce sync.Once
	inputPtr     uint32
	inputPtrErr  error

	ioPtrOnce sync.Once
	ioPtr     uint32
	ioPtrErr  error
}

func newState(th *threader.Threader, input *buffer.FunctionInputBuffer, statusSender status.Chan, logger *zap.SugaredLogger) *State {
	return &State{
		threader:     th,
		input:        input,
		statusSender: statusSender,
		logger:       logger,
	}
}

// bindModule attaches the instantiated guest module so accessor functions
// and memory reads/writes can be resolved. Called once, right after
// wazero.Runtime.InstantiateModule returns.
func (s *State) bindModule(mod api.Module) {
	s.mod = mod
}

func (s *State) Threader() *threader.Threader             { return s.threader }
func (s *State) InputBuffer() *buffer.FunctionInputBuffer { return s.input }
func (s *State) Memory() api.Memory                       { return s.mod.Memory() }

func (s *State) GuestInputBufferPointer(ctx context.Context) (uint32, error) {
	s.inputPtrOnce.Do(func() {
		s.inputPtr, s.inputPtrErr = s.resolvePointer(ctx, guestInputBufferPointerFn)
	})
	return s.inputPtr, s.inputPtrErr
}

func (s *State) GuestIOBufferPointer(ctx context.Context) (uint32, error) {
	s.ioPtrOnce.Do(func() {
		s.ioPtr, s.ioPtrErr = s.resolvePointer(ctx, guestIOBufferPointerFn)
	})
	return s.ioPtr, s.ioPtrErr
}

func (s *State) resolvePointer(ctx context.Context, fn string) (uint32, error) {
	f := s.mod.ExportedFunction(fn)
	if f == nil {
		return 0, errMissingExport(fn)
	}
	results, err := f.Call(ctx)
	if err != nil {
		return 0, err
	}
	return uint32(results[0]), nil
}

func (s *State) Log(msg string) {
	if s.logger != nil {
		s.logger.Infof("guest: %s", msg)
	}
}

// Success records a terminal success outcome. The guest issuing success
// more than once is observed, not an error: the first call wins and later
// calls are logged at Warn and otherwise ignored, since statusSender is a
// single-writer channel that must receive exactly one terminal Status.
func (s *State) Success(payload []byte) {
	if !atomic.CompareAndSwapInt32(&s.statusSent, 0, 1) {
		if s.logger != nil {
			s.logger.Warn("guest called success more than once; ignoring subsequent call")
		}
		return
	}
	s.statusSender <- status.Success{Body: payload}
}

// sendFailure is used by Instance.Fail to report a host-side failure that
// occurred after this State's Instance was created (a non-exit error from
// Start, or a recovered panic during one). It respects the same single-
// terminal-status rule as Success.
func (s *State) sendFailure(payload []byte) {
	if !atomic.CompareAndSwapInt32(&s.statusSent, 0, 1) {
		return
	}
	s.statusSender <- status.Failure{Body: payload}
}

// sendExited reports that the guest's _start returned without the guest
// ever calling success. It is only observed by the Launcher as a
// continue-waiting signal; see the launcher package.
func (s *State) sendExited(code int) {
	if !atomic.CompareAndSwapInt32(&s.statusSent, 0, 1) {
		return
	}
	s.statusSender <- status.Exited{Code: code}
}

type missingExportError string

func (e missingExportError) Error() string { return "wasmrt: guest did not export " + string(e) }

func errMissingExport(name string) error { return missingExportError(name) }
