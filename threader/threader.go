// Package threader implements the per-instance asynchronous dispatcher that
// assigns I/O identifiers, forwards IOmod invocations to the registry, and
// tracks their completion so the host ABI can poll and page results back
// into a guest.
package threader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dotxlem/assemblylift/buffer"
	"github.com/dotxlem/assemblylift/iomod"
)

// Document describes an available (or in-flight) I/O result.
type Document struct {
	Length int
	Ready  bool
}

// Threader is the per-instance async executor. It is shared (via pointer)
// between the instance's State and any spawned invocation goroutines; the
// last holder simply drops its reference, there is no explicit release
// step since Go is garbage collected.
type Threader struct {
	registry *iomod.Registry

	nextIoid  uint32
	nextEvent uint32

	mu      sync.Mutex
	pending map[uint32]bool // ioid -> ready

	io *buffer.IoBuffer

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Threader that dispatches through registry. ctx bounds the
// lifetime of any in-flight IOmod calls; cancel it when the owning instance
// exits so that in-flight calls are drained and discarded instead of
// writing into a dead instance's buffers.
func New(ctx context.Context, registry *iomod.Registry) *Threader {
	ctx, cancel := context.WithCancel(ctx)
	return &Threader{
		registry: registry,
		pending:  make(map[uint32]bool),
		io:       buffer.NewIoBuffer(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels the Threader's context, causing in-flight IOmod calls to be
// discarded rather than delivered.
func (t *Threader) Close() {
	t.cancel()
}

// NextIoid returns the next free I/O identifier. Identifiers are assigned
// monotonically within an instance and are never reused while pending.
func (t *Threader) NextIoid() (uint32, error) {
	id := atomic.AddUint32(&t.nextIoid, 1) - 1
	if id == ^uint32(0) {
		return 0, fmt.Errorf("threader: ioid space exhausted")
	}
	return id, nil
}

// NextEventID returns the next free event identifier, used for internal
// bookkeeping events distinct from guest-issued I/O calls.
func (t *Threader) NextEventID() (uint32, error) {
	id := atomic.AddUint32(&t.nextEvent, 1) - 1
	if id == ^uint32(0) {
		return 0, fmt.Errorf("threader: event id space exhausted")
	}
	return id, nil
}

// Invoke parses methodPath, locates a handler through the registry, and
// spawns a goroutine that drives it to completion, writing the result into
// the instance's I/O buffer under ioid. A lookup miss is not an error:
// poll will report the call ready and reading it yields
// iomod.ErrUnknownPayload.
func (t *Threader) Invoke(methodPath string, input []byte, ioid uint32) {
	t.mu.Lock()
	t.pending[ioid] = false
	t.mu.Unlock()

	coords, err := iomod.ParseCoordinates(methodPath)
	if err != nil {
		t.complete(ioid, iomod.ErrUnknownPayload)
		return
	}

	handler, ok := t.registry.Lookup(coords)
	if !ok {
		t.complete(ioid, iomod.ErrUnknownPayload)
		return
	}

	reply := make(chan []byte, 1)
	go handler(t.ctx, input, reply)

	go func() {
		select {
		case payload := <-reply:
			t.complete(ioid, payload)
		case <-t.ctx.Done():
			// Instance exited; drain and discard.
		}
	}()
}

func (t *Threader) complete(ioid uint32, payload []byte) {
	t.io.Write(ioid, payload)
	t.mu.Lock()
	t.pending[ioid] = true
	t.mu.Unlock()
}

// Poll returns true once a result for ioid is available. Readiness is not
// cleared when the result is paged out, so Poll stays true after
// DocumentLoad/DocumentNext have read it. Polling an unknown ioid returns
// false, not an error.
func (t *Threader) Poll(ioid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[ioid]
}

// GetIOMemoryDocument returns the length and readiness of ioid's result.
func (t *Threader) GetIOMemoryDocument(ioid uint32) Document {
	t.mu.Lock()
	ready := t.pending[ioid]
	t.mu.Unlock()
	return Document{Length: t.io.Len(ioid), Ready: ready}
}

// DocumentLoad primes paging of ioid's result by setting it as the active
// I/O buffer and copying its first page into guest memory at dstOffset.
func (t *Threader) DocumentLoad(mw buffer.MemoryWriter, ioid uint32, dstOffset uint32) error {
	if rc := t.io.First(mw, ioid, dstOffset); rc != 0 {
		return fmt.Errorf("threader: document load failed for ioid %d", ioid)
	}
	return nil
}

// DocumentNext advances the active I/O buffer's page cursor.
func (t *Threader) DocumentNext(mw buffer.MemoryWriter, dstOffset uint32) error {
	if rc := t.io.Next(mw, dstOffset); rc != 0 {
		return fmt.Errorf("threader: document next failed")
	}
	return nil
}
