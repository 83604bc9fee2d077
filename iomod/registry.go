// Package iomod implements the name-indexed registry of asynchronous
// operation handlers ("IOmods") that guests invoke through the host ABI.
package iomod

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Coordinates identifies one IOmod operation by its dotted
// "org.namespace.name" address.
type Coordinates struct {
	Org       string
	Namespace string
	Name      string
}

// String renders the dotted coordinate form used on the wire.
func (c Coordinates) String() string {
	return fmt.Sprintf("%s.%s.%s", c.Org, c.Namespace, c.Name)
}

// ParseCoordinates splits a dotted "org.namespace.name" method path into
// its Coordinates. A malformed path is a handled error, not a panic, so the
// host ABI can stay total.
func ParseCoordinates(methodPath string) (Coordinates, error) {
	parts := strings.SplitN(methodPath, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Coordinates{}, fmt.Errorf("iomod: malformed method path %q", methodPath)
	}
	return Coordinates{Org: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}

// Handler is an asynchronous IOmod operation. It is assumed non-blocking:
// implementations drive their own I/O and must send exactly once on reply
// before returning (or before any goroutine they spawn returns).
type Handler func(ctx context.Context, input []byte, reply chan<- []byte)

// Registration is one (coordinates, handler) tuple sent over a RegistryTx.
type Registration struct {
	Coordinates Coordinates
	Handler     Handler
}

// RegistryTx is the channel builtin and external IOmod providers use to
// register handlers at process start.
type RegistryTx chan Registration

// ErrUnknownPayload is the synthetic response payload returned for a lookup
// miss. It flows through the normal completion path (poll reports ready,
// the guest reads it like any other response) rather than surfacing as a
// registry-level exception.
var ErrUnknownPayload = []byte("ERR_UNKNOWN_IOMOD")

// Registry is a name-indexed, read-mostly-after-startup table of Handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Coordinates]Handler
}

// New returns an empty Registry and starts no background consumption; call
// Listen to install Registrations sent on a RegistryTx.
func New() *Registry {
	return &Registry{handlers: make(map[Coordinates]Handler)}
}

// Listen consumes rx until it is closed, installing each Registration.
// Registering the same coordinates twice is a no-op on the second attempt:
// first registration wins.
func (r *Registry) Listen(rx RegistryTx) {
	for reg := range rx {
		r.mu.Lock()
		if _, exists := r.handlers[reg.Coordinates]; !exists {
			r.handlers[reg.Coordinates] = reg.Handler
		}
		r.mu.Unlock()
	}
}

// Register installs a single handler directly, honoring the same
// first-registration-wins rule as Listen. It is a convenience for builtin
// handlers that don't need a channel round-trip.
func (r *Registry) Register(coords Coordinates, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[coords]; !exists {
		r.handlers[coords] = h
	}
}

// Lookup returns the handler for coords, if one is registered.
func (r *Registry) Lookup(coords Coordinates) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[coords]
	return h, ok
}

// NewTx returns a fresh RegistryTx of the given buffer depth and starts a
// goroutine draining it into the registry. Callers close the channel (or
// let it be garbage collected once no longer referenced) when no more
// providers will register.
func (r *Registry) NewTx(depth int) RegistryTx {
	tx := make(RegistryTx, depth)
	go r.Listen(tx)
	return tx
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-global registry, creating it on first use.
// Tests that need isolation should construct their own Registry with New
// instead of using the default.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}
