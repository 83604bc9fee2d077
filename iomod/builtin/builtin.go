// Package builtin provides in-process IOmod handlers used for local testing
// and as worked examples of the registration pattern external providers
// (such as the AWS DynamoDB IOmod in the original implementation) follow:
// a handler is a function from (input, reply) to nothing, registered under
// fixed coordinates.
package builtin

import (
	"context"
	"time"

	"github.com/dotxlem/assemblylift/iomod"
)

// Echo returns its input unmodified. Coordinates: test.echo.go.
func Echo(_ context.Context, input []byte, reply chan<- []byte) {
	reply <- input
}

// Delayed returns a fixed payload after waiting d. It models an IOmod that
// performs real asynchronous I/O before completing.
func Delayed(payload []byte, d time.Duration) iomod.Handler {
	return func(ctx context.Context, _ []byte, reply chan<- []byte) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			reply <- payload
		case <-ctx.Done():
			reply <- nil
		}
	}
}

// Register installs the demo handlers used by the test suite and by
// examples: test.echo.go, a.b.c (20ms delay, "A"), and a.b.d (5ms delay,
// "B") — the exact coordinates and timings from the two-parallel-IOmods
// scenario.
func Register(r *iomod.Registry) {
	r.Register(iomod.Coordinates{Org: "test", Namespace: "echo", Name: "go"}, Echo)
	r.Register(iomod.Coordinates{Org: "a", Namespace: "b", Name: "c"}, Delayed([]byte("A"), 20*time.Millisecond))
	r.Register(iomod.Coordinates{Org: "a", Namespace: "b", Name: "d"}, Delayed([]byte("B"), 5*time.Millisecond))
}
