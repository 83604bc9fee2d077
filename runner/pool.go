package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// evictPollTimeout bounds the wait for the oldest tracked path when the
// pool is full. The ring buffer always holds an item once the pool is at
// capacity, so this only ever guards against a logic error.
const evictPollTimeout = time.Second

// InstancePool bounds how many compiled wasmrt.Module entries a Runner
// keeps warm at once. First-seen paths are tracked in a ring buffer in
// insertion order; once the pool is at capacity, a newly-seen path evicts
// and closes the oldest tracked one from the Runner's module cache. An
// already-tracked path is a no-op: it is never re-offered to the ring and
// can therefore never be the one evicted by its own touch. This is
// opt-in — a Runner with no pool attached caches every path it ever sees,
// which is the right default for a host serving a small, fixed set of
// functions.
type InstancePool struct {
	runner *Runner
	ring   *queue.RingBuffer

	mu      sync.Mutex
	members map[string]struct{}
}

// NewInstancePool returns a pool that bounds how many compiled modules stay
// warm in runner's cache. The bound is the ring buffer's capacity, which is
// size rounded up to the next power of two.
func NewInstancePool(runner *Runner, size uint64) *InstancePool {
	return &InstancePool{
		runner:  runner,
		ring:    queue.NewRingBuffer(size),
		members: make(map[string]struct{}),
	}
}

// Touch records path as tracked by the pool, evicting and closing the
// oldest tracked path if this is a new path and the pool is already at
// capacity. Touching a path already tracked by the pool is a no-op.
func (p *InstancePool) Touch(ctx context.Context, path string) error {
	p.mu.Lock()
	if _, already := p.members[path]; already {
		p.mu.Unlock()
		return nil
	}
	p.members[path] = struct{}{}
	p.mu.Unlock()

	ok, err := p.ring.Offer(path)
	if err != nil {
		return fmt.Errorf("runner: pool offer failed: %w", err)
	}
	if ok {
		return nil
	}

	oldestIface, err := p.ring.Poll(evictPollTimeout)
	if err != nil {
		return fmt.Errorf("runner: pool eviction failed: %w", err)
	}
	oldest, _ := oldestIface.(string)

	p.mu.Lock()
	delete(p.members, oldest)
	p.mu.Unlock()

	p.runner.evict(ctx, oldest)

	if _, err := p.ring.Offer(path); err != nil {
		return fmt.Errorf("runner: pool offer after eviction failed: %w", err)
	}
	return nil
}

// Close disposes the pool's ring buffer. It does not close any modules —
// call Runner.Close separately to do that.
func (p *InstancePool) Close() {
	p.ring.Dispose()
}
