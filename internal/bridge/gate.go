package bridge

import (
	"context"
	"sync"
)

// nodeGate bounds concurrent requests to one node. Up to maxInflight run at
// once; up to maxQueued more wait their turn in arrival order; anything past
// that is turned away immediately.
type nodeGate struct {
	slots chan struct{}

	mu        sync.Mutex
	waiting   int
	maxQueued int
}

func newNodeGate(maxInflight, maxQueued int) *nodeGate {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &nodeGate{
		slots:     make(chan struct{}, maxInflight),
		maxQueued: maxQueued,
	}
}

// acquire claims an execution slot, queueing if the node is at its limit.
// It reports full=true without blocking when the queue is at its bound.
// The returned release function must be called exactly once.
func (g *nodeGate) acquire(ctx context.Context) (release func(), full bool, err error) {
	select {
	case g.slots <- struct{}{}:
		return g.release, false, nil
	default:
	}

	g.mu.Lock()
	if g.waiting >= g.maxQueued {
		g.mu.Unlock()
		return nil, true, nil
	}
	g.waiting++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	// Blocked channel sends wake in arrival order, which keeps the queue
	// first-in first-out.
	select {
	case g.slots <- struct{}{}:
		return g.release, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (g *nodeGate) release() {
	<-g.slots
}

// queued returns how many requests are waiting behind the inflight limit.
func (g *nodeGate) queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}
