package connector

import (
	"context"
	"sync"
)

// pauseGate blocks message dispatch while a source is paused. Pause and
// Resume are idempotent, so teardown paths can release the gate without
// tracking whether the source was paused. Wait returns when the gate is
// open or the context ends, never later.
type pauseGate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
