package throttle

import (
	"context"
	"sync"
	"time"
)

// gatePoll bounds how long a blocked Acquire waits before re-reading the
// limit, in case a Wake was missed.
const gatePoll = time.Second

// Gate is a semaphore whose size follows Controller.Allowed. Workers acquire
// before every file, so a lowered allowance takes effect between files and a
// raised one wakes blocked workers.
type Gate struct {
	ctrl *Controller

	mu      sync.Mutex
	active  int
	peak    int
	changed chan struct{}
}

func NewGate(ctrl *Controller) *Gate {
	return &Gate{ctrl: ctrl, changed: make(chan struct{})}
}

func (g *Gate) signal() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Acquire blocks until a slot is free under the current allowance.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.active < g.ctrl.Allowed() {
			g.active++
			g.peak = max(g.peak, g.active)
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		t := time.NewTimer(gatePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-wait:
		case <-t.C:
		}
		t.Stop()
	}
}

func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	g.signal()
}

// Wake makes blocked callers re-read the allowance.
func (g *Gate) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signal()
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Peak returns the highest concurrent holder count seen.
func (g *Gate) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
