// ABOUTME: Thread-safe in-flight set for rejecting overlapping update deliveries.
// ABOUTME: Do releases the id unconditionally, including when the handler panics.

package dedupe

import (
	"sync"
)

// Guard tracks update ids that are currently being handled.
type Guard struct {
	name     string
	mu       sync.Mutex
	inFlight map[string]struct{}
	rejected uint64
}

// New creates an empty guard. The name identifies the platform in logs
// and metrics.
func New(name string) *Guard {
	return &Guard{
		name:     name,
		inFlight: make(map[string]struct{}),
	}
}

// Name returns the guard's platform name.
func (g *Guard) Name() string {
	return g.name
}

// Admit atomically checks and marks an id. Returns false if the id is
// already in flight.
func (g *Guard) Admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[id]; busy {
		g.rejected++
		return false
	}
	g.inFlight[id] = struct{}{}
	return true
}

// Release removes an id from the in-flight set. Releasing an id that is not
// in flight is a no-op.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, id)
}

// Do runs fn if id is admitted and releases it afterwards. ran is false when
// the id was already in flight. A panic in fn propagates after the release.
func (g *Guard) Do(id string, fn func() error) (ran bool, err error) {
	if !g.Admit(id) {
		return false, nil
	}
	defer g.Release(id)
	return true, fn()
}

// InFlight returns the number of ids currently being handled.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// Rejected returns how many deliveries were turned away.
func (g *Guard) Rejected() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejected
}
