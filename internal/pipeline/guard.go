package pipeline

import "sync"

// Guard is the single-flight lock for the whole pipeline. Overlapping
// triggers are shed, not queued: the git working tree cannot support
// concurrent mutation, and a stale trigger will be rediscovered by the next
// poll anyway.
type Guard struct {
	mu   sync.Mutex
	held bool
}

func NewGuard() *Guard {
	return &Guard{}
}

func (g *Guard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.held = true
	return true
}

func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
}

func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
