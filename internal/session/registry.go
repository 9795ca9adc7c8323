package session

import "sync"

// Registry tracks the live routers so shutdown can close every session
// before the storage connections go away.
type Registry struct {
	mu      sync.Mutex
	routers map[*Router]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routers: make(map[*Router]struct{})}
}

// Add registers a live router.
func (g *Registry) Add(r *Router) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routers[r] = struct{}{}
}

// Remove unregisters a router once its connection has closed.
func (g *Registry) Remove(r *Router) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.routers, r)
}

// Len returns the number of live sessions.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.routers)
}

// CloseAll closes every live session.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	routers := make([]*Router, 0, len(g.routers))
	for r := range g.routers {
		routers = append(routers, r)
	}
	g.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
}
