// Package shutdown gates process termination until every external dependency
// can be released safely, with a bounded retry budget so a stuck dependency
// cannot block exit forever.
package shutdown

import "sync"

// Coordinator is the process-wide shutdown state. It is mutated only through
// its report methods, never reached into from deep call stacks.
type Coordinator struct {
	mu          sync.Mutex
	err         bool
	deps        map[string]bool
	attempts    int
	maxAttempts int
}

// New creates a Coordinator tracking the named dependencies, all initially
// not ready.
func New(deps ...string) *Coordinator {
	tracked := make(map[string]bool, len(deps))
	for _, dep := range deps {
		tracked[dep] = false
	}
	return &Coordinator{deps: tracked, maxAttempts: 5}
}

// Report records a dependency's readiness for a clean exit.
func (c *Coordinator) Report(dep string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[dep] = ready
}

// ReportError records an unrecoverable error. An errored process is always
// ready to exit — recycling beats limping along.
func (c *Coordinator) ReportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = true
}

// Attempt consumes one exit attempt and returns the count so far.
func (c *Coordinator) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// MaxAttempts returns the retry budget.
func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

// Ready reports whether the process may exit cleanly: an unrecoverable error
// occurred, the retry budget is exhausted, or every dependency is ready.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err || c.attempts >= c.maxAttempts {
		return true
	}
	for _, ready := range c.deps {
		if !ready {
			return false
		}
	}
	return true
}

// Healthy reports whether no unrecoverable error has been recorded. Exposed
// through the health endpoint.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.err
}
