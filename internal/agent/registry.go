package agent

import (
	"sync"
	"time"

	"github.com/fleetgraph/orchestrator/internal/resilience"
)

// Registry resolves an agent name to a Client, lazily building one circuit
// breaker and rate limiter per agent so a flaky or overloaded agent doesn't
// starve calls to its siblings.
type Registry struct {
	mu        sync.Mutex
	baseURLs  map[string]string
	clients   map[string]*Client
	rateLimit float64
}

// NewRegistry builds a Registry resolving agent name -> base URL from
// baseURLs, gating each agent's calls at rateLimit calls/sec burst.
func NewRegistry(baseURLs map[string]string, rateLimit float64) *Registry {
	return &Registry{
		baseURLs:  baseURLs,
		clients:   make(map[string]*Client),
		rateLimit: rateLimit,
	}
}

// Client returns (building if necessary) the Client for the named agent.
func (r *Registry) Client(agentName string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[agentName]; ok {
		return c, true
	}
	base, ok := r.baseURLs[agentName]
	if !ok {
		return nil, false
	}
	breaker := resilience.NewCircuitBreakerAdaptive(agentName, 10, 0.5, 15*time.Second)
	limiter := resilience.NewRateLimiter(r.rateLimit, r.rateLimit, int(r.rateLimit*5), 5*time.Second)
	c := NewClient(base, breaker, limiter)
	r.clients[agentName] = c
	return c, true
}

// Agents returns the configured agent names.
func (r *Registry) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.baseURLs))
	for name := range r.baseURLs {
		out = append(out, name)
	}
	return out
}
