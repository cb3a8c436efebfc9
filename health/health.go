package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health state of a backend the service depends on.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Component is the last observed state of a dependency.
type Component struct {
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checker aggregates the health of the catalog and storage backends as seen
// by recent ingest requests.
type Checker struct {
	service    string
	mu         sync.RWMutex
	components map[string]Component
}

// NewChecker creates a Checker reporting under the given service name.
func NewChecker(service string) *Checker {
	return &Checker{
		service:    service,
		components: make(map[string]Component),
	}
}

// Register adds a component with an initial status of up. Dependencies are
// assumed healthy until a request proves otherwise.
func (c *Checker) Register(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = Component{Status: StatusUp, UpdatedAt: time.Now()}
}

// MarkDown records that name is not answering at all, for example while
// the circuit breaker in front of it is open.
func (c *Checker) MarkDown(name string, err error) {
	comp := Component{Status: StatusDown, UpdatedAt: time.Now()}
	if err != nil {
		comp.LastError = err.Error()
	}
	c.mu.Lock()
	c.components[name] = comp
	c.mu.Unlock()
}

// Observe records the outcome of a call against a component. A nil error
// marks it up; an error marks it degraded and keeps the message.
func (c *Checker) Observe(name string, err error) {
	comp := Component{Status: StatusUp, UpdatedAt: time.Now()}
	if err != nil {
		comp.Status = StatusDegraded
		comp.LastError = err.Error()
	}
	c.mu.Lock()
	c.components[name] = comp
	c.mu.Unlock()
}

// Component returns the last observed state of name.
func (c *Checker) Component(name string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[name]
	return comp, ok
}

type response struct {
	Status     string               `json:"status"`
	Service    string               `json:"service"`
	Components map[string]Component `json:"components,omitempty"`
}

// ServeHTTP responds with the aggregated health status.
// Returns 200 unless a component is down, in which case it returns 503.
// Overall status "healthy" keeps the response shape clients already parse.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	overall := StatusUp
	comps := make(map[string]Component, len(c.components))
	for name, comp := range c.components {
		comps[name] = comp
		switch comp.Status {
		case StatusDown:
			overall = StatusDown
		case StatusDegraded:
			if overall == StatusUp {
				overall = StatusDegraded
			}
		}
	}
	c.mu.RUnlock()

	status := "healthy"
	if overall != StatusUp {
		status = string(overall)
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response{
		Status:     status,
		Service:    c.service,
		Components: comps,
	})
}

// ReadinessChecker tracks whether the service finished startup (catalog
// reachable, storage resolved) and can accept ingest traffic.
type ReadinessChecker struct {
	mu    sync.RWMutex
	ready bool
}

// NewReadinessChecker creates a ReadinessChecker in not-ready state.
func NewReadinessChecker() *ReadinessChecker {
	return &ReadinessChecker{}
}

// SetReady updates the readiness state.
func (r *ReadinessChecker) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = ready
}

// Ready reports the current readiness state.
func (r *ReadinessChecker) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// ServeHTTP responds with readiness status.
// Returns 200 when ready, 503 when not ready.
func (r *ReadinessChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := r.Ready()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}
