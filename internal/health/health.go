// Package health runs named subsystem checks for the readiness endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all checkers concurrently. Statuses keep registration
// order. A checker that overruns the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := make(chan Status, 1)
	go func() { out <- nc.check(cctx) }()

	select {
	case s := <-out:
		if s.Name == "" {
			s.Name = nc.name
		}
		return s
	case <-cctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: "check timed out"}
	}
}

// Handler serves the aggregate result: 200 when healthy, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		status := "healthy"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
