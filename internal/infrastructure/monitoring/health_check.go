package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc checks one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
	// Critical checks make the service unhealthy; the others only degrade it
	Critical bool
}

type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HTTPCode is 503 for an unhealthy service and 200 otherwise
func (s HealthStatus) HTTPCode() int {
	if s.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	last   map[string]CheckResult
	up     *prometheus.GaugeVec
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{last: make(map[string]CheckResult)}
}

// WithMetrics exports every check result as rillcall_health_check_up
func (h *HealthChecker) WithMetrics(reg prometheus.Registerer) *HealthChecker {
	h.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rillcall_health_check_up",
		Help: "1 when the named health check passed on its last run",
	}, []string{"check"})
	reg.MustRegister(h.up)
	return h
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// CheckAll runs every check concurrently, each under its own timeout
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()
	results := make([]CheckResult, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			results[i] = h.run(ctx, check)
		}(i, check)
	}
	wg.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		status.Checks[check.Name] = results[i]
		status.Status = worse(status.Status, check, results[i])
	}
	return status
}

func worse(current string, check HealthCheck, result CheckResult) string {
	switch {
	case result.Status == StatusHealthy, current == StatusUnhealthy:
		return current
	case check.Critical:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	started := time.Now()
	err := check.Check(checkCtx)
	result := CheckResult{
		Status:    StatusHealthy,
		LatencyMs: time.Since(started).Milliseconds(),
		CheckedAt: started,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}

	h.mu.Lock()
	h.last[check.Name] = result
	h.mu.Unlock()
	if h.up != nil {
		up := 0.0
		if err == nil {
			up = 1
		}
		h.up.WithLabelValues(check.Name).Set(up)
	}
	return result
}

// LastStatus reports the latest background results without running checks
func (h *HealthChecker) LastStatus() HealthStatus {
	checks := h.snapshot()

	h.mu.RLock()
	defer h.mu.RUnlock()
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(h.last)),
	}
	for _, check := range checks {
		result, ok := h.last[check.Name]
		if !ok {
			continue
		}
		status.Checks[check.Name] = result
		status.Status = worse(status.Status, check, result)
	}
	return status
}

// StartBackgroundChecks runs every check once right away and then on its
// interval until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		go h.runPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		h.run(ctx, check)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
