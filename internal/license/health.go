package license

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// HealthStatus is the aggregate state of one component or of the whole
// license system.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth describes one checked component.
type ComponentHealth struct {
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the full snapshot served on /healthz.
type HealthReport struct {
	Status     HealthStatus                `json:"status"`
	Verdict    domain.Verdict              `json:"verdict"`
	Components map[string]*ComponentHealth `json:"components"`
	CheckedAt  time.Time                   `json:"checked_at"`
	ElapsedMS  int64                       `json:"elapsed_ms"`
}

// HealthCheck inspects the engine and its collaborators. The store probe is
// the only network call; everything else reads in-process state.
type HealthCheck struct {
	engine  *Engine
	store   store.Store
	timeout time.Duration
}

// NewHealthCheck creates a health check over the engine's collaborators.
func NewHealthCheck(engine *Engine, st store.Store) *HealthCheck {
	return &HealthCheck{engine: engine, store: st, timeout: 5 * time.Second}
}

// Check produces one health report.
func (hc *HealthCheck) Check(ctx context.Context) *HealthReport {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	components := map[string]*ComponentHealth{
		"store":     hc.checkStore(ctx),
		"watermark": hc.checkWatermark(),
		"cache":     hc.checkCache(),
	}
	if hc.engine.limiter != nil {
		components["attempt_limiter"] = &ComponentHealth{
			Status:      HealthStatusHealthy,
			LastChecked: time.Now(),
			Details:     hc.engine.limiter.Stats(),
		}
	}

	return &HealthReport{
		Status:     overallStatus(components),
		Verdict:    hc.engine.CurrentVerdict(),
		Components: components,
		CheckedAt:  start,
		ElapsedMS:  time.Since(start).Milliseconds(),
	}
}

// HTTPHandler serves the report as JSON; degraded still answers 200 because
// the process is serving, unhealthy answers 503.
func (hc *HealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

func (hc *HealthCheck) checkStore(ctx context.Context) *ComponentHealth {
	start := time.Now()
	err := hc.store.Ping(ctx)
	health := &ComponentHealth{
		LastChecked: time.Now(),
		Details: map[string]interface{}{
			"ping_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "record store unreachable: " + err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	return health
}

func (hc *HealthCheck) checkWatermark() *ComponentHealth {
	health := &ComponentHealth{
		LastChecked: time.Now(),
		Details: map[string]interface{}{
			"last_observed": hc.engine.wm.LastObserved(),
			"tampered":      hc.engine.wm.Tampered(),
		},
	}
	if hc.engine.wm.Tampered() {
		// Tampered is a correct, reportable state of the engine, not a fault
		// of the health subsystem; it degrades rather than fails the check.
		health.Status = HealthStatusDegraded
		health.Message = "clock tamper latch is set"
		return health
	}
	health.Status = HealthStatusHealthy
	return health
}

func (hc *HealthCheck) checkCache() *ComponentHealth {
	return &ComponentHealth{
		Status:      HealthStatusHealthy,
		LastChecked: time.Now(),
		Details:     hc.engine.cache.Stats(),
	}
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	worst := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			worst = HealthStatusDegraded
		}
	}
	return worst
}
