package service

import (
	"fmt"
	"log/slog"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/pkg/schema"
)

// Overall system health values.
const (
	HealthHealthy    = "healthy"
	HealthDegraded   = "degraded"
	HealthRecovering = "recovering"
	HealthAtCapacity = "at_capacity"
)

const (
	failureWatchCount  = 3
	capacityWatchSlots = 3
	allNormal          = "All systems operating normally."
)

// SystemHealth is the combined view of breakers and limiters.
type SystemHealth struct {
	Status          string                                 `json:"status"`
	Issues          []string                               `json:"issues"`
	CircuitBreakers map[string]engine.CircuitBreakerStatus `json:"circuit_breakers"`
	Limiters        map[string]engine.LimiterStatus        `json:"limiters"`
	Recommendations []string                               `json:"recommendations"`
}

// Monitor reports on the process-local resilience components.
type Monitor struct {
	breakers *engine.CircuitBreakerRegistry
	limiters *engine.Limiters
	logger   *slog.Logger
}

// NewMonitor creates a Monitor over the given registry and limiter set.
func NewMonitor(breakers *engine.CircuitBreakerRegistry, limiters *engine.Limiters, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{breakers: breakers, limiters: limiters, logger: logger}
}

// CircuitBreakers returns every breaker status keyed by name.
func (m *Monitor) CircuitBreakers() map[string]engine.CircuitBreakerStatus {
	out := make(map[string]engine.CircuitBreakerStatus)
	for _, st := range m.breakers.Statuses() {
		out[st.Name] = st
	}
	return out
}

// Limiters returns every limiter status keyed by name.
func (m *Monitor) Limiters() map[string]engine.LimiterStatus {
	out := make(map[string]engine.LimiterStatus)
	for _, st := range m.limiters.Statuses() {
		out[st.Name] = st
	}
	return out
}

// System computes the overall health. An open breaker degrades the system, a
// half-open one marks it recovering, and a full workflow limiter puts it at
// capacity; later rules override earlier ones.
func (m *Monitor) System() SystemHealth {
	h := SystemHealth{
		Status:          HealthHealthy,
		Issues:          []string{},
		CircuitBreakers: m.CircuitBreakers(),
		Limiters:        m.Limiters(),
	}

	for _, cb := range m.breakers.Statuses() {
		switch cb.State {
		case engine.CircuitOpen.String():
			h.Status = HealthDegraded
			h.Issues = append(h.Issues, fmt.Sprintf("Circuit breaker %s is OPEN - calls failing", cb.Name))
			h.Recommendations = append(h.Recommendations,
				fmt.Sprintf("%s is experiencing issues. Wait %.0fs before retrying.", cb.Name, cb.RecoveryTimeout))
		case engine.CircuitHalfOpen.String():
			if h.Status == HealthHealthy {
				h.Status = HealthRecovering
			}
			h.Issues = append(h.Issues, fmt.Sprintf("Circuit breaker %s is testing recovery", cb.Name))
		case engine.CircuitClosed.String():
			if cb.FailureCount >= failureWatchCount {
				h.Recommendations = append(h.Recommendations,
					fmt.Sprintf("%s is showing increased failures. Monitor closely.", cb.Name))
			}
		}
	}

	if wf, ok := h.Limiters[engine.WorkflowLimiterName]; ok {
		if wf.Available == 0 {
			h.Status = HealthAtCapacity
			h.Issues = append(h.Issues, "Workflow limiter at max capacity")
		}
		if wf.Available < capacityWatchSlots {
			h.Recommendations = append(h.Recommendations, "Near workflow capacity. Consider scaling or reducing load.")
		}
	}

	if len(h.Recommendations) == 0 {
		h.Recommendations = []string{allNormal}
	}
	return h
}

// ResetBreaker forces breaker name closed and returns its new status.
func (m *Monitor) ResetBreaker(name string) (engine.CircuitBreakerStatus, error) {
	cb, ok := m.breakers.Lookup(name)
	if !ok {
		return engine.CircuitBreakerStatus{}, schema.NewErrorf(schema.ErrCodeNotFound, "Unknown circuit breaker: %s", name)
	}
	cb.Reset()
	m.logger.Warn("circuit breaker reset manually", slog.String("breaker", name))
	return cb.Status(), nil
}
