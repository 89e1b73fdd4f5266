package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamgate/streamgate/internal/breaker"
	"github.com/streamgate/streamgate/internal/loadmetrics"
	"github.com/streamgate/streamgate/internal/session"
)

// Health status values.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusDown     = "DOWN"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	breakers  *breaker.Registry
	registry  *session.Registry
	collector *loadmetrics.Collector
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string, breakers *breaker.Registry, registry *session.Registry, collector *loadmetrics.Collector) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		breakers:  breakers,
		registry:  registry,
		collector: collector,
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status         string            `json:"status" doc:"OK, DEGRADED, or DOWN"`
	Timestamp      string            `json:"timestamp"`
	Version        string            `json:"version"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	Dependencies   map[string]string `json:"dependencies" doc:"Circuit breaker state per dependency"`
	SessionsActive int               `json:"sessions_active"`
	SystemLoad     float64           `json:"system_load" doc:"Normalized 1-minute load average, 0.0 to 1.0+"`
}

// HealthOutput wraps the health response.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports service health derived from dependency circuit breaker states",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth reports overall health: DOWN when any dependency circuit is
// open, DEGRADED when any is half-open, OK otherwise.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()

	dependencies := make(map[string]string, 2)
	status := StatusOK
	for _, name := range []string{breaker.DependencyTranscoder, breaker.DependencyMediaLibrary} {
		state := h.breakers.Get(name).State()
		dependencies[name] = state.String()

		switch state {
		case breaker.StateOpen:
			status = StatusDown
		case breaker.StateHalfOpen:
			if status == StatusOK {
				status = StatusDegraded
			}
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:         status,
			Timestamp:      now.UTC().Format(time.RFC3339),
			Version:        h.version,
			UptimeSeconds:  now.Sub(h.startTime).Seconds(),
			Dependencies:   dependencies,
			SessionsActive: h.registry.Len(),
			SystemLoad:     h.collector.Snapshot().SystemLoad,
		},
	}, nil
}
