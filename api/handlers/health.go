package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/api"
)

// HealthCheck probes one backing dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function into a HealthCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthHandler serves GET /health with a backend connectivity snapshot.
type HealthHandler struct {
	version string
	logger  *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		version: version,
		logger:  logger.With(zap.String("handler", "health")),
	}
}

// RegisterCheck adds one dependency probe.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth runs every probe with a short budget and reports each
// dependency as "healthy" or "unhealthy".
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	deps := make(map[string]string, len(checks))
	healthy := true
	for _, check := range checks {
		if err := check.Check(ctx); err != nil {
			deps[check.Name()] = "unhealthy"
			healthy = false
			h.logger.Warn("dependency unhealthy",
				zap.String("dependency", check.Name()), zap.Error(err))
		} else {
			deps[check.Name()] = "healthy"
		}
	}

	resp := api.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Dependencies: deps,
		Timestamp:    time.Now().UTC(),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, resp)
}
