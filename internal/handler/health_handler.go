package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/util"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler runs all dependency checks in parallel and reports
// per-component status.
type HealthHandler struct {
	checks map[string]HealthCheck
	logger *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

type healthStatus struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := healthStatus{
		Status:     "healthy",
		Service:    "otp-service",
		Components: make(map[string]string, len(h.checks)),
	}

	type result struct {
		name string
		err  error
	}

	results := make(chan result, len(h.checks))

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range h.checks {
		name, check := name, check
		g.Go(func() error {
			results <- result{name: name, err: check(gctx)}
			return nil
		})
	}
	g.Wait()
	close(results)

	httpStatus := http.StatusOK
	for res := range results {
		if res.err != nil {
			status.Components[res.name] = res.err.Error()
			status.Status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			h.logger.Warn("Health check failed",
				util.String("component", res.name),
				util.ErrorField(res.err))
		} else {
			status.Components[res.name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(status)
}
