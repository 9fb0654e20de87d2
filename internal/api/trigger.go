package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/circuitbreaker"
	"github.com/lalithlochan/waypoint/internal/scheduler"
	"github.com/lalithlochan/waypoint/internal/trigger"
)

// SchedulerInvoker starts one scheduler run.
type SchedulerInvoker interface {
	Invoke(ctx context.Context, source string) (scheduler.Summary, error)
}

// TriggerResponse is the success body of the run endpoint.
type TriggerResponse struct {
	Message   string `json:"message"`
	Due       int    `json:"due"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
}

// TriggerHandler exposes the scheduler to external schedulers.
type TriggerHandler struct {
	invoker SchedulerInvoker
	secret  string
	logger  *zap.Logger
}

func NewTriggerHandler(invoker SchedulerInvoker, secret string, logger *zap.Logger) *TriggerHandler {
	return &TriggerHandler{invoker: invoker, secret: secret, logger: logger}
}

// Run handles POST /internal/scheduler/run. No body is required.
func (h *TriggerHandler) Run(w http.ResponseWriter, r *http.Request) {
	if err := trigger.Authorize(h.secret, r); err != nil {
		h.logger.Warn("rejected scheduler trigger", zap.String("remote_addr", r.RemoteAddr))
		writeRunError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.invoker.Invoke(r.Context(), trigger.SourceHTTP)
	switch {
	case errors.Is(err, trigger.ErrRunInProgress):
		writeRunError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeRunError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, TriggerResponse{
		Message: fmt.Sprintf("processed %d of %d due messages (%d completed, %d advanced), %d failed, %d deferred",
			summary.Processed, summary.Due, summary.Completed, summary.Advanced, summary.Failed, summary.Deferred),
		Due:       summary.Due,
		Processed: summary.Processed,
		Failed:    summary.Failed,
		Deferred:  summary.Deferred,
	})
}

func writeRunError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Pinger reports backing store health.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Redis    string                 `json:"redis"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// HealthHandler handles GET /health. The database is required; Redis is
// optional (nil when not configured) and only degrades the status. Breaker
// snapshots show which delivery transports are currently rejecting.
func HealthHandler(db Pinger, cache Pinger, breakers []*circuitbreaker.CircuitBreaker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Database: "ok", Redis: "disabled"}
		status := http.StatusOK

		if err := db.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.String("dependency", "database"), zap.Error(err))
			resp.Status, resp.Database = "unavailable", "unavailable"
			status = http.StatusServiceUnavailable
		}

		if cache != nil {
			resp.Redis = "ok"
			if err := cache.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.String("dependency", "redis"), zap.Error(err))
				resp.Redis = "unavailable"
				if status == http.StatusOK {
					resp.Status = "degraded"
				}
			}
		}

		for _, b := range breakers {
			st := b.Stats()
			if st.State != circuitbreaker.StateClosed.String() && resp.Status == "ok" {
				resp.Status = "degraded"
			}
			resp.Breakers = append(resp.Breakers, st)
		}

		respondJSON(w, status, resp)
	}
}
