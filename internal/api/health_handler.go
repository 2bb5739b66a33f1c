package api

import (
	"net/http"
	"time"
)

// startTime records when the package was initialized, for uptime
var startTime = time.Now()

// HealthResponse is the JSON response for /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason,omitempty"`
}

// handleHealthz handles GET /healthz. No rate limiting.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	uptime := time.Since(startTime).Round(time.Second).String()
	if s.metrics != nil {
		uptime = s.metrics.Snapshot().Uptime
	}

	if !running {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Uptime: uptime,
			Reason: "server not running",
		})
		return
	}

	if h, ok := s.ledger.(haltReporter); ok {
		if err := h.Halted(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "halted",
				Uptime: uptime,
				Seq:    s.ledger.Seq(),
				Reason: err.Error(),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: uptime,
		Seq:    s.ledger.Seq(),
	})
}
