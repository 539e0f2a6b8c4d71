package api

import (
	"net/http"
	"time"
)

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status        string `json:"status"`
	EngineVersion string `json:"engine_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Relay         string `json:"relay"`
}

// handleHealthCheck reports overall service health.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:        "healthy",
		EngineVersion: EngineVersion,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Database:      "ok",
		Relay:         "disabled",
	}
	if s.relay != nil {
		status.Relay = "ok"
	}
	if _, err := s.db.Balance(r.Context(), "0x0000000000000000000000000000000000000000"); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// handleReadiness checks the store is reachable before accepting traffic.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.Balance(r.Context(), "0x0000000000000000000000000000000000000000"); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, ErrTypeInternal, "store not ready", map[string]interface{}{
			"cause": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLiveness only proves the process is serving.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleVersion returns build identification.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, VersionInfo{EngineVersion: EngineVersion})
}
