package http

import (
	"encoding/json"
	"net/http"
	"time"

	"callbridge-server/pkg/version"
)

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentHealth `json:"components"`
}

// HealthHandler reports overall service health with per-component
// detail. Degraded optional dependencies do not fail the check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{}
	status := http.StatusOK
	overall := "healthy"

	if s.db != nil {
		if err := s.db.Health(); err != nil {
			components["database"] = componentHealth{Status: "unhealthy", Detail: err.Error()}
			overall = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			components["database"] = componentHealth{Status: "healthy"}
		}
	} else {
		components["database"] = componentHealth{Status: "disabled"}
	}

	if s.publisher != nil {
		if s.publisher.IsConnected() {
			components["amqp"] = componentHealth{Status: "healthy"}
		} else {
			components["amqp"] = componentHealth{Status: "degraded", Detail: "not connected"}
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	} else {
		components["amqp"] = componentHealth{Status: "disabled"}
	}

	writeJSONStatus(w, status, healthResponse{
		Status:     overall,
		Version:    version.Version,
		Uptime:     time.Since(s.startTime).String(),
		Components: components,
	})
}

// LivenessHandler answers that the process is running.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler answers whether the server can take traffic. Only a
// failing database makes it not ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Health(); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"detail": err.Error(),
			})
			return
		}
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	activeSessions := 0
	if s.sessions != nil {
		activeSessions = s.sessions.Count()
	}

	writeJSONStatus(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"version":         version.Version,
		"uptime":          time.Since(s.startTime).String(),
		"started_at":      s.startTime.Format(time.RFC3339),
		"active_sessions": activeSessions,
	})
}

func writeJSONStatus(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
