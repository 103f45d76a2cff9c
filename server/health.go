package server

import (
	"net/http"
	"os"
	"time"
)

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleHealth reports overall health plus per-component detail. Any
// unhealthy component makes the endpoint a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{
		"config": {Status: "healthy"},
	}
	healthy := true

	dbHealth := componentHealth{Status: "healthy"}
	if s.db == nil {
		dbHealth = componentHealth{Status: "unhealthy", Detail: "no database handle"}
	} else if err := s.db.Ping(); err != nil {
		dbHealth = componentHealth{Status: "unhealthy", Detail: err.Error()}
	}
	if dbHealth.Status != "healthy" {
		healthy = false
	}
	components["database"] = dbHealth

	cacheHealth := componentHealth{Status: "healthy"}
	if info, err := os.Stat(s.cacheRoot); err != nil {
		cacheHealth = componentHealth{Status: "unhealthy", Detail: err.Error()}
	} else if !info.IsDir() {
		cacheHealth = componentHealth{Status: "unhealthy", Detail: "cache root is not a directory"}
	}
	if cacheHealth.Status != "healthy" {
		healthy = false
	}
	components["cache"] = cacheHealth

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"components":     components,
	})
}

// handleLive is the liveness probe: the process is up and serving.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

// handleReady is the readiness probe: the server accepts work only
// after Start and before Stop.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "server is starting or shutting down",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}
