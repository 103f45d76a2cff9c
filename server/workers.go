package server

import (
	"net/http"
	"time"

	"github.com/mezzanine-av/mezzanine/errors"
)

type registerRequest struct {
	Name         string   `json:"name"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
}

// handleRegister creates a worker and returns its initial token.
// Registration is unauthenticated; deployments that care front it with
// a reverse proxy.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	info, err := s.registry.Register(req.Name, req.Hostname, req.Capabilities)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	token, err := s.tokens.Issue(info, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Infow("registered distributed worker",
		"worker", info.WorkerID, "name", info.Name, "hostname", info.Hostname)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"worker_id": info.WorkerID,
		"name":      info.Name,
		"token":     token,
	})
}

type issueTokenRequest struct {
	WorkerID        string `json:"worker_id"`
	ValiditySeconds int    `json:"validity_seconds"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := s.registry.Get(req.WorkerID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	token, err := s.tokens.Issue(info, time.Duration(req.ValiditySeconds)*time.Second)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "token": token})
}

// handleRefreshToken issues a fresh token for the bearer's worker.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	info, err := s.registry.Get(claims.Subject)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := s.tokens.Issue(info, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "token": token})
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.tokens.Revoke(req.Token); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleVerify confirms the bearer token is valid and returns its
// identity.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"worker_id": claims.Subject,
		"roles":     claims.Roles,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"workers": s.registry.List(activeOnly),
	})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "worker": info})
}

type updateWorkerRequest struct {
	Name         *string  `json:"name"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Active       *bool    `json:"active"`
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	var req updateWorkerRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := s.registry.Update(r.PathValue("id"), req.Name, req.Roles, req.Capabilities, req.Active)
	if err != nil {
		if errors.Is(err, errors.ErrWorkerNotRegistered) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "worker": info})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.PathValue("id")); err != nil {
		if errors.Is(err, errors.ErrWorkerNotRegistered) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type heartbeatRequest struct {
	WorkerID     string                 `json:"worker_id"`
	Status       string                 `json:"status"`
	CurrentTasks []int64                `json:"current_tasks"`
	SystemInfo   map[string]interface{} `json:"system_info"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	claims := claimsFrom(r)
	if req.WorkerID != "" && req.WorkerID != claims.Subject {
		s.writeError(w, http.StatusForbidden,
			errors.Wrap(errors.ErrForbidden, "worker_id does not match token subject"))
		return
	}

	if err := s.registry.TouchLastSeen(claims.Subject); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
