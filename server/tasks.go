package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/task"
)

type claimRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
	MaxTasks     int      `json:"max_tasks"`
}

// taskProjection is what a distributed worker needs to process a claim.
type taskProjection struct {
	TaskID     int64           `json:"task_id"`
	SourceFile string          `json:"source_file"`
	CachePath  string          `json:"cache_path"`
	Settings   json.RawMessage `json:"settings"`
}

// handleClaim hands the highest-priority pending task to the calling
// worker. An empty queue is a 200 with a null task.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	claims := claimsFrom(r)
	workerID := claims.Subject
	if req.WorkerID != "" && req.WorkerID != workerID {
		s.writeError(w, http.StatusForbidden,
			errors.Wrap(errors.ErrForbidden, "worker_id does not match token subject"))
		return
	}

	t, err := s.queue.GetNextPending(queue.Filter{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if t == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "task": nil})
		return
	}

	t.ProcessedByWorker = workerID
	if err := s.store.Update(t); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	settings, err := s.scratch.ExportTaskState(t.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Infow("task claimed by distributed worker", "task", t.ID, "worker", workerID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"task": taskProjection{
			TaskID:     t.ID,
			SourceFile: t.Abspath,
			CachePath:  t.CachePath,
			Settings:   settings,
		},
	})
}

type taskStatusRequest struct {
	WorkerID string          `json:"worker_id"`
	Status   string          `json:"status"` // processing | completed | failed
	Progress float64         `json:"progress"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result"`
}

// handleTaskStatus applies a distributed worker's status report.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return
	}
	var req taskStatusRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	t, err := s.store.Get(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	claims := claimsFrom(r)
	if t.ProcessedByWorker != "" && t.ProcessedByWorker != claims.Subject {
		s.writeError(w, http.StatusForbidden,
			errors.Wrapf(errors.ErrForbidden, "task %d is owned by another worker", id))
		return
	}

	switch req.Status {
	case "processing":
		s.scratch.SetTaskValue(t.ID, "progress", req.Progress)
		if req.Message != "" {
			t.AppendLog(req.Message + "\n")
			if err := s.store.Update(t); err != nil {
				s.writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
	case "completed":
		now := time.Now()
		t.Success = true
		t.FinishTime = &now
		// The artifact was finalized remotely, so no post-processing
		// applies; the task lands in complete in one write.
		if err := s.store.CompleteRemote(t); err != nil {
			s.writeError(w, http.StatusConflict, err)
			return
		}
	case "failed":
		now := time.Now()
		t.Success = false
		t.FinishTime = &now
		if req.Message != "" {
			t.AppendLog("remote failure: " + req.Message + "\n")
		}
		if err := s.store.SetStatus(t, task.StatusFailed); err != nil {
			s.writeError(w, http.StatusConflict, err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, errors.Newf("unknown status %q", req.Status))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleMessages exposes the frontend push-message bus.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": s.bus.ReadAll(),
	})
}
