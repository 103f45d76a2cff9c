package server

import (
	"encoding/json"
	"net/http"

	"github.com/mezzanine-av/mezzanine/errors"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorw("failed to encode response", "error", err)
	}
}

// writeError writes the standard failure envelope {success:false, error}.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// readJSON decodes the request body into dst.
func (s *Server) readJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

// httpStatusForAuthError maps validation failures to 401 and role
// failures to 403.
func httpStatusForAuthError(err error) int {
	if errors.Is(err, errors.ErrForbidden) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
