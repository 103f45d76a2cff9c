package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/mezzanine-av/mezzanine/distributed"
	"github.com/mezzanine-av/mezzanine/errors"
)

type contextKey string

const claimsKey contextKey = "worker_claims"

// authenticated wraps a handler with bearer token validation. When
// roles are given, the token's role set must intersect them; an
// authenticated token with insufficient roles gets 403.
func (s *Server) authenticated(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, errors.Wrap(errors.ErrTokenInvalid, "missing bearer token"))
			return
		}

		claims, err := s.tokens.Validate(token)
		if err != nil {
			s.writeError(w, httpStatusForAuthError(err), err)
			return
		}

		if len(roles) > 0 && !hasAnyRole(claims, roles) {
			s.writeError(w, http.StatusForbidden,
				errors.Wrapf(errors.ErrForbidden, "roles %v required", roles))
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// claimsFrom returns the validated claims stashed by the middleware.
func claimsFrom(r *http.Request) *distributed.WorkerClaims {
	claims, _ := r.Context().Value(claimsKey).(*distributed.WorkerClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func hasAnyRole(claims *distributed.WorkerClaims, roles []string) bool {
	for _, role := range roles {
		if claims.HasRole(role) {
			return true
		}
	}
	return false
}
