package distributed

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Token validity bounds.
const (
	DefaultTokenValidity = 24 * time.Hour
	MaxTokenValidity     = 30 * 24 * time.Hour
)

// WorkerClaims is the token payload: the worker id as subject plus its
// role and capability sets.
type WorkerClaims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

// HasRole reports whether the claims carry the role.
func (c *WorkerClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenManager issues and validates HS256-signed worker tokens against
// the registry and its revocation set.
type TokenManager struct {
	secret   []byte
	registry *Registry
	validity time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewTokenManager creates a token manager. A non-positive validity
// selects the default; values over the cap are clamped.
func NewTokenManager(secret []byte, registry *Registry, validity time.Duration) *TokenManager {
	return &TokenManager{
		secret:   secret,
		registry: registry,
		validity: clampValidity(validity),
		now:      time.Now,
	}
}

func clampValidity(v time.Duration) time.Duration {
	if v <= 0 {
		return DefaultTokenValidity
	}
	if v > MaxTokenValidity {
		return MaxTokenValidity
	}
	return v
}

// Issue creates a token for the worker. validity <= 0 uses the
// manager's configured default.
func (m *TokenManager) Issue(w *WorkerInfo, validity time.Duration) (string, error) {
	if validity <= 0 {
		validity = m.validity
	}
	validity = clampValidity(validity)

	now := m.now()
	claims := WorkerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   w.WorkerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
			ID:        uuid.NewString(),
		},
		Roles:        w.Roles,
		Capabilities: w.Capabilities,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign worker token")
	}
	return signed, nil
}

// Validate checks a token end to end: signature, revocation, expiry,
// and worker liveness; on success the worker's last_seen is touched.
// Each failure mode maps to a distinct sentinel so callers can
// distinguish 401 reasons.
func (m *TokenManager) Validate(tokenString string) (*WorkerClaims, error) {
	claims := &WorkerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(errors.ErrTokenExpired, "token expired")
		}
		return nil, errors.Wrapf(errors.ErrTokenInvalid, "token parse failed: %v", err)
	}
	if !token.Valid {
		return nil, errors.Wrap(errors.ErrTokenInvalid, "token rejected")
	}

	if m.registry.IsRevoked(claims.ID) {
		return nil, errors.Wrap(errors.ErrTokenInvalid, "token revoked")
	}

	w, err := m.registry.Get(claims.Subject)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, errors.Wrapf(errors.ErrWorkerNotRegistered, "worker %s is inactive", w.WorkerID)
	}

	if err := m.registry.TouchLastSeen(claims.Subject); err != nil {
		return nil, err
	}
	return claims, nil
}

// Revoke invalidates a token by its jti. The token must parse and
// verify; an expired token can still be revoked.
func (m *TokenManager) Revoke(tokenString string) error {
	claims := &WorkerClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return errors.Wrapf(errors.ErrTokenInvalid, "token parse failed: %v", err)
	}
	if claims.ID == "" {
		return errors.Wrap(errors.ErrTokenInvalid, "token has no id")
	}
	return m.registry.Revoke(claims.ID)
}
