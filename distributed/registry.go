// Package distributed implements the remote-worker registry, token
// issuance and validation, and the monitor that reaps stale workers.
package distributed

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Roles a registered worker may hold.
const (
	RoleWorker   = "worker"
	RoleAdmin    = "admin"
	RoleReadonly = "readonly"
)

// Persisted state file names under the config root.
const (
	registryFileName = "registered_workers.json"
	secretFileName   = ".worker_auth_secret"
)

// maxRevokedTokens caps the revocation set; the oldest entries are
// dropped first once the cap is reached.
const maxRevokedTokens = 10000

// WorkerInfo is one registered distributed worker.
type WorkerInfo struct {
	WorkerID     string    `json:"worker_id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	Roles        []string  `json:"roles"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Active       bool      `json:"active"`
}

// HasRole reports whether the worker holds the role.
func (w *WorkerInfo) HasRole(role string) bool {
	for _, r := range w.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// registryFile is the on-disk layout of registered_workers.json.
type registryFile struct {
	Workers       []*WorkerInfo `json:"workers"`
	RevokedTokens []string      `json:"revoked_tokens"`
}

// Registry persists registered workers and revoked token ids under the
// config root. All mutations are flushed with an atomic file replace.
type Registry struct {
	mu      sync.Mutex
	path    string
	workers map[string]*WorkerInfo
	// revoked keeps both a set for lookup and a FIFO order for the cap.
	revoked      map[string]bool
	revokedOrder []string
}

// NewRegistry loads (or initializes) the registry under configRoot.
func NewRegistry(configRoot string) (*Registry, error) {
	if err := os.MkdirAll(configRoot, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create config root %s", configRoot)
	}

	r := &Registry{
		path:    filepath.Join(configRoot, registryFileName),
		workers: make(map[string]*WorkerInfo),
		revoked: make(map[string]bool),
	}

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", r.path)
	}

	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", r.path)
	}
	for _, w := range file.Workers {
		r.workers[w.WorkerID] = w
	}
	for _, jti := range file.RevokedTokens {
		if !r.revoked[jti] {
			r.revoked[jti] = true
			r.revokedOrder = append(r.revokedOrder, jti)
		}
	}
	return r, nil
}

// Register creates a worker entry with a fresh URL-safe id and the
// default worker role.
func (r *Registry) Register(name, hostname string, capabilities []string) (*WorkerInfo, error) {
	id, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &WorkerInfo{
		WorkerID:     id,
		Name:         name,
		Hostname:     hostname,
		Roles:        []string{RoleWorker},
		Capabilities: capabilities,
		RegisteredAt: now,
		LastSeen:     now,
		Active:       true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = w
	if err := r.saveLocked(); err != nil {
		delete(r.workers, id)
		return nil, err
	}
	return w, nil
}

// Get returns the worker with the given id.
func (r *Registry) Get(workerID string) (*WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrWorkerNotRegistered, "worker %s", workerID)
	}
	cp := *w
	return &cp, nil
}

// List returns all workers, optionally only active ones.
func (r *Registry) List(activeOnly bool) []*WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		if activeOnly && !w.Active {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// Update applies the non-nil fields to the worker and persists.
func (r *Registry) Update(workerID string, name *string, roles, capabilities []string, active *bool) (*WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrWorkerNotRegistered, "worker %s", workerID)
	}
	if name != nil {
		w.Name = *name
	}
	if roles != nil {
		w.Roles = roles
	}
	if capabilities != nil {
		w.Capabilities = capabilities
	}
	if active != nil {
		w.Active = *active
	}
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	cp := *w
	return &cp, nil
}

// Delete removes the worker from the registry.
func (r *Registry) Delete(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return errors.Wrapf(errors.ErrWorkerNotRegistered, "worker %s", workerID)
	}
	delete(r.workers, workerID)
	return r.saveLocked()
}

// TouchLastSeen stamps the worker's heartbeat time and reactivates it.
func (r *Registry) TouchLastSeen(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return errors.Wrapf(errors.ErrWorkerNotRegistered, "worker %s", workerID)
	}
	w.LastSeen = time.Now()
	w.Active = true
	return r.saveLocked()
}

// MarkInactive deactivates every worker whose last heartbeat is older
// than the cutoff, returning the ids that changed state.
func (r *Registry) MarkInactive(cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for id, w := range r.workers {
		if w.Active && w.LastSeen.Before(cutoff) {
			w.Active = false
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, r.saveLocked()
}

// Revoke adds a token id to the revocation set, dropping the oldest
// entries past the cap.
func (r *Registry) Revoke(jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.revoked[jti] {
		return nil
	}
	r.revoked[jti] = true
	r.revokedOrder = append(r.revokedOrder, jti)
	for len(r.revokedOrder) > maxRevokedTokens {
		oldest := r.revokedOrder[0]
		r.revokedOrder = r.revokedOrder[1:]
		delete(r.revoked, oldest)
	}
	return r.saveLocked()
}

// IsRevoked reports whether the token id has been revoked.
func (r *Registry) IsRevoked(jti string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revoked[jti]
}

// saveLocked writes the registry as pretty-printed JSON with an atomic
// replace. Callers hold r.mu.
func (r *Registry) saveLocked() error {
	file := registryFile{RevokedTokens: r.revokedOrder}
	for _, w := range r.workers {
		file.Workers = append(file.Workers, w)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal worker registry")
	}
	data = append(data, '\n')

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to replace %s", r.path)
	}
	return nil
}

// LoadOrCreateSecret returns the 32-byte signing secret under
// configRoot, generating it with 0600 permissions on first use.
func LoadOrCreateSecret(configRoot string) ([]byte, error) {
	if err := os.MkdirAll(configRoot, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create config root %s", configRoot)
	}
	path := filepath.Join(configRoot, secretFileName)

	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == 32 {
		return secret, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "failed to generate auth secret")
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, errors.Wrapf(err, "failed to write %s", path)
	}
	return secret, nil
}

func randomURLSafe(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate random id")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
