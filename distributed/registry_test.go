package distributed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/internal/util"
)

func TestRegistryRegisterAndReload(t *testing.T) {
	root := t.TempDir()
	r, err := NewRegistry(root)
	require.NoError(t, err)

	w, err := r.Register("W1", "host-1", []string{"hevc"})
	require.NoError(t, err)
	assert.NotEmpty(t, w.WorkerID)
	assert.Equal(t, []string{RoleWorker}, w.Roles)
	assert.True(t, w.Active)

	// The registry file is valid JSON with the expected shape.
	raw, err := os.ReadFile(filepath.Join(root, "registered_workers.json"))
	require.NoError(t, err)
	var file struct {
		Workers []json.RawMessage `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Len(t, file.Workers, 1)

	// A fresh registry instance sees the persisted worker.
	reloaded, err := NewRegistry(root)
	require.NoError(t, err)
	got, err := reloaded.Get(w.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, "W1", got.Name)
	assert.Equal(t, []string{"hevc"}, got.Capabilities)
}

func TestRegistryGetUnknown(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, errors.ErrWorkerNotRegistered))
}

func TestRegistryUpdateAndDelete(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	w, err := r.Register("W1", "h", nil)
	require.NoError(t, err)

	updated, err := r.Update(w.WorkerID, util.Ptr("renamed"), []string{RoleWorker, RoleAdmin}, nil, util.Ptr(false))
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.HasRole(RoleAdmin))
	assert.False(t, updated.Active)

	require.NoError(t, r.Delete(w.WorkerID))
	_, err = r.Get(w.WorkerID)
	assert.Error(t, err)
	assert.True(t, errors.Is(r.Delete(w.WorkerID), errors.ErrWorkerNotRegistered))
}

func TestRegistryListActiveOnly(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	a, err := r.Register("A", "h", nil)
	require.NoError(t, err)
	_, err = r.Register("B", "h", nil)
	require.NoError(t, err)

	_, err = r.Update(a.WorkerID, nil, nil, nil, util.Ptr(false))
	require.NoError(t, err)

	assert.Len(t, r.List(false), 2)
	active := r.List(true)
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].Name)
}

func TestRegistryRevocationCap(t *testing.T) {
	if testing.Short() {
		t.Skip("writes the registry file for every revocation")
	}
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < maxRevokedTokens+5; i++ {
		require.NoError(t, r.Revoke(fmt.Sprintf("jti-%d", i)))
	}

	// Oldest entries dropped FIFO.
	assert.False(t, r.IsRevoked("jti-0"))
	assert.False(t, r.IsRevoked("jti-4"))
	assert.True(t, r.IsRevoked("jti-5"))
	assert.True(t, r.IsRevoked(fmt.Sprintf("jti-%d", maxRevokedTokens+4)))
}

func TestLoadOrCreateSecret(t *testing.T) {
	root := t.TempDir()

	secret, err := LoadOrCreateSecret(root)
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	info, err := os.Stat(filepath.Join(root, ".worker_auth_secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Stable across loads.
	again, err := LoadOrCreateSecret(root)
	require.NoError(t, err)
	assert.Equal(t, secret, again)
}
