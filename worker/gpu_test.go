package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezzanine-av/mezzanine/config"
)

func gpuConfig(strategy string, maxPerGPU int, ids ...string) config.GPUConfig {
	cfg := config.GPUConfig{SelectionStrategy: strategy, MaxWorkersPerGPU: maxPerGPU}
	for _, id := range ids {
		cfg.Devices = append(cfg.Devices, config.GPUDeviceConfig{DeviceID: id, Type: "cuda"})
	}
	return cfg
}

func TestGPUManagerNoDevices(t *testing.T) {
	m := NewGPUManager(config.GPUConfig{})
	d, err := m.Acquire("w-0")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestGPUManagerIdempotentAcquire(t *testing.T) {
	m := NewGPUManager(gpuConfig("round_robin", 2, "cuda:0", "cuda:1"))

	first, err := m.Acquire("w-0")
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := m.Acquire("w-0")
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, again.DeviceID)
	// Re-acquire does not count a new allocation.
	assert.Equal(t, int64(1), again.TotalAllocations)
}

func TestGPUManagerRoundRobin(t *testing.T) {
	m := NewGPUManager(gpuConfig("round_robin", 1, "cuda:0", "cuda:1"))

	a, err := m.Acquire("w-0")
	require.NoError(t, err)
	b, err := m.Acquire("w-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.DeviceID, b.DeviceID)

	// Both saturated at max_workers_per_gpu=1.
	_, err = m.Acquire("w-2")
	assert.Error(t, err)
}

func TestGPUManagerLeastUsed(t *testing.T) {
	m := NewGPUManager(gpuConfig("least_used", 2, "cuda:0", "cuda:1"))

	_, err := m.Acquire("w-0")
	require.NoError(t, err)
	b, err := m.Acquire("w-1")
	require.NoError(t, err)
	// Second allocation lands on the unused device.
	assert.Equal(t, 1, b.CurrentWorkers)

	devices := m.Devices()
	assert.Equal(t, 1, devices[0].CurrentWorkers)
	assert.Equal(t, 1, devices[1].CurrentWorkers)
}

func TestGPUManagerRelease(t *testing.T) {
	m := NewGPUManager(gpuConfig("manual", 1, "cuda:0"))

	_, err := m.Acquire("w-0")
	require.NoError(t, err)
	_, err = m.Acquire("w-1")
	require.Error(t, err)

	m.Release("w-0")
	m.Release("w-0") // idempotent
	d, err := m.Acquire("w-1")
	require.NoError(t, err)
	assert.Equal(t, "cuda:0", d.DeviceID)
}
