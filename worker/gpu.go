package worker

import (
	"sync"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/errors"
)

// GPUDevice is one configured hardware acceleration device.
type GPUDevice struct {
	// DeviceID is the opaque identifier, e.g. "cuda:0" or
	// "vaapi:/dev/dri/renderD128".
	DeviceID      string
	Type          string
	HWAccelDevice string

	CurrentWorkers   int
	TotalAllocations int64
}

// GPUManager hands GPU devices to workers under a selection strategy.
// Allocation is idempotent per worker id: re-acquiring returns the
// existing device without counting a new allocation.
type GPUManager struct {
	mu        sync.Mutex
	devices   []*GPUDevice
	alloc     map[string]*GPUDevice
	strategy  string
	maxPerGPU int
	rrCursor  int
}

// NewGPUManager builds a manager from configuration. With no devices
// configured Acquire returns nil, which workers treat as CPU-only.
func NewGPUManager(cfg config.GPUConfig) *GPUManager {
	m := &GPUManager{
		alloc:     make(map[string]*GPUDevice),
		strategy:  cfg.SelectionStrategy,
		maxPerGPU: cfg.MaxWorkersPerGPU,
	}
	if m.maxPerGPU < 1 {
		m.maxPerGPU = 1
	}
	for _, d := range cfg.Devices {
		m.devices = append(m.devices, &GPUDevice{
			DeviceID:      d.DeviceID,
			Type:          d.Type,
			HWAccelDevice: d.HWAccelDevice,
		})
	}
	return m
}

func (d *GPUDevice) available(maxWorkers int) bool {
	return d.CurrentWorkers < maxWorkers
}

// Acquire allocates a device for the worker. Returns (nil, nil) when no
// devices are configured, and an error when all devices are saturated.
func (m *GPUManager) Acquire(workerID string) (*GPUDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.devices) == 0 {
		return nil, nil
	}
	if d, ok := m.alloc[workerID]; ok {
		return d, nil
	}

	d := m.pick()
	if d == nil {
		return nil, errors.Newf("no GPU device available for worker %s", workerID)
	}
	d.CurrentWorkers++
	d.TotalAllocations++
	m.alloc[workerID] = d
	return d, nil
}

func (m *GPUManager) pick() *GPUDevice {
	switch m.strategy {
	case "least_used":
		var best *GPUDevice
		for _, d := range m.devices {
			if !d.available(m.maxPerGPU) {
				continue
			}
			if best == nil || d.CurrentWorkers < best.CurrentWorkers {
				best = d
			}
		}
		return best
	case "round_robin":
		for i := 0; i < len(m.devices); i++ {
			d := m.devices[(m.rrCursor+i)%len(m.devices)]
			if d.available(m.maxPerGPU) {
				m.rrCursor = (m.rrCursor + i + 1) % len(m.devices)
				return d
			}
		}
		return nil
	default:
		// Manual: first available in configured order.
		for _, d := range m.devices {
			if d.available(m.maxPerGPU) {
				return d
			}
		}
		return nil
	}
}

// Release frees the worker's allocation. Unknown workers are a no-op.
func (m *GPUManager) Release(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.alloc[workerID]
	if !ok {
		return
	}
	delete(m.alloc, workerID)
	if d.CurrentWorkers > 0 {
		d.CurrentWorkers--
	}
}

// Devices returns a snapshot of the device pool with availability.
func (m *GPUManager) Devices() []GPUDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]GPUDevice, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out
}
