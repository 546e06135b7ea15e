// DeviceRegistry: single source of truth for device inventory and live metrics
package device

import (
	"sort"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// HEALTH LISTENERS
// ============================================================================

// HealthListener: Callback for device health transitions.
// OnDeviceUnhealthy is invoked synchronously from MarkUnhealthy so the
// scheduler stops admitting to the device before the call returns.
type HealthListener interface {
	OnDeviceUnhealthy(deviceID int, reason string)
	OnDeviceHealthy(deviceID int)
}

// ============================================================================
// DEVICE REGISTRY
// ============================================================================

// Registry: Owns the set of Device records.
// Thread-safe: uses sync.RWMutex for device state.
type Registry struct {
	log *logger.Logger

	mu      sync.RWMutex
	devices map[int]*Device

	listenerMu sync.RWMutex
	listeners  []HealthListener
}

// NewRegistry: Create a registry seeded with the given devices,
// all starting healthy
func NewRegistry(devices []*Device) *Registry {
	r := &Registry{
		log:     logger.Get(),
		devices: make(map[int]*Device, len(devices)),
	}
	for _, d := range devices {
		c := d.Clone()
		c.Healthy = true
		r.devices[c.ID] = c
		r.log.Info("Registered device %d (%s, vram=%d bytes)", c.ID, c.Name, c.TotalVRAM)
	}
	return r
}

// RegisterHealthListener: Register callback for health transitions
func (r *Registry) RegisterHealthListener(l HealthListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ============================================================================
// QUERIES
// ============================================================================

// ListDevices: Snapshot of all devices, cloned and sorted by ID
func (r *Registry) ListDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d.Clone())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// GetDevice: Clone of a single device
func (r *Registry) GetDevice(id int) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, &UnknownDeviceError{DeviceID: id}
	}
	return d.Clone(), nil
}

// IsHealthy: Quick health check; unknown devices are unhealthy
func (r *Registry) IsHealthy(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	return ok && d.Healthy
}

// ============================================================================
// METRICS INGESTION
// ============================================================================

// UpdateMetrics: Overwrite live fields for one device.
// Called by the telemetry collector on a fixed interval; an unknown id is
// logged and reported but must be tolerated (collection races with removal).
func (r *Registry) UpdateMetrics(id int, utilizationPct, temperatureC float64, usedVRAM uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		r.log.Warn("Metrics update for unknown device %d (ignored)", id)
		return &UnknownDeviceError{DeviceID: id}
	}

	d.UtilizationPct = utilizationPct
	d.TemperatureC = temperatureC
	if usedVRAM > d.TotalVRAM {
		r.log.Error("Device %d reports used vram %d > total %d, clamping", id, usedVRAM, d.TotalVRAM)
		usedVRAM = d.TotalVRAM
	}
	d.UsedVRAM = usedVRAM
	d.LastMetricsAt = time.Now()

	return nil
}

// RecordError: Bump the error counter feeding the health monitor's
// error-threshold rule. Returns the new count.
func (r *Registry) RecordError(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		r.log.Warn("Error recorded for unknown device %d (ignored)", id)
		return 0
	}
	d.ErrorCount++
	return d.ErrorCount
}

// ResetErrors: Clear the error counter (start of a new health window)
func (r *Registry) ResetErrors(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[id]; ok {
		d.ErrorCount = 0
	}
}

// ============================================================================
// HEALTH TRANSITIONS
// ============================================================================

// MarkUnhealthy: Exclude a device from admission and notify listeners
// synchronously. Ledger entries for the device are left in place until
// the listeners drain them.
func (r *Registry) MarkUnhealthy(id int, reason string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return &UnknownDeviceError{DeviceID: id}
	}
	wasHealthy := d.Healthy
	d.Healthy = false
	d.UnhealthyReason = reason
	r.mu.Unlock()

	if wasHealthy {
		r.log.Warn("Device %d marked unhealthy: %s", id, reason)
		r.notifyUnhealthy(id, reason)
	}
	return nil
}

// MarkHealthy: Return a device to the admission pool
func (r *Registry) MarkHealthy(id int) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return &UnknownDeviceError{DeviceID: id}
	}
	wasHealthy := d.Healthy
	d.Healthy = true
	d.UnhealthyReason = ""
	r.mu.Unlock()

	if !wasHealthy {
		r.log.Info("Device %d marked healthy", id)
		r.notifyHealthy(id)
	}
	return nil
}

// notifyUnhealthy: Invoked outside the registry mutex; listeners may call
// back into registry queries
func (r *Registry) notifyUnhealthy(id int, reason string) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l.OnDeviceUnhealthy(id, reason)
	}
}

func (r *Registry) notifyHealthy(id int) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l.OnDeviceHealthy(id)
	}
}

// ============================================================================
// STATISTICS
// ============================================================================

// Stats: Registry statistics for dashboards
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.devices)
	healthy := 0
	var totalVRAM, usedVRAM uint64
	for _, d := range r.devices {
		if d.Healthy {
			healthy++
		}
		totalVRAM += d.TotalVRAM
		usedVRAM += d.UsedVRAM
	}

	return map[string]interface{}{
		"total_devices":    total,
		"healthy_devices":  healthy,
		"total_vram_bytes": totalVRAM,
		"used_vram_bytes":  usedVRAM,
	}
}
