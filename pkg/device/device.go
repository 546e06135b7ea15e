// Device model: immutable identity plus live metrics for one GPU
package device

import (
	"fmt"
	"time"
)

// ============================================================================
// DEVICE
// ============================================================================

// Device: One GPU in the pool. Identity fields (ID, Name, TotalVRAM,
// NVLinkPeers) are fixed at registration; the rest are live metrics
// overwritten by the telemetry collector.
type Device struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	TotalVRAM   uint64 `json:"total_vram"` // bytes
	NVLinkPeers []int  `json:"nvlink_peers,omitempty"`

	// Live metrics
	UsedVRAM       uint64  `json:"used_vram"` // bytes, device-level telemetry
	UtilizationPct float64 `json:"utilization_pct"`
	TemperatureC   float64 `json:"temperature_c"`

	// Health
	Healthy         bool      `json:"healthy"`
	UnhealthyReason string    `json:"unhealthy_reason,omitempty"`
	ErrorCount      int       `json:"error_count"`
	LastMetricsAt   time.Time `json:"last_metrics_at,omitempty"`
}

// Clone: Deep copy so registry snapshots cannot be mutated by callers
func (d *Device) Clone() *Device {
	c := *d
	if d.NVLinkPeers != nil {
		c.NVLinkPeers = append([]int(nil), d.NVLinkPeers...)
	}
	return &c
}

// ============================================================================
// ERRORS
// ============================================================================

// UnknownDeviceError: Stale device id referenced (metrics race, removal).
// Logged and ignored at the registry level, never fatal.
type UnknownDeviceError struct {
	DeviceID int
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device: %d", e.DeviceID)
}
