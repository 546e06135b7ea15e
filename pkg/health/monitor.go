// HealthMonitor: periodic sweep over the device registry.
// Flags devices unhealthy on over-temperature or error-threshold breach
// (failover runs through the registry's health listeners) and recovers them
// after a debounced run of good sweeps to avoid flapping.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// MONITOR
// ============================================================================

// Thresholds: Health rule tunables
type Thresholds struct {
	TempMaxC       float64       // quarantine above this temperature
	ErrorMax       int           // quarantine above this many errors per window
	RecoverySweeps int           // consecutive good sweeps required to recover
	SweepInterval  time.Duration // one sweep == one error window
}

// DefaultThresholds: Defaults matching common datacenter GPU limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempMaxC:       88.0,
		ErrorMax:       5,
		RecoverySweeps: 3,
		SweepInterval:  15 * time.Second,
	}
}

// Monitor: Ticked sweep task with explicit start/stop lifecycle
type Monitor struct {
	log        *logger.Logger
	registry   *device.Registry
	thresholds Thresholds

	mu         sync.Mutex
	goodSweeps map[int]int // deviceID -> consecutive good sweeps while unhealthy

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor: Create a monitor over the registry
func NewMonitor(registry *device.Registry, thresholds Thresholds) *Monitor {
	return &Monitor{
		log:        logger.Get(),
		registry:   registry,
		thresholds: thresholds,
		goodSweeps: make(map[int]int),
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start: Launch the periodic sweep
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.thresholds.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepOnce()
			}
		}
	}()

	m.log.Info("Health monitor started (interval=%v, temp_max=%.1fC, error_max=%d)",
		m.thresholds.SweepInterval, m.thresholds.TempMaxC, m.thresholds.ErrorMax)
}

// Stop: Stop the sweep loop
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ============================================================================
// SWEEP
// ============================================================================

// SweepOnce: Evaluate every device against the thresholds. Exported so
// operational tooling and tests can force a sweep between ticks.
// Error counters reset at the end of each sweep: the error window is one
// sweep interval.
func (m *Monitor) SweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.registry.ListDevices() {
		good := d.TemperatureC <= m.thresholds.TempMaxC && d.ErrorCount <= m.thresholds.ErrorMax

		if d.Healthy {
			if !good {
				reason := m.breachReason(d)
				// MarkUnhealthy notifies listeners synchronously; failover
				// (release + requeue) completes before the sweep moves on
				if err := m.registry.MarkUnhealthy(d.ID, reason); err != nil {
					m.log.Warn("Failed to quarantine device %d: %v", d.ID, err)
				}
				m.goodSweeps[d.ID] = 0
			}
			m.registry.ResetErrors(d.ID)
			continue
		}

		// Unhealthy: debounced recovery. A single good reading is not
		// sufficient, metrics must stay under thresholds for a sustained run.
		if good {
			m.goodSweeps[d.ID]++
			if m.goodSweeps[d.ID] >= m.thresholds.RecoverySweeps {
				if err := m.registry.MarkHealthy(d.ID); err != nil {
					m.log.Warn("Failed to recover device %d: %v", d.ID, err)
				}
				delete(m.goodSweeps, d.ID)
			}
		} else {
			m.goodSweeps[d.ID] = 0
		}
		m.registry.ResetErrors(d.ID)
	}
}

func (m *Monitor) breachReason(d *device.Device) string {
	if d.TemperatureC > m.thresholds.TempMaxC {
		return fmt.Sprintf("over-temperature: %.1fC > %.1fC", d.TemperatureC, m.thresholds.TempMaxC)
	}
	return fmt.Sprintf("error threshold: %d errors > %d per window", d.ErrorCount, m.thresholds.ErrorMax)
}
