// Telemetry: periodic device metric sampling feeding the registry.
// The sampler abstracts the metric source so tests and non-GPU hosts can
// run without NVML.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// SAMPLER
// ============================================================================

// DeviceSample: One metric reading for one device
type DeviceSample struct {
	DeviceID       int
	UtilizationPct float64
	TemperatureC   float64
	UsedVRAM       uint64
}

// Sampler: Source of device metric readings. Devices whose read failed are
// returned in the second slice so the collector can charge them an error
// without failing the whole sweep.
type Sampler interface {
	Sample(ctx context.Context) (samples []DeviceSample, failed []int, err error)
	Close() error
}

// ============================================================================
// COLLECTOR
// ============================================================================

// Collector: Pumps sampler readings into the registry on a fixed interval.
// A failed sample is logged and counted as a device error for the health
// monitor's window; it never stops the loop.
type Collector struct {
	log      *logger.Logger
	registry *device.Registry
	sampler  Sampler
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector: Create a collector over the registry
func NewCollector(registry *device.Registry, sampler Sampler, interval time.Duration) *Collector {
	return &Collector{
		log:      logger.Get(),
		registry: registry,
		sampler:  sampler,
		interval: interval,
	}
}

// Start: Launch the sampling loop
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CollectOnce(ctx)
			}
		}
	}()

	c.log.Info("Telemetry collector started (interval=%v)", c.interval)
}

// Stop: Stop the loop and close the sampler
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.sampler.Close(); err != nil {
		c.log.Warn("Telemetry sampler close: %v", err)
	}
}

// CollectOnce: One sampling pass. Exported so operators and tests can force
// a pass outside the ticker.
func (c *Collector) CollectOnce(ctx context.Context) {
	samples, failed, err := c.sampler.Sample(ctx)
	if err != nil {
		// Whole-sweep failure: charge an error to every known device so a
		// dead metric source eventually trips the health monitor
		c.log.Warn("Telemetry sample failed: %v", err)
		for _, d := range c.registry.ListDevices() {
			c.registry.RecordError(d.ID)
		}
		return
	}

	for _, s := range samples {
		c.registry.UpdateMetrics(s.DeviceID, s.UtilizationPct, s.TemperatureC, s.UsedVRAM)
	}

	// A device whose reads fail stops receiving metric updates, so its last
	// good temperature would never trip the over-temp rule; the error count
	// is what quarantines it
	for _, id := range failed {
		c.log.Warn("Telemetry read failed for device %d", id)
		c.registry.RecordError(id)
	}
}
