// Prometheus instrumentation: event counters plus a scrape-time collector
// over the live device table and queue depths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// EVENT COUNTERS
// ============================================================================

// Counters: Incremented on scheduler events. All methods are safe on a nil
// receiver so components can run uninstrumented in tests.
type Counters struct {
	Admissions       prometheus.Counter
	AdmissionRetries prometheus.Counter
	Evictions        prometheus.Counter
	EvictionFailures prometheus.Counter
	Failovers        prometheus.Counter
	QueueTimeouts    prometheus.Counter
}

// NewCounters: Create and register the event counters
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_admissions_total",
			Help: "Jobs admitted to a device.",
		}),
		AdmissionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_admission_retries_total",
			Help: "Admission attempts retried after losing a reservation race.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_evictions_total",
			Help: "Model evictions committed to free VRAM.",
		}),
		EvictionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_eviction_failures_total",
			Help: "Eviction passes that could not free enough VRAM.",
		}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_failovers_total",
			Help: "Devices drained after an unhealthy transition.",
		}),
		QueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vulcan_queue_timeouts_total",
			Help: "Queued jobs failed after exceeding the max wait.",
		}),
	}

	reg.MustRegister(c.Admissions, c.AdmissionRetries, c.Evictions,
		c.EvictionFailures, c.Failovers, c.QueueTimeouts)
	return c
}

func (c *Counters) IncAdmission() {
	if c != nil {
		c.Admissions.Inc()
	}
}

func (c *Counters) IncAdmissionRetry() {
	if c != nil {
		c.AdmissionRetries.Inc()
	}
}

func (c *Counters) IncEviction() {
	if c != nil {
		c.Evictions.Inc()
	}
}

func (c *Counters) IncEvictionFailure() {
	if c != nil {
		c.EvictionFailures.Inc()
	}
}

func (c *Counters) IncFailover() {
	if c != nil {
		c.Failovers.Inc()
	}
}

func (c *Counters) IncQueueTimeout() {
	if c != nil {
		c.QueueTimeouts.Inc()
	}
}
