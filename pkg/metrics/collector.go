package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// SCRAPE-TIME COLLECTOR
// ============================================================================

// DeviceRow: Flattened per-device state sampled at scrape time
type DeviceRow struct {
	ID             int
	Name           string
	TotalVRAM      uint64
	FreeVRAM       uint64
	UsedVRAM       uint64
	UtilizationPct float64
	TemperatureC   float64
	Healthy        bool
}

// Source: Live state read at each scrape
type Source interface {
	DeviceRows() []DeviceRow
	QueueDepths() map[string]int
}

// Collector: prometheus.Collector over a Source, so device gauges always
// reflect the live ledger and registry rather than a sampled copy
type Collector struct {
	source Source

	freeVRAM    *prometheus.Desc
	usedVRAM    *prometheus.Desc
	totalVRAM   *prometheus.Desc
	utilization *prometheus.Desc
	temperature *prometheus.Desc
	healthy     *prometheus.Desc
	queueDepth  *prometheus.Desc
}

// NewCollector: Create a collector reading from source
func NewCollector(source Source) *Collector {
	deviceLabels := []string{"device", "name"}
	return &Collector{
		source: source,
		freeVRAM: prometheus.NewDesc("vulcan_device_free_vram_bytes",
			"VRAM available for new reservations.", deviceLabels, nil),
		usedVRAM: prometheus.NewDesc("vulcan_device_used_vram_bytes",
			"VRAM reported used by device telemetry.", deviceLabels, nil),
		totalVRAM: prometheus.NewDesc("vulcan_device_total_vram_bytes",
			"Total VRAM on the device.", deviceLabels, nil),
		utilization: prometheus.NewDesc("vulcan_device_utilization_pct",
			"Device compute utilization percent.", deviceLabels, nil),
		temperature: prometheus.NewDesc("vulcan_device_temperature_celsius",
			"Device temperature.", deviceLabels, nil),
		healthy: prometheus.NewDesc("vulcan_device_healthy",
			"1 when the device accepts admissions.", deviceLabels, nil),
		queueDepth: prometheus.NewDesc("vulcan_queue_depth",
			"Queued jobs per priority tier.", []string{"tier"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeVRAM
	ch <- c.usedVRAM
	ch <- c.totalVRAM
	ch <- c.utilization
	ch <- c.temperature
	ch <- c.healthy
	ch <- c.queueDepth
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, row := range c.source.DeviceRows() {
		id := strconv.Itoa(row.ID)

		ch <- prometheus.MustNewConstMetric(c.freeVRAM, prometheus.GaugeValue,
			float64(row.FreeVRAM), id, row.Name)
		ch <- prometheus.MustNewConstMetric(c.usedVRAM, prometheus.GaugeValue,
			float64(row.UsedVRAM), id, row.Name)
		ch <- prometheus.MustNewConstMetric(c.totalVRAM, prometheus.GaugeValue,
			float64(row.TotalVRAM), id, row.Name)
		ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue,
			row.UtilizationPct, id, row.Name)
		ch <- prometheus.MustNewConstMetric(c.temperature, prometheus.GaugeValue,
			row.TemperatureC, id, row.Name)

		healthy := 0.0
		if row.Healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, id, row.Name)
	}

	for tier, depth := range c.source.QueueDepths() {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
			float64(depth), tier)
	}
}
