package scheduler

import (
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/metrics"
)

// ============================================================================
// OPERATIONAL STATUS SURFACE
// ============================================================================

// DeviceStatus: One row of the device table exposed to dashboards
type DeviceStatus struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	TotalVRAM       uint64  `json:"total_vram"`
	FreeVRAM        uint64  `json:"free_vram"`
	ReservedVRAM    uint64  `json:"reserved_vram"`
	UsedVRAM        uint64  `json:"used_vram"`
	UtilizationPct  float64 `json:"utilization_pct"`
	TemperatureC    float64 `json:"temperature_c"`
	Healthy         bool    `json:"healthy"`
	UnhealthyReason string  `json:"unhealthy_reason,omitempty"`
	ActiveJobs      int     `json:"active_jobs"`
}

// DeviceTable: Current device table (registry snapshot joined with ledger
// accounting), sorted by device id
func (s *Scheduler) DeviceTable() []DeviceStatus {
	devices := s.registry.ListDevices()

	table := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		table = append(table, DeviceStatus{
			ID:              d.ID,
			Name:            d.Name,
			TotalVRAM:       d.TotalVRAM,
			FreeVRAM:        s.ledger.FreeVRAM(d.ID),
			ReservedVRAM:    s.ledger.ReservedVRAM(d.ID),
			UsedVRAM:        d.UsedVRAM,
			UtilizationPct:  d.UtilizationPct,
			TemperatureC:    d.TemperatureC,
			Healthy:         d.Healthy,
			UnhealthyReason: d.UnhealthyReason,
			ActiveJobs:      len(s.ledger.Reservations(d.ID)),
		})
	}
	return table
}

// QueueDepths: Queued jobs per tier for monitoring/alerting
func (s *Scheduler) QueueDepths() map[string]int {
	return s.queue.DepthByTier()
}

// DeviceRows: metrics.Source implementation for the prometheus collector
func (s *Scheduler) DeviceRows() []metrics.DeviceRow {
	table := s.DeviceTable()

	rows := make([]metrics.DeviceRow, 0, len(table))
	for _, d := range table {
		rows = append(rows, metrics.DeviceRow{
			ID:             d.ID,
			Name:           d.Name,
			TotalVRAM:      d.TotalVRAM,
			FreeVRAM:       d.FreeVRAM,
			UsedVRAM:       d.UsedVRAM,
			UtilizationPct: d.UtilizationPct,
			TemperatureC:   d.TemperatureC,
			Healthy:        d.Healthy,
		})
	}
	return rows
}

// Stats: Aggregate statistics for dashboards
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.RLock()
	totalJobs := len(s.jobs)
	byState := make(map[string]int)
	for _, j := range s.jobs {
		byState[string(j.State)]++
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"total_jobs":          totalJobs,
		"jobs_by_state":       byState,
		"queue_depth":         s.queue.Depth(),
		"queue_depth_by_tier": s.queue.DepthByTier(),
		"active_reservations": s.ledger.ReservationCount(),
		"devices":             s.registry.Stats(),
	}
}

// JobsByState: IDs of jobs currently in the given state (for dashboards)
func (s *Scheduler) JobsByState(state job.State) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, j := range s.jobs {
		if j.State == state {
			ids = append(ids, id)
		}
	}
	return ids
}
