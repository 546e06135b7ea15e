package scheduler

import (
	"context"
	"sort"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
)

// ============================================================================
// ADMISSION
// ============================================================================

// candidate: One device considered for placement
type candidate struct {
	dev  *device.Device
	free uint64
}

// admit: Select a device for the job and reserve capacity on it.
// Policy: best fit by headroom. Among devices whose free VRAM covers the
// estimate, pick the one with the MOST free VRAM (spreads load, reduces
// fragmentation), tie-break by lowest utilization then lowest device id.
// One eviction pass is attempted when nothing fits; reservation races are
// retried against a refreshed snapshot up to the configured bound.
// Returns the chosen device id, or an error describing why the job must
// be queued. Never blocks on capacity.
func (s *Scheduler) admit(ctx context.Context, j *job.Job) (int, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	evictionTried := false

	for attempt := 0; ; attempt++ {
		best, noFit := s.pickDevice(j.VRAMEstimate)
		if best == nil {
			if !evictionTried {
				evictionTried = true
				if s.tryEvictFor(ctx, j.VRAMEstimate) {
					continue
				}
			}
			return -1, noFit
		}

		_, err := s.ledger.TryReserve(best.dev.ID, j.ID, j.VRAMEstimate, j.Tier)
		if err != nil {
			// Lost a race with a concurrent release/failover reshuffle;
			// bounded retry against a fresh snapshot
			if attempt < s.opts.AdmissionMaxRetries {
				s.counters.IncAdmissionRetry()
				s.log.Debug("Reservation race for job %s on device %d, retrying (%d/%d): %v",
					j.ID, best.dev.ID, attempt+1, s.opts.AdmissionMaxRetries, err)
				continue
			}
			return -1, err
		}

		s.mu.Lock()
		if err := j.MarkAdmitted(best.dev.ID); err != nil {
			// Cancelled while being admitted: give the capacity back
			s.mu.Unlock()
			s.ledger.Release(j.ID)
			return -1, err
		}
		s.mu.Unlock()

		s.counters.IncAdmission()
		return best.dev.ID, nil
	}
}

// pickDevice: Snapshot healthy devices and choose the best candidate for
// the given estimate. The second return explains an empty result: capacity
// exists only on quarantined devices vs. nowhere at all.
func (s *Scheduler) pickDevice(estimate uint64) (*candidate, error) {
	devices := s.registry.ListDevices()

	var fits []candidate
	unhealthyCouldFit := false

	for _, d := range devices {
		free := s.ledger.FreeVRAM(d.ID)
		if free < estimate {
			continue
		}
		if !d.Healthy {
			unhealthyCouldFit = true
			continue
		}
		fits = append(fits, candidate{dev: d, free: free})
	}

	if len(fits) == 0 {
		if unhealthyCouldFit {
			return nil, &DeviceUnhealthyError{Requested: estimate}
		}
		return nil, &NoCapacityError{Requested: estimate}
	}

	sort.Slice(fits, func(i, k int) bool {
		if fits[i].free != fits[k].free {
			return fits[i].free > fits[k].free
		}
		if fits[i].dev.UtilizationPct != fits[k].dev.UtilizationPct {
			return fits[i].dev.UtilizationPct < fits[k].dev.UtilizationPct
		}
		return fits[i].dev.ID < fits[k].dev.ID
	})

	return &fits[0], nil
}

// tryEvictFor: One eviction pass across healthy devices, most free VRAM
// first, stopping at the first device where enough capacity was reclaimed
func (s *Scheduler) tryEvictFor(ctx context.Context, estimate uint64) bool {
	devices := s.registry.ListDevices()

	type target struct {
		id   int
		free uint64
	}
	targets := make([]target, 0, len(devices))
	for _, d := range devices {
		if d.Healthy {
			targets = append(targets, target{id: d.ID, free: s.ledger.FreeVRAM(d.ID)})
		}
	}
	sort.Slice(targets, func(i, k int) bool {
		if targets[i].free != targets[k].free {
			return targets[i].free > targets[k].free
		}
		return targets[i].id < targets[k].id
	})

	for _, t := range targets {
		if s.optimizer.TryFreeCapacity(ctx, t.id, estimate) {
			s.counters.IncEviction()
			return true
		}
	}

	s.counters.IncEvictionFailure()
	return false
}

// fitsAnywhere: Quick fit check for queue draining; eviction is not
// considered here, the admit path handles it
func (s *Scheduler) fitsAnywhere(estimate uint64) bool {
	for _, d := range s.registry.ListDevices() {
		if d.Healthy && s.ledger.FreeVRAM(d.ID) >= estimate {
			return true
		}
	}
	return false
}
