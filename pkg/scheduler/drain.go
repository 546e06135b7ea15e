package scheduler

import (
	"context"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
)

// ============================================================================
// QUEUE DRAINING
// ============================================================================

// drainOnce: Admit queued jobs in priority order until the queue is empty
// or nothing queued fits the available capacity. Runs as its own scheduling
// pass, never from inside a release critical section. Unsatisfiable jobs
// are skipped and retained, bounded per tier, so one unfittable job cannot
// stall its tier.
func (s *Scheduler) drainOnce(ctx context.Context) {
	for {
		next := s.queue.DequeueFit(func(j *job.Job) bool {
			return s.fitsAnywhere(j.VRAMEstimate)
		}, s.opts.DrainSkipPerTier)
		if next == nil {
			return
		}

		// Dropped from the queue by cancellation racing the drain pass
		s.mu.RLock()
		state := next.State
		s.mu.RUnlock()
		if state != job.StateQueued {
			continue
		}

		deviceID, err := s.admit(ctx, next)
		if err != nil {
			s.mu.RLock()
			cur := next.State
			s.mu.RUnlock()
			if cur != job.StateQueued {
				// Cancelled mid-admission; admit gave the capacity back
				// and the job must not re-enter the queue
				continue
			}
			// The fit evaporated between the check and the reserve;
			// restore seniority, then kick a fresh pass so a release that
			// raced this one is not lost
			s.queue.RequeueFront(next)
			s.kickDrain()
			return
		}

		s.log.Info("Drained job %s to device %d (tier=%s)", next.ID, deviceID, next.Tier)
		s.dispatch(ctx, next)
	}
}

// ============================================================================
// QUEUE TIMEOUTS
// ============================================================================

// reapOnce: Fail queued jobs that waited past the configured max so queue
// growth stays bounded; waiting is realized by queuing, never by blocking
// the submitter.
func (s *Scheduler) reapOnce() {
	expired := s.queue.ExpireOlderThan(s.opts.QueueMaxWait, time.Now())

	for _, j := range expired {
		timeoutErr := &QueueTimeoutError{JobID: j.ID, Waited: time.Since(j.SubmittedAt)}

		s.mu.Lock()
		err := j.MarkFailed(timeoutErr.Error())
		s.mu.Unlock()

		if err == nil {
			s.counters.IncQueueTimeout()
			s.log.Warn("Job %s failed: %v", j.ID, timeoutErr)
		}
	}
}

// ============================================================================
// FAILOVER (device.HealthListener)
// ============================================================================

// OnDeviceUnhealthy: Synchronous registry callback. Admission already
// excludes the device (healthy flag flipped before notification); here its
// in-flight jobs are displaced back to the head of their tiers so they
// reschedule on healthy devices as capacity allows.
func (s *Scheduler) OnDeviceUnhealthy(deviceID int, reason string) {
	s.failover(deviceID, reason)
}

// OnDeviceHealthy: A recovered device means fresh capacity
func (s *Scheduler) OnDeviceHealthy(deviceID int) {
	s.kickDrain()
}

// failover: Force-release every reservation on the device and requeue the
// displaced jobs at the front of their tiers, preserving relative seniority.
// Serialized against admission by admitMu so a concurrent admit cannot
// place onto the device between release and requeue. Safe against
// concurrent normal completion because release is idempotent.
func (s *Scheduler) failover(deviceID int, reason string) {
	s.admitMu.Lock()

	released := s.ledger.ReleaseDevice(deviceID) // oldest first
	displaced := make([]*job.Job, 0, len(released))

	// Requeue newest first so the oldest displaced job ends up at the head
	for i := len(released) - 1; i >= 0; i-- {
		res := released[i]

		s.mu.Lock()
		j, ok := s.jobs[res.JobID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if err := j.MarkRequeued(); err != nil {
			// Completed or cancelled concurrently; its release was a no-op
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		s.queue.RequeueFront(j)
		displaced = append(displaced, j)
	}

	s.admitMu.Unlock()

	if len(displaced) > 0 {
		s.counters.IncFailover()
		s.log.Warn("Failover: device %d (%s), %d jobs requeued", deviceID, reason, len(displaced))

		if s.executor != nil {
			for _, j := range displaced {
				go s.executor.StopJob(context.Background(), j.ID)
			}
		}
	}

	s.kickDrain()
}
