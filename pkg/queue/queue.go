// Priority queue for admitted-but-not-yet-scheduled jobs.
// Four tiers with strict ordering (realtime > high > normal > batch) and
// FIFO within a tier. Starvation of lower tiers under sustained high-tier
// load is an accepted tradeoff.
package queue

import (
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// Queue: In-memory tiered FIFO queue.
// Thread-safe: one mutex over all tiers so cross-tier scans are consistent.
type Queue struct {
	log *logger.Logger

	mu    sync.Mutex
	tiers [job.TierCount][]*job.Job
}

// NewQueue: Create an empty queue
func NewQueue() *Queue {
	return &Queue{log: logger.Get()}
}

// ============================================================================
// ENQUEUE / DEQUEUE
// ============================================================================

// Enqueue: Append to the tail of the job's tier
func (q *Queue) Enqueue(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tiers[j.Tier] = append(q.tiers[j.Tier], j)
	q.log.Debug("Enqueued job %s (tier=%s, depth=%d)", j.ID, j.Tier, len(q.tiers[j.Tier]))
}

// Dequeue: Pop the head of the first non-empty tier in fixed tier order.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t := 0; t < job.TierCount; t++ {
		if len(q.tiers[t]) > 0 {
			j := q.tiers[t][0]
			q.tiers[t] = q.tiers[t][1:]
			return j
		}
	}
	return nil
}

// DequeueFit: Pop the first job satisfying fits, scanning tiers in order and
// examining at most skipPerTier non-fitting candidates per tier. Skipped jobs
// are retained in place so one unfittable job cannot permanently stall its
// tier while drain latency stays bounded.
func (q *Queue) DequeueFit(fits func(*job.Job) bool, skipPerTier int) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t := 0; t < job.TierCount; t++ {
		limit := skipPerTier
		if limit > len(q.tiers[t]) {
			limit = len(q.tiers[t])
		}
		for i := 0; i < limit; i++ {
			j := q.tiers[t][i]
			if fits(j) {
				q.tiers[t] = append(q.tiers[t][:i], q.tiers[t][i+1:]...)
				return j
			}
		}
	}
	return nil
}

// RequeueFront: Put a displaced job back at the head of its tier,
// preserving its relative seniority. Used by failover.
func (q *Queue) RequeueFront(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tiers[j.Tier] = append([]*job.Job{j}, q.tiers[j.Tier]...)
	q.log.Debug("Requeued job %s at head of tier %s", j.ID, j.Tier)
}

// Remove: Take a specific job out of its tier (queued-job cancellation).
// Returns nil when the job is not queued.
func (q *Queue) Remove(jobID string) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t := 0; t < job.TierCount; t++ {
		for i, j := range q.tiers[t] {
			if j.ID == jobID {
				q.tiers[t] = append(q.tiers[t][:i], q.tiers[t][i+1:]...)
				return j
			}
		}
	}
	return nil
}

// ============================================================================
// TIMEOUTS
// ============================================================================

// ExpireOlderThan: Remove and return every queued job that has waited
// longer than maxWait as of now. The caller fails them with a timeout.
func (q *Queue) ExpireOlderThan(maxWait time.Duration, now time.Time) []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*job.Job
	for t := 0; t < job.TierCount; t++ {
		kept := q.tiers[t][:0]
		for _, j := range q.tiers[t] {
			if now.Sub(j.SubmittedAt) > maxWait {
				expired = append(expired, j)
			} else {
				kept = append(kept, j)
			}
		}
		q.tiers[t] = kept
	}

	if len(expired) > 0 {
		q.log.Warn("Expired %d queued jobs past max wait %v", len(expired), maxWait)
	}
	return expired
}

// ============================================================================
// INSPECTION
// ============================================================================

// Depth: Total queued jobs across tiers
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for t := 0; t < job.TierCount; t++ {
		n += len(q.tiers[t])
	}
	return n
}

// DepthByTier: Queued jobs per tier, keyed by tier name
func (q *Queue) DepthByTier() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[string]int, job.TierCount)
	for t := 0; t < job.TierCount; t++ {
		depths[job.Tier(t).String()] = len(q.tiers[t])
	}
	return depths
}

// PeekTier: IDs currently queued in one tier, head first (for dashboards)
func (q *Queue) PeekTier(t job.Tier) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.tiers[t]))
	for _, j := range q.tiers[t] {
		ids = append(ids, j.ID)
	}
	return ids
}
