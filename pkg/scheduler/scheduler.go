// Scheduler: admission and lifecycle for GPU-bound media-generation jobs.
// Matches jobs to devices with sufficient free VRAM, reserves capacity
// through the allocation ledger, queues what does not fit, and drains the
// queue as capacity frees up. Submission never blocks on capacity.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/ledger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/metrics"
	"github.com/mediafoundry/vulcan-scheduler/pkg/queue"
	"github.com/mediafoundry/vulcan-scheduler/pkg/vram"
)

// ============================================================================
// TYPES
// ============================================================================

// Executor: Narrow interface to the external execution layer. StartJob hands
// an admitted job to its executor; StopJob asks it to stop cooperatively.
// The core treats the reservation as released immediately either way.
type Executor interface {
	StartJob(ctx context.Context, j *job.Job)
	StopJob(ctx context.Context, jobID string)
}

// Options: Scheduler tunables
type Options struct {
	AdmissionMaxRetries int           // bounded retry on reservation races
	QueueMaxWait        time.Duration // queued jobs older than this fail
	DrainSkipPerTier    int           // unfittable candidates examined per tier per drain pass
	ReapInterval        time.Duration // queue-timeout sweep period
}

// DefaultOptions: Sensible defaults for tests and embedded use
func DefaultOptions() Options {
	return Options{
		AdmissionMaxRetries: 3,
		QueueMaxWait:        10 * time.Minute,
		DrainSkipPerTier:    8,
		ReapInterval:        5 * time.Second,
	}
}

// SubmitRequest: Job submission resolved at the API boundary; exactly one
// payload matching Kind is set. A zero VRAMEstimate is filled in by the
// configured estimator.
type SubmitRequest struct {
	RequestID    string
	Kind         job.Kind
	Tier         job.Tier
	VRAMEstimate uint64

	Image  *job.ImageParams
	Video  *job.VideoParams
	Speech *job.SpeechParams
}

// ============================================================================
// SCHEDULER
// ============================================================================

// Scheduler: Owns the job table and coordinates registry, ledger, queue and
// eviction. Admission decisions across the whole device pool are serialized
// by admitMu so two jobs cannot each observe stale fits and double-book
// relative to a shared eviction; job execution itself happens outside every
// lock held here.
type Scheduler struct {
	log  *logger.Logger
	opts Options

	registry  *device.Registry
	ledger    *ledger.Ledger
	queue     *queue.Queue
	optimizer *vram.Optimizer
	estimator job.Estimator
	counters  *metrics.Counters
	executor  Executor // may be nil

	mu       sync.RWMutex
	jobs     map[string]*job.Job
	requests map[string]string // client request id -> job id (submission dedup)

	// Global admission lock: held for the snapshot-pick-reserve bracket and
	// for failover's release-and-requeue, never across executor calls
	admitMu sync.Mutex

	drainCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler: Wire the scheduler to its collaborators. counters and
// executor may be nil.
func NewScheduler(
	registry *device.Registry,
	ldg *ledger.Ledger,
	q *queue.Queue,
	optimizer *vram.Optimizer,
	estimator job.Estimator,
	counters *metrics.Counters,
	executor Executor,
	opts Options,
) *Scheduler {
	if estimator == nil {
		estimator = job.DefaultEstimator()
	}
	return &Scheduler{
		log:       logger.Get(),
		opts:      opts,
		registry:  registry,
		ledger:    ldg,
		queue:     q,
		optimizer: optimizer,
		estimator: estimator,
		counters:  counters,
		executor:  executor,
		jobs:      make(map[string]*job.Job),
		requests:  make(map[string]string),
		drainCh:   make(chan struct{}, 1),
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start: Launch the drain/reaper loop
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("Scheduler started (retries=%d, queue_max_wait=%v)",
		s.opts.AdmissionMaxRetries, s.opts.QueueMaxWait)
}

// Stop: Stop background loops and log in-flight reservations as lost.
// All state is in-memory; a restart starts from an empty ledger.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, d := range s.registry.ListDevices() {
		for _, res := range s.ledger.Reservations(d.ID) {
			s.log.Warn("Shutdown: reservation lost (job=%s device=%d vram=%d)",
				res.JobID, res.DeviceID, res.VRAMBytes)
		}
	}
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	reap := time.NewTicker(s.opts.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.drainCh:
			s.drainOnce(ctx)
		case <-reap.C:
			s.reapOnce()
		}
	}
}

// kickDrain: Schedule a drain pass without blocking; coalesces with any
// pass already pending
func (s *Scheduler) kickDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// SUBMISSION
// ============================================================================

// Submit: Accept a job into the system. Always succeeds for well-formed
// requests: the job is either admitted immediately or queued, and failure to
// ever execute surfaces asynchronously through Status.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !job.ValidKind(req.Kind) {
		return "", fmt.Errorf("invalid job kind: %q", req.Kind)
	}
	if !req.Tier.Valid() {
		return "", fmt.Errorf("invalid priority tier: %d", req.Tier)
	}

	j := job.New(req.Kind, req.Tier, req.VRAMEstimate)
	j.RequestID = req.RequestID
	j.Image = req.Image
	j.Video = req.Video
	j.Speech = req.Speech
	if j.VRAMEstimate == 0 {
		j.VRAMEstimate = s.estimator.EstimateVRAM(j)
	}
	if j.VRAMEstimate == 0 {
		return "", fmt.Errorf("job has no resolvable vram estimate")
	}

	s.mu.Lock()
	if req.RequestID != "" {
		if existing, ok := s.requests[req.RequestID]; ok {
			s.mu.Unlock()
			s.log.Info("Duplicate submission for request %s, returning job %s", req.RequestID, existing)
			return existing, nil
		}
		s.requests[req.RequestID] = j.ID
	}
	s.jobs[j.ID] = j
	s.mu.Unlock()

	deviceID, err := s.admit(ctx, j)
	if err != nil {
		s.queue.Enqueue(j)
		// A release can land between the failed admit and the enqueue; its
		// drain pass would have seen an empty queue, so kick another one
		s.kickDrain()
		s.log.Info("Job %s queued (tier=%s, vram=%d): %v", j.ID, j.Tier, j.VRAMEstimate, err)
		return j.ID, nil
	}

	s.log.Info("Job %s admitted to device %d (tier=%s, vram=%d)", j.ID, deviceID, j.Tier, j.VRAMEstimate)
	s.dispatch(ctx, j)
	return j.ID, nil
}

// dispatch: Hand an admitted job to the executor. Runs outside all locks;
// with no executor configured the job stays admitted until completed or
// cancelled by its producer.
func (s *Scheduler) dispatch(ctx context.Context, j *job.Job) {
	if s.executor == nil {
		return
	}

	s.mu.Lock()
	if err := j.MarkRunning(); err != nil {
		s.mu.Unlock()
		return
	}
	clone := j.Clone()
	s.mu.Unlock()

	go s.executor.StartJob(ctx, clone)
}

// ============================================================================
// LIFECYCLE CALLBACKS
// ============================================================================

// Complete: Executor callback for a finished job. Releases the reservation
// and drains the queue. Duplicate completions of a terminal job are no-ops.
func (s *Scheduler) Complete(jobID string, success bool, reason string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{JobID: jobID}
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		s.ledger.Release(jobID) // idempotent, tolerates duplicate cleanup
		return nil
	}

	var err error
	if success {
		err = j.MarkCompleted()
	} else {
		err = j.MarkFailed(reason)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.ledger.Release(jobID)
	s.log.Info("Job %s finished (success=%v)", jobID, success)
	s.kickDrain()
	return nil
}

// Cancel: Cancel a queued or running job. Queued cancellation is a pure
// queue removal; running cancellation releases capacity immediately and
// signals the executor to stop cooperatively; the core never force-kills
// GPU work.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{JobID: jobID}
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("job %s already terminal (%s)", jobID, j.State)
	}

	state := j.State
	if err := j.MarkCancelled(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	switch state {
	case job.StateQueued:
		s.queue.Remove(jobID)
		// A job mid-admission is not in the queue; the admission path
		// observes the cancelled state and releases its reservation.
	case job.StateAdmitted, job.StateRunning:
		s.ledger.Release(jobID)
		if s.executor != nil {
			go s.executor.StopJob(context.Background(), jobID)
		}
		s.kickDrain()
	}

	s.log.Info("Job %s cancelled (was %s)", jobID, state)
	return nil
}

// Status: Current state of a job
func (s *Scheduler) Status(jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &NotFoundError{JobID: jobID}
	}
	return j.Clone(), nil
}

// ============================================================================
// ADMIN OPERATIONS
// ============================================================================

// ForceRelease: Operator intervention: drop a job's reservation and fail
// the job if it was still in flight
func (s *Scheduler) ForceRelease(jobID string) error {
	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok && !j.State.Terminal() {
		if j.State == job.StateQueued {
			s.mu.Unlock()
			return fmt.Errorf("job %s is queued and holds no reservation", jobID)
		}
		_ = j.MarkFailed("force-released by operator")
	}
	s.mu.Unlock()

	released := s.ledger.Release(jobID)
	s.log.Warn("Force release of job %s (reservation released=%v)", jobID, released)
	s.kickDrain()
	return nil
}

// QuarantineDevice: Operator intervention: take a device out of admission.
// Failover of its in-flight jobs runs through the health listener path.
func (s *Scheduler) QuarantineDevice(deviceID int) error {
	return s.registry.MarkUnhealthy(deviceID, "operator quarantine")
}
