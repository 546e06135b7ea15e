package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/ledger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/queue"
	"github.com/mediafoundry/vulcan-scheduler/pkg/scheduler"
	"github.com/mediafoundry/vulcan-scheduler/pkg/vram"
)

const gib = uint64(1) << 30

// ============================================================================
// TEST HARNESS
// ============================================================================

type harness struct {
	registry *device.Registry
	ledger   *ledger.Ledger
	queue    *queue.Queue
	sched    *scheduler.Scheduler
}

// newHarness: Build a scheduler over the given devices with fast timers.
// No executor: admitted jobs stay admitted until completed or cancelled.
func newHarness(t *testing.T, devices []*device.Device, opts scheduler.Options) *harness {
	t.Helper()

	registry := device.NewRegistry(devices)
	ldg := ledger.NewLedger()
	for _, d := range devices {
		ldg.RegisterDevice(d.ID, d.TotalVRAM)
	}

	q := queue.NewQueue()
	sched := scheduler.NewScheduler(
		registry, ldg, q,
		vram.NewOptimizer(ldg, nil),
		nil, nil, nil, opts,
	)
	registry.RegisterHealthListener(sched)

	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return &harness{registry: registry, ledger: ldg, queue: q, sched: sched}
}

func fastOptions() scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.ReapInterval = 20 * time.Millisecond
	return opts
}

func submit(t *testing.T, h *harness, tier job.Tier, estimate uint64) string {
	t.Helper()
	id, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Kind:         job.KindImage,
		Tier:         tier,
		VRAMEstimate: estimate,
	})
	require.NoError(t, err)
	return id
}

func jobState(t *testing.T, h *harness, id string) job.State {
	t.Helper()
	j, err := h.sched.Status(id)
	require.NoError(t, err)
	return j.State
}

// ============================================================================
// SECTION 1: SUBMISSION & ADMISSION
// ============================================================================

// TestSubmitValidation tests rejection of malformed requests
func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 24 * gib}}, fastOptions())

	_, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Kind: "hologram", Tier: job.TierNormal, VRAMEstimate: gib,
	})
	assert.Error(t, err, "Unknown kind is rejected")

	_, err = h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Kind: job.KindImage, Tier: job.Tier(9), VRAMEstimate: gib,
	})
	assert.Error(t, err, "Out-of-range tier is rejected")
}

// TestEstimatorFillsZeroEstimate tests heuristic estimation on submit
func TestEstimatorFillsZeroEstimate(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 24 * gib}}, fastOptions())

	id, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Kind: job.KindImage,
		Tier: job.TierNormal,
		Image: &job.ImageParams{
			Model: "sdxl", Width: 1024, Height: 1024, Steps: 30, BatchSize: 1,
		},
	})
	require.NoError(t, err)

	j, err := h.sched.Status(id)
	require.NoError(t, err)
	assert.Greater(t, j.VRAMEstimate, 8*gib, "Base plus per-pixel term")
	assert.Equal(t, job.StateAdmitted, j.State)
}

// TestBestFitByHeadroom tests device selection policy
func TestBestFitByHeadroom(t *testing.T) {
	t.Run("Most free VRAM wins", func(t *testing.T) {
		h := newHarness(t, []*device.Device{
			{ID: 0, TotalVRAM: 8 * gib},
			{ID: 1, TotalVRAM: 10 * gib},
		}, fastOptions())

		id := submit(t, h, job.TierNormal, 2*gib)
		j, _ := h.sched.Status(id)
		assert.Equal(t, 1, j.DeviceID, "Device with most headroom is chosen")
	})

	t.Run("Equal free VRAM breaks tie by lowest id", func(t *testing.T) {
		h := newHarness(t, []*device.Device{
			{ID: 0, TotalVRAM: 10 * gib},
			{ID: 1, TotalVRAM: 10 * gib},
		}, fastOptions())

		id := submit(t, h, job.TierNormal, 2*gib)
		j, _ := h.sched.Status(id)
		assert.Equal(t, 0, j.DeviceID)
	})

	t.Run("Headroom tracks reservations across submits", func(t *testing.T) {
		h := newHarness(t, []*device.Device{
			{ID: 0, TotalVRAM: 10 * gib},
			{ID: 1, TotalVRAM: 10 * gib},
		}, fastOptions())

		first := submit(t, h, job.TierNormal, 4*gib)
		second := submit(t, h, job.TierNormal, 4*gib)
		j1, _ := h.sched.Status(first)
		j2, _ := h.sched.Status(second)
		assert.NotEqual(t, j1.DeviceID, j2.DeviceID, "Second job lands on the other device")
	})
}

// TestAdmitOrQueue tests that capacity exhaustion queues instead of failing
func TestAdmitOrQueue(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

	// Three 6 GiB jobs fill 18 of 20 GiB
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = submit(t, h, job.TierNormal, 6*gib)
		assert.Equal(t, job.StateAdmitted, jobState(t, h, ids[i]))
	}

	// A 9 GiB job does not fit and must queue, not block or fail
	queued := submit(t, h, job.TierHigh, 9*gib)
	assert.Equal(t, job.StateQueued, jobState(t, h, queued))
	assert.Equal(t, 1, h.queue.Depth())

	// Completing two jobs frees 12 GiB; the drain pass admits the queued job
	require.NoError(t, h.sched.Complete(ids[0], true, ""))
	require.NoError(t, h.sched.Complete(ids[1], true, ""))

	require.Eventually(t, func() bool {
		return jobState(t, h, queued) == job.StateAdmitted
	}, 2*time.Second, 10*time.Millisecond, "Queued job admitted after capacity frees")
	assert.Equal(t, 0, h.queue.Depth())
}

// TestRequestDedup tests idempotent submission by request id
func TestRequestDedup(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 24 * gib}}, fastOptions())

	req := scheduler.SubmitRequest{
		RequestID:    "req-42",
		Kind:         job.KindSpeech,
		Tier:         job.TierNormal,
		VRAMEstimate: gib,
	}
	first, err := h.sched.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := h.sched.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second, "Duplicate request returns the original job")
	assert.Equal(t, 1, h.ledger.ReservationCount())
}

// ============================================================================
// SECTION 2: COMPLETION & CANCELLATION
// ============================================================================

// TestComplete tests release-on-completion and duplicate completions
func TestComplete(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

	id := submit(t, h, job.TierNormal, 8*gib)
	require.Equal(t, 12*gib, h.ledger.FreeVRAM(0))

	require.NoError(t, h.sched.Complete(id, true, ""))
	assert.Equal(t, job.StateCompleted, jobState(t, h, id))
	assert.Equal(t, 20*gib, h.ledger.FreeVRAM(0))

	// Duplicate completion of a terminal job is a no-op
	require.NoError(t, h.sched.Complete(id, false, "late duplicate"))
	assert.Equal(t, job.StateCompleted, jobState(t, h, id))

	assert.Error(t, h.sched.Complete("no-such-job", true, ""))
}

// TestCompleteFailure tests the failure path releases capacity too
func TestCompleteFailure(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

	id := submit(t, h, job.TierNormal, 8*gib)
	require.NoError(t, h.sched.Complete(id, false, "CUDA OOM"))

	j, _ := h.sched.Status(id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, "CUDA OOM", j.FailureReason)
	assert.Equal(t, 20*gib, h.ledger.FreeVRAM(0))
}

// TestCancel tests cancellation in each pre-terminal state
func TestCancel(t *testing.T) {
	t.Run("Queued job leaves the queue, no reservation touched", func(t *testing.T) {
		h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 4 * gib}}, fastOptions())

		id := submit(t, h, job.TierNormal, 10*gib) // cannot fit, queues
		require.Equal(t, job.StateQueued, jobState(t, h, id))

		require.NoError(t, h.sched.Cancel(id))
		assert.Equal(t, job.StateCancelled, jobState(t, h, id))
		assert.Equal(t, 0, h.queue.Depth())
	})

	t.Run("Admitted job releases its reservation immediately", func(t *testing.T) {
		h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

		id := submit(t, h, job.TierNormal, 8*gib)
		require.NoError(t, h.sched.Cancel(id))
		assert.Equal(t, job.StateCancelled, jobState(t, h, id))
		assert.Equal(t, 20*gib, h.ledger.FreeVRAM(0))
	})

	t.Run("Terminal job cannot be cancelled", func(t *testing.T) {
		h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

		id := submit(t, h, job.TierNormal, 8*gib)
		require.NoError(t, h.sched.Complete(id, true, ""))
		assert.Error(t, h.sched.Cancel(id))
	})
}

// ============================================================================
// SECTION 3: QUEUE TIMEOUTS
// ============================================================================

// TestQueueTimeout tests that starved jobs fail after the max wait
func TestQueueTimeout(t *testing.T) {
	opts := fastOptions()
	opts.QueueMaxWait = 30 * time.Millisecond
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 4 * gib}}, opts)

	id := submit(t, h, job.TierBatch, 10*gib) // never fits
	require.Equal(t, job.StateQueued, jobState(t, h, id))

	require.Eventually(t, func() bool {
		return jobState(t, h, id) == job.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	j, _ := h.sched.Status(id)
	assert.Contains(t, j.FailureReason, "queue timeout")
	assert.Equal(t, 0, h.queue.Depth())
}

// ============================================================================
// SECTION 4: EVICTION-BACKED ADMISSION
// ============================================================================

// TestAdmissionTriggersEviction tests that an idle model is evicted to make
// room instead of queuing the job
func TestAdmissionTriggersEviction(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())
	require.NoError(t, h.ledger.LoadModel(0, "idle-upscaler", 10*gib, false))
	require.NoError(t, h.ledger.LoadModel(0, "baseline-tts", 4*gib, true))

	// 6 free, 16 needed: evicting the idle model reaches 16
	id := submit(t, h, job.TierNormal, 16*gib)
	assert.Equal(t, job.StateAdmitted, jobState(t, h, id))
	assert.Len(t, h.ledger.Models(0), 1, "Idle model evicted, baseline kept")
}

// TestBaselineBlocksEviction tests that baseline models keep a job queued
func TestBaselineBlocksEviction(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())
	require.NoError(t, h.ledger.LoadModel(0, "baseline-tts", 10*gib, true))

	id := submit(t, h, job.TierNormal, 16*gib)
	assert.Equal(t, job.StateQueued, jobState(t, h, id))
	assert.Len(t, h.ledger.Models(0), 1)
}

// ============================================================================
// SECTION 5: FAILOVER
// ============================================================================

// TestFailover tests quarantine of a device with in-flight jobs
func TestFailover(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = submit(t, h, job.TierNormal, 4*gib)
	}

	require.NoError(t, h.sched.QuarantineDevice(0))

	// All three displaced back to queued; the device holds nothing
	for _, id := range ids {
		assert.Equal(t, job.StateQueued, jobState(t, h, id))
	}
	assert.Equal(t, 0, h.ledger.ReservationCount())
	assert.Equal(t, 3, h.queue.Depth())

	// Displaced jobs keep seniority: oldest admission at the head
	head := h.queue.PeekTier(job.TierNormal)
	require.Len(t, head, 3)
	assert.Equal(t, ids[0], head[0])
	assert.Equal(t, ids[2], head[2])

	// Nothing admits while the only device is quarantined
	extra := submit(t, h, job.TierRealtime, gib)
	assert.Equal(t, job.StateQueued, jobState(t, h, extra))

	// Recovery drains the queue in priority order
	require.NoError(t, h.registry.MarkHealthy(0))
	require.Eventually(t, func() bool {
		return h.queue.Depth() == 0
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range append(ids, extra) {
		assert.Equal(t, job.StateAdmitted, jobState(t, h, id))
	}
}

// TestFailoverToHealthyDevice tests displaced jobs landing on a second device
func TestFailoverToHealthyDevice(t *testing.T) {
	h := newHarness(t, []*device.Device{
		{ID: 0, TotalVRAM: 20 * gib},
		{ID: 1, TotalVRAM: 10 * gib},
	}, fastOptions())

	// Land a large job on the big device
	id := submit(t, h, job.TierNormal, 8*gib)
	j, _ := h.sched.Status(id)
	require.Equal(t, 0, j.DeviceID)

	require.NoError(t, h.sched.QuarantineDevice(0))

	require.Eventually(t, func() bool {
		j, err := h.sched.Status(id)
		return err == nil && j.State == job.StateAdmitted && j.DeviceID == 1
	}, 2*time.Second, 10*time.Millisecond, "Displaced job reschedules on the healthy device")
}

// ============================================================================
// SECTION 6: ADMIN OPERATIONS
// ============================================================================

// TestForceRelease tests operator reservation override
func TestForceRelease(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 20 * gib}}, fastOptions())

	id := submit(t, h, job.TierNormal, 8*gib)
	require.NoError(t, h.sched.ForceRelease(id))

	j, _ := h.sched.Status(id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 20*gib, h.ledger.FreeVRAM(0))

	t.Run("Queued job holds no reservation", func(t *testing.T) {
		queued := submit(t, h, job.TierNormal, 100*gib)
		assert.Error(t, h.sched.ForceRelease(queued))
	})
}

// TestDeviceTable tests the operational status join
func TestDeviceTable(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, Name: "gpu-0", TotalVRAM: 20 * gib}}, fastOptions())
	submit(t, h, job.TierNormal, 8*gib)

	table := h.sched.DeviceTable()
	require.Len(t, table, 1)
	assert.Equal(t, "gpu-0", table[0].Name)
	assert.Equal(t, 12*gib, table[0].FreeVRAM)
	assert.Equal(t, 8*gib, table[0].ReservedVRAM)
	assert.Equal(t, 1, table[0].ActiveJobs)
	assert.True(t, table[0].Healthy)
}

// ============================================================================
// SECTION 7: SUBMIT/RELEASE RACES
// ============================================================================

// TestDrainAfterRacingEnqueue tests that a job whose enqueue races the last
// capacity-freeing completion still drains instead of sitting queued with
// free capacity until the timeout reaper fails it
func TestDrainAfterRacingEnqueue(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 10 * gib}}, fastOptions())

	for i := 0; i < 20; i++ {
		blocker := submit(t, h, job.TierNormal, 10*gib)
		require.Equal(t, job.StateAdmitted, jobState(t, h, blocker))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.sched.Complete(blocker, true, "")
		}()
		small := submit(t, h, job.TierNormal, gib)
		wg.Wait()

		require.Eventually(t, func() bool {
			return jobState(t, h, small) == job.StateAdmitted
		}, 2*time.Second, 5*time.Millisecond, "job must drain once capacity frees")

		require.NoError(t, h.sched.Complete(small, true, ""))
	}
}

// TestDrainDropsCancelledJob tests that a cancellation racing the drain pass
// cannot put the cancelled job back into the queue
func TestDrainDropsCancelledJob(t *testing.T) {
	h := newHarness(t, []*device.Device{{ID: 0, TotalVRAM: 10 * gib}}, fastOptions())

	for i := 0; i < 20; i++ {
		blocker := submit(t, h, job.TierNormal, 10*gib)
		small := submit(t, h, job.TierNormal, gib)
		require.Equal(t, job.StateQueued, jobState(t, h, small))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.sched.Complete(blocker, true, "")
		}()
		go func() {
			defer wg.Done()
			_ = h.sched.Cancel(small)
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			return h.queue.Depth() == 0
		}, 2*time.Second, 5*time.Millisecond, "cancelled job must not linger in the queue")

		// Whether the cancel hit the job queued, mid-admission or admitted,
		// it ends cancelled holding no capacity
		assert.Equal(t, job.StateCancelled, jobState(t, h, small))
		require.Eventually(t, func() bool {
			return h.ledger.ReservationCount() == 0
		}, 2*time.Second, 5*time.Millisecond)
	}
}
