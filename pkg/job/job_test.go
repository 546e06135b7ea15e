package job_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
)

// ============================================================================
// SECTION 1: STATE MACHINE
// ============================================================================

// TestLifecycleTransitions tests the allowed state machine path
func TestLifecycleTransitions(t *testing.T) {
	j := job.New(job.KindImage, job.TierNormal, 1)
	require.Equal(t, job.StateQueued, j.State)
	require.Equal(t, -1, j.DeviceID)

	require.NoError(t, j.MarkAdmitted(2))
	assert.Equal(t, job.StateAdmitted, j.State)
	assert.Equal(t, 2, j.DeviceID)

	require.NoError(t, j.MarkRunning())
	require.NoError(t, j.MarkCompleted())
	assert.True(t, j.State.Terminal())
	assert.False(t, j.FinishedAt.IsZero())
}

// TestInvalidTransitions tests that out-of-order transitions are rejected
func TestInvalidTransitions(t *testing.T) {
	t.Run("Cannot run before admission", func(t *testing.T) {
		j := job.New(job.KindImage, job.TierNormal, 1)
		assert.Error(t, j.MarkRunning())
	})

	t.Run("Cannot admit twice", func(t *testing.T) {
		j := job.New(job.KindImage, job.TierNormal, 1)
		require.NoError(t, j.MarkAdmitted(0))
		assert.Error(t, j.MarkAdmitted(1))
	})

	t.Run("Terminal states are final", func(t *testing.T) {
		j := job.New(job.KindImage, job.TierNormal, 1)
		require.NoError(t, j.MarkCancelled())
		assert.Error(t, j.MarkFailed("late failure"))
		assert.Error(t, j.MarkCancelled())
	})

	t.Run("Requeue only from admitted or running", func(t *testing.T) {
		j := job.New(job.KindImage, job.TierNormal, 1)
		assert.Error(t, j.MarkRequeued())

		require.NoError(t, j.MarkAdmitted(0))
		require.NoError(t, j.MarkRequeued())
		assert.Equal(t, job.StateQueued, j.State)
		assert.Equal(t, -1, j.DeviceID, "Device assignment cleared on requeue")
	})
}

// TestParseTier tests tier parsing and defaulting
func TestParseTier(t *testing.T) {
	tier, err := job.ParseTier("realtime")
	require.NoError(t, err)
	assert.Equal(t, job.TierRealtime, tier)

	tier, err = job.ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, job.TierNormal, tier, "Empty defaults to normal")

	_, err = job.ParseTier("urgent")
	assert.Error(t, err)
}

// ============================================================================
// SECTION 2: VRAM ESTIMATION
// ============================================================================

// TestHeuristicEstimator tests the per-kind cost model
func TestHeuristicEstimator(t *testing.T) {
	e := job.DefaultEstimator()

	t.Run("Image scales with pixels and batch", func(t *testing.T) {
		small := job.New(job.KindImage, job.TierNormal, 0)
		small.Image = &job.ImageParams{Width: 512, Height: 512, BatchSize: 1}
		large := job.New(job.KindImage, job.TierNormal, 0)
		large.Image = &job.ImageParams{Width: 2048, Height: 2048, BatchSize: 4}

		assert.Greater(t, e.EstimateVRAM(large), e.EstimateVRAM(small))
		assert.Greater(t, e.EstimateVRAM(small), uint64(8)<<30, "Never below the kind base")
	})

	t.Run("Zero batch treated as one", func(t *testing.T) {
		a := job.New(job.KindImage, job.TierNormal, 0)
		a.Image = &job.ImageParams{Width: 512, Height: 512, BatchSize: 0}
		b := job.New(job.KindImage, job.TierNormal, 0)
		b.Image = &job.ImageParams{Width: 512, Height: 512, BatchSize: 1}

		assert.Equal(t, e.EstimateVRAM(b), e.EstimateVRAM(a))
	})

	t.Run("Video scales with frame count", func(t *testing.T) {
		short := job.New(job.KindVideo, job.TierNormal, 0)
		short.Video = &job.VideoParams{Width: 1280, Height: 720, Frames: 24}
		long := job.New(job.KindVideo, job.TierNormal, 0)
		long.Video = &job.VideoParams{Width: 1280, Height: 720, Frames: 240}

		assert.Greater(t, e.EstimateVRAM(long), e.EstimateVRAM(short))
	})

	t.Run("Speech scales with text length", func(t *testing.T) {
		j := job.New(job.KindSpeech, job.TierNormal, 0)
		j.Speech = &job.SpeechParams{TextLength: 1000}

		est := e.EstimateVRAM(j)
		assert.Equal(t, uint64(4)<<30+1000*(64<<10), est)
	})

	t.Run("Missing params fall back to the kind base", func(t *testing.T) {
		j := job.New(job.KindVideo, job.TierNormal, 0)
		assert.Equal(t, uint64(12)<<30, e.EstimateVRAM(j))
	})
}
