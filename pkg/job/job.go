// Job model: tagged media-generation job with typed payloads and a
// monotonic state machine. Owned by the scheduler/queue pair after submission.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// JOB KINDS
// ============================================================================

// Kind: What the job produces
type Kind string

const (
	KindImage  Kind = "image"
	KindVideo  Kind = "video"
	KindSpeech Kind = "speech"
)

// ValidKind: Check kind is one of the supported variants
func ValidKind(k Kind) bool {
	return k == KindImage || k == KindVideo || k == KindSpeech
}

// ============================================================================
// PRIORITY TIERS
// ============================================================================

// Tier: Fixed queuing class, lower value dequeues first
type Tier int

const (
	TierRealtime Tier = iota
	TierHigh
	TierNormal
	TierBatch

	// TierCount: Number of tiers; queue tier slices are indexed by Tier
	TierCount = 4
)

var tierNames = [TierCount]string{"realtime", "high", "normal", "batch"}

func (t Tier) String() string {
	if t < 0 || t >= TierCount {
		return "unknown"
	}
	return tierNames[t]
}

// Valid: Tier is inside the fixed range
func (t Tier) Valid() bool {
	return t >= 0 && t < TierCount
}

// ParseTier: Parse tier from its string form. Empty defaults to normal;
// anything else unrecognized is an error.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierNormal, nil
	}
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	return TierNormal, fmt.Errorf("invalid priority tier: %q", s)
}

// ============================================================================
// JOB STATES
// ============================================================================

// State: Current lifecycle state of a job
type State string

const (
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal: No further transitions allowed from this state
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ============================================================================
// TYPED PAYLOADS
// ============================================================================

// ImageParams: Parameters for an image generation job
type ImageParams struct {
	Model     string `json:"model"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Steps     int    `json:"steps"`
	BatchSize int    `json:"batch_size"`
}

// VideoParams: Parameters for a video synthesis job
type VideoParams struct {
	Model  string `json:"model"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Frames int    `json:"frames"`
	FPS    int    `json:"fps"`
}

// SpeechParams: Parameters for a speech synthesis job
type SpeechParams struct {
	Voice      string `json:"voice"`
	TextLength int    `json:"text_length"`
	SampleRate int    `json:"sample_rate"`
}

// ============================================================================
// JOB
// ============================================================================

// Job: Mutable runtime state of one submitted media-generation job.
// Exactly one of Image/Video/Speech is set, matching Kind.
type Job struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id,omitempty"` // client-supplied dedup key
	Kind      Kind   `json:"kind"`
	Tier      Tier   `json:"-"`

	VRAMEstimate uint64 `json:"vram_estimate"` // bytes

	Image  *ImageParams  `json:"image,omitempty"`
	Video  *VideoParams  `json:"video,omitempty"`
	Speech *SpeechParams `json:"speech,omitempty"`

	State         State  `json:"state"`
	DeviceID      int    `json:"device_id"` // -1 until admitted
	FailureReason string `json:"failure_reason,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	AdmittedAt  time.Time `json:"admitted_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// New: Create a queued job with a fresh ID
func New(kind Kind, tier Tier, vramEstimate uint64) *Job {
	return &Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Tier:         tier,
		VRAMEstimate: vramEstimate,
		State:        StateQueued,
		DeviceID:     -1,
		SubmittedAt:  time.Now(),
	}
}

// Clone: Copy for handing out to callers (payloads are not mutated after
// submission, so pointer payloads are shared)
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// ============================================================================
// STATE TRANSITIONS
// ============================================================================

// MarkAdmitted: queued -> admitted, records the device holding the reservation
func (j *Job) MarkAdmitted(deviceID int) error {
	if j.State != StateQueued {
		return fmt.Errorf("can only admit from queued state, current: %s", j.State)
	}
	j.State = StateAdmitted
	j.DeviceID = deviceID
	j.AdmittedAt = time.Now()
	return nil
}

// MarkRunning: admitted -> running
func (j *Job) MarkRunning() error {
	if j.State != StateAdmitted {
		return fmt.Errorf("can only run from admitted state, current: %s", j.State)
	}
	j.State = StateRunning
	j.StartedAt = time.Now()
	return nil
}

// MarkCompleted: running or admitted -> completed
func (j *Job) MarkCompleted() error {
	if j.State != StateRunning && j.State != StateAdmitted {
		return fmt.Errorf("can only complete from admitted/running state, current: %s", j.State)
	}
	j.State = StateCompleted
	j.FinishedAt = time.Now()
	return nil
}

// MarkFailed: any non-terminal state -> failed
func (j *Job) MarkFailed(reason string) error {
	if j.State.Terminal() {
		return fmt.Errorf("job already terminal: %s", j.State)
	}
	j.State = StateFailed
	j.FailureReason = reason
	j.FinishedAt = time.Now()
	return nil
}

// MarkCancelled: reachable from queued or running (and admitted, which is
// a reservation-holding queued job from the caller's point of view)
func (j *Job) MarkCancelled() error {
	if j.State.Terminal() {
		return fmt.Errorf("job already terminal: %s", j.State)
	}
	j.State = StateCancelled
	j.FinishedAt = time.Now()
	return nil
}

// MarkRequeued: admitted or running -> queued, used by failover when a
// device is quarantined and its jobs go back for rescheduling
func (j *Job) MarkRequeued() error {
	if j.State != StateAdmitted && j.State != StateRunning {
		return fmt.Errorf("can only requeue from admitted/running state, current: %s", j.State)
	}
	j.State = StateQueued
	j.DeviceID = -1
	return nil
}
