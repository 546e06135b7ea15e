package job

// Estimator: Pluggable VRAM cost model for jobs submitted without an
// explicit estimate. The gateway resolves the estimate before the job
// reaches admission, so the scheduler core only ever sees bytes.
type Estimator interface {
	EstimateVRAM(j *Job) uint64
}

// ============================================================================
// HEURISTIC ESTIMATOR
// ============================================================================

// HeuristicEstimator: Per-kind baseline plus per-unit terms.
// All knobs are tunables, not a precise cost model.
type HeuristicEstimator struct {
	ImageBase  uint64 // resident model + activations floor
	VideoBase  uint64
	SpeechBase uint64

	BytesPerPixel      uint64 // per output pixel per batch element
	BytesPerFramePixel uint64 // per pixel per frame for video
	BytesPerChar       uint64 // per input character for speech
}

// DefaultEstimator: Conservative defaults sized for SDXL-class image models,
// short-clip video synthesis and mid-size speech models
func DefaultEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{
		ImageBase:          8 << 30,  // 8 GiB
		VideoBase:          12 << 30, // 12 GiB
		SpeechBase:         4 << 30,  // 4 GiB
		BytesPerPixel:      512,
		BytesPerFramePixel: 32,
		BytesPerChar:       64 << 10,
	}
}

// EstimateVRAM: Compute the VRAM requirement for a job in bytes
func (e *HeuristicEstimator) EstimateVRAM(j *Job) uint64 {
	switch j.Kind {
	case KindImage:
		est := e.ImageBase
		if p := j.Image; p != nil {
			batch := p.BatchSize
			if batch < 1 {
				batch = 1
			}
			est += uint64(p.Width) * uint64(p.Height) * uint64(batch) * e.BytesPerPixel
		}
		return est

	case KindVideo:
		est := e.VideoBase
		if p := j.Video; p != nil {
			est += uint64(p.Width) * uint64(p.Height) * uint64(p.Frames) * e.BytesPerFramePixel
		}
		return est

	case KindSpeech:
		est := e.SpeechBase
		if p := j.Speech; p != nil {
			est += uint64(p.TextLength) * e.BytesPerChar
		}
		return est
	}

	return 0
}
