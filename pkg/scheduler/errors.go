package scheduler

import (
	"fmt"
	"time"
)

// Capacity-exhaustion conditions result in queuing, not caller-visible
// errors, until an explicit timeout. The types below carry the reason
// through logs and job failure strings.

// QueueTimeoutError: Job waited in the queue past the configured max
type QueueTimeoutError struct {
	JobID  string
	Waited time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("queue timeout: job %s waited %v for capacity", e.JobID, e.Waited.Round(time.Second))
}

// DeviceUnhealthyError: Only device(s) able to fit the job are quarantined.
// Treated exactly like insufficient capacity for queuing purposes.
type DeviceUnhealthyError struct {
	Requested uint64
}

func (e *DeviceUnhealthyError) Error() string {
	return fmt.Sprintf("no healthy device can fit %d bytes (capacity exists on quarantined devices)", e.Requested)
}

// NoCapacityError: No device fits the job even after an eviction attempt
type NoCapacityError struct {
	Requested uint64
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no device has %d bytes free", e.Requested)
}

// NotFoundError: Unknown job id
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return "job not found: " + e.JobID
}
