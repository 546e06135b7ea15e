// AllocationLedger: tracks VRAM reservations and resident models per device.
// The single mutual-exclusion domain for capacity accounting: every
// check-then-commit happens under one mutex so no two concurrent reserves
// can together overcommit a device.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// TYPES
// ============================================================================

// Reservation: A job's claim on a device's VRAM for the duration of its
// execution. Created at admission, destroyed on completion/failure/timeout.
type Reservation struct {
	JobID     string    `json:"job_id"`
	DeviceID  int       `json:"device_id"`
	VRAMBytes uint64    `json:"vram_bytes"`
	Tier      job.Tier  `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// InsufficientCapacityError: Device cannot fit the requested bytes
type InsufficientCapacityError struct {
	DeviceID  int
	Requested uint64
	Free      uint64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on device %d: requested %d, free %d",
		e.DeviceID, e.Requested, e.Free)
}

// ============================================================================
// LEDGER
// ============================================================================

// Ledger: Capacity accounting for the device pool.
// free = total - sum(reservations) - sum(loaded models).
type Ledger struct {
	log *logger.Logger

	mu           sync.Mutex
	capacity     map[int]uint64                  // deviceID -> total vram bytes
	reservations map[string]*Reservation         // jobID -> reservation
	byDevice     map[int]map[string]*Reservation // deviceID -> jobID -> reservation
	models       map[int]map[string]*LoadedModel // deviceID -> name -> model
}

// NewLedger: Create an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		log:          logger.Get(),
		capacity:     make(map[int]uint64),
		reservations: make(map[string]*Reservation),
		byDevice:     make(map[int]map[string]*Reservation),
		models:       make(map[int]map[string]*LoadedModel),
	}
}

// RegisterDevice: Record a device's total capacity. Must be called before
// any reservation against the device.
func (l *Ledger) RegisterDevice(deviceID int, totalVRAM uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.capacity[deviceID] = totalVRAM
	if l.byDevice[deviceID] == nil {
		l.byDevice[deviceID] = make(map[string]*Reservation)
	}
	if l.models[deviceID] == nil {
		l.models[deviceID] = make(map[string]*LoadedModel)
	}
}

// ============================================================================
// RESERVE / RELEASE
// ============================================================================

// TryReserve: Atomic check-then-commit of a VRAM claim.
// Fails with InsufficientCapacityError when the device cannot fit the
// request; a second reservation for a job already holding one is rejected
// outright (one active reservation per job).
func (l *Ledger) TryReserve(deviceID int, jobID string, vramBytes uint64, tier job.Tier) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.capacity[deviceID]
	if !ok {
		return nil, &device.UnknownDeviceError{DeviceID: deviceID}
	}

	if existing, held := l.reservations[jobID]; held {
		l.log.Error("Job %s already holds a reservation on device %d, rejecting second reserve",
			jobID, existing.DeviceID)
		return nil, fmt.Errorf("job %s already holds a reservation on device %d", jobID, existing.DeviceID)
	}

	free := l.freeLocked(deviceID, total)
	if vramBytes > free {
		return nil, &InsufficientCapacityError{DeviceID: deviceID, Requested: vramBytes, Free: free}
	}

	res := &Reservation{
		JobID:     jobID,
		DeviceID:  deviceID,
		VRAMBytes: vramBytes,
		Tier:      tier,
		CreatedAt: time.Now(),
	}
	l.reservations[jobID] = res
	l.byDevice[deviceID][jobID] = res

	l.log.Debug("Reserved %d bytes on device %d for job %s (free now %d)",
		vramBytes, deviceID, jobID, l.freeLocked(deviceID, total))
	return res, nil
}

// Release: Destroy a job's reservation. Idempotent: releasing an unknown or
// already-released job is a no-op so duplicate cleanup calls from failure
// paths are safe. Returns true when a reservation was actually released.
func (l *Ledger) Release(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[jobID]
	if !ok {
		return false
	}

	delete(l.reservations, jobID)
	delete(l.byDevice[res.DeviceID], jobID)

	l.log.Debug("Released %d bytes on device %d for job %s", res.VRAMBytes, res.DeviceID, jobID)
	return true
}

// ReleaseDevice: Force-release every reservation on a device, returning the
// released entries. Used by failover when a device is quarantined.
func (l *Ledger) ReleaseDevice(deviceID int) []*Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.byDevice[deviceID]
	if len(held) == 0 {
		return nil
	}

	released := make([]*Reservation, 0, len(held))
	for jobID, res := range held {
		released = append(released, res)
		delete(l.reservations, jobID)
		delete(held, jobID)
	}
	sort.Slice(released, func(i, j int) bool {
		return released[i].CreatedAt.Before(released[j].CreatedAt)
	})

	l.log.Warn("Force-released %d reservations on device %d", len(released), deviceID)
	return released
}

// ============================================================================
// QUERIES
// ============================================================================

// Get: Look up a job's active reservation
func (l *Ledger) Get(jobID string) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[jobID]
	if !ok {
		return nil, false
	}
	c := *res
	return &c, true
}

// FreeVRAM: total - reservations - resident models, 0 for unknown devices
func (l *Ledger) FreeVRAM(deviceID int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.capacity[deviceID]
	if !ok {
		return 0
	}
	return l.freeLocked(deviceID, total)
}

// ReservedVRAM: Sum of active reservations on a device
func (l *Ledger) ReservedVRAM(deviceID int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedLocked(deviceID)
}

// Reservations: Copies of the active reservations on a device,
// oldest first
func (l *Ledger) Reservations(deviceID int) []*Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Reservation, 0, len(l.byDevice[deviceID]))
	for _, res := range l.byDevice[deviceID] {
		c := *res
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReservationCount: Number of active reservations across all devices
func (l *Ledger) ReservationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// ============================================================================
// INTERNAL (lock required)
// ============================================================================

func (l *Ledger) reservedLocked(deviceID int) uint64 {
	var sum uint64
	for _, res := range l.byDevice[deviceID] {
		sum += res.VRAMBytes
	}
	return sum
}

func (l *Ledger) residentLocked(deviceID int) uint64 {
	var sum uint64
	for _, m := range l.models[deviceID] {
		if m.Loaded {
			sum += m.VRAMBytes
		}
	}
	return sum
}

func (l *Ledger) freeLocked(deviceID int, total uint64) uint64 {
	used := l.reservedLocked(deviceID) + l.residentLocked(deviceID)
	if used > total {
		// Accounting must never go negative; treated as a programming error
		l.log.Error("Device %d over-committed: used %d > total %d", deviceID, used, total)
		return 0
	}
	return total - used
}
