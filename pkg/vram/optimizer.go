// VRAM optimizer: frees device capacity by evicting idle resident models.
// Active job reservations are untouchable; only loaded-but-idle models that
// are not part of the platform baseline are candidates.
package vram

import (
	"context"
	"fmt"

	"github.com/mediafoundry/vulcan-scheduler/pkg/ledger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// TYPES
// ============================================================================

// Unloader: Hook into the serving layer that actually drops a model from
// GPU memory. Best effort: the ledger commit is authoritative and a failed
// unload call only delays the physical free.
type Unloader interface {
	UnloadModel(ctx context.Context, deviceID int, name string) error
}

// EvictionFailedError: Eviction pass could not free enough capacity.
// Non-fatal; the caller falls through to queuing.
type EvictionFailedError struct {
	DeviceID int
	Needed   uint64
	Freeable uint64
}

func (e *EvictionFailedError) Error() string {
	return fmt.Sprintf("eviction on device %d cannot free %d bytes (freeable %d)",
		e.DeviceID, e.Needed, e.Freeable)
}

// ============================================================================
// OPTIMIZER
// ============================================================================

// Optimizer: Plans and commits model evictions against the ledger
type Optimizer struct {
	log      *logger.Logger
	ledger   *ledger.Ledger
	unloader Unloader // may be nil
}

// NewOptimizer: Create an optimizer; unloader may be nil when the serving
// layer manages unloads itself
func NewOptimizer(l *ledger.Ledger, unloader Unloader) *Optimizer {
	return &Optimizer{
		log:      logger.Get(),
		ledger:   l,
		unloader: unloader,
	}
}

// TryFreeCapacity: Make at least needed bytes available on a device by
// evicting least-recently-used models. All-or-nothing: if freeing every
// eligible model still cannot reach needed, nothing is evicted and false
// is returned.
func (o *Optimizer) TryFreeCapacity(ctx context.Context, deviceID int, needed uint64) bool {
	free := o.ledger.FreeVRAM(deviceID)
	if free >= needed {
		return true
	}

	candidates := o.ledger.EvictionCandidates(deviceID)

	var reclaim uint64
	plan := make([]string, 0, len(candidates))
	for _, m := range candidates {
		plan = append(plan, m.Name)
		reclaim += m.VRAMBytes
		if free+reclaim >= needed {
			break
		}
	}

	if free+reclaim < needed {
		o.log.Debug("%v", &EvictionFailedError{DeviceID: deviceID, Needed: needed, Freeable: free + reclaim})
		return false
	}

	// Single atomic commit; fails without side effects if the plan went
	// stale between candidate listing and commit
	if err := o.ledger.EvictModels(deviceID, plan, needed); err != nil {
		o.log.Warn("Eviction commit on device %d failed: %v", deviceID, err)
		return false
	}

	if o.unloader != nil {
		for _, name := range plan {
			if err := o.unloader.UnloadModel(ctx, deviceID, name); err != nil {
				o.log.Warn("Unload of model %s on device %d failed (non-fatal): %v", name, deviceID, err)
			}
		}
	}

	o.log.Info("Evicted %d models on device %d to free %d bytes", len(plan), deviceID, needed)
	return true
}
