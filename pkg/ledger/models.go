// Resident model accounting: baseline VRAM occupied by pre-loaded models,
// independent of per-job reservations. Eviction candidates come from here.
package ledger

import (
	"fmt"
	"sort"
	"time"
)

// LoadedModel: A model resident on a device, occupying VRAM whether or not
// a job is using it. Baseline models (the platform's own reserved floor)
// are never eviction candidates.
type LoadedModel struct {
	Name       string    `json:"name"`
	VRAMBytes  uint64    `json:"vram_bytes"`
	Loaded     bool      `json:"loaded"`
	Baseline   bool      `json:"baseline"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// ============================================================================
// MODEL RESIDENCY
// ============================================================================

// LoadModel: Register a model as resident on a device. Fails if the device
// cannot fit it alongside current reservations and residents.
func (l *Ledger) LoadModel(deviceID int, name string, vramBytes uint64, baseline bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.capacity[deviceID]
	if !ok {
		return fmt.Errorf("load model %s: unknown device %d", name, deviceID)
	}

	if existing, loaded := l.models[deviceID][name]; loaded && existing.Loaded {
		existing.LastUsedAt = time.Now()
		return nil
	}

	free := l.freeLocked(deviceID, total)
	if vramBytes > free {
		return &InsufficientCapacityError{DeviceID: deviceID, Requested: vramBytes, Free: free}
	}

	l.models[deviceID][name] = &LoadedModel{
		Name:       name,
		VRAMBytes:  vramBytes,
		Loaded:     true,
		Baseline:   baseline,
		LastUsedAt: time.Now(),
	}

	l.log.Info("Model %s loaded on device %d (%d bytes, baseline=%v)", name, deviceID, vramBytes, baseline)
	return nil
}

// TouchModel: Refresh LRU recency when the serving layer uses a model
func (l *Ledger) TouchModel(deviceID int, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.models[deviceID][name]; ok && m.Loaded {
		m.LastUsedAt = time.Now()
	}
}

// UnloadModel: Drop a single resident model. Returns false when the model
// was not loaded.
func (l *Ledger) UnloadModel(deviceID int, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.models[deviceID][name]
	if !ok || !m.Loaded {
		return false
	}
	delete(l.models[deviceID], name)

	l.log.Info("Model %s unloaded from device %d (%d bytes freed)", name, deviceID, m.VRAMBytes)
	return true
}

// Models: Copies of the resident models on a device
func (l *Ledger) Models(deviceID int) []*LoadedModel {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*LoadedModel, 0, len(l.models[deviceID]))
	for _, m := range l.models[deviceID] {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EvictionCandidates: Loaded, non-baseline models on a device in
// least-recently-used order
func (l *Ledger) EvictionCandidates(deviceID int) []*LoadedModel {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*LoadedModel, 0)
	for _, m := range l.models[deviceID] {
		if m.Loaded && !m.Baseline {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out
}

// EvictModels: Atomically unload the named models, but only if all of them
// are still loaded, non-baseline, and unloading them brings free capacity to
// at least needed bytes. No partial commit: on any mismatch the ledger is
// left unchanged.
func (l *Ledger) EvictModels(deviceID int, names []string, needed uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.capacity[deviceID]
	if !ok {
		return fmt.Errorf("evict on unknown device %d", deviceID)
	}

	var reclaim uint64
	for _, name := range names {
		m, loaded := l.models[deviceID][name]
		if !loaded || !m.Loaded {
			return fmt.Errorf("eviction plan stale: model %s no longer loaded on device %d", name, deviceID)
		}
		if m.Baseline {
			return fmt.Errorf("eviction plan invalid: model %s on device %d is baseline", name, deviceID)
		}
		reclaim += m.VRAMBytes
	}

	if l.freeLocked(deviceID, total)+reclaim < needed {
		return &InsufficientCapacityError{
			DeviceID:  deviceID,
			Requested: needed,
			Free:      l.freeLocked(deviceID, total) + reclaim,
		}
	}

	for _, name := range names {
		delete(l.models[deviceID], name)
	}

	l.log.Info("Evicted %d models from device %d, reclaimed %d bytes", len(names), deviceID, reclaim)
	return nil
}
