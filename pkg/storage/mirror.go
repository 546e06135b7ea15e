// State mirror: periodically publishes scheduler state to Redis for
// dashboards and external tooling. Strictly best-effort and one-way; the
// scheduler never reads this state back and a dead Redis only costs a
// warning per cycle.
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/scheduler"
	"github.com/mediafoundry/vulcan-scheduler/pkg/storage/redis"
)

const (
	keyDevices     = "vulcan:devices"
	keyQueueDepths = "vulcan:queue:depths"
	keyStats       = "vulcan:stats"
)

// Mirror: Periodic one-way publisher of scheduler state
type Mirror struct {
	log      *logger.Logger
	client   *redis.RedisClient
	sched    *scheduler.Scheduler
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMirror: Create a mirror publishing through the given client
func NewMirror(client *redis.RedisClient, sched *scheduler.Scheduler, interval time.Duration) *Mirror {
	return &Mirror{
		log:      logger.Get(),
		client:   client,
		sched:    sched,
		interval: interval,
	}
}

// Start: Launch the publish loop
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.publishOnce(ctx)
			}
		}
	}()

	m.log.Info("State mirror started (interval=%v)", m.interval)
}

// Stop: Stop the publish loop and drop the published keys so consumers see
// "scheduler down" immediately instead of waiting out the TTL
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, keyDevices, keyQueueDepths, keyStats); err != nil {
		m.log.Warn("Mirror key cleanup: %v", err)
	}
}

func (m *Mirror) publishOnce(ctx context.Context) {
	// Entries expire a few intervals after the scheduler stops publishing,
	// so consumers can distinguish "scheduler down" from "empty state"
	ttl := 3 * m.interval

	m.publish(ctx, keyDevices, m.sched.DeviceTable(), ttl)
	m.publish(ctx, keyQueueDepths, m.sched.QueueDepths(), ttl)
	m.publish(ctx, keyStats, m.sched.Stats(), ttl)
}

func (m *Mirror) publish(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("Mirror marshal for %s: %v", key, err)
		return
	}
	if err := m.client.Set(ctx, key, payload, ttl); err != nil {
		m.log.Warn("Mirror publish for %s: %v", key, err)
	}
}
