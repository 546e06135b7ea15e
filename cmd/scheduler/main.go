// Vulcan scheduler daemon: wires the device registry, allocation ledger,
// priority queue, eviction optimizer, health monitor and HTTP gateway, then
// runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediafoundry/vulcan-scheduler/pkg/api/gateway"
	"github.com/mediafoundry/vulcan-scheduler/pkg/config"
	"github.com/mediafoundry/vulcan-scheduler/pkg/device"
	"github.com/mediafoundry/vulcan-scheduler/pkg/health"
	"github.com/mediafoundry/vulcan-scheduler/pkg/job"
	"github.com/mediafoundry/vulcan-scheduler/pkg/ledger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
	"github.com/mediafoundry/vulcan-scheduler/pkg/metrics"
	"github.com/mediafoundry/vulcan-scheduler/pkg/queue"
	"github.com/mediafoundry/vulcan-scheduler/pkg/scheduler"
	"github.com/mediafoundry/vulcan-scheduler/pkg/storage"
	"github.com/mediafoundry/vulcan-scheduler/pkg/storage/redis"
	"github.com/mediafoundry/vulcan-scheduler/pkg/telemetry"
	"github.com/mediafoundry/vulcan-scheduler/pkg/vram"
)

var configPath = flag.String("config", "", "Path to YAML config file (optional)")

func main() {
	flag.Parse()

	log := logger.Get()
	defer log.Sync()

	// ========================================================================
	// STEP 1: Load and validate configuration
	// ========================================================================

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config: %v", err)
		os.Exit(1)
	}
	log.SetLevelStr(cfg.LogLevel)

	log.Info("Starting Vulcan Scheduler")
	log.Info("  HTTP: %s", cfg.HTTPAddr)
	log.Info("  Devices: %d", len(cfg.Devices))
	log.Info("  Telemetry: %v, Mirror: %v", cfg.TelemetryEnabled, cfg.MirrorEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// STEP 2: Build the device registry and allocation ledger
	// ========================================================================

	devices := make([]*device.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		devices = append(devices, &device.Device{
			ID:          dc.ID,
			Name:        dc.Name,
			TotalVRAM:   dc.TotalVRAM,
			NVLinkPeers: dc.NVLinkPeers,
		})
	}
	registry := device.NewRegistry(devices)

	ldg := ledger.NewLedger()
	for _, dc := range cfg.Devices {
		ldg.RegisterDevice(dc.ID, dc.TotalVRAM)
		for _, mc := range dc.BaselineModels {
			if err := ldg.LoadModel(dc.ID, mc.Name, mc.VRAM, mc.Baseline); err != nil {
				log.Error("Failed to preload model %s on device %d: %v", mc.Name, dc.ID, err)
				os.Exit(1)
			}
		}
	}
	log.Info("Registered %d devices", len(devices))

	// ========================================================================
	// STEP 3: Metrics
	// ========================================================================

	promReg := prometheus.NewRegistry()
	counters := metrics.NewCounters(promReg)

	// ========================================================================
	// STEP 4: Scheduler core
	// ========================================================================

	q := queue.NewQueue()
	optimizer := vram.NewOptimizer(ldg, nil)

	sched := scheduler.NewScheduler(
		registry, ldg, q, optimizer,
		job.DefaultEstimator(), counters, nil,
		scheduler.Options{
			AdmissionMaxRetries: cfg.AdmissionMaxRetries,
			QueueMaxWait:        cfg.QueueMaxWait,
			DrainSkipPerTier:    cfg.DrainSkipPerTier,
			ReapInterval:        cfg.ReapInterval,
		},
	)
	registry.RegisterHealthListener(sched)
	sched.Start(ctx)
	defer sched.Stop()

	promReg.MustRegister(metrics.NewCollector(sched))

	// ========================================================================
	// STEP 5: Health monitor
	// ========================================================================

	monitor := health.NewMonitor(registry, health.Thresholds{
		TempMaxC:       cfg.TempMaxC,
		ErrorMax:       cfg.ErrorMax,
		RecoverySweeps: cfg.RecoverySweeps,
		SweepInterval:  cfg.SweepInterval,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// ========================================================================
	// STEP 6: Optional NVML telemetry
	// ========================================================================

	if cfg.TelemetryEnabled {
		sampler, err := telemetry.NewNVMLSampler()
		if err != nil {
			log.Warn("NVML unavailable, running without telemetry: %v", err)
		} else {
			collector := telemetry.NewCollector(registry, sampler, cfg.TelemetryInterval)
			collector.Start(ctx)
			defer collector.Stop()
		}
	}

	// ========================================================================
	// STEP 7: Optional Redis state mirror
	// ========================================================================

	if cfg.MirrorEnabled {
		redisClient, err := redis.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("Redis unavailable, running without state mirror: %v", err)
		} else {
			defer redisClient.Close()
			mirror := storage.NewMirror(redisClient, sched, cfg.MirrorInterval)
			mirror.Start(ctx)
			defer mirror.Stop()
		}
	}

	// ========================================================================
	// STEP 8: HTTP gateway
	// ========================================================================

	var metricsHandler http.Handler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	gw, err := gateway.NewAPIGateway(sched, &gateway.GatewayConfig{
		Addr:           cfg.HTTPAddr,
		RequestTimeout: 30 * time.Second,
		MaxRequestSize: 1 << 20,
		EnableCORS:     true,
	}, metricsHandler)
	if err != nil {
		log.Error("Failed to create gateway: %v", err)
		os.Exit(1)
	}
	if err := gw.Start(); err != nil {
		log.Error("Failed to start gateway: %v", err)
		os.Exit(1)
	}

	log.Info("Vulcan Scheduler ready")

	// ========================================================================
	// STEP 9: Wait for shutdown signal
	// ========================================================================

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
}
