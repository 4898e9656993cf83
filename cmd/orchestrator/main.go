// Command orchestrator starts the frame orchestrator: the Stream Consumer,
// Router/Distributor, Work-Queue Manager, Registry, and control plane HTTP
// server. Flags overlay environment configuration, each long-lived
// component runs on its own goroutine, and SIGINT/SIGTERM drive a bounded
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frameorchestrator/internal/config"
	"frameorchestrator/internal/controlplane"
	"frameorchestrator/internal/ingestconsumer"
	"frameorchestrator/internal/observability/logging"
	"frameorchestrator/internal/observability/metrics"
	"frameorchestrator/internal/redisstream"
	"frameorchestrator/internal/regpersist"
	"frameorchestrator/internal/registry"
	"frameorchestrator/internal/router"
	"frameorchestrator/internal/workqueue"
)

func main() {
	streamEndpoint := flag.String("stream-endpoint", "", "Redis address serving the ingest and work-queue streams")
	httpAddr := flag.String("http-addr", "", "control plane HTTP listen address (e.g. :8002)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.StreamEndpoint = config.FirstNonEmpty(*streamEndpoint, cfg.StreamEndpoint)
	if *httpAddr == "" {
		*httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}

	logger := logging.Init(logging.Config{Level: config.FirstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL"))})
	recorder := metrics.Default()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	redisClient, err := redisstream.NewClient(connectCtx, redisstream.ClientConfig{
		Addr:  cfg.StreamEndpoint,
		Retry: redisstream.DefaultRetryPolicy(),
	})
	cancelConnect()
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	queues := workqueue.New(redisClient, logging.WithComponent(logger, "workqueue"), recorder)
	reg := registry.New(cfg.RegistryConfig(), nil, queues)
	reg.SetMetrics(recorder)

	var persistStore *regpersist.Store
	if cfg.RegistryPersistenceDSN != "" {
		persistStore, err = regpersist.New(cfg.RegistryPersistenceDSN)
		if err != nil {
			logger.Error("failed to open registry persistence store", "error", err)
			os.Exit(1)
		}
		if err := persistStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare registry persistence schema", "error", err)
			os.Exit(1)
		}
		seedRegistryFromSnapshot(ctx, reg, persistStore, logging.WithComponent(logger, "regpersist"))
		defer persistStore.Close(context.Background())
		go runSnapshotLoop(ctx, reg, persistStore, logging.WithComponent(logger, "regpersist"))
	}

	go reg.Run(ctx)
	go runQueueDepthSampler(ctx, reg, queues, recorder, logging.WithComponent(logger, "backpressure"))

	consumer := ingestconsumer.New(redisClient, ingestconsumer.Config{
		Stream:      cfg.IngestStream,
		Group:       cfg.ConsumerGroup,
		ConsumerID:  cfg.ConsumerID,
		PELReclaim:  time.Duration(cfg.PELReclaimMs) * time.Millisecond,
		PELMax:      cfg.PELMax,
		PELPausePct: cfg.PELPausePct,
		BlockMs:     cfg.BlockMs,
	}, logging.WithComponent(logger, "ingestconsumer"), recorder)
	if err := consumer.Start(ctx); err != nil {
		logger.Error("failed to start ingest consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	rtr := router.New(reg, queues, cfg.RouterConfig(), recorder, logging.WithComponent(logger, "router"))

	handler := &controlplane.Handler{
		Registry:     reg,
		Queues:       queues,
		Ingest:       consumer,
		Logger:       logging.WithComponent(logger, "controlplane"),
		QueueBound:   cfg.QueueBoundDefault,
		Backpressure: cfg.BackpressureConfig(),
	}
	srv, err := controlplane.New(handler, controlplane.Config{
		Addr:            *httpAddr,
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.ShutdownGrace,
	})
	if err != nil {
		logger.Error("failed to configure control plane server", "error", err)
		os.Exit(1)
	}

	srvErrs := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", *httpAddr)
		srvErrs <- srv.Run(ctx)
	}()

	pipelineErrs := make(chan error, 1)
	go func() {
		pipelineErrs <- runPipeline(ctx, consumer, rtr, queues, logging.WithComponent(logger, "pipeline"), cfg.RouterConcurrency)
	}()

	srvDone, pipelineDone := false, false
	pipelineFailed := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErrs:
		if err != nil {
			logger.Error("control plane server stopped unexpectedly", "error", err)
		}
		srvDone = true
	case err := <-pipelineErrs:
		if err != nil {
			logger.Error("frame pipeline stopped unexpectedly", "error", err)
			pipelineFailed = true
		}
		pipelineDone = true
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	for !srvDone || !pipelineDone {
		select {
		case <-srvErrs:
			srvDone = true
		case err := <-pipelineErrs:
			if err != nil {
				pipelineFailed = true
			}
			pipelineDone = true
		case <-shutdownCtx.Done():
			logger.Warn("shutdown grace period elapsed before all components stopped")
			if pipelineFailed {
				os.Exit(2)
			}
			return
		}
	}
	if pipelineFailed {
		os.Exit(2)
	}
	logger.Info("orchestrator stopped")
}

// routeJob is one decoded ingest entry waiting for a Router worker.
type routeJob struct {
	entryID string
	event   ingestconsumer.DeliveredFrame
}

// runPipeline is the main ingest loop: it pulls batches from the Stream
// Consumer, dead-letters malformed entries directly, and fans valid frames
// out to a router_concurrency-sized worker pool that calls Router.Route and
// acks the originating ingest entry once the Router reports the frame was
// admitted or deliberately dropped.
func runPipeline(ctx context.Context, consumer *ingestconsumer.Consumer, rtr *router.Router, queues *workqueue.Manager, logger *slog.Logger, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	jobs := make(chan routeJob, concurrency)
	defer close(jobs)

	for i := 0; i < concurrency; i++ {
		go func() {
			for job := range jobs {
				result, err := rtr.Route(ctx, job.event.Event)
				if err != nil {
					logger.Warn("route failed", "entry_id", job.entryID, "frame_id", job.event.Event.FrameID, "error", err)
				}
				if !result.Admitted() {
					continue
				}
				if err := consumer.Ack(ctx, job.entryID); err != nil {
					logger.Warn("ack failed after admitted route", "entry_id", job.entryID, "error", err)
				}
			}
		}()
	}

	lastOK := time.Now()
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if time.Since(lastOK) > readFatalAfter {
				return fmt.Errorf("ingest reads failing since %s: %w", lastOK.Format(time.RFC3339), err)
			}
			logger.Warn("ingest read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}
		lastOK = time.Now()
		backoff = 100 * time.Millisecond

		for _, malformed := range batch.Malformed {
			if _, err := queues.DeadLetterMalformed(ctx, malformed.Fields, malformed.Reason); err != nil {
				logger.Error("failed to dead-letter malformed entry", "entry_id", malformed.EntryID, "error", err)
				continue
			}
			if err := consumer.Ack(ctx, malformed.EntryID); err != nil {
				logger.Warn("ack failed after dead-lettering malformed entry", "entry_id", malformed.EntryID, "error", err)
			}
		}

		for _, delivered := range batch.Entries {
			select {
			case jobs <- routeJob{entryID: delivered.EntryID, event: delivered}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// readFatalAfter bounds how long ingest reads may keep failing before the
// pipeline gives up and the process exits with code 2 for a supervisor to
// restart.
const readFatalAfter = 60 * time.Second

// queueDepthSampleInterval is the backpressure sampler's probe cadence.
const queueDepthSampleInterval = 5 * time.Second

// runQueueDepthSampler is the backpressure sampler task: it periodically
// probes each Active processor's queue length so the queue-depth gauges
// track reality between writes, not just the Router's own activity.
func runQueueDepthSampler(ctx context.Context, reg *registry.Registry, queues *workqueue.Manager, recorder *metrics.Recorder, logger *slog.Logger) {
	ticker := time.NewTicker(queueDepthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range reg.Snapshot() {
				if d.State != registry.StateActive {
					continue
				}
				depth, err := queues.Length(ctx, d.ProcessorID)
				if err != nil {
					logger.Warn("queue length probe failed", "processor_id", d.ProcessorID, "error", err)
					continue
				}
				recorder.SetQueueDepth(d.ProcessorID, depth)
			}
		}
	}
}

// registrySnapshotInterval is how often the Registry is persisted when
// REGISTRY_PERSISTENCE_DSN is set. It is independent of the sweep/eviction
// timers: a missed snapshot only delays how stale a warm restart's seed is,
// never the live routing path.
const registrySnapshotInterval = 30 * time.Second

// seedRegistryFromSnapshot re-registers every descriptor persisted by a
// prior run, so a restarted orchestrator already knows each processor's
// last-advertised capabilities and capacity before its first heartbeat
// arrives. Each seeded descriptor stays Registering until its processor
// heartbeats; the Registry's sweep does not age out a processor that
// never reconnects.
func seedRegistryFromSnapshot(ctx context.Context, reg *registry.Registry, store *regpersist.Store, logger *slog.Logger) {
	descriptors, err := store.Load(ctx)
	if err != nil {
		logger.Warn("failed to load registry snapshot, starting empty", "error", err)
		return
	}
	for _, d := range descriptors {
		if _, err := reg.Register(d); err != nil {
			logger.Warn("failed to seed descriptor from snapshot", "processor_id", d.ProcessorID, "error", err)
		}
	}
	logger.Info("seeded registry from persisted snapshot", "count", len(descriptors))
}

// runSnapshotLoop periodically persists the Registry's current descriptors
// until ctx is cancelled.
func runSnapshotLoop(ctx context.Context, reg *registry.Registry, store *regpersist.Store, logger *slog.Logger) {
	ticker := time.NewTicker(registrySnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Snapshot(ctx, reg.Snapshot()); err != nil {
				logger.Warn("failed to persist registry snapshot", "error", err)
			}
		}
	}
}
