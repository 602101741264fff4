package main

import (
	"RebaseLedger/internal/config"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/ingestion"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/persistence"
	"RebaseLedger/internal/projection"
	"RebaseLedger/internal/query"
	"RebaseLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("rebaseledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("RebaseLedger exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("RebaseLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	// --- Migrations ---
	migrator := persistence.NewMigrator(db, persistence.Migrations(), logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// --- Deterministic core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore := core.NewDeterministicCore(core.CoreConfig{
		StartSequence:   1,
		InitialRate:     cfg.InitialRate,
		Policy:          cfg.Policy(),
		LRUCapacity:     cfg.IdempotencyLRUCapacity,
		StrictSequences: cfg.StrictSequences,
	}, persistChan, projectionChan, dbChecker, metrics, logger.With().Str("component", "core").Logger())

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, deterministicCore, snapMgr, dbChecker, cfg, metrics, logger); err != nil {
		return err
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	// --- Workers ---
	// Shutdown order: stop intake, stop the core loop, then drain the
	// persist and projection channels before the final snapshot.
	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()

	errChan := make(chan error, 8)
	var coreWG, drainWG, serveWG sync.WaitGroup

	submitChan := make(chan ingestion.Submission)
	coreWG.Add(1)
	go func() {
		defer coreWG.Done()
		ingestion.RunCoreLoop(intakeCtx, submitChan, deterministicCore, logger.With().Str("component", "core_loop").Logger())
	}()

	natsSubscriber := ingestion.NewNATSSubscriber(js, submitChan, metrics, logger.With().Str("component", "nats").Logger())
	if err := natsSubscriber.Subscribe(intakeCtx, cfg.NATSConsumer); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, logger.With().Str("component", "persistence").Logger())
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		if err := persistWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	interestHistory := projection.NewInterestHistoryProjection(0)
	projWorkerChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(db, projWorkerChan, interestHistory, metrics,
		logger.With().Str("component", "projection").Logger())
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		if err := projWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishChanSize, metrics,
		logger.With().Str("component", "publisher").Logger())
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		if err := publisher.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		fanOutProjections(projectionChan, projWorkerChan, publisher, metrics)
	}()

	// --- Services ---
	queryService := query.NewQueryService(deterministicCore, db, interestHistory, metrics)
	ingestService := ingestion.NewGRPCIngestService(submitChan, metrics)
	admin := &adminOps{
		core:       deterministicCore,
		snapMgr:    snapMgr,
		projWorker: projWorker,
		metrics:    metrics,
		logger:     logger,
	}
	svc := server.NewLedgerService(ingestService, queryService, admin)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, svc, healthChecker,
		logger.With().Str("component", "server").Logger())

	serveWG.Add(1)
	go func() {
		defer serveWG.Done()
		if err := grpcServer.StartGRPC(intakeCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	serveWG.Add(1)
	go func() {
		defer serveWG.Done()
		if err := grpcServer.StartHTTPGateway(intakeCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	serveWG.Add(1)
	go func() {
		defer serveWG.Done()
		if err := serveMetrics(intakeCtx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	serveWG.Add(1)
	go func() {
		defer serveWG.Done()
		admin.runPeriodic(intakeCtx, cfg.SnapshotCheckTick, cfg.SnapshotInterval)
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("RebaseLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	stopIntake()
	coreWG.Wait()
	serveWG.Wait()

	// The core is idle; drain its outputs.
	close(persistChan)
	close(projectionChan)

	drained := make(chan struct{})
	go func() {
		drainWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.ShutdownTimeout).Msg("workers did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if _, err := admin.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if n, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("final snapshot verification failed")
	} else {
		logger.Info().Int64("verified", n).Msg("final snapshot saved")
	}

	logger.Info().Msg("RebaseLedger shutdown complete")
	return runErr
}

// fanOutProjections feeds core outputs to the projection worker and the
// outbound publisher. Neither consumer may stall the core.
func fanOutProjections(
	in <-chan core.CoreOutput,
	projOut chan<- core.CoreOutput,
	publisher *ingestion.OutboundPublisher,
	metrics *observability.Metrics,
) {
	defer close(projOut)
	defer publisher.Close()

	for output := range in {
		select {
		case projOut <- output:
		default:
			metrics.ProjectionDrops.WithLabelValues("projection_worker").Inc()
		}
		publisher.Enqueue(output)
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
