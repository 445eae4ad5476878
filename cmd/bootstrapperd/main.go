package main

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/keeper"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/projection"
	"BackstopBootstrapper/internal/query"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/server"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: Bootstrapper starting...")

	if err := godotenv.Load(); err == nil {
		log.Println("INFO: Loaded .env")
	}
	cfg := DefaultConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: Migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)
	idemChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// --- Accounting store ---
	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer st.Close()

	// --- Sandbox chain ---
	devnetCfg, err := cfg.Devnet()
	if err != nil {
		log.Fatalf("FATAL: sandbox config: %v", err)
	}
	self, err := cfg.ContractAddress()
	if err != nil {
		log.Fatalf("FATAL: sandbox config: %v", err)
	}
	devnet, err := sandbox.NewDevnet(clockwork.NewRealClock(), devnetCfg)
	if err != nil {
		log.Fatalf("FATAL: devnet: %v", err)
	}

	// --- Core ---
	// Persist blocks (backpressure); projection and outcome channels drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	outcomeChan := make(chan *core.Outcome, cfg.OutcomeChanSize)
	persistChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	submitChan := make(chan core.Submission, cfg.SubmitChanSize)

	boot, err := core.NewBootstrapper(devnet.Env(self), st,
		core.WithLogger(observability.NewLogger("contract")),
		core.WithChainImage(devnet.Chain),
	)
	if err != nil {
		log.Fatalf("FATAL: bootstrapper: %v", err)
	}
	coreLogger := observability.NewLogger("core")
	deterministicCore := core.NewDeterministicCore(core.CoreConfig{
		Bootstrapper:   boot,
		Store:          st,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		OutcomeChan:    outcomeChan,
		DBChecker:      idemChecker,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		Logger:         &coreLogger,
	})

	// --- Recovery ---
	replayStart := time.Now()
	if err := recoverState(ctx, deterministicCore, st, devnet.Chain, snapMgr, idemChecker, cfg.IdempotencyLRUCapacity); err != nil {
		log.Fatalf("FATAL: recovery: %v", err)
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	log.Printf("INFO: Core at sequence %d, ledger %d", deterministicCore.GetSequence(), devnet.Clock.Sequence())

	takeSnap := func(ctx context.Context) (*persistence.SnapshotData, error) {
		return takeSnapshot(ctx, deterministicCore, devnet.Chain, snapMgr, metrics)
	}
	rebuild := func(ctx context.Context) (int64, error) {
		snap, err := deterministicCore.CreateSnapshotState(nil)
		if err != nil {
			return 0, err
		}
		err = projection.RebuildProjections(ctx, db, boot, snap.Store.Principals, devnet.Clock.Sequence(), snap.Sequence)
		return snap.Sequence, err
	}
	if seq, err := rebuild(ctx); err != nil {
		log.Fatalf("FATAL: rebuild projections: %v", err)
	} else {
		log.Printf("INFO: Projections rebuilt at sequence %d", seq)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: nats streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: nats outbound stream: %v", err)
	}

	rawChan := make(chan ingestion.RawEvent, cfg.SubmitChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	publisher := ingestion.NewOutboundPublisher(js, outcomeChan)

	// --- Services ---
	gateway := ingestion.NewCommandGateway(submitChan, devnet.Clock, clockwork.NewRealClock()).WithDone(ctx.Done())
	queryService := query.NewQueryService(db, devnet.Clock, metrics)

	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	healthChecker.AddCheck("nats", func() error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	serverLogger := observability.NewLogger("server")
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Gateway:       gateway,
		Contract:      boot,
		Ledger:        devnet.Clock,
		Core:          deterministicCore,
		QueryService:  queryService,
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  takeSnap,
		Rebuild:       rebuild,
		HealthChecker: healthChecker,
		Logger:        &serverLogger,
		StartTime:     time.Now(),
	})

	// --- Back half: drains core output until the channels close ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	back, workerCtx := errgroup.WithContext(workerCtx)

	back.Go(func() error {
		bridgeCoreOutputs(workerCtx, persistCoreChan, projectionCoreChan, persistChan, projectionChan, metrics)
		return nil
	})
	back.Go(func() error {
		return persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics).Run(workerCtx)
	})
	back.Go(func() error {
		return projection.NewProjectionWorker(db, projectionChan, metrics).Run(workerCtx)
	})
	back.Go(func() error {
		return publisher.Run(workerCtx)
	})

	// --- Front half: stops on signal ---
	front, frontCtx := errgroup.WithContext(ctx)
	front.Go(func() error {
		return deterministicCore.Run(frontCtx, submitChan)
	})

	if err := ensureInitialized(frontCtx, boot, gateway, devnetCfg); err != nil {
		log.Fatalf("FATAL: initialize contract: %v", err)
	}

	if err := subscriber.Subscribe(frontCtx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}
	front.Go(func() error {
		return runIngestionLoop(frontCtx, rawChan, gateway)
	})
	front.Go(func() error {
		return grpcServer.StartGRPC(frontCtx)
	})
	front.Go(func() error {
		return grpcServer.StartHTTPGateway(frontCtx)
	})
	front.Go(func() error {
		return runMetricsServer(frontCtx, cfg.MetricsAddr)
	})
	front.Go(func() error {
		return runPeriodicSnapshots(frontCtx, deterministicCore, takeSnap, cfg.SnapshotInterval)
	})
	front.Go(func() error {
		return runChannelMetrics(frontCtx, metrics, map[string]func() (int, int){
			"submit":     func() (int, int) { return len(submitChan), cap(submitChan) },
			"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
			"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
			"outcome":    func() (int, int) { return len(outcomeChan), cap(outcomeChan) },
		})
	})
	if cfg.KeeperEnabled {
		keeperLogger := observability.NewLogger("keeper")
		k, err := keeper.New(keeper.Config{
			Reader:   boot,
			Closer:   gateway,
			Schedule: cfg.KeeperSchedule,
			Metrics:  metrics,
			Logger:   &keeperLogger,
		})
		if err != nil {
			log.Fatalf("FATAL: keeper: %v", err)
		}
		front.Go(func() error {
			return k.Run(frontCtx)
		})
	}

	healthChecker.SetReady(true)
	log.Printf("INFO: Bootstrapper ready (grpc %s, http %s, metrics %s)", cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Shutdown ---
	<-frontCtx.Done()
	log.Println("INFO: Shutting down...")
	healthChecker.SetReady(false)

	subscriber.Stop()
	if err := front.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: %v", err)
	}

	// The core loop has returned, so nothing sends on these anymore.
	close(persistCoreChan)
	close(projectionCoreChan)
	close(outcomeChan)

	drained := make(chan error, 1)
	go func() { drained <- back.Wait() }()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: drain workers: %v", err)
		}
	case <-time.After(30 * time.Second):
		log.Println("WARN: Workers did not drain in 30s")
		cancelWorkers()
		<-drained
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if snap, err := takeSnap(finalCtx); err != nil {
		log.Printf("WARN: Final snapshot failed: %v", err)
	} else {
		log.Printf("INFO: Final snapshot at sequence %d", snap.Sequence)
	}

	log.Println("INFO: Bootstrapper stopped")
	os.Exit(0)
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.Store {
	case "", "memory":
		log.Println("INFO: Using in-memory store")
		return store.NewMemoryStore(), nil
	case "pebble":
		log.Printf("INFO: Using pebble store at %s", cfg.PebbleDir)
		return store.OpenPebbleStore(cfg.PebbleDir)
	default:
		return nil, fmt.Errorf("unknown store %q (want memory or pebble)", cfg.Store)
	}
}

// ensureInitialized initializes the contract against the devnet collaborators
// on first start.
func ensureInitialized(ctx context.Context, boot *core.Bootstrapper, gateway *ingestion.CommandGateway, dc sandbox.DevnetConfig) error {
	if _, err := boot.GetInstance(ctx); err == nil {
		return nil
	}
	_, err := gateway.Initialize(ctx, dc.Backstop, dc.Comet, dc.Factory)
	if state.CodeOf(err) == state.CodeAlreadyInitialized {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("INFO: Contract initialized (backstop %s, token %s)", dc.Backstop, dc.Comet)
	return nil
}

func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: Metrics server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
