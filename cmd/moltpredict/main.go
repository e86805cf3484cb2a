package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mthdroid/moltpredict-skill/internal/blob"
	"github.com/mthdroid/moltpredict-skill/internal/cache"
	"github.com/mthdroid/moltpredict-skill/internal/clock"
	"github.com/mthdroid/moltpredict-skill/internal/config"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/persistence"
	"github.com/mthdroid/moltpredict-skill/internal/projection"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/server"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

const replayPageSize = 1000

var errWorkerStopped = errors.New("background worker stopped")

func main() {
	configPath := flag.String("config", envOr("MOLT_CONFIG", "moltpredict.toml"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger("main", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Interface("config", cfg.Redacted()).Msg("moltpredict starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("moltpredict stopped")
	}
	log.Info().Msg("moltpredict shutdown complete")
}

// app holds everything run wires together, so the startup phases can live
// in separate functions.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *observability.Metrics
	reg     *prometheus.Registry
	health  *observability.HealthChecker

	db        *sql.DB
	snapshots snapshotStore
	redis     *cache.Client
	archive   *blob.SnapshotArchive
	nc        *nats.Conn
	js        jetstream.JetStream

	engine         *core.Engine
	persistChan    chan core.CoreOutput
	projectionChan chan core.CoreOutput
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: observability.NewMetrics(reg),
		reg:     reg,
		health:  observability.NewHealthChecker(),
	}
	defer a.close()

	// --- Postgres ---
	if err := a.openPostgres(ctx); err != nil {
		return err
	}
	applied, err := persistence.NewMigrator(a.db, cfg.Postgres.MigrationsDir, a.component("migrate")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	pool, err := persistence.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	// --- Redis: single writer ---
	var lease *cache.WriterLease
	if cfg.Redis.Enabled {
		a.redis, err = cache.New(ctx, cache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.health.AddCheck("redis", a.redis.Ping)

		lease, err = cache.AcquireLease(ctx, a.redis, cache.WriterLeaseKey, cfg.LeaseTTL())
		if err != nil {
			return fmt.Errorf("acquire writer lease: %w", err)
		}
		defer lease.Release()
		log.Info().Str("token", lease.Token()).Msg("writer lease acquired")
	}

	// --- S3 snapshot archive ---
	if cfg.S3.Enabled {
		bc, err := blob.New(ctx, blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		a.archive = blob.NewSnapshotArchive(bc, cfg.S3.Prefix)
		a.health.AddCheck("s3", bc.Health)
	}

	// --- Engine + recovery ---
	if err := a.buildEngine(); err != nil {
		return err
	}
	if err := a.recover(ctx); err != nil {
		return err
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		a.nc, a.js, err = ingestion.ConnectNATS(cfg.NATS.URL, a.component("nats"))
		if err != nil {
			return err
		}
		if err := ingestion.EnsureStreams(ctx, a.js, a.component("nats")); err != nil {
			return err
		}
		a.health.AddCheck("nats", func(context.Context) error {
			if !a.nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	return a.serve(ctx, pool, lease)
}

func (a *app) component(name string) zerolog.Logger {
	return observability.NewLogger(name, a.cfg.LogLevel)
}

func (a *app) openPostgres(ctx context.Context) error {
	db, err := sql.Open("postgres", a.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("postgres ping: %w", err)
	}
	a.db = db
	a.snapshots = persistence.NewSnapshotManager(db)
	a.health.AddCheck("postgres", db.PingContext)
	a.log.Info().Msg("postgres connected")
	return nil
}

func (a *app) buildEngine() error {
	policy, err := state.NewResolutionPolicy(a.cfg.Resolution.Policy, a.cfg.Resolution.Oracles)
	if err != nil {
		return err
	}
	a.persistChan = make(chan core.CoreOutput, a.cfg.Engine.PersistChanSize)
	a.projectionChan = make(chan core.CoreOutput, a.cfg.Engine.ProjectionChanSize)
	a.engine = core.NewEngine(core.Options{
		Clock:          clock.NewSystem(),
		Policy:         policy,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(a.db),
		Metrics:        a.metrics,
		Logger:         a.component("engine"),
		PersistChan:    a.persistChan,
		ProjectionChan: a.projectionChan,
		LRUCapacity:    a.cfg.Engine.LRUCapacity,
		PostChecks:     a.cfg.Engine.InvariantChecks,
	})
	return nil
}

// recover restores the latest verified snapshot, falling back to the S3
// archive, then replays the event log tail and rebuilds the projections.
// Replay emits nothing to the workers.
func (a *app) recover(ctx context.Context) error {
	start := time.Now()

	snap, err := a.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := a.engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	} else {
		a.log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := a.snapshots.ReplayFrom(ctx, a.engine, replayPageSize)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	a.metrics.ReplayEventsTotal.Add(float64(replayed))
	a.metrics.ReplayDuration.Set(time.Since(start).Seconds())

	if err := projection.NewPostgresStore(a.db).Resync(ctx, a.engine.CreateSnapshotState()); err != nil {
		return fmt.Errorf("resync projections: %w", err)
	}

	a.log.Info().
		Int("replayed", replayed).
		Int64("sequence", a.engine.GetSequence()).
		Uint64("markets", a.engine.MarketCount()).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func (a *app) loadSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	stored, err := a.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		a.log.Info().Int64("sequence", stored.State.Sequence).Msg("loaded snapshot from postgres")
		return stored.State, nil
	}
	if a.archive == nil {
		return nil, nil
	}

	key, err := a.archive.LatestKey(ctx)
	if errors.Is(err, blob.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := a.archive.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	snap, err := persistence.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("archived snapshot %s: %w", key, err)
	}
	a.log.Info().Str("key", key).Int64("sequence", snap.Sequence).Msg("loaded snapshot from archive")
	return snap, nil
}

// serve runs the workers and the intake side until ctx ends or something
// fails, then drains in order: intake stops, the workers flush every
// emitted output, a final snapshot is taken, and the publisher stops.
func (a *app) serve(ctx context.Context, pool *pgxpool.Pool, lease *cache.WriterLease) error {
	cfg := a.cfg

	// Read side.
	var (
		viewCache query.ViewCache
		bus       cache.Bus
	)
	if a.redis != nil {
		viewCache = cache.NewMarketCache(a.redis)
		bus = cache.NewEventBus(a.redis)
	} else {
		bus = cache.NewLocalBus()
	}
	queries := query.NewQueryService(a.db, viewCache, a.engine, a.component("query"))

	// Outbound settlement events.
	var (
		publisher persistence.Publisher
		outbound  *ingestion.OutboundPublisher
	)
	if a.js != nil {
		outbound = ingestion.NewOutboundPublisher(a.js, cfg.Engine.PublishChanSize, a.component("publisher"))
		publisher = outbound
	}
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	pubDone := make(chan error, 1)
	go func() {
		if outbound == nil {
			pubDone <- nil
			return
		}
		pubDone <- outbound.Run(pubCtx)
	}()

	// Workers outlive intake so that nothing the engine emitted is lost.
	workers, workerCtx := errgroup.WithContext(context.Background())
	workers.Go(func() error {
		return persistence.NewPersistenceWorker(persistence.WorkerOptions{
			Writer:       persistence.NewEventLogWriter(pool),
			Input:        a.persistChan,
			Publisher:    publisher,
			BatchSize:    cfg.Engine.PersistBatchSize,
			FlushTimeout: cfg.PersistFlushTimeout(),
			Metrics:      a.metrics,
			Logger:       a.component("persistence"),
		}).Run(workerCtx)
	})
	workers.Go(func() error {
		return projection.NewWorker(projection.Options{
			Store:     projection.NewPostgresStore(a.db),
			ViewCache: viewCache,
			Bus:       bus,
			Clock:     a.engine,
			Input:     a.projectionChan,
			Metrics:   a.metrics,
			Logger:    a.component("projection"),
		}).Run(workerCtx)
	})

	// Intake.
	dispatcher := ingestion.NewDispatcher(a.engine, cfg.Server.RequireSignatures, a.metrics, a.component("dispatcher"))
	hub := server.NewHub(bus, a.metrics, a.component("ws"))
	deps := server.Deps{
		Engine:         a.engine,
		Dispatcher:     dispatcher,
		Queries:        queries,
		Hub:            hub,
		Health:         a.health,
		Metrics:        a.metrics,
		Logger:         a.component("http"),
		RequestTimeout: cfg.RequestTimeout(),
	}
	grpcDeps := deps
	grpcDeps.Logger = a.component("grpc")
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, grpcDeps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-workerCtx.Done():
			return errWorkerStopped
		}
	})
	if lease != nil {
		g.Go(func() error { return lease.Keep(gctx) })
	}

	var subscriber *ingestion.NATSSubscriber
	if a.js != nil {
		cmdChan := make(chan ingestion.RawCommand, 4096)
		subscriber = ingestion.NewNATSSubscriber(a.js, cmdChan, a.component("nats"))
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(dispatcher.Run(gctx, cmdChan)) })
	}

	g.Go(func() error { return ignoreCanceled(hub.Run(gctx)) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		return server.NewHTTPServer("http", cfg.Server.HTTPAddr, server.NewRouter(deps), a.component("http")).Start(gctx)
	})
	g.Go(func() error {
		return server.NewMetricsServer(cfg.Server.MetricsAddr, a.reg, a.component("metrics")).Start(gctx)
	})
	g.Go(func() error {
		a.runPeriodicSnapshots(gctx)
		return nil
	})

	a.health.SetReady(true)
	grpcServer.SetServing(true)
	a.log.Info().
		Int64("sequence", a.engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("moltpredict ready")

	// --- Shutdown ---
	runErr := g.Wait()
	a.health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	a.log.Info().Err(runErr).Msg("intake stopped, draining workers")

	// Transports have drained, but a handler past its drain timeout may
	// still be inside the engine. Close waits for it.
	a.engine.Close()
	close(a.persistChan)
	close(a.projectionChan)
	if err := workers.Wait(); err != nil {
		a.log.Error().Err(err).Msg("worker drain failed")
		if runErr == nil || errors.Is(runErr, errWorkerStopped) {
			runErr = err
		}
	}

	snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := a.takeSnapshot(snapCtx); err != nil {
		a.log.Error().Err(err).Msg("final snapshot failed")
	} else {
		a.log.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	stopPublisher()
	<-pubDone
	return runErr
}

func (a *app) close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
