package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/postgres"
	"github.com/Ramsey-B/clover/pkg/blacklist"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/decision"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/refresh"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/routes"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/startup"
)

// app owns every long-lived component of the process
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	checker *health.Checker

	params   *params.Store
	db       *sqlx.DB
	lockDB   *sqlx.DB
	rdb      *redis.Client
	graph    *graph.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
	server   *echo.Echo

	resolver  *resolver.Resolver
	executor  *merging.Executor
	refresher *refresh.Refresher
	detector  *blacklist.Detector
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{
		cfg:     cfg,
		logger:  logger,
		checker: health.NewChecker(cfg.Version),
	}
}

// Run starts every dependency, serves until ctx is cancelled and then shuts
// down in reverse order.
func (a *app) Run(ctx context.Context) error {
	s := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	for _, dep := range a.dependencies(ctx) {
		s.AddDependency(dep)
	}

	if err := s.Start(ctx); err != nil {
		a.stop(s)
		return err
	}
	a.checker.SetReady(true)
	a.logger.WithField("port", a.cfg.Port).Info("Clover started")

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.ParamsWatch {
		g.Go(func() error {
			if err := params.Watch(gctx, a.params, a.cfg.ParamsPath); err != nil {
				a.logger.WithError(err).Warn("Params watcher stopped; reload over HTTP only")
			}
			return nil
		})
	}
	g.Go(func() error {
		a.schedule(gctx, "candidate_refresh", a.cfg.RefreshInterval, a.runRefresh)
		return nil
	})
	g.Go(func() error {
		a.schedule(gctx, "blacklist_detect", a.cfg.DetectInterval, a.runDetect)
		return nil
	})

	<-ctx.Done()
	a.checker.SetReady(false)
	a.logger.Info("Shutting down")
	_ = g.Wait()

	return a.stop(s)
}

func (a *app) stop(s *startup.Startup) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

// dependencies lists the startup graph. Optional infrastructure is only
// registered when enabled; services build once the infrastructure is up.
func (a *app) dependencies(runCtx context.Context) []startup.StartupDependency {
	deps := []startup.StartupDependency{
		&startup.Dependency{Name: "params", StartFn: a.startParams},
		&startup.Dependency{Name: "postgres", StartFn: a.startPostgres, StopFn: a.stopPostgres},
	}
	services := []string{"params", "postgres"}

	if a.cfg.RedisEnabled {
		deps = append(deps, &startup.Dependency{Name: "redis", StartFn: a.startRedis, StopFn: a.stopRedis})
		services = append(services, "redis")
	}
	if a.cfg.GraphEnabled {
		deps = append(deps, &startup.Dependency{Name: "graph", StartFn: a.startGraph, StopFn: a.stopGraph})
		services = append(services, "graph")
	}
	if a.cfg.KafkaProducerEnabled {
		deps = append(deps, &startup.Dependency{Name: "kafka_producer", StartFn: a.startProducer, StopFn: a.stopProducer})
		services = append(services, "kafka_producer")
	}

	deps = append(deps,
		&startup.Dependency{Name: "services", Requires: services, StartFn: a.buildServices},
		&startup.Dependency{Name: "http", Requires: []string{"services"}, StartFn: a.startHTTP, StopFn: a.stopHTTP},
	)

	if a.cfg.KafkaConsumerEnabled {
		deps = append(deps, &startup.Dependency{
			Name:     "kafka_consumer",
			Requires: []string{"services"},
			// the consumer loop must outlive the startup attempt
			StartFn: func(context.Context) error { return a.startConsumer(runCtx) },
			StopFn:  a.stopConsumer,
		})
	}
	return deps
}

func (a *app) startParams(_ context.Context) error {
	store, err := params.NewStoreFromFile(a.cfg.ParamsPath, a.logger)
	if err != nil {
		return fmt.Errorf("failed to load params from %s: %w", a.cfg.ParamsPath, err)
	}
	a.params = store
	return nil
}

func (a *app) startPostgres(ctx context.Context) error {
	db, err := database.Open(ctx, a.cfg.Database(), a.logger)
	if err != nil {
		return err
	}
	migrations := database.NewMigrationService(a.logger, a.cfg.Migration())
	if err := migrations.MigratePostgres(db.DB, a.cfg.DatabaseName); err != nil {
		_ = db.Close()
		return err
	}
	if !a.cfg.RedisEnabled {
		lockDB, err := database.Open(ctx, a.cfg.LockDatabase(), a.logger)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to open lock pool: %w", err)
		}
		a.lockDB = lockDB
	}
	a.db = db
	a.checker.Require("postgres", db.PingContext)
	return nil
}

func (a *app) stopPostgres(_ context.Context) error {
	var errs []error
	if a.lockDB != nil {
		errs = append(errs, a.lockDB.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func (a *app) startRedis(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.rdb = rdb
	// writers cannot take guard locks without redis
	a.checker.Require("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return nil
}

func (a *app) stopRedis(_ context.Context) error {
	if a.rdb == nil {
		return nil
	}
	return a.rdb.Close()
}

func (a *app) startGraph(ctx context.Context) error {
	client, err := graph.NewClient(graph.Config{
		Host:        a.cfg.GraphDBHost,
		Port:        a.cfg.GraphDBPort,
		Username:    a.cfg.GraphDBUser,
		Password:    a.cfg.GraphDBPassword,
		Database:    a.cfg.GraphDBName,
		MaxPoolSize: a.cfg.GraphDBPoolSize,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("failed to connect to graph database: %w", err)
	}
	a.graph = client
	a.checker.Observe("graph", client.VerifyConnectivity)
	return nil
}

func (a *app) stopGraph(ctx context.Context) error {
	if a.graph == nil {
		return nil
	}
	return a.graph.Close(ctx)
}

func (a *app) startProducer(_ context.Context) error {
	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaOutputTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	return nil
}

func (a *app) stopProducer(_ context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

// buildServices wires the resolution core onto the started infrastructure
func (a *app) buildServices(_ context.Context) error {
	st := postgres.New(a.db, a.logger, func() []models.IdentifierType {
		return a.params.Current().UniqueIdentifiers
	})

	var locker guard.Locker
	if a.rdb != nil {
		locker = guard.NewRedisLocker(a.rdb, a.logger, a.cfg.RedisKeyPrefix)
	} else {
		locker = guard.NewPostgresLocker(a.lockDB, a.logger)
	}
	g := guard.New(a.logger, locker, a.params)

	var publisher events.Publisher
	if a.producer != nil {
		publisher = a.producer
	}
	emitter := events.NewEmitter(publisher, a.logger)

	var mirror resolver.Mirror
	var queries *graph.QueryService
	if a.graph != nil {
		mirror = graph.NewMirror(a.graph, a.logger)
		queries = graph.NewQueryService(a.graph, a.logger)
	}

	bl := blacklist.NewService(a.logger, st, a.params)
	a.executor = merging.NewExecutor(a.logger, st, g, a.params, emitter, mirror)
	a.resolver = resolver.New(a.logger, st, g, a.params, decision.NewEngine(a.logger, bl), a.executor, emitter, mirror)
	a.refresher = refresh.New(a.logger, st, a.params, a.resolver, a.executor)
	a.detector = blacklist.NewDetector(a.logger, st, bl, a.params)

	container, err := routes.NewContainer(a.cfg.AppName, routes.Dependencies{
		Logger:     a.logger,
		Store:      st,
		Resolver:   a.resolver,
		Executor:   a.executor,
		Blacklist:  bl,
		Params:     a.params,
		ParamsFile: a.cfg.ParamsPath,
		Refresher:  a.refresher,
		Detector:   a.detector,
		Graph:      queries,
	})
	if err != nil {
		return fmt.Errorf("build dependency container: %w", err)
	}

	a.server = routes.NewServer(routes.ServerConfig{
		ServiceName:  a.cfg.AppName,
		ContainerID:  container.GetContainerID(),
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}, a.logger, a.checker)
	return nil
}

func (a *app) startHTTP(_ context.Context) error {
	a.server.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	a.server.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	a.server.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	a.server.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	a.server.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	go func() {
		if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *app) startConsumer(ctx context.Context) error {
	handler := kafka.NewRecordHandler(a.logger, a.resolver, kafka.RecordHandlerConfig{
		MaxRetries: a.cfg.KafkaHandlerMaxRetries,
		Backoff:    a.cfg.KafkaHandlerBackoff,
	})
	a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.KafkaBrokers,
		Topic:         a.cfg.KafkaInputTopic,
		ConsumerGroup: a.cfg.KafkaConsumerGroup,
	}, a.logger, handler)
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}
	a.checker.Observe("kafka_consumer", a.consumer.Health)
	return nil
}

func (a *app) stopConsumer(_ context.Context) error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Stop()
}

// schedule runs job every interval until ctx is done. A zero interval
// disables the schedule.
func (a *app) schedule(ctx context.Context, name string, interval time.Duration, job func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	log := a.logger.WithContext(ctx).WithFields(map[string]any{
		"job":      name,
		"interval": interval.String(),
	})
	log.Info("Scheduled batch job")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Batch job failed")
			}
		}
	}
}

func (a *app) runRefresh(ctx context.Context) error {
	stats, err := a.refresher.Run(ctx, refresh.Options{
		ChunkSize:   a.cfg.RefreshChunkSize,
		Concurrency: a.cfg.RefreshConcurrency,
		DryRun:      a.cfg.BatchJobsDryRun,
	})
	if err != nil {
		return err
	}
	a.logger.WithContext(ctx).WithField("stats", stats).Info("Candidate refresh finished")
	return nil
}

func (a *app) runDetect(ctx context.Context) error {
	stats, err := a.detector.Run(ctx, blacklist.DetectOptions{
		ChunkSize:   a.cfg.DetectChunkSize,
		Concurrency: a.cfg.DetectConcurrency,
		DryRun:      a.cfg.BatchJobsDryRun,
	})
	if err != nil {
		return err
	}
	a.logger.WithContext(ctx).WithField("stats", stats).Info("Blacklist detection finished")
	return nil
}
