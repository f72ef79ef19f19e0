package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/linkedge/config"
	appcache "github.com/sifan077/linkedge/internal/app/cache"
	appmodel "github.com/sifan077/linkedge/internal/app/model"
	apprepository "github.com/sifan077/linkedge/internal/app/repository"
	appserver "github.com/sifan077/linkedge/internal/app/server"
	appservice "github.com/sifan077/linkedge/internal/app/service"
	"github.com/sifan077/linkedge/internal/app/signature"
	inthttp "github.com/sifan077/linkedge/internal/http/handler"
	httpUtil "github.com/sifan077/linkedge/internal/http/util"
	infraKafka "github.com/sifan077/linkedge/internal/infra/kafka"
	"github.com/sifan077/linkedge/internal/infra/logger"
	infraNATS "github.com/sifan077/linkedge/internal/infra/nats"
	infraPostgres "github.com/sifan077/linkedge/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/linkedge/internal/infra/prometheus"
	infraRedis "github.com/sifan077/linkedge/internal/infra/redis"
	"github.com/sifan077/linkedge/internal/infra/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const processClickPath = "/queue/process-click"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap logger until the config is read.
	log := logger.MustInit(logger.Config{
		Development: os.Getenv("APP_ENV") != "production",
		Level:       os.Getenv("LOG_LEVEL"),
	})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log, err = logger.Init(logger.FromConfig(cfg.Log, cfg.Tracing.ServiceName))
	if err != nil {
		log = logger.L()
		log.Fatal("Failed to build logger", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("base_url", cfg.App.BaseURL),
		zap.String("restriction_base_url", cfg.App.RestrictionBaseURL),
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.Int("postgres_port", cfg.Postgres.Port),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Int("redis_port", cfg.Redis.Port),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Bool("dispatcher_enabled", cfg.Queue.DispatcherEnabled),
	)

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatal("Failed to initialise tracing", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Link{}, &appmodel.ClickEvent{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Connected to Postgres successfully")

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis successfully")

	local, err := appcache.NewLocalCache(cfg.Cache.LocalMaxItems, cfg.Cache.LocalTTL)
	if err != nil {
		log.Fatal("Failed to build local redirect cache", zap.Error(err))
	}
	defer local.Close()
	redirectCache := appcache.NewRedisRedirectCache(redisClient, local, cfg.Cache.KeyPrefix)

	readiness := []inthttp.ReadinessCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}

	signer := signature.NewSigner(cfg.Queue.CurrentSigningKey)
	deliverURL := cfg.Queue.DeliverURL
	if deliverURL == "" {
		deliverURL = strings.TrimRight(cfg.App.BaseURL, "/") + processClickPath
	}
	deliverer := appservice.NewClickDeliverer(appservice.ClickDelivererDeps{
		URL:     deliverURL,
		Signer:  signer,
		Timeout: cfg.Queue.DeliverTimeout,
		Logger:  log.Named("deliverer"),
	})

	var (
		publisher  appservice.ClickPublisher
		dispatcher interface{ Run(context.Context) error }
	)

	switch cfg.Queue.Driver {
	case "kafka":
		if err := infraKafka.EnsureTopic(ctx, cfg.Kafka); err != nil {
			log.Fatal("Failed to ensure Kafka topic", zap.Error(err))
		}
		writer := infraKafka.NewWriter(cfg.Kafka)
		defer writer.Close()
		publisher = appservice.NewKafkaClickPublisher(writer)

		if cfg.Queue.DispatcherEnabled {
			kd := appservice.NewKafkaClickDispatcher(appservice.KafkaDispatcherDeps{
				Reader:     infraKafka.NewReader(cfg.Kafka),
				Deliverer:  deliverer,
				Logger:     log.Named("dispatcher"),
				RetryDelay: cfg.Queue.RetryDelay,
			})
			defer kd.Close()
			dispatcher = kd
		}
		log.Info("Click queue ready", zap.Strings("kafka_brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	default:
		natsConn, js, err := infraNATS.Connect(cfg.NATS)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		if err := infraNATS.EnsureClickStream(js); err != nil {
			log.Fatal("Failed to ensure click stream", zap.Error(err))
		}
		publisher = appservice.NewNATSClickPublisher(js)
		readiness = append(readiness, inthttp.ReadinessCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if status := natsConn.Status(); status != nats.CONNECTED {
					return fmt.Errorf("nats status %s", status)
				}
				return nil
			},
		})

		if cfg.Queue.DispatcherEnabled {
			dispatcher = appservice.NewNATSClickDispatcher(appservice.NATSDispatcherDeps{
				JS:         js,
				Deliverer:  deliverer,
				Logger:     log.Named("dispatcher"),
				RetryDelay: cfg.Queue.RetryDelay,
			})
		}
		log.Info("Connected to NATS successfully", zap.String("stream", appmodel.ClickStreamName))
	}

	emitter := appservice.NewClickEmitter(appservice.ClickEmitterDeps{
		Publisher: publisher,
		Logger:    log.Named("emitter"),
		Timeout:   cfg.Queue.PublishTimeout,
		IPSalt:    cfg.Resolver.IPHashSalt,
	})

	resolver := appservice.NewResolver(appservice.ResolverDeps{
		Cache:              redirectCache,
		Emitter:            emitter,
		Logger:             log.Named("resolver"),
		BaseURL:            cfg.App.BaseURL,
		RestrictionBaseURL: cfg.App.RestrictionBaseURL,
		CacheTimeout:       cfg.Resolver.CacheTimeout,
	})

	linkRepo := apprepository.NewLinkRepository(gormDB)
	linkService := appservice.NewLinkService(appservice.LinkServiceDeps{
		Repo:         linkRepo,
		Cache:        redirectCache,
		Logger:       log.Named("links"),
		WriteTimeout: cfg.Cache.WriteTimeout,
	})

	syncService := appservice.NewSyncService(appservice.SyncServiceDeps{
		Repo:         linkRepo,
		Cache:        redirectCache,
		Logger:       log.Named("sync"),
		BatchSize:    cfg.Sync.BatchSize,
		Concurrency:  cfg.Sync.Concurrency,
		WriteTimeout: cfg.Cache.WriteTimeout,
	})

	consumer := appservice.NewClickConsumer(appservice.ClickConsumerDeps{
		Events:   apprepository.NewClickEventRepository(gormDB),
		Counters: apprepository.NewClickCounterRepository(pool),
		Seen:     appcache.NewSeenFilter(0, 0),
		Logger:   log.Named("consumer"),
	})

	scheduler := appservice.NewScheduler(log.Named("scheduler"),
		appservice.Job{
			Name:       "full-sync",
			Interval:   cfg.Sync.Interval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := syncService.FullSync(ctx, appservice.SyncAll)
				return err
			},
		},
		appservice.Job{
			Name:     "guest-sweep",
			Interval: cfg.Sync.GuestSweepInterval,
			Run: func(ctx context.Context) error {
				_, err := syncService.SweepExpiredGuests(ctx)
				return err
			},
		},
	)

	server := appserver.New(appserver.Dependencies{
		Logger:    log,
		Config:    cfg,
		Redis:     redisClient,
		Resolver:  resolver,
		Links:     linkService,
		Sync:      syncService,
		Consumer:  consumer,
		Verifier:  signature.NewVerifier(cfg.Queue.CurrentSigningKey, cfg.Queue.NextSigningKey, deliverURL),
		Tokens:    httpUtil.NewTokenSigner([]byte(cfg.App.TokenSecret), 0),
		Readiness: readiness,
		CORSOrigins: []string{
			strings.TrimRight(cfg.App.BaseURL, "/"),
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Prometheus.Enabled {
		promServer := infraPrometheus.NewServer(cfg.Prometheus)
		g.Go(func() error {
			log.Info("Starting Prometheus metrics server", zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return promServer.Close()
		})
	} else {
		log.Info("Prometheus metrics server disabled")
	}

	if dispatcher != nil {
		g.Go(func() error {
			log.Info("Starting click dispatcher", zap.String("deliver_url", deliverURL))
			return dispatcher.Run(gctx)
		})
	}

	scheduler.Start()

	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("addr", cfg.Server.Addr))
		return server.Listen(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Server exited with error", zap.Error(err))
	}

	scheduler.Stop()
	emitter.Wait()
	log.Info("Shutdown complete")
}
