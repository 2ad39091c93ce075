package main

import (
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

	"github.com/liamcoop/gamification/dispatch"
	"github.com/liamcoop/gamification/eligibility"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/feed"
	"github.com/liamcoop/gamification/internal/config"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/notify"
	"github.com/liamcoop/gamification/reward"
	"github.com/liamcoop/gamification/rules"
	"github.com/liamcoop/gamification/schema"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app holds everything main builds, plus the closers to run on shutdown
type app struct {
	server  *Server
	engine  *engine.Engine
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	catalog, err := loadCatalog(cfg.SchemaFile)
	if err != nil {
		return a, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return a, err
	}

	// Rules and the execution log
	var (
		store rules.RuleStore
		log   executionlog.Log
		ready func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return a, fmt.Errorf("failed to open database: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return a, fmt.Errorf("failed to ping database: %w", err)
		}

		pool, err := executionlog.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, pool.Close)

		pgLog := executionlog.NewPostgresLog(pool)
		store = rules.NewPostgresRuleStore(db)
		log = pgLog
		ready = func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				logger.WarnStoreUnavailable("rule store unreachable", "error", err)
				return fmt.Errorf("rule store: %w", err)
			}
			if err := pgLog.Ready(ctx); err != nil {
				logger.WarnStoreUnavailable("execution log unreachable", "error", err)
				return fmt.Errorf("execution log: %w", err)
			}
			return nil
		}
		logger.Info("using postgres rule store and execution log")
	} else {
		store = rules.NewInMemoryRuleStore()
		log = executionlog.NewMemoryLog()
		logger.Warn("DATABASE_URL not set, rules and execution log are in memory")
	}

	registry := rules.NewRegistry(store, rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.RuleCacheTTL}), catalog)

	// Reward and notification collaborators
	var (
		points dispatch.PointsLedger = reward.NewMemoryLedger()
		badges dispatch.BadgeAwarder = reward.NewMemoryBadges()
	)
	if cfg.RedisAddr != "" {
		redisCfg := reward.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		client, err := reward.Connect(redisCfg)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		points = reward.NewRedisLedger(client, redisCfg)
		badges = reward.NewRedisBadges(client, redisCfg)
		logger.Info("using redis reward ledger", "addr", cfg.RedisAddr)
	}

	var notifier dispatch.Notifier = notify.LogNotifier{}
	if cfg.NATSURL != "" {
		conn, err := notify.Connect(cfg.NATSURL, "gamification-engine")
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, func() { conn.Drain() })
		notifier = notify.NewNATSNotifier(conn, cfg.NATSSubject)
		logger.Info("publishing notifications to nats", "subject", cfg.NATSSubject)
	}

	// Engine
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(logger.Collectors()...)

	dispatcher := dispatch.New(points, badges, notifier, dispatch.Config{ActionTimeout: cfg.ActionTimeout})
	a.engine = engine.New(registry, eligibility.NewGate(log, loc), dispatcher, engine.Config{
		Concurrency: cfg.EngineConcurrency,
		Metrics:     engine.NewMetrics(reg),
	})

	a.server = NewServer(Options{
		Registry: registry,
		Catalog:  catalog,
		Engine:   a.engine,
		Log:      log,
		Location: loc,
		Ready:    ready,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return a, nil
}

func loadCatalog(path string) (*schema.Catalog, error) {
	if path == "" {
		return schema.DefaultCatalog()
	}
	catalog, err := schema.LoadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded source entity catalog", "path", path, "sources", len(catalog.List()))
	return catalog, nil
}

// startFeeds runs the configured broker consumers until ctx is cancelled
func startFeeds(ctx context.Context, cfg *config.Config, proc feed.Processor, wg *sync.WaitGroup) error {
	if len(cfg.KafkaBrokers) > 0 {
		reader := feed.NewKafkaReader(feed.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		})
		retry := feed.DefaultRetryConfig()
		retry.MaxElapsedTime = 0
		consumer := feed.NewKafkaConsumer(reader, proc, retry)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	}

	if cfg.SQSQueueURL != "" {
		sqsCfg := feed.SQSConfig{QueueURL: cfg.SQSQueueURL, Region: cfg.SQSRegion, Endpoint: cfg.SQSEndpoint}
		client, err := feed.NewSQSClient(ctx, sqsCfg)
		if err != nil {
			return err
		}
		consumer := feed.NewSQSConsumer(client, sqsCfg, proc, feed.DefaultRetryConfig())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("sqs consumer stopped", "error", err)
			}
		}()
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Configure(ctx, logger.Options{
		Level:       cfg.LogLevel,
		SampleRate:  cfg.LogSampleRate,
		OTEL:        cfg.OTELEnabled,
		ServiceName: cfg.ServiceName,
	}); err != nil {
		logger.Error("logger configuration failed, using JSON output", "error", err)
	}

	a, err := build(ctx, cfg)
	if err != nil {
		a.close()
		logger.Fatal("failed to start", "error", err)
	}
	defer a.close()

	var feeds sync.WaitGroup
	if err := startFeeds(ctx, cfg, a.engine, &feeds); err != nil {
		a.close()
		logger.Fatal("failed to start feeds", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	feeds.Wait()
	_ = logger.Shutdown(shutdownCtx)

	logger.Info("server stopped")
}
