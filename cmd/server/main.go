package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	charityapp "github.com/erp/charityfund/internal/application/charity"
	eventapp "github.com/erp/charityfund/internal/application/event"
	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/cache"
	"github.com/erp/charityfund/internal/infrastructure/config"
	"github.com/erp/charityfund/internal/infrastructure/conversion"
	"github.com/erp/charityfund/internal/infrastructure/event"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/erp/charityfund/internal/infrastructure/persistence"
	"github.com/erp/charityfund/internal/infrastructure/s4"
	"github.com/erp/charityfund/internal/infrastructure/telemetry"
	"github.com/erp/charityfund/internal/interfaces/http/handler"
	"github.com/erp/charityfund/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap logger, replaced once the logs bridge is up
	logCfg := &logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	bootLog, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	// Initialize OpenTelemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize logger provider", zap.Error(err))
	}

	log, err := logger.New(logCfg,
		telemetry.NewZapOTELCore(cfg.Telemetry.ServiceName, loggerProvider, logger.ParseLevel(cfg.Log.Level)))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = loggerProvider.Shutdown(shutdownCtx)
		_ = meterProvider.Shutdown(shutdownCtx)
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	log.Info("Starting charity fund service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("event_source", cfg.App.EventSource),
		zap.Int("quota_limit", cfg.Quota.Limit),
		zap.String("transport", cfg.Event.Transport),
	)

	// Database with zap-backed GORM logger
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:  cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		DBSystem: "postgresql",
	}, log); err != nil {
		log.Warn("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected successfully")

	// Redis backs the stream broker and the idempotency store
	var redisClient *redis.Client
	if cfg.Event.Transport == "redis" || cfg.Event.IdempotencyEnabled {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			if cfg.Event.Transport == "redis" {
				log.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			log.Warn("Redis unavailable", zap.Error(err))
		}
		defer func() {
			_ = redisClient.Close()
		}()
	}

	var broker event.Broker
	switch cfg.Event.Transport {
	case "memory":
		broker = event.NewMemoryBroker(event.MemoryBrokerConfig{
			Concurrency:     cfg.Event.ConsumerConcurrency,
			MaxDeliveries:   cfg.Event.MaxDeliveries,
			RedeliveryDelay: event.DefaultMemoryBrokerConfig().RedeliveryDelay,
		}, log)
	default:
		broker = event.NewRedisStreamBroker(redisClient, event.RedisStreamConfig{
			Group:         cfg.Event.ConsumerGroup,
			Consumer:      cfg.Event.ConsumerName,
			Concurrency:   cfg.Event.ConsumerConcurrency,
			ReadBlock:     cfg.Event.ReadBlock,
			ClaimMinIdle:  cfg.Event.ClaimMinIdle,
			MaxDeliveries: cfg.Event.MaxDeliveries,
			MaxLen:        cfg.Event.StreamMaxLen,
		}, log)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Error("Error closing broker", zap.Error(err))
		}
	}()

	metrics, err := telemetry.NewPipelineMetrics(meterProvider.Meter("charityfund"))
	if err != nil {
		log.Warn("Failed to create pipeline metrics", zap.Error(err))
	}

	// Outbound services
	fetcher, err := s4.NewClient(&s4.Config{
		BaseURL:  cfg.S4.BaseURL,
		Username: cfg.S4.Username,
		Password: cfg.S4.Password,
		APIKey:   cfg.S4.APIKey,
		Timeout:  cfg.S4.Timeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to create order detail client", zap.Error(err))
	}
	converter, err := conversion.NewClient(&conversion.Config{
		BaseURL: cfg.Conversion.BaseURL,
		Timeout: cfg.Conversion.Timeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to create conversion client", zap.Error(err))
	}

	// Quota gate and transactional outbox
	outboxRepo := event.NewGormOutboxRepository(db.DB)
	egressConfig := event.DefaultOutboxEgressConfig()
	egressConfig.MaxRetries = cfg.Event.MaxRetries
	txManager := persistence.NewGormTxManager(db.DB)
	egress := event.NewOutboxEgress(outboxRepo, txManager, egressConfig, log)
	gate := persistence.NewGormQuotaGate(db.DB, cfg.Quota.Limit)

	pipeline := charityapp.NewPipeline(fetcher, gate, converter, egress, txManager, charityapp.Config{
		Source:          cfg.App.EventSource,
		Topic:           cfg.Event.OutboundTopic,
		FetchTimeout:    cfg.Pipeline.FetchTimeout,
		QuotaTimeout:    cfg.Pipeline.QuotaTimeout,
		ConvertTimeout:  cfg.Pipeline.ConvertTimeout,
		PublishTimeout:  cfg.Pipeline.PublishTimeout,
		PublishAttempts: cfg.Pipeline.PublishAttempts,
		PublishBackoff:  cfg.Pipeline.PublishBackoff,
	}, log, charityapp.WithMetrics(metrics))

	var pipelineHandler shared.EventHandler = pipeline
	if cfg.Event.IdempotencyEnabled {
		factory := cache.NewIdempotencyStoreFactory(redisClientOrNil(redisClient),
			cache.WithLogger(log),
			cache.WithKeyPrefix("charityfund:processed:"),
		)
		store, err := factory.CreateStore(ctx)
		if err != nil {
			log.Fatal("Failed to create idempotency store", zap.Error(err))
		}
		defer func() {
			_ = store.Close()
		}()
		pipelineHandler = event.NewIdempotentHandler(pipeline, store, log,
			event.WithIdempotencyConfig(shared.IdempotencyConfig{
				TTL:     cfg.Event.IdempotencyTTL,
				Enabled: true,
			}),
		)
	}

	eventBus := event.NewInMemoryEventBus(log)
	eventBus.Subscribe(pipelineHandler)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Error stopping event bus", zap.Error(err))
		}
	}()
	log.Info("Event handlers registered", zap.Strings("event_types", pipelineHandler.EventTypes()))

	// Outbox relay
	if cfg.Event.ProcessorEnabled {
		processorConfig := event.DefaultOutboxProcessorConfig()
		processorConfig.BatchSize = cfg.Event.BatchSize
		processorConfig.PollInterval = cfg.Event.PollInterval
		processorConfig.CleanupEnabled = cfg.Event.CleanupEnabled
		processorConfig.CleanupRetention = cfg.Event.CleanupRetention
		outboxProcessor := event.NewOutboxProcessor(outboxRepo, broker, processorConfig, log, event.WithRelayMetrics(metrics))
		if err := outboxProcessor.Start(ctx); err != nil {
			log.Fatal("Failed to start outbox processor", zap.Error(err))
		}
		defer func() {
			if err := outboxProcessor.Stop(context.Background()); err != nil {
				log.Error("Error stopping outbox processor", zap.Error(err))
			}
		}()
		log.Info("Outbox processor started",
			zap.Int("batch_size", processorConfig.BatchSize),
			zap.Duration("poll_interval", processorConfig.PollInterval),
		)
	}

	// Inbound consumer
	dispatcher := event.NewDispatcher(eventBus, func(id string, body []byte, at time.Time) shared.DomainEvent {
		return charity.NewSalesOrderCreated(id, body, at)
	}, log)

	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		if err := broker.Consume(ctx, cfg.Event.InboundTopic, dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Consumer stopped", zap.Error(err))
			stop()
		}
	}()
	log.Info("Consuming sales order events",
		zap.String("topic", cfg.Event.InboundTopic),
		zap.Int("concurrency", cfg.Event.ConsumerConcurrency),
	)

	// Ops HTTP server
	var srv *http.Server
	if cfg.HTTP.Enabled {
		mode := gin.DebugMode
		if cfg.App.Env == "production" {
			mode = gin.ReleaseMode
		}
		engine := router.New(router.Config{
			Mode:        mode,
			ServiceName: cfg.Telemetry.ServiceName,
			Tracing:     cfg.Telemetry.Enabled,
		}, log,
			handler.NewHealthHandler(cfg.App.Name, telemetry.ServiceVersion, map[string]handler.CheckFunc{
				"database": db.Ping,
				"broker":   broker.Ping,
			}),
			handler.NewOutboxHandler(eventapp.NewOutboxService(outboxRepo, log)),
		)

		srv = &http.Server{
			Addr:           ":" + cfg.HTTP.Port,
			Handler:        engine,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			IdleTimeout:    cfg.HTTP.IdleTimeout,
			MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
		}
		go func() {
			log.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server forced to shutdown", zap.Error(err))
		}
		cancel()
	}
	consumers.Wait()

	log.Info("Server exited")
}

// redisClientOrNil keeps a nil *redis.Client from becoming a non-nil
// interface value
func redisClientOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}
