package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tripforge/booking-core/internal/client"
	"github.com/tripforge/booking-core/internal/engine"
	"github.com/tripforge/booking-core/internal/eventbus"
	"github.com/tripforge/booking-core/internal/handler"
	"github.com/tripforge/booking-core/internal/plan"
	"github.com/tripforge/booking-core/internal/service"
	"github.com/tripforge/booking-core/internal/store"
	"github.com/tripforge/booking-core/pkg/config"
	"github.com/tripforge/booking-core/pkg/database"
	"github.com/tripforge/booking-core/pkg/kafka"
	"github.com/tripforge/booking-core/pkg/logger"
	"github.com/tripforge/booking-core/pkg/redis"
	"github.com/tripforge/booking-core/pkg/retry"
	"github.com/tripforge/booking-core/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.Init(&logger.Config{
		Level:       logLevel(cfg),
		Environment: cfg.App.Environment,
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// telemetry
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// postgres
	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	bookingStore := store.NewPostgresStore(db.Pool())
	if err := bookingStore.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	// redis (inbound idempotency)
	redisClient, err := redis.NewClient(ctx, &redis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// kafka
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer producer.Close()

	// outbox drainer
	sink := eventbus.NewKafkaEventSink(producer)
	drainer := eventbus.NewDrainer(bookingStore, sink, log, cfg.Engine.OutboxInterval)

	// downstream service client
	serviceClient := client.NewHTTPServiceClient(&client.Config{
		BaseURLs: map[plan.ServiceKind]string{
			plan.ServiceFlight:       cfg.Services.FlightURL,
			plan.ServiceHotel:        cfg.Services.HotelURL,
			plan.ServiceCar:          cfg.Services.CarURL,
			plan.ServicePayment:      cfg.Services.PaymentURL,
			plan.ServiceNotification: cfg.Services.NotificationURL,
		},
		Timeout: cfg.Engine.StepTimeout,
		Retry:   retry.DefaultConfig(),
	}, log)

	// saga engine, worker pool, recovery loop
	sagaEngine := engine.New(bookingStore, serviceClient, drainer, log, &engine.Config{
		Owner:           cfg.App.Name + "-" + uuid.New().String()[:8],
		MaxStepRetries:  cfg.Engine.MaxStepRetries,
		LeaseTTL:        cfg.Engine.LeaseTTL,
		BookingDeadline: cfg.Engine.BookingDeadline,
		Backoff:         retry.DefaultConfig(),
	})
	pool := engine.NewPool(sagaEngine, cfg.Engine.Workers, log)
	recovery := engine.NewRecoveryLoop(sagaEngine, pool, log, cfg.Engine.RecoveryInterval)

	pool.Start(ctx)
	go recovery.Run(ctx)
	go drainer.Run(ctx)

	// HTTP surface
	bookingService := service.New(bookingStore, pool, serviceClient, drainer, log, &service.Config{
		BookingDeadline: cfg.Engine.BookingDeadline,
	})
	router := handler.NewRouter(&handler.RouterConfig{
		Handler: handler.NewBookingHandler(bookingService, log),
		Log:     log,
		Redis:   redisClient,
		Dependencies: map[string]handler.HealthChecker{
			"postgres": db,
			"redis":    redisClient,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.App.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", zap.Error(err))
	}

	// let in-flight sagas abandon cleanly; recovery resumes them on restart
	pool.Wait()

	if err := producer.Flush(shutdownCtx); err != nil {
		log.Warn("kafka flush failed", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

func logLevel(cfg *config.Config) string {
	if cfg.App.Debug {
		return "debug"
	}
	return "info"
}
