package main

import (
    "context"
    "fmt"
    "time"

    "github.com/sendotp/otp-gateway/internal/ami"
    "github.com/sendotp/otp-gateway/internal/bus"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/dispatch"
    "github.com/sendotp/otp-gateway/internal/fraud"
    "github.com/sendotp/otp-gateway/internal/health"
    "github.com/sendotp/otp-gateway/internal/httpapi"
    "github.com/sendotp/otp-gateway/internal/metrics"
    "github.com/sendotp/otp-gateway/internal/rating"
    "github.com/sendotp/otp-gateway/internal/statemachine"
    "github.com/sendotp/otp-gateway/internal/webhook"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// initializeServices wires every long-lived component from the loaded
// config. Grounded on the teacher's cmd/router/config.go
// initializeDatabase, generalized from the ARA/AGI stack to the OTP
// delivery pipeline.
func initializeServices(ctx context.Context) error {
    dbConfig := db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }
    if err := db.Initialize(dbConfig); err != nil {
        return fmt.Errorf("database init: %w", err)
    }
    database = db.GetDB()

    cacheConfig := db.CacheConfig{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
    }
    if err := db.InitializeCache(cacheConfig, "otpgw"); err != nil {
        logger.WithError(err).Warn("failed to initialize redis cache")
    }
    cache = db.GetCache()

    requestRepo := db.NewRequestRepo(database)
    reputationRepo := db.NewReputationRepo(database)
    fraudRepo := db.NewFraudRepo(database)
    ratingRepo := db.NewRatingRepo(database)
    webhookRepo := db.NewWebhookRepo(database)

    fraudEngine = fraud.NewEngine(cfg.Fraud, fraudRepo, reputationRepo, requestRepo, cache,
        fraud.NoopASNResolver{}, fraud.CallingCodeCountryResolver{})

    eventBus = bus.New(8, 256)

    sm = statemachine.New(requestRepo, reputationRepo)
    sm.OnAuthOutcome(func(ctx context.Context, requestID, phonePrefix, ipSubnet string, verified bool) {
        if verified {
            return
        }
        key := "phone:" + phonePrefix
        if err := fraudEngine.RecordBreakerOutcome(ctx, key, false, time.Now().UnixMilli()); err != nil {
            logger.WithError(err).Warn("failed to record breaker outcome on auth rejection")
        }
    })
    eventBus.Subscribe(sm.HandleEvent)

    dispatcher = dispatch.New(requestRepo, fraudRepo, ratingRepo, fraudEngine, eventBus,
        cfg.Fraud.CodeDigestPepper, true, cfg.Fraud.RequestTTL)

    if cfg.Carrier.Voice.Enabled && cfg.Carrier.Voice.AMIHost != "" {
        amiManager = ami.NewManager(ami.Config{
            Host:              cfg.Carrier.Voice.AMIHost,
            Port:              cfg.Carrier.Voice.AMIPort,
            Username:          cfg.Carrier.Voice.AMIUsername,
            Password:          cfg.Carrier.Voice.AMIPassword,
            Trunk:             cfg.Carrier.Voice.Trunk,
            ReconnectInterval: cfg.Carrier.Voice.ReconnectInterval,
            PingInterval:      cfg.Carrier.Voice.PingInterval,
            ActionTimeout:     cfg.Carrier.Voice.ActionTimeout,
            BufferSize:        cfg.Carrier.Voice.EventBufferSize,
        })
        connectCtx, cancel := context.WithTimeout(ctx, cfg.Carrier.Voice.ConnectTimeout)
        err := amiManager.Connect(connectCtx)
        cancel()
        if err != nil {
            logger.WithError(err).Warn("failed to connect to ami initially, voice channel unavailable until reconnect")
        }
    } else {
        logger.Warn("ami not configured, voice channel unavailable")
    }

    webhookSvc = webhook.New(cfg.Webhook, requestRepo, webhookRepo, eventBus)
    ratingSvc = rating.New(cfg.Rating, ratingRepo)

    metricsSvc = metrics.NewPrometheusMetrics()

    httpSvc = httpapi.NewServer(cfg.HTTP, dispatcher, sm, ratingRepo, eventBus)

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !database.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return database.PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return database.PingContext(ctx)
        }))
        if amiManager != nil {
            healthSvc.RegisterReadinessCheck("ami", health.CheckFunc(func(ctx context.Context) error {
                if !amiManager.IsConnected() {
                    return fmt.Errorf("ami not connected")
                }
                return nil
            }))
        }
    }

    return nil
}
