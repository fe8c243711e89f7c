package main

import (
    "context"
    "flag"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/sendotp/otp-gateway/internal/ami"
    "github.com/sendotp/otp-gateway/internal/bus"
    "github.com/sendotp/otp-gateway/internal/callerid"
    "github.com/sendotp/otp-gateway/internal/calltracker"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/dispatch"
    "github.com/sendotp/otp-gateway/internal/fraud"
    "github.com/sendotp/otp-gateway/internal/health"
    "github.com/sendotp/otp-gateway/internal/httpapi"
    "github.com/sendotp/otp-gateway/internal/metrics"
    "github.com/sendotp/otp-gateway/internal/provider"
    "github.com/sendotp/otp-gateway/internal/rating"
    "github.com/sendotp/otp-gateway/internal/statemachine"
    "github.com/sendotp/otp-gateway/internal/webhook"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

var (
    configFile string
    initDB     bool
    flushDB    bool
    serve      bool
    verbose    bool

    // Global services, shared with commands.go
    database    *db.DB
    cache       *db.Cache
    cfg         *config.Config
    eventBus    *bus.Bus
    fraudEngine *fraud.Engine
    amiManager  *ami.Manager
    dispatcher  *dispatch.Dispatcher
    sm          *statemachine.StateMachine
    webhookSvc  *webhook.Service
    ratingSvc   *rating.Service
    httpSvc     *httpapi.Server
    healthSvc   *health.HealthService
    metricsSvc  *metrics.PrometheusMetrics
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&initDB, "init-db", false, "Initialize database schema")
    flag.BoolVar(&flushDB, "flush", false, "Drop existing tables before initializing (used with -init-db)")
    flag.BoolVar(&serve, "serve", false, "Run the gateway server")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if flag.NFlag() > 0 {
        runServerMode()
        return
    }

    runCLI()
}

func runServerMode() {
    ctx := context.Background()

    loaded, err := config.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        os.Exit(1)
    }
    cfg = loaded

    logLevel := cfg.Monitoring.Logging.Level
    if verbose {
        logLevel = "debug"
    }
    logConfig := logger.Config{
        Level:  logLevel,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }
    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if err := initializeServices(ctx); err != nil {
        logger.Fatal("failed to initialize services", "error", err)
    }

    if initDB {
        logger.Info("initializing database schema")
        if flushDB {
            logger.Warn("flush mode enabled, all existing data will be deleted")
            fmt.Print("\nThis will DELETE ALL existing data. Continue? [y/N]: ")
            var response string
            fmt.Scanln(&response)
            if response != "y" && response != "Y" {
                logger.Info("database initialization cancelled")
                return
            }
        }
        if err := db.InitializeDatabase(ctx, database.DB, flushDB); err != nil {
            logger.Fatal("failed to initialize database schema", "error", err)
        }
        logger.Info("database initialization completed")
        return
    }

    if serve {
        runServer(ctx)
        return
    }

    fmt.Println("Usage:")
    fmt.Println("  otpgw -serve               # run the gateway server")
    fmt.Println("  otpgw -init-db             # initialize database schema")
    fmt.Println("  otpgw -init-db -flush      # drop and reinitialize database schema")
    fmt.Println("")
    fmt.Println("Run 'otpgw --help' for admin CLI commands")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "otpgw",
        Short: "OTP delivery gateway admin CLI",
        Long:  "Fraud-aware OTP delivery gateway: routes, whitelist, circuit breakers, and stats",
    }

    rootCmd.AddCommand(
        createRouteCommands(),
        createWhitelistCommands(),
        createBreakerCommand(),
        createStatsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "error: %v\n", err)
        os.Exit(1)
    }
}

// runServer starts every long-running component and blocks until a
// shutdown signal arrives, then tears them down in reverse dependency
// order.
func runServer(ctx context.Context) {
    logger.Info("starting otp gateway")

    eventBus.Start()
    idRouter := newCallerIDRouter(ctx)
    dispatcher.RegisterProvider(provider.NewSMSProvider(cfg.Carrier.SMS, idRouter, dispatcher))
    if amiManager != nil {
        tracker := calltracker.NewTracker()
        dispatcher.RegisterProvider(provider.NewVoiceProvider(cfg.Carrier.Voice, amiManager, idRouter, tracker, dispatcher))
    }

    webhookSvc.Start(ctx)
    if err := webhookSvc.Recover(ctx); err != nil {
        logger.WithError(err).Warn("webhook recovery sweep failed")
    }

    ratingSvc.Start(ctx)

    sweepTicker := time.NewTicker(1 * time.Minute)
    reloadTicker := time.NewTicker(30 * time.Second)
    sweepDone := make(chan struct{})
    go func() {
        for {
            select {
            case <-sweepTicker.C:
                if n, err := sm.SweepExpired(ctx); err != nil {
                    logger.WithError(err).Warn("expiry sweep failed")
                } else if n > 0 {
                    logger.WithField("count", n).Info("expired stale otp requests")
                }
            case <-reloadTicker.C:
                if err := idRouter.ReloadAll(ctx); err != nil {
                    logger.WithError(err).Warn("caller-id route reload failed")
                }
            case <-sweepDone:
                return
            }
        }
    }()

    if cfg.Monitoring.Health.Enabled {
        go func() {
            if err := healthSvc.Start(); err != nil && err != http.ErrServerClosed {
                logger.WithError(err).Error("health service failed")
            }
        }()
    }
    if cfg.Monitoring.Metrics.Enabled {
        go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    go func() {
        if err := httpSvc.Start(); err != nil {
            logger.Fatal("http api server failed", "error", err)
        }
    }()

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan
    logger.Info("shutting down otp gateway")

    sweepTicker.Stop()
    reloadTicker.Stop()
    close(sweepDone)

    if err := httpSvc.Stop(); err != nil {
        logger.WithError(err).Error("error stopping http api server")
    }
    ratingSvc.Stop()
    webhookSvc.Stop()
    eventBus.Stop()
    if amiManager != nil {
        amiManager.Close()
    }
    if healthSvc != nil {
        healthSvc.Stop()
    }

    logger.Info("shutdown complete")
}

func newCallerIDRouter(ctx context.Context) *callerid.Router {
    r := callerid.NewRouter(db.NewRouteRepo(database))
    if err := r.ReloadAll(ctx); err != nil {
        logger.WithError(err).Warn("failed to load caller-id routes at startup")
    }
    return r
}
