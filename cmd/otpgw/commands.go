package main

import (
    "context"
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

// initializeForCLI loads config and opens the database connection only,
// skipping the bus/dispatcher/http wiring a running server needs.
func initializeForCLI(ctx context.Context) error {
    loaded, err := config.Load(configFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }
    cfg = loaded

    if err := logger.Init(logger.Config{Level: "warn", Format: "text"}); err != nil {
        return fmt.Errorf("failed to initialize logger: %w", err)
    }

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
    return nil
}

func createRouteCommands() *cobra.Command {
    routeCmd := &cobra.Command{
        Use:   "route",
        Short: "Manage caller-id routes",
    }
    routeCmd.AddCommand(createRouteAddCommand(), createRouteListCommand(), createRouteDeleteCommand())
    return routeCmd
}

func createRouteAddCommand() *cobra.Command {
    var description string
    cmd := &cobra.Command{
        Use:   "add <channel> <prefix> <caller-id>",
        Short: "Add a caller-id route (prefix '*' is the wildcard fallback)",
        Args:  cobra.ExactArgs(3),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            routes := db.NewRouteRepo(database)
            route := &models.CallerIdRoute{
                Channel:     models.Channel(args[0]),
                Prefix:      args[1],
                CallerID:    args[2],
                Description: description,
                Enabled:     true,
                CreatedAt:   models.NowMillis(),
                UpdatedAt:   models.NowMillis(),
            }
            if err := routes.Create(ctx, route); err != nil {
                return fmt.Errorf("failed to create route: %w", err)
            }
            fmt.Printf("%s route added: %s %s -> %s\n", green("✓"), args[0], args[1], args[2])
            return nil
        },
    }
    cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
    return cmd
}

func createRouteListCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "list",
        Short: "List caller-id routes",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            routes := db.NewRouteRepo(database)
            all, err := routes.ListAll(ctx)
            if err != nil {
                return fmt.Errorf("failed to list routes: %w", err)
            }
            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Channel", "Prefix", "Caller ID", "Enabled", "Description"})
            for _, r := range all {
                enabled := red("no")
                if r.Enabled {
                    enabled = green("yes")
                }
                table.Append([]string{string(r.Channel), r.Prefix, r.CallerID, enabled, r.Description})
            }
            table.Render()
            return nil
        },
    }
    return cmd
}

func createRouteDeleteCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "delete <channel> <prefix>",
        Short: "Delete a caller-id route",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            routes := db.NewRouteRepo(database)
            if err := routes.Delete(ctx, models.Channel(args[0]), args[1]); err != nil {
                return fmt.Errorf("failed to delete route: %w", err)
            }
            fmt.Printf("%s route deleted: %s %s\n", green("✓"), args[0], args[1])
            return nil
        },
    }
    return cmd
}

func createWhitelistCommands() *cobra.Command {
    whitelistCmd := &cobra.Command{
        Use:   "whitelist",
        Short: "Manage fraud-engine whitelist entries",
    }
    whitelistCmd.AddCommand(createWhitelistAddCommand(), createWhitelistListCommand(), createWhitelistDeleteCommand())
    return whitelistCmd
}

func createWhitelistAddCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "add <ip|phone> <value>",
        Short: "Add a whitelist entry, bypassing fraud scoring for exact matches",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            fraudRepo := db.NewFraudRepo(database)
            entry := &models.WhitelistEntry{
                Type:      models.WhitelistType(args[0]),
                Value:     args[1],
                CreatedAt: models.NowMillis(),
            }
            if err := fraudRepo.AddWhitelistEntry(ctx, entry); err != nil {
                return fmt.Errorf("failed to add whitelist entry: %w", err)
            }
            fmt.Printf("%s whitelisted %s: %s\n", green("✓"), args[0], args[1])
            return nil
        },
    }
    return cmd
}

func createWhitelistListCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "list",
        Short: "List whitelist entries",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            fraudRepo := db.NewFraudRepo(database)
            entries, err := fraudRepo.ListWhitelistEntries(ctx)
            if err != nil {
                return fmt.Errorf("failed to list whitelist entries: %w", err)
            }
            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Type", "Value"})
            for _, e := range entries {
                table.Append([]string{string(e.Type), e.Value})
            }
            table.Render()
            return nil
        },
    }
    return cmd
}

func createWhitelistDeleteCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "delete <ip|phone> <value>",
        Short: "Delete a whitelist entry",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            fraudRepo := db.NewFraudRepo(database)
            if err := fraudRepo.DeleteWhitelistEntry(ctx, models.WhitelistType(args[0]), args[1]); err != nil {
                return fmt.Errorf("failed to delete whitelist entry: %w", err)
            }
            fmt.Printf("%s removed whitelist entry %s: %s\n", green("✓"), args[0], args[1])
            return nil
        },
    }
    return cmd
}

func createBreakerCommand() *cobra.Command {
    breakerCmd := &cobra.Command{
        Use:   "breaker",
        Short: "Inspect and reset circuit breakers",
    }
    breakerCmd.AddCommand(createBreakerListCommand(), createBreakerResetCommand())
    return breakerCmd
}

func createBreakerListCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "list",
        Short: "List circuit breaker state",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            cols, rows, err := database.ListPage(ctx, "circuit_breaker", "updated_at", "DESC", 100, 0)
            if err != nil {
                return fmt.Errorf("failed to list circuit breakers: %w", err)
            }
            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader(cols)
            for _, row := range rows {
                cells := make([]string, len(row))
                for i, v := range row {
                    cells[i] = fmt.Sprintf("%v", v)
                }
                table.Append(cells)
            }
            table.Render()
            return nil
        },
    }
    return cmd
}

func createBreakerResetCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "reset <key>",
        Short: "Force a circuit breaker back to the closed state",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            reputation := db.NewReputationRepo(database)
            now := models.NowMillis()
            cb := &models.CircuitBreaker{
                Key:             args[0],
                State:           models.BreakerClosed,
                Failures:        0,
                Successes:       0,
                WindowStartedAt: now,
                UpdatedAt:       now,
            }
            if err := reputation.UpsertCircuitBreaker(ctx, cb); err != nil {
                return fmt.Errorf("failed to reset breaker: %w", err)
            }
            fmt.Printf("%s breaker %s reset to closed\n", green("✓"), args[0])
            return nil
        },
    }
    return cmd
}

func createStatsCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "stats",
        Short: "Show admission and delivery counters",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            var total, shadowBanned, delivered, failed int64
            row := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM otp_requests")
            if err := row.Scan(&total); err != nil {
                return fmt.Errorf("failed to count otp_requests: %w", err)
            }
            _ = database.QueryRowContext(ctx, "SELECT COUNT(*) FROM otp_requests WHERE shadow_banned = 1").Scan(&shadowBanned)
            _ = database.QueryRowContext(ctx, "SELECT COUNT(*) FROM otp_requests WHERE delivery_status = 'delivered'").Scan(&delivered)
            _ = database.QueryRowContext(ctx, "SELECT COUNT(*) FROM otp_requests WHERE delivery_status = 'failed'").Scan(&failed)

            fmt.Printf("\n%s\n", bold("OTP Gateway Statistics"))
            fmt.Printf("Total requests:   %s\n", yellow(fmt.Sprintf("%d", total)))
            fmt.Printf("Shadow banned:    %s\n", yellow(fmt.Sprintf("%d", shadowBanned)))
            fmt.Printf("Delivered:        %s\n", green(fmt.Sprintf("%d", delivered)))
            fmt.Printf("Failed:           %s\n", red(fmt.Sprintf("%d", failed)))
            return nil
        },
    }
    return cmd
}
