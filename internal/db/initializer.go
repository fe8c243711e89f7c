package db

import (
    "context"
    "database/sql"
    "fmt"
    "time"

    "github.com/sendotp/otp-gateway/pkg/logger"
)

// InitializeDatabase brings the schema up to date via migrations and,
// optionally, drops all existing tables first (used by the admin CLI's
// `-init-db -flush` mode for a clean local environment).
func InitializeDatabase(ctx context.Context, db *sql.DB, dropExisting bool) error {
    log := logger.WithContext(ctx)

    if dropExisting {
        log.Warn("dropping existing tables and data")
        if err := dropAllTables(ctx, db); err != nil {
            return fmt.Errorf("failed to drop existing tables: %w", err)
        }
    }

    log.Info("running database migrations")
    if err := RunDatabaseMigrations(db); err != nil {
        return fmt.Errorf("failed to run migrations: %w", err)
    }

    if err := seedInitialData(ctx, db); err != nil {
        return fmt.Errorf("failed to seed initial data: %w", err)
    }

    log.Info("database initialization completed successfully")
    return nil
}

func dropAllTables(ctx context.Context, db *sql.DB) error {
    if _, err := db.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
        return err
    }

    rows, err := db.QueryContext(ctx, `
        SELECT table_name
        FROM information_schema.tables
        WHERE table_schema = DATABASE()
    `)
    if err != nil {
        return err
    }
    defer rows.Close()

    var tables []string
    for rows.Next() {
        var tableName string
        if err := rows.Scan(&tableName); err != nil {
            continue
        }
        tables = append(tables, tableName)
    }

    for _, table := range tables {
        if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
            logger.WithContext(ctx).WithError(err).WithField("table", table).Warn("failed to drop table")
        }
    }

    if _, err := db.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
        return err
    }

    return nil
}

// seedInitialData inserts the handful of rows a fresh deployment needs to
// be immediately operable: a loopback whitelist entry (useful for local
// smoke testing) and nothing else — caller-ID routes and carrier rates are
// operator-provisioned via the admin CLI, not assumed here.
func seedInitialData(ctx context.Context, db *sql.DB) error {
    now := time.Now().UnixMilli()

    _, err := db.ExecContext(ctx, `
        INSERT IGNORE INTO fraud_whitelist (type, value, created_at)
        VALUES ('ip', '127.0.0.1', ?)
    `, now)
    if err != nil {
        return fmt.Errorf("failed to seed whitelist: %w", err)
    }

    return nil
}
