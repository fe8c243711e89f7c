package db

import (
    "context"
    "database/sql"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// ReputationRepo owns ip_reputation and prefix_reputation, both hotspot
// tables whose counters must be read and incremented inside a single
// transaction so trust_score is never observed inconsistent with its
// counters (spec invariant: verified + failed <= total).
type ReputationRepo struct {
    db *DB
}

func NewReputationRepo(db *DB) *ReputationRepo {
    return &ReputationRepo{db: db}
}

func (r *ReputationRepo) GetIPReputation(ctx context.Context, subnet string) (*models.IpReputation, error) {
    var rep models.IpReputation
    err := r.db.QueryRowContext(ctx, `
        SELECT ip_subnet, total, verified, failed, banned, ban_reason, updated_at
        FROM ip_reputation WHERE ip_subnet = ?
    `, subnet).Scan(&rep.IPSubnet, &rep.Total, &rep.Verified, &rep.Failed, &rep.Banned, &rep.BanReason, &rep.UpdatedAt)
    if err == sql.ErrNoRows {
        return &models.IpReputation{IPSubnet: subnet}, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query ip_reputation")
    }
    return &rep, nil
}

// TouchTotal increments the subnet's total counter, creating the row if
// absent. Called unconditionally by the fraud engine for every request.
func (r *ReputationRepo) TouchTotal(ctx context.Context, subnet string, now int64) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO ip_reputation (ip_subnet, total, verified, failed, banned, updated_at)
        VALUES (?, 1, 0, 0, 0, ?)
        ON DUPLICATE KEY UPDATE total = total + 1, updated_at = VALUES(updated_at)
    `, subnet, now)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to touch ip_reputation total")
    }
    return nil
}

// RecordOutcome increments verified or failed for subnet inside a
// transaction, preserving verified + failed <= total.
func (r *ReputationRepo) RecordOutcome(ctx context.Context, subnet string, verified bool, now int64) error {
    column := "failed"
    if verified {
        column = "verified"
    }
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        _, err := tx.ExecContext(ctx, `
            INSERT INTO ip_reputation (ip_subnet, total, verified, failed, banned, updated_at)
            VALUES (?, 1, 0, 0, 0, ?)
            ON DUPLICATE KEY UPDATE `+column+` = `+column+` + 1, updated_at = VALUES(updated_at)
        `, subnet, now)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to record ip_reputation outcome")
        }
        return nil
    })
}

func (r *ReputationRepo) BanSubnet(ctx context.Context, subnet, reason string, now int64) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO ip_reputation (ip_subnet, total, verified, failed, banned, ban_reason, updated_at)
        VALUES (?, 0, 0, 0, 1, ?, ?)
        ON DUPLICATE KEY UPDATE banned = 1, ban_reason = VALUES(ban_reason), updated_at = VALUES(updated_at)
    `, subnet, reason, now)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to ban ip subnet")
    }
    return nil
}

func (r *ReputationRepo) GetPrefixReputation(ctx context.Context, prefix string) (*models.PrefixReputation, error) {
    var rep models.PrefixReputation
    err := r.db.QueryRowContext(ctx, `
        SELECT prefix, total, verified, failed, updated_at
        FROM prefix_reputation WHERE prefix = ?
    `, prefix).Scan(&rep.Prefix, &rep.Total, &rep.Verified, &rep.Failed, &rep.UpdatedAt)
    if err == sql.ErrNoRows {
        return &models.PrefixReputation{Prefix: prefix}, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query prefix_reputation")
    }
    return &rep, nil
}

func (r *ReputationRepo) RecordPrefixOutcome(ctx context.Context, prefix string, verified bool, now int64) error {
    column := "failed"
    if verified {
        column = "verified"
    }
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        _, err := tx.ExecContext(ctx, `
            INSERT INTO prefix_reputation (prefix, total, verified, failed, updated_at)
            VALUES (?, 1, 0, 0, ?)
            ON DUPLICATE KEY UPDATE total = total + 1, `+column+` = `+column+` + 1, updated_at = VALUES(updated_at)
        `, prefix, now)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to record prefix_reputation outcome")
        }
        return nil
    })
}

// GetCircuitBreaker returns the breaker row for key, or a fresh closed
// breaker if none exists yet.
func (r *ReputationRepo) GetCircuitBreaker(ctx context.Context, key string, now int64) (*models.CircuitBreaker, error) {
    var cb models.CircuitBreaker
    var openedAt, halfOpenAt sql.NullInt64
    err := r.db.QueryRowContext(ctx, `
        SELECT `+"`key`"+`, state, failures, successes, opened_at, half_open_at, window_started_at, updated_at
        FROM circuit_breaker WHERE `+"`key`"+` = ?
    `, key).Scan(&cb.Key, &cb.State, &cb.Failures, &cb.Successes, &openedAt, &halfOpenAt, &cb.WindowStartedAt, &cb.UpdatedAt)
    if err == sql.ErrNoRows {
        return &models.CircuitBreaker{Key: key, State: models.BreakerClosed, WindowStartedAt: now, UpdatedAt: now}, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query circuit_breaker")
    }
    cb.OpenedAt = openedAt.Int64
    cb.HalfOpenAt = halfOpenAt.Int64
    return &cb, nil
}

func (r *ReputationRepo) UpsertCircuitBreaker(ctx context.Context, cb *models.CircuitBreaker) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO circuit_breaker (`+"`key`"+`, state, failures, successes, opened_at, half_open_at, window_started_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            state = VALUES(state), failures = VALUES(failures), successes = VALUES(successes),
            opened_at = VALUES(opened_at), half_open_at = VALUES(half_open_at),
            window_started_at = VALUES(window_started_at), updated_at = VALUES(updated_at)
    `, cb.Key, cb.State, cb.Failures, cb.Successes, nullableInt64(cb.OpenedAt), nullableInt64(cb.HalfOpenAt), cb.WindowStartedAt, cb.UpdatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to upsert circuit_breaker")
    }
    return nil
}

func nullableInt64(v int64) interface{} {
    if v == 0 {
        return nil
    }
    return v
}
