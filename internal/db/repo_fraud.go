package db

import (
    "context"
    "database/sql"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// FraudRepo owns the admission-time lookup tables: ASN blocklist, honeypot
// subnets, and the whitelist.
type FraudRepo struct {
    db *DB
}

func NewFraudRepo(db *DB) *FraudRepo {
    return &FraudRepo{db: db}
}

func (r *FraudRepo) IsASNBlocked(ctx context.Context, asn int64) (bool, error) {
    var count int
    err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM asn_blocklist WHERE asn = ?`, asn).Scan(&count)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to query asn_blocklist")
    }
    return count > 0, nil
}

func (r *FraudRepo) AddASNBlock(ctx context.Context, entry *models.AsnBlocklistEntry) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO asn_blocklist (asn, provider, category, reason, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE provider = VALUES(provider), category = VALUES(category), reason = VALUES(reason)
    `, entry.ASN, entry.Provider, entry.Category, entry.Reason, entry.CreatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert asn_blocklist entry")
    }
    return nil
}

// GetHoneypotEntry returns the honeypot row for subnet, or nil if absent
// or expired (expired entries are lazily deleted).
func (r *FraudRepo) GetHoneypotEntry(ctx context.Context, subnet string, now int64) (*models.HoneypotEntry, error) {
    var h models.HoneypotEntry
    var expiresAt sql.NullInt64
    err := r.db.QueryRowContext(ctx, `
        SELECT ip_subnet, reason, expires_at, created_at FROM honeypot_ips WHERE ip_subnet = ?
    `, subnet).Scan(&h.IPSubnet, &h.Reason, &expiresAt, &h.CreatedAt)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query honeypot_ips")
    }
    h.ExpiresAt = expiresAt.Int64
    if h.Expired(now) {
        _, _ = r.db.ExecContext(ctx, `DELETE FROM honeypot_ips WHERE ip_subnet = ?`, subnet)
        return nil, nil
    }
    return &h, nil
}

func (r *FraudRepo) AddHoneypotEntry(ctx context.Context, subnet, reason string, expiresAt, now int64) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO honeypot_ips (ip_subnet, reason, expires_at, created_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE reason = VALUES(reason), expires_at = VALUES(expires_at)
    `, subnet, reason, nullableInt64(expiresAt), now)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert honeypot_ips entry")
    }
    return nil
}

func (r *FraudRepo) IsWhitelisted(ctx context.Context, typ models.WhitelistType, value string) (bool, error) {
    var count int
    err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM fraud_whitelist WHERE type = ? AND value = ?
    `, typ, value).Scan(&count)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to query fraud_whitelist")
    }
    return count > 0, nil
}

func (r *FraudRepo) AddWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO fraud_whitelist (type, value, created_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE created_at = created_at
    `, entry.Type, entry.Value, entry.CreatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert fraud_whitelist entry")
    }
    return nil
}

func (r *FraudRepo) DeleteWhitelistEntry(ctx context.Context, typ models.WhitelistType, value string) error {
    res, err := r.db.ExecContext(ctx, `DELETE FROM fraud_whitelist WHERE type = ? AND value = ?`, typ, value)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to delete fraud_whitelist entry")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "whitelist entry not found")
    }
    return nil
}

func (r *FraudRepo) ListWhitelistEntries(ctx context.Context) ([]*models.WhitelistEntry, error) {
    rows, err := r.db.QueryContext(ctx, `SELECT id, type, value, created_at FROM fraud_whitelist ORDER BY id ASC`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list fraud_whitelist")
    }
    defer rows.Close()

    var entries []*models.WhitelistEntry
    for rows.Next() {
        var e models.WhitelistEntry
        if err := rows.Scan(&e.ID, &e.Type, &e.Value, &e.CreatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan fraud_whitelist row")
        }
        entries = append(entries, &e)
    }
    return entries, nil
}

func (r *FraudRepo) InsertFraudSaving(ctx context.Context, s *models.FraudSaving) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO fraud_savings (request_id, estimated_cost, channel, reason, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, s.RequestID, s.EstimatedCost, s.Channel, s.Reason, s.CreatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert fraud_savings")
    }
    return nil
}
