package db

import (
    "context"
    "database/sql"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// WebhookRepo persists webhook delivery attempts so retries survive a
// restart of the gateway process.
type WebhookRepo struct {
    db *DB
}

func NewWebhookRepo(db *DB) *WebhookRepo {
    return &WebhookRepo{db: db}
}

func (r *WebhookRepo) InsertLog(ctx context.Context, log *models.WebhookLog) error {
    res, err := r.db.ExecContext(ctx, `
        INSERT INTO webhook_logs
            (request_id, url, event, attempt, status_code, delivered, error, sent_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, log.RequestID, log.URL, log.Event, log.Attempt, log.StatusCode, log.Delivered, log.Error, log.SentAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert webhook_log")
    }
    log.ID, _ = res.LastInsertId()
    return nil
}

// WasDelivered reports whether any attempt for requestID has already
// succeeded. The webhook service checks it once per event, before the
// first attempt, and skips the event if it returns true.
func (r *WebhookRepo) WasDelivered(ctx context.Context, requestID string) (bool, error) {
    var count int
    err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM webhook_logs WHERE request_id = ? AND delivered = 1
    `, requestID).Scan(&count)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to query webhook_logs")
    }
    return count > 0, nil
}

// WebhookRecoveryCandidate is the minimal shape needed to resume a
// not-yet-delivered webhook after a restart.
type WebhookRecoveryCandidate struct {
    RequestID string
    URL       string
    Event     string
    Attempts  int
}

// ListUndelivered returns one row per (request_id, url, event) for requests
// that have never recorded a successful delivery, along with how many
// attempts were already made for that row, so
// the webhook service can resume its backoff schedule where it left off.
func (r *WebhookRepo) ListUndelivered(ctx context.Context) ([]*WebhookRecoveryCandidate, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT l.request_id, l.url, l.event, COUNT(*) AS attempts
        FROM webhook_logs l
        WHERE l.request_id NOT IN (
            SELECT request_id FROM webhook_logs WHERE delivered = 1
        )
        GROUP BY l.request_id, l.url, l.event
    `)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list undelivered webhook_logs")
    }
    defer rows.Close()

    var candidates []*WebhookRecoveryCandidate
    for rows.Next() {
        var c WebhookRecoveryCandidate
        if err := rows.Scan(&c.RequestID, &c.URL, &c.Event, &c.Attempts); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan webhook recovery row")
        }
        candidates = append(candidates, &c)
    }
    return candidates, nil
}

func (r *WebhookRepo) ListByRequest(ctx context.Context, requestID string) ([]*models.WebhookLog, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, request_id, url, event, attempt, status_code, delivered, error, sent_at
        FROM webhook_logs WHERE request_id = ? ORDER BY attempt ASC
    `, requestID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list webhook_logs")
    }
    defer rows.Close()

    var logs []*models.WebhookLog
    for rows.Next() {
        var l models.WebhookLog
        var errMsg sql.NullString
        if err := rows.Scan(&l.ID, &l.RequestID, &l.URL, &l.Event, &l.Attempt, &l.StatusCode, &l.Delivered, &errMsg, &l.SentAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan webhook_log")
        }
        l.Error = errMsg.String
        logs = append(logs, &l)
    }
    return logs, nil
}
