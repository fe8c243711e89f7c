package db

import (
    "context"
    "database/sql"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// RequestRepo persists OtpRequest rows and their append-only event log.
type RequestRepo struct {
    db *DB
}

func NewRequestRepo(db *DB) *RequestRepo {
    return &RequestRepo{db: db}
}

func (r *RequestRepo) Create(ctx context.Context, req *models.OtpRequest) error {
    channelsJSON, err := req.ChannelsRequested.Value()
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode channels_requested")
    }
    reasonsJSON, err := req.FraudReasons.Value()
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode fraud_reasons")
    }

    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        _, err := tx.ExecContext(ctx, `
            INSERT INTO otp_requests
                (id, phone, phone_prefix, code_digest, delivery_status, auth_status,
                 channels_requested, channel_chosen, client_ip, ip_subnet, asn,
                 ip_country, phone_country, fraud_score, fraud_reasons, shadow_banned,
                 session_id, webhook_url, provider_id, error_message,
                 created_at, updated_at, expires_at)
            VALUES (?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?, ?)
        `,
            req.ID, req.Phone, req.PhonePrefix, req.CodeDigest, req.DeliveryStatus,
            channelsJSON, req.ClientIP, req.IPSubnet, req.ASN, req.IPCountry,
            req.PhoneCountry, req.FraudScore, reasonsJSON, req.ShadowBanned,
            req.SessionID, req.WebhookURL, req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
        )
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to insert otp_request")
        }
        return nil
    })
}

func (r *RequestRepo) FindByID(ctx context.Context, id string) (*models.OtpRequest, error) {
    row := r.db.QueryRowContext(ctx, `
        SELECT id, phone, phone_prefix, code_digest, delivery_status, auth_status,
               channels_requested, channel_chosen, client_ip, ip_subnet, asn,
               ip_country, phone_country, fraud_score, fraud_reasons, shadow_banned,
               session_id, webhook_url, provider_id, error_message,
               created_at, updated_at, expires_at
        FROM otp_requests WHERE id = ?
    `, id)

    req, err := scanOtpRequest(row)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "otp request not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query otp_request")
    }
    return req, nil
}

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanOtpRequest(row rowScanner) (*models.OtpRequest, error) {
    var req models.OtpRequest
    var authStatus, channelChosen sql.NullString
    var channelsJSON, reasonsJSON []byte
    var asn sql.NullInt64

    err := row.Scan(
        &req.ID, &req.Phone, &req.PhonePrefix, &req.CodeDigest, &req.DeliveryStatus,
        &authStatus, &channelsJSON, &channelChosen, &req.ClientIP, &req.IPSubnet,
        &asn, &req.IPCountry, &req.PhoneCountry, &req.FraudScore, &reasonsJSON,
        &req.ShadowBanned, &req.SessionID, &req.WebhookURL, &req.ProviderID,
        &req.ErrorMessage, &req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt,
    )
    if err != nil {
        return nil, err
    }

    if authStatus.Valid {
        s := models.AuthStatus(authStatus.String)
        req.AuthStatus = &s
    }
    if channelChosen.Valid {
        c := models.Channel(channelChosen.String)
        req.ChannelChosen = &c
    }
    if asn.Valid {
        req.ASN = &asn.Int64
    }
    _ = req.ChannelsRequested.Scan(channelsJSON)
    _ = req.FraudReasons.Scan(reasonsJSON)

    return &req, nil
}

// UpdateStatus persists a new delivery status, optionally attaching a
// provider id, chosen channel, and error message. Callers are expected to
// have already validated the transition against the state machine's
// legality table.
func (r *RequestRepo) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus, channel *models.Channel, providerID, errMsg string, updatedAt int64) error {
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        res, err := tx.ExecContext(ctx, `
            UPDATE otp_requests
            SET delivery_status = ?,
                channel_chosen = COALESCE(?, channel_chosen),
                provider_id = CASE WHEN ? <> '' THEN ? ELSE provider_id END,
                error_message = CASE WHEN ? <> '' THEN ? ELSE error_message END,
                updated_at = ?
            WHERE id = ?
        `, status, channel, providerID, providerID, errMsg, errMsg, updatedAt, id)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to update otp_request status")
        }
        n, _ := res.RowsAffected()
        if n == 0 {
            return errors.New(errors.ErrNotFound, "otp request not found")
        }
        return nil
    })
}

// UpdateChannelAndProvider attaches the channel a provider accepted the
// send on and its provider id, without touching delivery_status. Used
// once a provider call succeeds: the status itself was already moved to
// `sending` before the call, and must not be clobbered by this
// afterward-bookkeeping write if the async event pipeline has since
// advanced it further (e.g. to `sent`).
func (r *RequestRepo) UpdateChannelAndProvider(ctx context.Context, id string, channel models.Channel, providerID string, updatedAt int64) error {
    res, err := r.db.ExecContext(ctx, `
        UPDATE otp_requests
        SET channel_chosen = ?,
            provider_id = CASE WHEN ? <> '' THEN ? ELSE provider_id END,
            updated_at = ?
        WHERE id = ?
    `, channel, providerID, providerID, updatedAt, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update otp_request channel and provider id")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "otp request not found")
    }
    return nil
}

// UpdateAuth sets the auth_status exactly once (null -> verified|wrong_code).
func (r *RequestRepo) UpdateAuth(ctx context.Context, id string, status models.AuthStatus, updatedAt int64) error {
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        res, err := tx.ExecContext(ctx, `
            UPDATE otp_requests
            SET auth_status = ?, updated_at = ?
            WHERE id = ? AND auth_status IS NULL
        `, status, updatedAt, id)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to update auth_status")
        }
        n, _ := res.RowsAffected()
        if n == 0 {
            return errors.New(errors.ErrInternal, "auth_status already set or request missing")
        }
        return nil
    })
}

// ExpireStale transitions every non-terminal request whose expires_at has
// passed to `expired`, returning the number of rows affected.
func (r *RequestRepo) ExpireStale(ctx context.Context, nowMs int64) (int64, error) {
    res, err := r.db.ExecContext(ctx, `
        UPDATE otp_requests
        SET delivery_status = 'expired', updated_at = ?
        WHERE expires_at < ?
          AND delivery_status NOT IN ('failed', 'expired')
    `, nowMs, nowMs)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to sweep expired otp_requests")
    }
    return res.RowsAffected()
}

// CountByPhone returns the number of requests for phone created within the
// last windowMs milliseconds, used by the fraud engine's per-phone burst
// signal when it falls back to the durable store.
func (r *RequestRepo) CountByPhone(ctx context.Context, phone string, windowMs, nowMs int64) (int64, error) {
    var count int64
    err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM otp_requests WHERE phone = ? AND created_at >= ?
    `, phone, nowMs-windowMs).Scan(&count)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to count requests by phone")
    }
    return count, nil
}

// CountByIPSubnet returns the number of requests from ipSubnet created
// within the last windowMs milliseconds.
func (r *RequestRepo) CountByIPSubnet(ctx context.Context, ipSubnet string, windowMs, nowMs int64) (int64, error) {
    var count int64
    err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM otp_requests WHERE ip_subnet = ? AND created_at >= ?
    `, ipSubnet, nowMs-windowMs).Scan(&count)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to count requests by ip subnet")
    }
    return count, nil
}

// InsertEvent appends an OtpEvent row. Events are never updated or deleted.
func (r *RequestRepo) InsertEvent(ctx context.Context, ev *models.OtpEvent) error {
    payloadJSON, err := ev.Payload.Value()
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to encode event payload")
    }

    res, err := r.db.ExecContext(ctx, `
        INSERT INTO otp_events (request_id, channel, event_type, payload, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, ev.RequestID, ev.Channel, ev.EventType, payloadJSON, ev.CreatedAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert otp_event")
    }
    ev.ID, _ = res.LastInsertId()
    return nil
}

// ListEvents returns a request's event log in emission order.
func (r *RequestRepo) ListEvents(ctx context.Context, requestID string) ([]*models.OtpEvent, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, request_id, channel, event_type, payload, created_at
        FROM otp_events WHERE request_id = ? ORDER BY id ASC
    `, requestID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list otp_events")
    }
    defer rows.Close()

    var events []*models.OtpEvent
    for rows.Next() {
        var ev models.OtpEvent
        var payloadJSON []byte
        if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Channel, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan otp_event")
        }
        _ = ev.Payload.Scan(payloadJSON)
        events = append(events, &ev)
    }
    return events, nil
}

// InsertAuthFeedback records the raw upstream verification report,
// independent of the derived auth_status projection on otp_requests.
func (r *RequestRepo) InsertAuthFeedback(ctx context.Context, requestID string, success bool, createdAt int64) error {
    _, err := r.db.ExecContext(ctx, `
        INSERT INTO auth_feedback (request_id, success, created_at) VALUES (?, ?, ?)
    `, requestID, success, createdAt)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert auth_feedback")
    }
    return nil
}
