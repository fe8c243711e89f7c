package db

import (
    "context"
    "database/sql"
    "math"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// RatingRepo owns the CDR ingest store and the learned CarrierRate table.
type RatingRepo struct {
    db *DB
}

func NewRatingRepo(db *DB) *RatingRepo {
    return &RatingRepo{db: db}
}

// BulkInsertCDRs inserts a batch of immutable billing records in a single
// transaction.
func (r *RatingRepo) BulkInsertCDRs(ctx context.Context, records []*models.CdrRecord) error {
    if len(records) == 0 {
        return nil
    }
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO cdr_records
                (source_number, dest_number, source_prefix, dest_prefix, channel,
                 duration_seconds, billing_duration, rate, price, success,
                 disconnect_code, processed_for_rates, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
        `)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to prepare cdr insert")
        }
        defer stmt.Close()

        for _, rec := range records {
            _, err := stmt.ExecContext(ctx,
                rec.SourceNumber, rec.DestNumber, rec.SourcePrefix, rec.DestPrefix, rec.Channel,
                rec.DurationSeconds, rec.BillingDuration, rec.Rate, rec.Price, rec.Success,
                rec.DisconnectCode, rec.CreatedAt,
            )
            if err != nil {
                return errors.Wrap(err, errors.ErrDatabase, "failed to insert cdr_record")
            }
        }
        return nil
    })
}

// FetchUnprocessed returns up to limit CDRs with processed_for_rates = 0,
// oldest first.
func (r *RatingRepo) FetchUnprocessed(ctx context.Context, limit int) ([]*models.CdrRecord, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, source_number, dest_number, source_prefix, dest_prefix, channel,
               duration_seconds, billing_duration, rate, price, success,
               disconnect_code, processed_for_rates, created_at
        FROM cdr_records WHERE processed_for_rates = 0 ORDER BY id ASC LIMIT ?
    `, limit)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to fetch unprocessed cdr_records")
    }
    defer rows.Close()

    var records []*models.CdrRecord
    for rows.Next() {
        var rec models.CdrRecord
        if err := rows.Scan(&rec.ID, &rec.SourceNumber, &rec.DestNumber, &rec.SourcePrefix, &rec.DestPrefix,
            &rec.Channel, &rec.DurationSeconds, &rec.BillingDuration, &rec.Rate, &rec.Price, &rec.Success,
            &rec.DisconnectCode, &rec.ProcessedForRates, &rec.CreatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan cdr_record")
        }
        records = append(records, &rec)
    }
    return records, nil
}

// MarkProcessed advances the processed_for_rates cursor for the given ids,
// regardless of whether each one contributed to a rate update.
func (r *RatingRepo) MarkProcessed(ctx context.Context, ids []int64) error {
    if len(ids) == 0 {
        return nil
    }
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        stmt, err := tx.PrepareContext(ctx, `UPDATE cdr_records SET processed_for_rates = 1 WHERE id = ?`)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to prepare cdr update")
        }
        defer stmt.Close()
        for _, id := range ids {
            if _, err := stmt.ExecContext(ctx, id); err != nil {
                return errors.Wrap(err, errors.ErrDatabase, "failed to mark cdr_record processed")
            }
        }
        return nil
    })
}

// UpsertRateEMA applies the §4.10 EMA update for (channel, dstPrefix,
// srcPrefix): on first sight the rate becomes the seed value; thereafter
// avg' = round(alpha*new + (1-alpha)*avg), min/max are extended, the
// sample count increments, and confidence = min(1, count/confidenceBasis).
func (r *RatingRepo) UpsertRateEMA(ctx context.Context, channel models.Channel, dstPrefix, srcPrefix string, rateValue int64, alpha, confidenceBasis float64, now int64) error {
    return r.db.Transaction(ctx, func(tx *sql.Tx) error {
        var avg, min, max, count int64
        err := tx.QueryRowContext(ctx, `
            SELECT rate_avg, rate_min, rate_max, sample_count
            FROM carrier_rates WHERE channel = ? AND dst_prefix = ? AND src_prefix = ?
            FOR UPDATE
        `, channel, dstPrefix, srcPrefix).Scan(&avg, &min, &max, &count)

        if err == sql.ErrNoRows {
            _, err := tx.ExecContext(ctx, `
                INSERT INTO carrier_rates
                    (channel, dst_prefix, src_prefix, rate_avg, rate_min, rate_max,
                     billing_increment, sample_count, confidence_score, last_seen_at)
                VALUES (?, ?, ?, ?, ?, ?, 60, 1, ?, ?)
            `, channel, dstPrefix, srcPrefix, rateValue, rateValue, rateValue, confidenceOf(1, confidenceBasis), now)
            if err != nil {
                return errors.Wrap(err, errors.ErrDatabase, "failed to seed carrier_rate")
            }
            return nil
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to query carrier_rate for update")
        }

        newAvg := int64(math.Round(alpha*float64(rateValue) + (1-alpha)*float64(avg)))
        if rateValue < min {
            min = rateValue
        }
        if rateValue > max {
            max = rateValue
        }
        count++

        _, err = tx.ExecContext(ctx, `
            UPDATE carrier_rates
            SET rate_avg = ?, rate_min = ?, rate_max = ?, sample_count = ?, confidence_score = ?, last_seen_at = ?
            WHERE channel = ? AND dst_prefix = ? AND src_prefix = ?
        `, newAvg, min, max, count, confidenceOf(count, confidenceBasis), now, channel, dstPrefix, srcPrefix)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to update carrier_rate")
        }
        return nil
    })
}

func confidenceOf(count int64, basis float64) float64 {
    if basis <= 0 {
        basis = 100
    }
    c := float64(count) / basis
    if c > 1 {
        c = 1
    }
    return c
}

// LookupRate resolves a rate using the prefix hierarchy: try the longest
// destination prefix first, src_prefix match preferred over the
// unconstrained ("") row, descending to a single digit.
func (r *RatingRepo) LookupRate(ctx context.Context, channel models.Channel, dstPrefix, srcPrefix string) (*models.CarrierRate, error) {
    for length := len(dstPrefix); length >= 1; length-- {
        candidate := dstPrefix[:length]

        if srcPrefix != "" {
            rate, err := r.queryRate(ctx, channel, candidate, srcPrefix)
            if err != nil {
                return nil, err
            }
            if rate != nil {
                return rate, nil
            }
        }

        rate, err := r.queryRate(ctx, channel, candidate, "")
        if err != nil {
            return nil, err
        }
        if rate != nil {
            return rate, nil
        }
    }
    return nil, nil
}

func (r *RatingRepo) queryRate(ctx context.Context, channel models.Channel, dstPrefix, srcPrefix string) (*models.CarrierRate, error) {
    var cr models.CarrierRate
    err := r.db.QueryRowContext(ctx, `
        SELECT id, channel, dst_prefix, src_prefix, rate_avg, rate_min, rate_max,
               billing_increment, sample_count, confidence_score, last_seen_at
        FROM carrier_rates WHERE channel = ? AND dst_prefix = ? AND src_prefix = ?
    `, channel, dstPrefix, srcPrefix).Scan(&cr.ID, &cr.Channel, &cr.DstPrefix, &cr.SrcPrefix,
        &cr.RateAvg, &cr.RateMin, &cr.RateMax, &cr.BillingIncrement, &cr.SampleCount,
        &cr.ConfidenceScore, &cr.LastSeenAt)
    if err == sql.ErrNoRows {
        return nil, nil
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query carrier_rate")
    }
    return &cr, nil
}
