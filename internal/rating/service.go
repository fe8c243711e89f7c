// Package rating runs the CDR-driven carrier rate learning loop (C10).
// Grounded on the teacher's router/loadbalancer.go ResponseTimeTracker
// (mutex-guarded rolling numeric state updated on every observation),
// generalized from a fixed window mean to an EMA, and on router/router.go's
// cleanupRoutine for the ticker-driven background service shape.
package rating

import (
    "context"
    "math"
    "time"

    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

const destPrefixLen = 4

// Service periodically promotes unprocessed CDRs into learned
// CarrierRate estimates.
type Service struct {
    cfg     config.RatingConfig
    ratings *db.RatingRepo

    stop chan struct{}
    done chan struct{}
}

func New(cfg config.RatingConfig, ratings *db.RatingRepo) *Service {
    return &Service{
        cfg:     cfg,
        ratings: ratings,
        stop:    make(chan struct{}),
        done:    make(chan struct{}),
    }
}

// Start launches the ticker-driven learning loop. Call Stop to wait for
// the in-flight cycle to finish and the goroutine to exit.
func (s *Service) Start(ctx context.Context) {
    go s.run(ctx)
}

func (s *Service) Stop() {
    close(s.stop)
    <-s.done
}

func (s *Service) run(ctx context.Context) {
    defer close(s.done)
    interval := s.cfg.Interval
    if interval <= 0 {
        interval = time.Minute
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ticker.C:
            if err := s.RunOnce(ctx); err != nil {
                logger.WithError(err).Warn("rate-learning cycle failed")
            }
        case <-s.stop:
            return
        case <-ctx.Done():
            return
        }
    }
}

// RunOnce fetches one batch of unprocessed CDRs, folds successful ones
// into the learned rate table via EMA, and advances the
// processed_for_rates cursor for the whole batch regardless of whether
// each record contributed.
func (s *Service) RunOnce(ctx context.Context) error {
    batchSize := s.cfg.BatchSize
    if batchSize <= 0 {
        batchSize = 1000
    }

    records, err := s.ratings.FetchUnprocessed(ctx, batchSize)
    if err != nil {
        return err
    }
    if len(records) == 0 {
        return nil
    }

    now := models.NowMillis()
    learned := 0
    ids := make([]int64, 0, len(records))
    for _, rec := range records {
        ids = append(ids, rec.ID)

        if !rec.Success || rec.Price <= 0 || rec.BillingDuration <= 0 {
            continue
        }

        dstPrefix := rec.DestPrefix
        if len(dstPrefix) > destPrefixLen {
            dstPrefix = dstPrefix[:destPrefixLen]
        }
        if dstPrefix == "" {
            continue
        }

        ratePerMinuteUnits := ratePerMinute(rec.Price, rec.BillingDuration)

        if err := s.ratings.UpsertRateEMA(ctx, rec.Channel, dstPrefix, rec.SourcePrefix,
            ratePerMinuteUnits, s.cfg.EMAAlpha, s.cfg.ConfidenceBasis, now); err != nil {
            logger.WithError(err).WithField("cdr_id", rec.ID).Warn("failed to upsert carrier rate")
            continue
        }
        learned++
    }

    if err := s.ratings.MarkProcessed(ctx, ids); err != nil {
        return err
    }

    logger.WithField("fetched", len(records)).WithField("learned", learned).Info("rate-learning cycle completed")
    return nil
}

// ratePerMinute converts a CDR's (price, billing_duration) into the
// integer 1/10000-USD-per-minute unit CarrierRate stores.
func ratePerMinute(price int64, billingDurationSeconds int) int64 {
    perSecond := float64(price) / float64(billingDurationSeconds)
    return int64(math.Round(perSecond * 60))
}
