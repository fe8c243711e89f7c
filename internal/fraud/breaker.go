package fraud

import (
    "context"

    "github.com/sendotp/otp-gateway/internal/models"
)

// BreakerStatus reports a circuit breaker's current state after evaluating
// transitions against the configured thresholds, generalizing the
// teacher's binary healthy/unhealthy provider tracking into an explicit
// three-state FSM.
type BreakerStatus struct {
    Key   string
    State models.CircuitBreakerState
    Open  bool
}

// CheckBreaker loads the breaker for key, applies the open -> half_open
// cooldown transition if due, and reports whether the channel should be
// treated as unavailable (state == open).
func (e *Engine) CheckBreaker(ctx context.Context, key string, now int64) (*BreakerStatus, error) {
    cb, err := e.reputation.GetCircuitBreaker(ctx, key, now)
    if err != nil {
        return nil, err
    }

    if cb.State == models.BreakerOpen {
        cooldownMs := e.cfg.BreakerCooldown.Milliseconds()
        if now-cb.OpenedAt >= cooldownMs {
            cb.State = models.BreakerHalfOpen
            cb.HalfOpenAt = now
            cb.UpdatedAt = now
            if err := e.reputation.UpsertCircuitBreaker(ctx, cb); err != nil {
                return nil, err
            }
        }
    }

    return &BreakerStatus{Key: key, State: cb.State, Open: cb.State == models.BreakerOpen}, nil
}

// RecordBreakerOutcome folds a success/failure observation into the
// breaker's state machine:
//
//   closed    -> open       when failures reach the configured threshold
//                            within the current window
//   half_open -> closed     on the first success
//   half_open -> open       on the first failure
//
// The window is fixed, not sliding: the failure and success counts reset
// once BreakerWindow has elapsed since WindowStartedAt.
func (e *Engine) RecordBreakerOutcome(ctx context.Context, key string, success bool, now int64) error {
    cb, err := e.reputation.GetCircuitBreaker(ctx, key, now)
    if err != nil {
        return err
    }

    windowMs := e.cfg.BreakerWindow.Milliseconds()
    if now-cb.WindowStartedAt > windowMs {
        cb.Failures = 0
        cb.Successes = 0
        cb.WindowStartedAt = now
    }

    switch cb.State {
    case models.BreakerHalfOpen:
        if success {
            cb.State = models.BreakerClosed
            cb.Failures = 0
            cb.Successes = 0
            cb.OpenedAt = 0
            cb.HalfOpenAt = 0
        } else {
            cb.State = models.BreakerOpen
            cb.OpenedAt = now
            cb.HalfOpenAt = 0
        }
    default: // closed (open is handled by CheckBreaker's cooldown transition)
        if success {
            cb.Successes++
        } else {
            cb.Failures++
            if cb.Failures >= e.cfg.BreakerFailureThreshold {
                cb.State = models.BreakerOpen
                cb.OpenedAt = now
            }
        }
    }

    cb.UpdatedAt = now
    return e.reputation.UpsertCircuitBreaker(ctx, cb)
}
