// Package statemachine folds OtpEvents into the authoritative
// delivery_status/auth_status projection (C8). Grounded on the
// teacher's updateCallState/completeCall/handleIncompleteCall logic in
// router/router.go, generalized into an explicit legal-transition table.
package statemachine

import (
    "context"

    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// eventStatus maps every channel event type to its candidate delivery
// status. Must stay exhaustive with the provider event taxonomy.
var eventStatus = map[string]models.DeliveryStatus{
    "sms:queued":      models.DeliveryStatusPending,
    "voice:queued":    models.DeliveryStatusPending,
    "sms:sending":     models.DeliveryStatusSending,
    "voice:calling":   models.DeliveryStatusSending,
    "sms:sent":        models.DeliveryStatusSent,
    "voice:ringing":   models.DeliveryStatusSent,
    "voice:answered":  models.DeliveryStatusSent,
    "voice:playing":   models.DeliveryStatusSent,
    "sms:delivered":   models.DeliveryStatusDelivered,
    "voice:completed": models.DeliveryStatusDelivered,
    "sms:failed":      models.DeliveryStatusFailed,
    "sms:undelivered": models.DeliveryStatusFailed,
    "voice:failed":    models.DeliveryStatusFailed,
    "voice:no_answer": models.DeliveryStatusFailed,
    "voice:busy":      models.DeliveryStatusFailed,
    "voice:hangup":    models.DeliveryStatusFailed,
}

// legalTransitions lists, per current status, the statuses a candidate
// transition may land on. Same-to-same is always allowed regardless of
// this table (idempotent re-delivery of an event).
var legalTransitions = map[models.DeliveryStatus]map[models.DeliveryStatus]bool{
    models.DeliveryStatusPending: {
        models.DeliveryStatusSending: true,
        models.DeliveryStatusFailed:  true,
        models.DeliveryStatusExpired: true,
    },
    models.DeliveryStatusSending: {
        models.DeliveryStatusSent:    true,
        models.DeliveryStatusFailed:  true,
        models.DeliveryStatusExpired: true,
    },
    models.DeliveryStatusSent: {
        models.DeliveryStatusDelivered: true,
        models.DeliveryStatusFailed:    true,
        models.DeliveryStatusExpired:   true,
    },
    models.DeliveryStatusDelivered: {
        // verified/rejected only happen via auth feedback, handled
        // separately from the event-driven delivery status transitions.
        models.DeliveryStatusExpired: true,
    },
}

// StateMachine persists the authoritative projection and notifies the
// fraud engine of auth outcomes.
type StateMachine struct {
    requests    *db.RequestRepo
    reputation  *db.ReputationRepo
    onAuthOutcome func(ctx context.Context, requestID, phonePrefix, ipSubnet string, verified bool)
}

func New(requests *db.RequestRepo, reputation *db.ReputationRepo) *StateMachine {
    return &StateMachine{requests: requests, reputation: reputation}
}

// OnAuthOutcome registers a callback invoked after auth_status is
// recorded, used by the dispatcher to notify the fraud engine (and, on
// repeated abuse, trip breakers / ban subnets).
func (sm *StateMachine) OnAuthOutcome(fn func(ctx context.Context, requestID, phonePrefix, ipSubnet string, verified bool)) {
    sm.onAuthOutcome = fn
}

// HandleEvent is the synchronous bus subscriber: it folds event into a
// candidate delivery status, checks transition legality, and persists
// the projection if legal (or a no-op if the event regresses or repeats
// the current status).
func (sm *StateMachine) HandleEvent(ctx context.Context, event models.OtpEvent) {
    candidate, known := eventStatus[event.EventType]
    if !known {
        logger.WithField("event_type", event.EventType).Warn("unrecognized event type, no status transition applied")
        return
    }

    req, err := sm.requests.FindByID(ctx, event.RequestID)
    if err != nil {
        logger.WithError(err).WithField("request_id", event.RequestID).Warn("state machine failed to load request")
        return
    }

    if req.DeliveryStatus.IsTerminal() {
        return
    }

    if candidate == req.DeliveryStatus {
        return
    }

    allowed := legalTransitions[req.DeliveryStatus]
    if allowed == nil || !allowed[candidate] {
        logger.WithField("from", req.DeliveryStatus).WithField("to", candidate).
            WithField("request_id", event.RequestID).
            Warn("ignored illegal delivery status transition")
        return
    }

    channel := event.Channel
    errMsg := ""
    if candidate == models.DeliveryStatusFailed {
        errMsg = event.EventType
    }

    if err := sm.requests.UpdateStatus(ctx, event.RequestID, candidate, &channel, "", errMsg, models.NowMillis()); err != nil {
        logger.WithError(err).WithField("request_id", event.RequestID).Warn("failed to persist delivery status transition")
    }
}

// HandleAuthFeedback sets auth_status exactly once and notifies the
// registered fraud-feedback callback.
func (sm *StateMachine) HandleAuthFeedback(ctx context.Context, requestID string, success bool) error {
    req, err := sm.requests.FindByID(ctx, requestID)
    if err != nil {
        return err
    }
    if req.AuthStatus != nil {
        return nil // already recorded; auth_status is set exactly once
    }

    now := models.NowMillis()
    if err := sm.requests.InsertAuthFeedback(ctx, requestID, success, now); err != nil {
        return err
    }

    status := models.AuthStatusWrongCode
    if success {
        status = models.AuthStatusVerified
    }
    if err := sm.requests.UpdateAuth(ctx, requestID, status, now); err != nil {
        return err
    }

    if sm.reputation != nil {
        if err := sm.reputation.RecordOutcome(ctx, req.IPSubnet, success, now); err != nil {
            logger.WithError(err).Warn("failed to record ip reputation outcome")
        }
        if err := sm.reputation.RecordPrefixOutcome(ctx, req.PhonePrefix, success, now); err != nil {
            logger.WithError(err).Warn("failed to record prefix reputation outcome")
        }
    }

    if sm.onAuthOutcome != nil {
        sm.onAuthOutcome(ctx, requestID, req.PhonePrefix, req.IPSubnet, success)
    }

    return nil
}

// SweepExpired transitions stale non-terminal requests to expired. Meant
// to be called periodically from a ticker-driven goroutine.
func (sm *StateMachine) SweepExpired(ctx context.Context) (int64, error) {
    n, err := sm.requests.ExpireStale(ctx, models.NowMillis())
    if err != nil {
        return 0, err
    }
    if n > 0 {
        logger.WithField("count", n).Info("expired stale otp requests")
    }
    return n, nil
}
