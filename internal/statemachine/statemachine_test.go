package statemachine

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/sendotp/otp-gateway/internal/models"
)

func TestEventStatus_CoversEveryDocumentedEventType(t *testing.T) {
    documented := []string{
        "sms:queued", "voice:queued",
        "sms:sending", "voice:calling",
        "sms:sent", "voice:ringing", "voice:answered", "voice:playing",
        "sms:delivered", "voice:completed",
        "sms:failed", "sms:undelivered", "voice:failed", "voice:no_answer", "voice:busy", "voice:hangup",
    }
    for _, eventType := range documented {
        _, ok := eventStatus[eventType]
        assert.True(t, ok, "missing status mapping for %s", eventType)
    }
}

func TestLegalTransitions_PendingCannotJumpToDelivered(t *testing.T) {
    allowed := legalTransitions[models.DeliveryStatusPending]
    assert.False(t, allowed[models.DeliveryStatusDelivered])
    assert.True(t, allowed[models.DeliveryStatusSending])
}

func TestLegalTransitions_TerminalStatusesHaveNoOutgoingEntries(t *testing.T) {
    _, hasFailed := legalTransitions[models.DeliveryStatusFailed]
    _, hasExpired := legalTransitions[models.DeliveryStatusExpired]
    assert.False(t, hasFailed)
    assert.False(t, hasExpired)
}
