// Package provider implements the channel providers (C5): pure delivery
// adapters that never read or mutate the request record, only emit
// lifecycle events and return a DeliveryResult to the orchestrator.
package provider

import (
    "context"

    "github.com/sendotp/otp-gateway/internal/models"
)

// Provider is a single outbound delivery channel.
type Provider interface {
    ChannelType() models.Channel
    Send(ctx context.Context, phone, code, requestID string) (*models.DeliveryResult, error)
    IsAvailable(ctx context.Context) bool
}

// EventEmitter is the narrow surface providers use to publish lifecycle
// events onto the bus without depending on the bus package directly.
type EventEmitter interface {
    Emit(ctx context.Context, requestID string, channel models.Channel, eventType string, payload models.JSON)
}
