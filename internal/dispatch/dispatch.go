// Package dispatch is the orchestrator (C6): runs the fraud engine,
// persists the request, and either plays a shadow-ban simulation or
// iterates channels_requested with failover. Grounded on the teacher's
// ProcessIncomingCall (tx-scoped create, structured logging, a metric on
// every branch) and loadbalancer.go's selectFailover (ordered
// attempt-until-success over a candidate list).
package dispatch

import (
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "strings"
    "time"

    "github.com/google/uuid"

    "github.com/sendotp/otp-gateway/internal/bus"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/fraud"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/internal/provider"
    "github.com/sendotp/otp-gateway/pkg/errors"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// SendRequest is the orchestrator's input, already validated by the
// ingress handler.
type SendRequest struct {
    Phone      string
    Code       string
    ClientIP   string
    SessionID  string
    WebhookURL string
    Channels   []models.Channel
}

// SendResponse is returned to the HTTP caller.
type SendResponse struct {
    Status    string          `json:"status"`
    RequestID string          `json:"request_id"`
    Phone     string          `json:"phone"`
    Channel   *models.Channel `json:"channel,omitempty"`
}

const requestTTL = 10 * time.Minute

// Dispatcher wires the fraud engine, request store, event bus, and
// channel providers together.
type Dispatcher struct {
    requests *db.RequestRepo
    fraudDB  *db.FraudRepo
    ratings  *db.RatingRepo
    fraud    *fraud.Engine
    bus      *bus.Bus
    pepper   string
    failover bool
    ttl      time.Duration

    providers map[models.Channel]provider.Provider
}

func New(requests *db.RequestRepo, fraudDB *db.FraudRepo, ratings *db.RatingRepo, fraudEngine *fraud.Engine, eventBus *bus.Bus, pepper string, failover bool, ttl time.Duration) *Dispatcher {
    if ttl <= 0 {
        ttl = requestTTL
    }
    return &Dispatcher{
        requests:  requests,
        fraudDB:   fraudDB,
        ratings:   ratings,
        fraud:     fraudEngine,
        bus:       eventBus,
        pepper:    pepper,
        failover:  failover,
        ttl:       ttl,
        providers: make(map[models.Channel]provider.Provider),
    }
}

func (d *Dispatcher) RegisterProvider(p provider.Provider) {
    d.providers[p.ChannelType()] = p
}

// Emit implements provider.EventEmitter, so providers can publish
// lifecycle events onto the bus without importing it directly.
func (d *Dispatcher) Emit(ctx context.Context, requestID string, channel models.Channel, eventType string, payload models.JSON) {
    now := models.NowMillis()
    event := models.OtpEvent{
        RequestID: requestID,
        Channel:   channel,
        EventType: eventType,
        Payload:   payload,
        CreatedAt: now,
    }
    if err := d.requests.InsertEvent(ctx, &event); err != nil {
        logger.WithError(err).WithField("request_id", requestID).Warn("failed to persist event")
    }
    d.bus.Publish(event)
}

// Dispatch runs the full C6 pipeline and returns the immediate response.
func (d *Dispatcher) Dispatch(ctx context.Context, req SendRequest) (*SendResponse, error) {
    now := models.NowMillis()

    var chosenChannel models.Channel
    if len(req.Channels) > 0 {
        chosenChannel = req.Channels[0]
    }

    if !d.anyChannelAvailable(ctx, req.Channels) {
        return nil, errors.New(errors.ErrServiceUnavailable, "no requested channel is currently available")
    }

    decision, err := d.fraud.Evaluate(ctx, req.Phone, req.ClientIP, chosenChannel, now)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "fraud evaluation failed")
    }

    requestID := uuid.NewString()
    record := &models.OtpRequest{
        ID:                requestID,
        Phone:             req.Phone,
        PhonePrefix:       decision.PhonePrefix,
        CodeDigest:        d.digestCode(req.Code),
        DeliveryStatus:    models.DeliveryStatusPending,
        ChannelsRequested: models.StringSlice(channelStrings(req.Channels)),
        ClientIP:          req.ClientIP,
        IPSubnet:          decision.IPSubnet,
        ASN:               decision.ASN,
        IPCountry:         decision.IPCountry,
        PhoneCountry:      decision.PhoneCountry,
        FraudScore:        decision.Score,
        FraudReasons:      models.StringSlice(decision.Reasons),
        ShadowBanned:      decision.Shadow,
        SessionID:         req.SessionID,
        WebhookURL:        req.WebhookURL,
        CreatedAt:         now,
        UpdatedAt:         now,
        ExpiresAt:         now + d.ttl.Milliseconds(),
    }

    if err := d.requests.Create(ctx, record); err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to persist otp request")
    }

    logger.WithField("request_id", requestID).
        WithField("shadow", decision.Shadow).
        WithField("fraud_score", decision.Score).
        Info("otp request admitted")

    if decision.Shadow {
        go d.recordFraudSaving(context.Background(), record)
        go d.runShadowBanSimulation(context.Background(), record)
        return &SendResponse{Status: "dispatched", RequestID: requestID, Phone: req.Phone}, nil
    }

    go d.deliver(context.Background(), record, req.Channels, req.Code)

    return &SendResponse{Status: "dispatched", RequestID: requestID, Phone: req.Phone}, nil
}

// recordFraudSaving estimates the carrier cost avoided by shadow-banning
// record, using the learned rate table's prefix-hierarchy lookup, and
// writes a ledger entry. Best-effort: a missing rate (no sample yet for
// this prefix) just skips the entry rather than blocking dispatch.
func (d *Dispatcher) recordFraudSaving(ctx context.Context, record *models.OtpRequest) {
    if d.ratings == nil || d.fraudDB == nil || len(record.ChannelsRequested) == 0 {
        return
    }
    channel := models.Channel(record.ChannelsRequested[0])
    destination := strings.TrimPrefix(record.Phone, "+")

    rate, err := d.ratings.LookupRate(ctx, channel, destination, "")
    if err != nil {
        logger.WithError(err).WithField("request_id", record.ID).Warn("fraud saving rate lookup failed")
        return
    }
    if rate == nil {
        return
    }

    estimatedCost := rate.RateAvg
    saving := &models.FraudSaving{
        RequestID:     record.ID,
        EstimatedCost: estimatedCost,
        Channel:       channel,
        Reason:        strings.Join(record.FraudReasons, ","),
        CreatedAt:     models.NowMillis(),
    }
    if err := d.fraudDB.InsertFraudSaving(ctx, saving); err != nil {
        logger.WithError(err).WithField("request_id", record.ID).Warn("failed to persist fraud saving")
    }
}

func (d *Dispatcher) digestCode(code string) string {
    mac := hmac.New(sha256.New, []byte(d.pepper))
    mac.Write([]byte(code))
    return hex.EncodeToString(mac.Sum(nil))
}

// anyChannelAvailable reports whether at least one requested channel has
// a registered, available provider, checked before admission so a
// voice-only request against a down voice gateway fails fast with
// service_unavailable instead of being silently swallowed by the
// background delivery goroutine.
func (d *Dispatcher) anyChannelAvailable(ctx context.Context, channels []models.Channel) bool {
    for _, ch := range channels {
        if p, ok := d.providers[ch]; ok && p.IsAvailable(ctx) {
            return true
        }
    }
    return false
}

// deliver iterates channels_requested in order, honoring failover policy.
func (d *Dispatcher) deliver(ctx context.Context, record *models.OtpRequest, channels []models.Channel, code string) {
    var lastErr string

    for _, ch := range channels {
        p, ok := d.providers[ch]
        if !ok || !p.IsAvailable(ctx) {
            continue
        }

        chosen := ch
        if err := d.requests.UpdateStatus(ctx, record.ID, models.DeliveryStatusSending, &chosen, "", "", models.NowMillis()); err != nil {
            logger.WithError(err).WithField("request_id", record.ID).Warn("failed to persist sending status")
        }

        result, err := p.Send(ctx, record.Phone, code, record.ID)
        if err != nil {
            lastErr = err.Error()
            logger.WithError(err).WithField("request_id", record.ID).WithField("channel", ch).Warn("provider send failed")
            if !d.failover {
                break
            }
            continue
        }

        if result.Success {
            if err := d.requests.UpdateChannelAndProvider(ctx, record.ID, ch, result.ProviderID, models.NowMillis()); err != nil {
                logger.WithError(err).WithField("request_id", record.ID).Warn("failed to persist chosen channel and provider id")
            }
            return
        }

        lastErr = result.ErrorMsg
        if !d.failover {
            break
        }
    }

    if lastErr == "" {
        lastErr = "all channels failed"
    }
    now := models.NowMillis()
    if err := d.requests.UpdateStatus(ctx, record.ID, models.DeliveryStatusFailed, nil, "", lastErr, now); err != nil {
        logger.WithError(err).WithField("request_id", record.ID).Warn("failed to persist terminal failure status")
    }
}

// runShadowBanSimulation plays a plausible synthetic event sequence so a
// shadow-banned caller cannot distinguish the response from a real
// delivery, per the shadow-ban design requirement.
func (d *Dispatcher) runShadowBanSimulation(ctx context.Context, record *models.OtpRequest) {
    channel := models.ChannelSMS
    if len(record.ChannelsRequested) > 0 {
        channel = models.Channel(record.ChannelsRequested[0])
    }

    var sequence []string
    switch channel {
    case models.ChannelVoice:
        sequence = []string{"voice:queued", "voice:calling", "voice:ringing", "voice:answered", "voice:playing", "voice:completed"}
    default:
        sequence = []string{"sms:queued", "sms:sending", "sms:sent", "sms:delivered"}
    }

    for _, eventType := range sequence {
        d.Emit(ctx, record.ID, channel, eventType, nil)
        time.Sleep(simulatedDelay())
    }
}

func simulatedDelay() time.Duration {
    return 250 * time.Millisecond
}

func channelStrings(channels []models.Channel) []string {
    out := make([]string, len(channels))
    for i, c := range channels {
        out[i] = string(c)
    }
    return out
}
