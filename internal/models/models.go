package models

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// Channel identifies a delivery channel.
type Channel string

const (
    ChannelSMS   Channel = "sms"
    ChannelVoice Channel = "voice"
)

// DeliveryStatus is the authoritative OTP delivery lifecycle status.
type DeliveryStatus string

const (
    DeliveryStatusPending   DeliveryStatus = "pending"
    DeliveryStatusSending   DeliveryStatus = "sending"
    DeliveryStatusSent      DeliveryStatus = "sent"
    DeliveryStatusDelivered DeliveryStatus = "delivered"
    DeliveryStatusFailed    DeliveryStatus = "failed"
    DeliveryStatusExpired   DeliveryStatus = "expired"
)

// AuthStatus is the outcome reported back by the upstream verifier.
type AuthStatus string

const (
    AuthStatusVerified  AuthStatus = "verified"
    AuthStatusWrongCode AuthStatus = "wrong_code"
)

// CombinedStatus is the externally-exposed derived status.
type CombinedStatus string

const (
    CombinedStatusDispatched CombinedStatus = "dispatched"
    CombinedStatusDelivered  CombinedStatus = "delivered"
    CombinedStatusVerified   CombinedStatus = "verified"
    CombinedStatusRejected   CombinedStatus = "rejected"
    CombinedStatusFailed     CombinedStatus = "failed"
    CombinedStatusExpired    CombinedStatus = "expired"
)

// IsTerminal reports whether a delivery status admits no further mutation.
func (s DeliveryStatus) IsTerminal() bool {
    switch s {
    case DeliveryStatusFailed, DeliveryStatusExpired:
        return true
    default:
        return false
    }
}

// CircuitBreakerState is the breaker FSM state.
type CircuitBreakerState string

const (
    BreakerClosed   CircuitBreakerState = "closed"
    BreakerOpen     CircuitBreakerState = "open"
    BreakerHalfOpen CircuitBreakerState = "half_open"
)

// JSON is a generic field for opaque, forward-compatible payloads.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    if j == nil {
        return "{}", nil
    }
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        if s, ok := value.(string); ok {
            bytes = []byte(s)
        } else {
            return nil
        }
    }

    return json.Unmarshal(bytes, j)
}

// StringSlice is a comma-free JSON-encoded list stored in a single column.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
    if s == nil {
        return "[]", nil
    }
    return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
    if value == nil {
        *s = StringSlice{}
        return nil
    }
    bytes, ok := value.([]byte)
    if !ok {
        if str, ok := value.(string); ok {
            bytes = []byte(str)
        } else {
            return nil
        }
    }
    return json.Unmarshal(bytes, s)
}

// OtpRequest is the root entity of the dispatch/lifecycle engine.
type OtpRequest struct {
    ID               string         `json:"id" db:"id"`
    Phone            string         `json:"phone" db:"phone"`
    PhonePrefix      string         `json:"phone_prefix" db:"phone_prefix"`
    CodeDigest       string         `json:"-" db:"code_digest"`
    DeliveryStatus   DeliveryStatus `json:"delivery_status" db:"delivery_status"`
    AuthStatus       *AuthStatus    `json:"auth_status,omitempty" db:"auth_status"`
    ChannelsRequested StringSlice   `json:"channels_requested" db:"channels_requested"`
    ChannelChosen    *Channel       `json:"channel_chosen,omitempty" db:"channel_chosen"`
    ClientIP         string         `json:"client_ip" db:"client_ip"`
    IPSubnet         string         `json:"ip_subnet" db:"ip_subnet"`
    ASN              *int64         `json:"asn,omitempty" db:"asn"`
    IPCountry        string         `json:"ip_country,omitempty" db:"ip_country"`
    PhoneCountry     string         `json:"phone_country,omitempty" db:"phone_country"`
    FraudScore       int            `json:"fraud_score" db:"fraud_score"`
    FraudReasons     StringSlice    `json:"fraud_reasons" db:"fraud_reasons"`
    ShadowBanned     bool           `json:"shadow_banned" db:"shadow_banned"`
    SessionID        string         `json:"session_id,omitempty" db:"session_id"`
    WebhookURL       string         `json:"webhook_url,omitempty" db:"webhook_url"`
    ProviderID       string         `json:"provider_id,omitempty" db:"provider_id"`
    ErrorMessage     string         `json:"error_message,omitempty" db:"error_message"`
    CreatedAt        int64          `json:"created_at" db:"created_at"`
    UpdatedAt        int64          `json:"updated_at" db:"updated_at"`
    ExpiresAt        int64          `json:"expires_at" db:"expires_at"`
}

// CombinedStatus derives the externally-exposed status from the request's
// delivery and auth status.
func (r *OtpRequest) CombinedStatus() CombinedStatus {
    if r.AuthStatus != nil {
        if *r.AuthStatus == AuthStatusVerified {
            return CombinedStatusVerified
        }
        return CombinedStatusRejected
    }
    switch r.DeliveryStatus {
    case DeliveryStatusPending, DeliveryStatusSending:
        return CombinedStatusDispatched
    case DeliveryStatusSent:
        return CombinedStatusDispatched
    case DeliveryStatusDelivered:
        return CombinedStatusDelivered
    case DeliveryStatusFailed:
        return CombinedStatusFailed
    case DeliveryStatusExpired:
        return CombinedStatusExpired
    default:
        return CombinedStatusDispatched
    }
}

// OtpEvent is an append-only lifecycle event for an OtpRequest.
type OtpEvent struct {
    ID        int64   `json:"id" db:"id"`
    RequestID string  `json:"request_id" db:"request_id"`
    Channel   Channel `json:"channel" db:"channel"`
    EventType string  `json:"event_type" db:"event_type"`
    Payload   JSON    `json:"payload" db:"payload"`
    CreatedAt int64   `json:"created_at" db:"created_at"`
}

// IpReputation aggregates outcome counters per IP subnet.
type IpReputation struct {
    IPSubnet   string  `json:"ip_subnet" db:"ip_subnet"`
    Total      int64   `json:"total" db:"total"`
    Verified   int64   `json:"verified" db:"verified"`
    Failed     int64   `json:"failed" db:"failed"`
    Banned     bool    `json:"banned" db:"banned"`
    BanReason  string  `json:"ban_reason,omitempty" db:"ban_reason"`
    UpdatedAt  int64   `json:"updated_at" db:"updated_at"`
}

// TrustScore returns verified/max(total,1).
func (r *IpReputation) TrustScore() float64 {
    total := r.Total
    if total < 1 {
        total = 1
    }
    return float64(r.Verified) / float64(total)
}

// PrefixReputation aggregates auth-feedback outcome counters per phone prefix.
type PrefixReputation struct {
    Prefix    string `json:"prefix" db:"prefix"`
    Total     int64  `json:"total" db:"total"`
    Verified  int64  `json:"verified" db:"verified"`
    Failed    int64  `json:"failed" db:"failed"`
    UpdatedAt int64  `json:"updated_at" db:"updated_at"`
}

// VerifiedRate returns verified/max(total,1).
func (r *PrefixReputation) VerifiedRate() float64 {
    total := r.Total
    if total < 1 {
        total = 1
    }
    return float64(r.Verified) / float64(total)
}

// CircuitBreaker is a failure-counting FSM keyed by an arbitrary string
// (e.g. "channel:voice" or "provider:didww").
type CircuitBreaker struct {
    Key             string              `json:"key" db:"key"`
    State           CircuitBreakerState `json:"state" db:"state"`
    Failures        int                 `json:"failures" db:"failures"`
    Successes       int                 `json:"successes" db:"successes"`
    OpenedAt        int64               `json:"opened_at,omitempty" db:"opened_at"`
    HalfOpenAt      int64               `json:"half_open_at,omitempty" db:"half_open_at"`
    WindowStartedAt int64               `json:"window_started_at" db:"window_started_at"`
    UpdatedAt       int64               `json:"updated_at" db:"updated_at"`
}

// AsnBlocklistEntry marks an ASN as a zero-tolerance bot source.
type AsnBlocklistEntry struct {
    ASN       int64  `json:"asn" db:"asn"`
    Provider  string `json:"provider,omitempty" db:"provider"`
    Category  string `json:"category,omitempty" db:"category"`
    Reason    string `json:"reason,omitempty" db:"reason"`
    CreatedAt int64  `json:"created_at" db:"created_at"`
}

// HoneypotEntry marks an IP subnet for shadow-banning, optionally expiring.
type HoneypotEntry struct {
    IPSubnet  string `json:"ip_subnet" db:"ip_subnet"`
    Reason    string `json:"reason,omitempty" db:"reason"`
    ExpiresAt int64  `json:"expires_at,omitempty" db:"expires_at"`
    CreatedAt int64  `json:"created_at" db:"created_at"`
}

// Expired reports whether the honeypot entry's TTL (if any) has elapsed as
// of nowMs.
func (h *HoneypotEntry) Expired(nowMs int64) bool {
    return h.ExpiresAt > 0 && h.ExpiresAt < nowMs
}

// CallerIdRoute maps a destination prefix to an originating number for a
// given channel. prefix == "*" is the wildcard fallback entry.
type CallerIdRoute struct {
    ID          int64   `json:"id" db:"id"`
    Channel     Channel `json:"channel" db:"channel"`
    Prefix      string  `json:"prefix" db:"prefix"`
    CallerID    string  `json:"caller_id" db:"caller_id"`
    Description string  `json:"description,omitempty" db:"description"`
    Enabled     bool    `json:"enabled" db:"enabled"`
    CreatedAt   int64   `json:"created_at" db:"created_at"`
    UpdatedAt   int64   `json:"updated_at" db:"updated_at"`
}

// WhitelistType distinguishes the kind of value a WhitelistEntry matches.
type WhitelistType string

const (
    WhitelistTypeIP    WhitelistType = "ip"
    WhitelistTypePhone WhitelistType = "phone"
)

// WhitelistEntry short-circuits the fraud engine to score 0 on match.
type WhitelistEntry struct {
    ID        int64         `json:"id" db:"id"`
    Type      WhitelistType `json:"type" db:"type"`
    Value     string        `json:"value" db:"value"`
    CreatedAt int64         `json:"created_at" db:"created_at"`
}

// CdrRecord is an immutable carrier billing record.
type CdrRecord struct {
    ID                int64   `json:"id" db:"id"`
    SourceNumber      string  `json:"source_number" db:"source_number"`
    DestNumber        string  `json:"dest_number" db:"dest_number"`
    SourcePrefix      string  `json:"source_prefix" db:"source_prefix"`
    DestPrefix        string  `json:"dest_prefix" db:"dest_prefix"`
    Channel           Channel `json:"channel" db:"channel"`
    DurationSeconds   int     `json:"duration_seconds" db:"duration_seconds"`
    BillingDuration   int     `json:"billing_duration" db:"billing_duration"`
    Rate              int64   `json:"rate" db:"rate"`
    Price             int64   `json:"price" db:"price"`
    Success           bool    `json:"success" db:"success"`
    DisconnectCode    string  `json:"disconnect_code,omitempty" db:"disconnect_code"`
    ProcessedForRates bool    `json:"processed_for_rates" db:"processed_for_rates"`
    CreatedAt         int64   `json:"created_at" db:"created_at"`
}

// CarrierRate is a learned per-prefix cost estimate. Money is stored as
// integer units of 1/10000 USD.
type CarrierRate struct {
    ID               int64   `json:"id" db:"id"`
    Channel          Channel `json:"channel" db:"channel"`
    DstPrefix        string  `json:"dst_prefix" db:"dst_prefix"`
    SrcPrefix        string  `json:"src_prefix,omitempty" db:"src_prefix"`
    RateAvg          int64   `json:"rate_avg" db:"rate_avg"`
    RateMin          int64   `json:"rate_min" db:"rate_min"`
    RateMax          int64   `json:"rate_max" db:"rate_max"`
    BillingIncrement int     `json:"billing_increment" db:"billing_increment"`
    SampleCount      int64   `json:"sample_count" db:"sample_count"`
    ConfidenceScore  float64 `json:"confidence_score" db:"confidence_score"`
    LastSeenAt       int64   `json:"last_seen_at" db:"last_seen_at"`
}

// FraudSaving records the estimated cost avoided by blocking a request.
type FraudSaving struct {
    ID               int64  `json:"id" db:"id"`
    RequestID        string `json:"request_id" db:"request_id"`
    EstimatedCost    int64  `json:"estimated_cost" db:"estimated_cost"`
    Channel          Channel `json:"channel" db:"channel"`
    Reason           string `json:"reason" db:"reason"`
    CreatedAt        int64  `json:"created_at" db:"created_at"`
}

// WebhookLog is one row per webhook delivery attempt.
type WebhookLog struct {
    ID         int64  `json:"id" db:"id"`
    RequestID  string `json:"request_id" db:"request_id"`
    URL        string `json:"url" db:"url"`
    Event      string `json:"event" db:"event"`
    StatusCode int    `json:"status_code" db:"status_code"`
    Attempt    int    `json:"attempt" db:"attempt"`
    Error      string `json:"error,omitempty" db:"error"`
    Delivered  bool   `json:"delivered" db:"delivered"`
    SentAt     int64  `json:"sent_at" db:"sent_at"`
}

// FraudDecision is the output of the fraud engine's scoring pipeline.
type FraudDecision struct {
    Score        int
    Reasons      []string
    Shadow       bool
    IPSubnet     string
    ASN          *int64
    IPCountry    string
    PhoneCountry string
    PhonePrefix  string
}

// DeliveryResult is returned by a channel provider's Send call. Providers
// never return a Go error to the orchestrator for carrier-level failures;
// those are reported through this struct and through emitted events.
type DeliveryResult struct {
    Success    bool
    ProviderID string
    ErrorCode  string
    ErrorMsg   string
}

// WebhookPayload is the body POSTed to a caller-supplied webhook URL.
type WebhookPayload struct {
    Event     string  `json:"event"`
    RequestID string  `json:"request_id"`
    SessionID string  `json:"session_id,omitempty"`
    Phone     string  `json:"phone"`
    Status    string  `json:"status"`
    Channel   Channel `json:"channel,omitempty"`
    Timestamp int64   `json:"timestamp"`
    Metadata  JSON    `json:"metadata,omitempty"`
}

// NowMillis returns the current time as milliseconds since epoch.
func NowMillis() int64 {
    return time.Now().UnixMilli()
}
