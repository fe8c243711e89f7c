package httpapi

import (
    "encoding/json"
    "fmt"
    "net/http"

    "github.com/sendotp/otp-gateway/internal/dispatch"
    "github.com/sendotp/otp-gateway/internal/models"
    apperrors "github.com/sendotp/otp-gateway/pkg/errors"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// sendOTPRequest is the body of POST /send-otp.
type sendOTPRequest struct {
    Phone      string   `json:"phone" validate:"required,e164"`
    Code       string   `json:"code" validate:"required,number,min=4,max=8"`
    Channels   []string `json:"channels" validate:"required,min=1,dive,oneof=sms voice"`
    SessionID  string   `json:"session_id"`
    WebhookURL string   `json:"webhook_url" validate:"omitempty,url"`
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
    var body sendOTPRequest
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
        return
    }
    if err := s.validate.Struct(&body); err != nil {
        writeError(w, http.StatusBadRequest, "validation_error", err.Error())
        return
    }

    channels := make([]models.Channel, 0, len(body.Channels))
    for _, c := range body.Channels {
        channels = append(channels, models.Channel(c))
    }

    clientIP := clientIPFromRequest(r)

    resp, err := s.dispatch.Dispatch(r.Context(), dispatch.SendRequest{
        Phone:      body.Phone,
        Code:       body.Code,
        ClientIP:   clientIP,
        SessionID:  body.SessionID,
        WebhookURL: body.WebhookURL,
        Channels:   channels,
    })
    if err != nil {
        writeAppError(w, err)
        return
    }

    writeJSON(w, http.StatusAccepted, resp)
}

// authWebhookRequest is the body of POST /webhooks/auth, posted by the
// caller's own verification service after it checks the user-entered code.
type authWebhookRequest struct {
    RequestID string `json:"request_id" validate:"required"`
    Success   bool   `json:"success"`
}

func (s *Server) handleAuthWebhook(w http.ResponseWriter, r *http.Request) {
    var body authWebhookRequest
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
        return
    }
    if err := s.validate.Struct(&body); err != nil {
        writeError(w, http.StatusBadRequest, "validation_error", err.Error())
        return
    }

    if err := s.sm.HandleAuthFeedback(r.Context(), body.RequestID, body.Success); err != nil {
        writeAppError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// dlrWebhookRequest is the body of POST /webhooks/dlr, the carrier's
// delivery-report callback for an in-flight send.
type dlrWebhookRequest struct {
    RequestID  string `json:"request_id" validate:"required"`
    Channel    string `json:"channel" validate:"required,oneof=sms voice"`
    EventType  string `json:"event_type" validate:"required"`
    ProviderID string `json:"provider_id"`
}

// handleDLRWebhook always returns 200 regardless of outcome: carriers
// retry on non-2xx and a malformed or unrecognized callback must not be
// retried into a backlog.
func (s *Server) handleDLRWebhook(w http.ResponseWriter, r *http.Request) {
    var body dlrWebhookRequest
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        logger.WithError(err).Warn("dlr webhook: malformed body")
        writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
        return
    }
    if err := s.validate.Struct(&body); err != nil {
        logger.WithError(err).Warn("dlr webhook: validation failed")
        writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
        return
    }

    payload := models.JSON{}
    if body.ProviderID != "" {
        payload["provider_id"] = body.ProviderID
    }
    s.dispatch.Emit(r.Context(), body.RequestID, models.Channel(body.Channel), body.EventType, payload)

    writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// cdrWebhookRequest is the body of POST /webhooks/cdr, a single completed
// call/message detail record submitted by the carrier for rate learning.
type cdrWebhookRequest struct {
    SourceNumber    string `json:"source_number" validate:"required"`
    DestNumber      string `json:"dest_number" validate:"required"`
    Channel         string `json:"channel" validate:"required,oneof=sms voice"`
    DurationSeconds int    `json:"duration_seconds"`
    BillingDuration int    `json:"billing_duration"`
    Rate            int64  `json:"rate"`
    Price           int64  `json:"price"`
    Success         bool   `json:"success"`
    DisconnectCode  string `json:"disconnect_code"`
}

func (s *Server) handleCDRWebhook(w http.ResponseWriter, r *http.Request) {
    var body cdrWebhookRequest
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
        return
    }
    if err := s.validate.Struct(&body); err != nil {
        writeError(w, http.StatusBadRequest, "validation_error", err.Error())
        return
    }

    record := &models.CdrRecord{
        SourceNumber:    body.SourceNumber,
        DestNumber:      body.DestNumber,
        SourcePrefix:    prefixOf(body.SourceNumber),
        DestPrefix:      prefixOf(body.DestNumber),
        Channel:         models.Channel(body.Channel),
        DurationSeconds: body.DurationSeconds,
        BillingDuration: body.BillingDuration,
        Rate:            body.Rate,
        Price:           body.Price,
        Success:         body.Success,
        DisconnectCode:  body.DisconnectCode,
        CreatedAt:       models.NowMillis(),
    }

    if err := s.ratings.BulkInsertCDRs(r.Context(), []*models.CdrRecord{record}); err != nil {
        writeAppError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleLiveFeed streams admitted OtpEvents as server-sent events. Best
// effort: a slow client drops events rather than backpressuring the bus.
func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
    flusher, ok := w.(http.Flusher)
    if !ok {
        writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
        return
    }

    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    w.WriteHeader(http.StatusOK)
    flusher.Flush()

    events := s.bus.SubscribeBestEffort("live-feed", 256)
    ctx := r.Context()

    for {
        select {
        case <-ctx.Done():
            return
        case event, ok := <-events:
            if !ok {
                return
            }
            data, err := json.Marshal(event)
            if err != nil {
                continue
            }
            fmt.Fprintf(w, "data: %s\n\n", data)
            flusher.Flush()
        }
    }
}

func prefixOf(number string) string {
    n := number
    if len(n) > 0 && n[0] == '+' {
        n = n[1:]
    }
    if len(n) > 4 {
        return n[:4]
    }
    return n
}

func clientIPFromRequest(r *http.Request) string {
    if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
        return fwd
    }
    host := r.RemoteAddr
    if idx := lastIndexByte(host, ':'); idx >= 0 {
        return host[:idx]
    }
    return host
}

func lastIndexByte(s string, b byte) int {
    for i := len(s) - 1; i >= 0; i-- {
        if s[i] == b {
            return i
        }
    }
    return -1
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
    writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeAppError(w http.ResponseWriter, err error) {
    if appErr, ok := err.(*apperrors.AppError); ok {
        writeError(w, appErr.StatusCode, string(appErr.Code), appErr.Message)
        return
    }
    logger.WithError(err).Error("unhandled httpapi error")
    writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
