package provider

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/sendotp/otp-gateway/internal/callerid"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// SMSProvider sends OTP codes over the carrier's JSON:API, authenticated
// with HTTP Basic auth. No library in the reference corpus wraps outbound
// carrier HTTP calls, so this uses net/http directly with an explicit
// timeout, matching the hard 10s ceiling from the concurrency model.
type SMSProvider struct {
    cfg      config.SMSConfig
    router   *callerid.Router
    emitter  EventEmitter
    client   *http.Client
}

func NewSMSProvider(cfg config.SMSConfig, router *callerid.Router, emitter EventEmitter) *SMSProvider {
    timeout := cfg.Timeout
    if timeout <= 0 {
        timeout = 10 * time.Second
    }
    return &SMSProvider{
        cfg:     cfg,
        router:  router,
        emitter: emitter,
        client:  &http.Client{Timeout: timeout},
    }
}

func (p *SMSProvider) ChannelType() models.Channel { return models.ChannelSMS }

func (p *SMSProvider) IsAvailable(ctx context.Context) bool {
    return p.cfg.Enabled
}

type outboundMessageRequest struct {
    Data outboundMessageData `json:"data"`
}

type outboundMessageData struct {
    Type       string                 `json:"type"`
    Attributes map[string]interface{} `json:"attributes"`
}

type outboundMessageResponse struct {
    Data struct {
        ID string `json:"id"`
    } `json:"data"`
}

// Send templates the OTP into the message body, obtains a caller id from
// the caller-ID router, and POSTs to the carrier's outbound-messages
// endpoint.
func (p *SMSProvider) Send(ctx context.Context, phone, code, requestID string) (*models.DeliveryResult, error) {
    route, err := p.router.Resolve(models.ChannelSMS, phone)
    if err != nil {
        return nil, err
    }

    body := p.cfg.MessageTmpl
    if body == "" {
        body = "Your verification code is {code}"
    }
    body = strings.ReplaceAll(body, "{code}", code)

    p.emitter.Emit(ctx, requestID, models.ChannelSMS, "sms:sending", models.JSON{"caller_id": route.CallerID})

    payload := outboundMessageRequest{
        Data: outboundMessageData{
            Type: "outbound_messages",
            Attributes: map[string]interface{}{
                "source":      route.CallerID,
                "destination": phone,
                "body":        body,
            },
        },
    }
    raw, err := json.Marshal(payload)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to encode sms payload")
    }

    req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/outbound_messages", bytes.NewReader(raw))
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to build sms request")
    }
    req.Header.Set("Content-Type", "application/json")
    req.SetBasicAuth(p.cfg.Username, p.cfg.Password)

    resp, err := p.client.Do(req)
    if err != nil {
        p.emitter.Emit(ctx, requestID, models.ChannelSMS, "sms:failed", models.JSON{"error": err.Error()})
        return &models.DeliveryResult{Success: false, ErrorCode: "NETWORK_ERROR", ErrorMsg: err.Error()}, nil
    }
    defer resp.Body.Close()

    respBody, _ := io.ReadAll(resp.Body)

    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        errMsg := fmt.Sprintf("carrier returned status %d: %s", resp.StatusCode, string(respBody))
        p.emitter.Emit(ctx, requestID, models.ChannelSMS, "sms:failed", models.JSON{
            "status_code": resp.StatusCode,
            "body":        string(respBody),
        })
        return &models.DeliveryResult{Success: false, ErrorCode: fmt.Sprintf("HTTP_%d", resp.StatusCode), ErrorMsg: errMsg}, nil
    }

    var parsed outboundMessageResponse
    if err := json.Unmarshal(respBody, &parsed); err != nil {
        logger.WithError(err).Warn("failed to parse sms carrier response body")
    }

    p.emitter.Emit(ctx, requestID, models.ChannelSMS, "sms:sent", models.JSON{"provider_id": parsed.Data.ID})

    return &models.DeliveryResult{Success: true, ProviderID: parsed.Data.ID}, nil
}
