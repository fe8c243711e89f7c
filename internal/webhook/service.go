// Package webhook delivers OtpEvent-derived notifications to the
// caller-supplied webhook_url (C9). Grounded on the teacher's
// internal/ami/manager.go reconnect loop shape (goroutine-per-concern,
// backoff-driven retry) generalized with a real backoff library instead
// of the teacher's hand-rolled ReconnectInterval sleep.
package webhook

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net"
    "net/http"
    "net/url"
    "strings"
    "sync"
    "time"

    "github.com/cenkalti/backoff/v4"

    "github.com/sendotp/otp-gateway/internal/bus"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// Service delivers webhook notifications in request_id order, retrying
// each attempt with exponential backoff before giving up.
type Service struct {
    cfg      config.WebhookConfig
    requests *db.RequestRepo
    logs     *db.WebhookRepo
    client   *http.Client

    events <-chan models.OtpEvent

    mu     sync.Mutex
    queues map[string]chan models.OtpEvent
    wg     sync.WaitGroup

    shutdown chan struct{}
}

func New(cfg config.WebhookConfig, requests *db.RequestRepo, logs *db.WebhookRepo, eventBus *bus.Bus) *Service {
    return &Service{
        cfg:      cfg,
        requests: requests,
        logs:     logs,
        client:   &http.Client{Timeout: cfg.RequestTimeout},
        events:   eventBus.SubscribeBestEffort("webhook", cfg.QueueSize),
        queues:   make(map[string]chan models.OtpEvent),
        shutdown: make(chan struct{}),
    }
}

// Start runs the dispatch loop in its own goroutine; the crash-recovery
// scan is the separate Recover call. Call Stop to drain in-flight
// deliveries.
func (s *Service) Start(ctx context.Context) {
    s.wg.Add(1)
    go s.run(ctx)
}

func (s *Service) Stop() {
    close(s.shutdown)
    s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
    defer s.wg.Done()
    for {
        select {
        case event, ok := <-s.events:
            if !ok {
                return
            }
            s.route(ctx, event)
        case <-s.shutdown:
            return
        case <-ctx.Done():
            return
        }
    }
}

// route hands the event to the per-request ordering queue, creating one
// (and its worker goroutine) lazily on first use.
func (s *Service) route(ctx context.Context, event models.OtpEvent) {
    s.mu.Lock()
    q, ok := s.queues[event.RequestID]
    if !ok {
        q = make(chan models.OtpEvent, 32)
        s.queues[event.RequestID] = q
        s.wg.Add(1)
        go s.drain(ctx, event.RequestID, q)
    }
    s.mu.Unlock()

    select {
    case q <- event:
    case <-s.shutdown:
    }
}

// drain processes one request's events strictly in arrival order, so a
// caller never observes e.g. "delivered" before "sent". The queue is torn
// down once the request reaches a terminal event type, bounding memory.
func (s *Service) drain(ctx context.Context, requestID string, q chan models.OtpEvent) {
    defer s.wg.Done()
    defer func() {
        s.mu.Lock()
        delete(s.queues, requestID)
        s.mu.Unlock()
    }()

    for {
        select {
        case event, ok := <-q:
            if !ok {
                return
            }
            s.deliverOne(ctx, event)
            if isTerminalEventType(event.EventType) {
                return
            }
        case <-s.shutdown:
            return
        }
    }
}

func isTerminalEventType(eventType string) bool {
    switch eventType {
    case "sms:delivered", "sms:failed", "sms:undelivered",
        "voice:completed", "voice:failed", "voice:no_answer", "voice:busy":
        return true
    default:
        return false
    }
}

// deliverOne loads the owning request, validates its webhook_url, and
// retries the POST up to MaxAttempts with exponential backoff, logging
// every attempt.
func (s *Service) deliverOne(ctx context.Context, event models.OtpEvent) {
    req, err := s.requests.FindByID(ctx, event.RequestID)
    if err != nil {
        logger.WithError(err).WithField("request_id", event.RequestID).Warn("webhook service failed to load request")
        return
    }
    if req.WebhookURL == "" {
        return
    }
    if err := validateWebhookURL(req.WebhookURL); err != nil {
        logger.WithError(err).WithField("request_id", event.RequestID).Warn("rejected webhook url")
        return
    }

    delivered, err := s.logs.WasDelivered(ctx, event.RequestID)
    if err != nil {
        logger.WithError(err).Warn("failed to check prior webhook delivery")
    }
    if delivered {
        return
    }

    payload := models.WebhookPayload{
        Event:     event.EventType,
        RequestID: req.ID,
        SessionID: req.SessionID,
        Phone:     req.Phone,
        Status:    string(req.CombinedStatus()),
        Channel:   event.Channel,
        Timestamp: event.CreatedAt,
        Metadata:  event.Payload,
    }
    body, err := json.Marshal(payload)
    if err != nil {
        logger.WithError(err).Warn("failed to marshal webhook payload")
        return
    }

    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = s.cfg.InitialBackoff
    bo.MaxInterval = s.cfg.MaxBackoff
    bo.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall clock

    attempt := 0
    for attempt < s.cfg.MaxAttempts {
        attempt++
        statusCode, sendErr := s.post(ctx, req.WebhookURL, body)
        now := models.NowMillis()
        success := sendErr == nil && statusCode >= 200 && statusCode < 300

        errMsg := ""
        if sendErr != nil {
            errMsg = sendErr.Error()
        }
        logErr := s.logs.InsertLog(ctx, &models.WebhookLog{
            RequestID:  req.ID,
            URL:        req.WebhookURL,
            Event:      event.EventType,
            Attempt:    attempt,
            StatusCode: statusCode,
            Delivered:  success,
            Error:      errMsg,
            SentAt:     now,
        })
        if logErr != nil {
            logger.WithError(logErr).Warn("failed to persist webhook attempt")
        }

        if success {
            return
        }

        if attempt >= s.cfg.MaxAttempts {
            logger.WithField("request_id", req.ID).WithField("url", req.WebhookURL).
                WithField("attempts", attempt).Warn("webhook delivery exhausted retries")
            return
        }

        wait := bo.NextBackOff()
        select {
        case <-time.After(wait):
        case <-s.shutdown:
            return
        case <-ctx.Done():
            return
        }
    }
}

func (s *Service) post(ctx context.Context, webhookURL string, body []byte) (int, error) {
    httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
    if err != nil {
        return 0, err
    }
    httpReq.Header.Set("Content-Type", "application/json")

    resp, err := s.client.Do(httpReq)
    if err != nil {
        return 0, err
    }
    defer resp.Body.Close()
    io.Copy(io.Discard, resp.Body)
    return resp.StatusCode, nil
}

// Recover re-queues requests whose webhook delivery never recorded a
// success, meant to be called once at startup so a crash mid-backoff
// doesn't silently drop a notification.
func (s *Service) Recover(ctx context.Context) error {
    candidates, err := s.logs.ListUndelivered(ctx)
    if err != nil {
        return err
    }
    for _, c := range candidates {
        if c.Attempts >= s.cfg.MaxAttempts {
            continue
        }
        logger.WithField("request_id", c.RequestID).Info("resuming undelivered webhook after restart")
        s.route(ctx, models.OtpEvent{RequestID: c.RequestID, EventType: c.Event, CreatedAt: models.NowMillis()})
    }
    return nil
}

// validateWebhookURL rejects non-http(s) schemes and loopback/link-local/
// private targets, since the URL is caller-supplied and the gateway would
// otherwise originate an internal-network request on the caller's behalf.
func validateWebhookURL(raw string) error {
    u, err := url.Parse(raw)
    if err != nil {
        return errors.Wrap(err, errors.ErrValidation, "malformed webhook url")
    }
    if u.Scheme != "http" && u.Scheme != "https" {
        return errors.New(errors.ErrValidation, "webhook url must be http or https")
    }
    host := u.Hostname()
    if host == "" {
        return errors.New(errors.ErrValidation, "webhook url missing host")
    }
    if strings.EqualFold(host, "localhost") {
        return errors.New(errors.ErrValidation, "webhook url must not target localhost")
    }
    ips, err := net.LookupIP(host)
    if err != nil {
        // DNS resolution failure is a delivery-time concern, not an
        // admission-time one; let the POST itself fail and retry.
        return nil
    }
    for _, ip := range ips {
        if isDisallowedIP(ip) {
            return errors.New(errors.ErrValidation, fmt.Sprintf("webhook url resolves to a disallowed address: %s", ip))
        }
    }
    return nil
}

func isDisallowedIP(ip net.IP) bool {
    return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
        ip.IsPrivate() || ip.IsUnspecified()
}
