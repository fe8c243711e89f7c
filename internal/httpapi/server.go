// Package httpapi exposes the OTP gateway's ingress and webhook-callback
// surface. Grounded on the teacher's internal/health/health.go mux-server
// shape and internal/agi/server.go's accept-loop/shutdown lifecycle,
// generalized from a raw-TCP AGI listener to an HTTP server.
package httpapi

import (
    "bytes"
    "context"
    "encoding/json"
    "io"
    "net/http"
    "time"

    "github.com/go-playground/validator/v10"
    "github.com/gorilla/mux"

    "github.com/sendotp/otp-gateway/internal/bus"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/dispatch"
    "github.com/sendotp/otp-gateway/internal/statemachine"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// Server is the ingress HTTP surface: POST /send-otp, the three webhook
// callback routes, and an admin SSE live feed.
type Server struct {
    cfg      config.HTTPConfig
    dispatch *dispatch.Dispatcher
    sm       *statemachine.StateMachine
    ratings  *db.RatingRepo
    bus      *bus.Bus
    validate *validator.Validate

    httpServer *http.Server
}

func NewServer(cfg config.HTTPConfig, d *dispatch.Dispatcher, sm *statemachine.StateMachine, ratings *db.RatingRepo, eventBus *bus.Bus) *Server {
    s := &Server{
        cfg:      cfg,
        dispatch: d,
        sm:       sm,
        ratings:  ratings,
        bus:      eventBus,
        validate: validator.New(),
    }

    router := mux.NewRouter()
    router.HandleFunc("/send-otp", s.authenticated(s.handleSendOTP)).Methods(http.MethodPost)
    router.HandleFunc("/webhooks/auth", s.handleAuthWebhook).Methods(http.MethodPost)
    router.HandleFunc("/webhooks/dlr", s.handleDLRWebhook).Methods(http.MethodPost)
    router.HandleFunc("/webhooks/cdr", s.handleCDRWebhook).Methods(http.MethodPost)
    router.HandleFunc("/admin/live-feed", s.authenticated(s.handleLiveFeed)).Methods(http.MethodGet)

    s.httpServer = &http.Server{
        Addr:         cfg.GetHTTPAddr(),
        Handler:      router,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
        IdleTimeout:  cfg.IdleTimeout,
    }

    return s
}

func (s *Server) Start() error {
    logger.WithField("addr", s.httpServer.Addr).Info("http api server started")
    err := s.httpServer.ListenAndServe()
    if err == http.ErrServerClosed {
        return nil
    }
    return err
}

func (s *Server) Stop() error {
    timeout := s.cfg.ShutdownTimeout
    if timeout <= 0 {
        timeout = 30 * time.Second
    }
    ctx, cancel := context.WithTimeout(context.Background(), timeout)
    defer cancel()
    return s.httpServer.Shutdown(ctx)
}

// authenticated requires the shared secret, honored either as the
// X-Api-Secret header or as a "secret" field in a JSON request body.
// NewServer wraps /send-otp and /admin/live-feed with it; the three
// /webhooks/* routes, /webhooks/auth included, are served without it.
// The body is peeked non-destructively so the wrapped handler can still
// decode it in full afterward.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        secret := r.Header.Get("X-Api-Secret")
        if secret == "" {
            secret = s.secretFromBody(r)
        }
        if secret == "" || secret != s.cfg.APISecret {
            writeError(w, http.StatusForbidden, "forbidden", "invalid or missing api secret")
            return
        }
        next(w, r)
    }
}

func (s *Server) secretFromBody(r *http.Request) string {
    if r.Body == nil {
        return ""
    }
    raw, err := io.ReadAll(r.Body)
    r.Body.Close()
    r.Body = io.NopCloser(bytes.NewReader(raw))
    if err != nil || len(raw) == 0 {
        return ""
    }

    var peek struct {
        Secret string `json:"secret"`
    }
    if err := json.Unmarshal(raw, &peek); err != nil {
        return ""
    }
    return peek.Secret
}
