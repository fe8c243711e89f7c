package provider

import (
    "context"
    "strconv"
    "sync"

    "github.com/sendotp/otp-gateway/internal/ami"
    "github.com/sendotp/otp-gateway/internal/calltracker"
    "github.com/sendotp/otp-gateway/internal/callerid"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/models"
)

// VoiceProvider originates an outbound PJSIP call and drives the OTP
// playback over the voice channel. Grounded directly on
// internal/ami/manager.go: Originate places the call, AMI events
// (registered via RegisterEventHandler) drive the rest of the lifecycle.
type VoiceProvider struct {
    cfg     config.VoiceConfig
    ami     *ami.Manager
    router  *callerid.Router
    tracker *calltracker.Tracker
    emitter EventEmitter

    ringingMu      sync.Mutex
    ringingEmitted map[string]bool // guards against the AMI/synthetic double-emission noted in design
}

func NewVoiceProvider(cfg config.VoiceConfig, mgr *ami.Manager, router *callerid.Router, tracker *calltracker.Tracker, emitter EventEmitter) *VoiceProvider {
    p := &VoiceProvider{
        cfg:            cfg,
        ami:            mgr,
        router:         router,
        tracker:        tracker,
        emitter:        emitter,
        ringingEmitted: make(map[string]bool),
    }
    mgr.RegisterEventHandler("DialBegin", p.onRinging)
    mgr.RegisterEventHandler("DialEnd", p.onDialEnd)
    mgr.RegisterEventHandler("Hangup", p.onHangup)
    return p
}

func (p *VoiceProvider) ChannelType() models.Channel { return models.ChannelVoice }

func (p *VoiceProvider) IsAvailable(ctx context.Context) bool {
    return p.cfg.Enabled && p.ami.IsConnected() && p.ami.IsLoggedIn()
}

func (p *VoiceProvider) Send(ctx context.Context, phone, code, requestID string) (*models.DeliveryResult, error) {
    route, err := p.router.Resolve(models.ChannelVoice, phone)
    if err != nil {
        return nil, err
    }

    p.tracker.RegisterCall(requestID, route.CallerID)
    p.emitter.Emit(ctx, requestID, models.ChannelVoice, "voice:calling", models.JSON{"caller_id": route.CallerID})

    channelID, err := p.ami.Originate(phone, route.CallerID, map[string]string{
        "OTP_REQUEST_ID": requestID,
        "OTP_CODE":       code,
    })
    if err != nil {
        p.emitter.Emit(ctx, requestID, models.ChannelVoice, "voice:failed", models.JSON{"error": err.Error()})
        return &models.DeliveryResult{Success: false, ErrorCode: "ORIGINATE_FAILED", ErrorMsg: err.Error()}, nil
    }

    p.tracker.SetChannelID(requestID, channelID)
    p.emitRinging(ctx, requestID)

    return &models.DeliveryResult{Success: true, ProviderID: channelID}, nil
}

// emitRinging is called from both the originate success path and from a
// real DialBegin AMI event; only the first call for a given request
// actually emits, per the open design note on ringing double-emission.
func (p *VoiceProvider) emitRinging(ctx context.Context, requestID string) {
    p.ringingMu.Lock()
    if p.ringingEmitted[requestID] {
        p.ringingMu.Unlock()
        return
    }
    p.ringingEmitted[requestID] = true
    p.ringingMu.Unlock()
    p.emitter.Emit(ctx, requestID, models.ChannelVoice, "voice:ringing", nil)
}

func (p *VoiceProvider) onRinging(event ami.Event) {
    requestID := event["OTP_REQUEST_ID"]
    if requestID == "" {
        return
    }
    p.emitRinging(context.Background(), requestID)
}

func (p *VoiceProvider) onDialEnd(event ami.Event) {
    requestID := event["OTP_REQUEST_ID"]
    if requestID == "" {
        return
    }
    switch event["DialStatus"] {
    case "ANSWER":
        ringDuration, ok := p.tracker.MarkAnswered(requestID)
        payload := models.JSON{"answered": true}
        if ok {
            payload["ring_duration_ms"] = ringDuration.Milliseconds()
        }
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:answered", payload)
    case "NOANSWER":
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:no_answer", nil)
    case "BUSY":
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:busy", nil)
    case "CONGESTION", "CHANUNAVAIL":
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:failed", models.JSON{"dial_status": event["DialStatus"]})
    }
}

func (p *VoiceProvider) onHangup(event ami.Event) {
    requestID := event["OTP_REQUEST_ID"]
    if requestID == "" {
        return
    }

    cause, _ := strconv.Atoi(event["Cause"])
    ringDuration, talkDuration, systemHangup, ok := p.tracker.EndCall(requestID)

    p.ringingMu.Lock()
    delete(p.ringingEmitted, requestID)
    p.ringingMu.Unlock()

    if !ok {
        return
    }

    payload := models.JSON{
        "cause":             cause,
        "cause_txt":         event["Cause-txt"],
        "ring_duration_ms":  ringDuration.Milliseconds(),
        "talk_duration_ms":  talkDuration.Milliseconds(),
        "system_hangup":     systemHangup,
    }

    if systemHangup {
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:completed", payload)
    } else {
        p.emitter.Emit(context.Background(), requestID, models.ChannelVoice, "voice:hangup", payload)
    }
}

// MarkOtpPlayed records that OTP playback finished, marks the call for a
// system hangup and emits voice:playing. It does not emit voice:completed
// itself; onHangup emits that when the Hangup event arrives for a call
// marked this way. Exposed for the control surface that plays the code
// over the bridged channel.
func (p *VoiceProvider) MarkOtpPlayed(ctx context.Context, requestID string) {
    p.tracker.MarkOtpPlayed(requestID)
    p.tracker.MarkSystemHangup(requestID)
    p.emitter.Emit(ctx, requestID, models.ChannelVoice, "voice:playing", nil)
}
