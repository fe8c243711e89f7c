package provider

import (
    "context"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/sendotp/otp-gateway/internal/ami"
    "github.com/sendotp/otp-gateway/internal/callerid"
    "github.com/sendotp/otp-gateway/internal/calltracker"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/models"
)

func TestVoiceProvider_Send_NoRouteReturnsError(t *testing.T) {
    router := callerid.NewRouter(nil) // no Reload: empty table, no DB access needed
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, router, calltracker.NewTracker(), &fakeEmitter{})

    _, err := p.Send(context.Background(), "+15551234567", "123456", "req-1")
    assert.Error(t, err)
}

func TestVoiceProvider_Send_OriginateFailsWhenNotConnectedEmitsCallingAndFailed(t *testing.T) {
    router := newTestRouterWithRoute(t, models.ChannelVoice, "1", "+15005550006")
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    emitter := &fakeEmitter{}
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, router, calltracker.NewTracker(), emitter)

    result, err := p.Send(context.Background(), "+15551234567", "123456", "req-1")
    require.NoError(t, err)
    assert.False(t, result.Success)
    assert.Equal(t, "ORIGINATE_FAILED", result.ErrorCode)
    assert.Equal(t, []string{"voice:calling", "voice:failed"}, emitter.events)
}

func TestVoiceProvider_IsAvailable_FalseWhenManagerNotConnected(t *testing.T) {
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, nil, calltracker.NewTracker(), &fakeEmitter{})
    assert.False(t, p.IsAvailable(context.Background()))
}

func TestVoiceProvider_OnDialEnd_AnsweredEmitsAnsweredEvent(t *testing.T) {
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    tracker := calltracker.NewTracker()
    emitter := &fakeEmitter{}
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, nil, tracker, emitter)

    tracker.RegisterCall("req-1", "+15005550006")
    p.onDialEnd(ami.Event{"OTP_REQUEST_ID": "req-1", "DialStatus": "ANSWER"})

    assert.Contains(t, emitter.events, "voice:answered")
}

func TestVoiceProvider_OnDialEnd_NoAnswerEmitsNoAnswerEvent(t *testing.T) {
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    tracker := calltracker.NewTracker()
    emitter := &fakeEmitter{}
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, nil, tracker, emitter)

    tracker.RegisterCall("req-1", "+15005550006")
    p.onDialEnd(ami.Event{"OTP_REQUEST_ID": "req-1", "DialStatus": "NOANSWER"})

    assert.Equal(t, []string{"voice:no_answer"}, emitter.events)
}

func TestVoiceProvider_OnHangup_SystemHangupEmitsCompleted(t *testing.T) {
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    tracker := calltracker.NewTracker()
    emitter := &fakeEmitter{}
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, nil, tracker, emitter)

    tracker.RegisterCall("req-1", "+15005550006")
    tracker.MarkAnswered("req-1")
    p.MarkOtpPlayed(context.Background(), "req-1")

    p.onHangup(ami.Event{"OTP_REQUEST_ID": "req-1", "Cause": "16", "Cause-txt": "Normal Clearing"})

    assert.Contains(t, emitter.events, "voice:completed")
}

func TestVoiceProvider_OnHangup_UnknownRequestIsIgnored(t *testing.T) {
    mgr := ami.NewManager(ami.Config{Trunk: "test-trunk"})
    tracker := calltracker.NewTracker()
    emitter := &fakeEmitter{}
    p := NewVoiceProvider(config.VoiceConfig{Enabled: true}, mgr, nil, tracker, emitter)

    p.onHangup(ami.Event{"OTP_REQUEST_ID": "unknown-req", "Cause": "16"})

    assert.Empty(t, emitter.events)
}
