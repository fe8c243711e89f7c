package provider

import (
    "context"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/sendotp/otp-gateway/internal/callerid"
    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
)

type fakeEmitter struct {
    events []string
}

func (f *fakeEmitter) Emit(ctx context.Context, requestID string, channel models.Channel, eventType string, payload models.JSON) {
    f.events = append(f.events, eventType)
}

func newTestRouterWithRoute(t *testing.T, channel models.Channel, prefix, callerID string) *callerid.Router {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)

    // ReloadAll loads the sms table first, then the voice table; only the
    // requested channel gets the route.
    for _, ch := range []models.Channel{models.ChannelSMS, models.ChannelVoice} {
        rows := sqlmock.NewRows([]string{"id", "channel", "prefix", "caller_id", "description", "enabled", "created_at", "updated_at"})
        if ch == channel {
            rows.AddRow(1, string(channel), prefix, callerID, "", true, int64(0), int64(0))
        }
        mock.ExpectQuery("SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at").
            WithArgs(string(ch)).WillReturnRows(rows)
    }

    r := callerid.NewRouter(db.NewRouteRepo(&db.DB{DB: mockDB}))
    require.NoError(t, r.ReloadAll(context.Background()))
    return r
}

func TestSMSProvider_Send_SuccessEmitsSendingAndSentEvents(t *testing.T) {
    server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        w.Write([]byte(`{"data":{"id":"msg-123"}}`))
    }))
    defer server.Close()

    router := newTestRouterWithRoute(t, models.ChannelSMS, "1", "+15005550006")
    emitter := &fakeEmitter{}
    p := NewSMSProvider(config.SMSConfig{Enabled: true, BaseURL: server.URL}, router, emitter)

    result, err := p.Send(context.Background(), "+15551234567", "123456", "req-1")
    require.NoError(t, err)
    assert.True(t, result.Success)
    assert.Equal(t, "msg-123", result.ProviderID)
    assert.Equal(t, []string{"sms:sending", "sms:sent"}, emitter.events)
}

func TestSMSProvider_Send_CarrierErrorStatusReturnsFailedResult(t *testing.T) {
    server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadRequest)
        w.Write([]byte(`{"error":"invalid destination"}`))
    }))
    defer server.Close()

    router := newTestRouterWithRoute(t, models.ChannelSMS, "1", "+15005550006")
    emitter := &fakeEmitter{}
    p := NewSMSProvider(config.SMSConfig{Enabled: true, BaseURL: server.URL}, router, emitter)

    result, err := p.Send(context.Background(), "+15551234567", "123456", "req-1")
    require.NoError(t, err)
    assert.False(t, result.Success)
    assert.Equal(t, []string{"sms:sending", "sms:failed"}, emitter.events)
}

func TestSMSProvider_Send_NoRouteReturnsError(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    mock.ExpectQuery("SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at").
        WithArgs(string(models.ChannelSMS)).WillReturnRows(sqlmock.NewRows(
        []string{"id", "channel", "prefix", "caller_id", "description", "enabled", "created_at", "updated_at"}))
    mock.ExpectQuery("SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at").
        WithArgs(string(models.ChannelVoice)).WillReturnRows(sqlmock.NewRows(
        []string{"id", "channel", "prefix", "caller_id", "description", "enabled", "created_at", "updated_at"}))

    router := callerid.NewRouter(db.NewRouteRepo(&db.DB{DB: mockDB}))
    require.NoError(t, router.ReloadAll(context.Background()))

    p := NewSMSProvider(config.SMSConfig{Enabled: true}, router, &fakeEmitter{})
    _, err = p.Send(context.Background(), "+15551234567", "123456", "req-1")
    assert.Error(t, err)
}

func TestSMSProvider_IsAvailable_ReflectsEnabledFlag(t *testing.T) {
    p := NewSMSProvider(config.SMSConfig{Enabled: false}, nil, nil)
    assert.False(t, p.IsAvailable(context.Background()))
    p2 := NewSMSProvider(config.SMSConfig{Enabled: true}, nil, nil)
    assert.True(t, p2.IsAvailable(context.Background()))
}
