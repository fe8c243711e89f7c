package dispatch

import (
    "context"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/internal/provider"
)

func TestDigestCode_IsDeterministicAndKeyed(t *testing.T) {
    d1 := &Dispatcher{pepper: "pepper-a"}
    d2 := &Dispatcher{pepper: "pepper-a"}
    d3 := &Dispatcher{pepper: "pepper-b"}

    a := d1.digestCode("123456")
    b := d2.digestCode("123456")
    c := d3.digestCode("123456")

    assert.Equal(t, a, b, "same pepper and code must digest identically")
    assert.NotEqual(t, a, c, "different pepper must change the digest")
    assert.NotContains(t, a, "123456", "digest must never contain the plaintext code")
}

func TestChannelStrings_PreservesOrder(t *testing.T) {
    out := channelStrings([]models.Channel{models.ChannelSMS, models.ChannelVoice})
    assert.Equal(t, []string{"sms", "voice"}, out)
}

// fakeProvider lets deliver's failover logic be exercised without a real
// SMS/voice backend.
type fakeProvider struct {
    channel   models.Channel
    available bool
    result    *models.DeliveryResult
    err       error
    sendCalls int
}

func (f *fakeProvider) ChannelType() models.Channel           { return f.channel }
func (f *fakeProvider) IsAvailable(ctx context.Context) bool  { return f.available }
func (f *fakeProvider) Send(ctx context.Context, phone, code, requestID string) (*models.DeliveryResult, error) {
    f.sendCalls++
    return f.result, f.err
}

func newTestRequestRepo(t *testing.T) (*db.RequestRepo, sqlmock.Sqlmock) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    return db.NewRequestRepo(&db.DB{DB: mockDB}), mock
}

func TestDeliver_SkipsUnavailableProviderAndSucceedsOnFailover(t *testing.T) {
    repo, mock := newTestRequestRepo(t)
    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))

    sms := &fakeProvider{channel: models.ChannelSMS, available: false}
    voice := &fakeProvider{channel: models.ChannelVoice, available: true,
        result: &models.DeliveryResult{Success: true, ProviderID: "call-1"}}

    d := &Dispatcher{
        requests: repo,
        failover: true,
        providers: map[models.Channel]provider.Provider{
            models.ChannelSMS:   sms,
            models.ChannelVoice: voice,
        },
    }

    record := &models.OtpRequest{ID: "req-1", Phone: "+15550001111"}
    d.deliver(context.Background(), record, []models.Channel{models.ChannelSMS, models.ChannelVoice}, "123456")

    assert.Equal(t, 0, sms.sendCalls, "unavailable provider must not be sent to")
    assert.Equal(t, 1, voice.sendCalls)
    require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_StopsAtFirstFailureWhenFailoverDisabled(t *testing.T) {
    repo, mock := newTestRequestRepo(t)
    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()
    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    sms := &fakeProvider{channel: models.ChannelSMS, available: true,
        result: &models.DeliveryResult{Success: false, ErrorMsg: "carrier rejected"}}
    voice := &fakeProvider{channel: models.ChannelVoice, available: true,
        result: &models.DeliveryResult{Success: true, ProviderID: "call-1"}}

    d := &Dispatcher{
        requests: repo,
        failover: false,
        providers: map[models.Channel]provider.Provider{
            models.ChannelSMS:   sms,
            models.ChannelVoice: voice,
        },
    }

    record := &models.OtpRequest{ID: "req-2", Phone: "+15550001111"}
    d.deliver(context.Background(), record, []models.Channel{models.ChannelSMS, models.ChannelVoice}, "123456")

    assert.Equal(t, 1, sms.sendCalls)
    assert.Equal(t, 0, voice.sendCalls, "failover disabled must not try the next channel")
    require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnyChannelAvailable_FalseWhenEveryRequestedChannelIsDown(t *testing.T) {
    d := &Dispatcher{
        providers: map[models.Channel]provider.Provider{
            models.ChannelVoice: &fakeProvider{channel: models.ChannelVoice, available: false},
        },
    }

    assert.False(t, d.anyChannelAvailable(context.Background(), []models.Channel{models.ChannelVoice}))
}

func TestAnyChannelAvailable_TrueWhenAtLeastOneRequestedChannelIsUp(t *testing.T) {
    d := &Dispatcher{
        providers: map[models.Channel]provider.Provider{
            models.ChannelSMS:   &fakeProvider{channel: models.ChannelSMS, available: false},
            models.ChannelVoice: &fakeProvider{channel: models.ChannelVoice, available: true},
        },
    }

    assert.True(t, d.anyChannelAvailable(context.Background(), []models.Channel{models.ChannelSMS, models.ChannelVoice}))
}

func TestDeliver_AllChannelsFailedRecordsTerminalFailure(t *testing.T) {
    repo, mock := newTestRequestRepo(t)
    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()
    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    sms := &fakeProvider{channel: models.ChannelSMS, available: true,
        result: &models.DeliveryResult{Success: false, ErrorMsg: "carrier rejected"}}

    d := &Dispatcher{
        requests: repo,
        failover: true,
        providers: map[models.Channel]provider.Provider{
            models.ChannelSMS: sms,
        },
    }

    record := &models.OtpRequest{ID: "req-3", Phone: "+15550001111"}
    d.deliver(context.Background(), record, []models.Channel{models.ChannelSMS}, "123456")

    assert.Equal(t, 1, sms.sendCalls)
    require.NoError(t, mock.ExpectationsWereMet())
}
