package fraud

import (
    "context"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
)

func TestSubnet_IPv4MasksToSlash24(t *testing.T) {
    assert.Equal(t, "203.0.113.0/24", Subnet("203.0.113.77"))
}

func TestSubnet_IPv4MappedIPv6IsUnwrapped(t *testing.T) {
    assert.Equal(t, "203.0.113.0/24", Subnet("::ffff:203.0.113.77"))
}

func TestSubnet_IPv6MasksToSlash64(t *testing.T) {
    assert.Equal(t, "2001:db8::/64", Subnet("2001:db8::1234:5678:9abc:def0"))
}

func TestPhonePrefix_TruncatesToSixDigits(t *testing.T) {
    assert.Equal(t, "141555", PhonePrefix("+1415551234"))
}

func TestPhonePrefix_ShortNumberUnchanged(t *testing.T) {
    assert.Equal(t, "441", PhonePrefix("+441"))
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, sqlmock.Sqlmock) {
    fraudDB, fraudMock, err := sqlmock.New()
    require.NoError(t, err)
    repDB, repMock, err := sqlmock.New()
    require.NoError(t, err)

    e := NewEngine(
        config.FraudConfig{BreakerCooldown: time.Minute},
        db.NewFraudRepo(&db.DB{DB: fraudDB}),
        db.NewReputationRepo(&db.DB{DB: repDB}),
        nil, nil, nil, nil,
    )
    return e, fraudMock, repMock
}

func TestCheckHardBlockers_OpenBreakerOnChosenChannelIsHardBlocker(t *testing.T) {
    e, fraudMock, repMock := newTestEngine(t)

    fraudMock.ExpectQuery("SELECT ip_subnet, reason, expires_at, created_at FROM honeypot_ips").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))
    repMock.ExpectQuery("SELECT ip_subnet, total, verified, failed, banned, ban_reason, updated_at FROM ip_reputation").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))
    repMock.ExpectQuery("SELECT `key`, state, failures, successes, opened_at, half_open_at, window_started_at, updated_at FROM circuit_breaker").
        WithArgs("channel:sms").WillReturnRows(sqlmock.NewRows(
        []string{"key", "state", "failures", "successes", "opened_at", "half_open_at", "window_started_at", "updated_at"}).
        AddRow("channel:sms", "open", 5, 0, 1000, 0, 1000, 1000))

    hit, reason, err := e.checkHardBlockers(context.Background(), "203.0.113.0/24", nil, models.ChannelSMS, 1500)
    require.NoError(t, err)
    assert.True(t, hit)
    assert.Equal(t, reasonBreakerOpen, reason)
}

func TestCheckHardBlockers_ClosedBreakerIsNotBlocked(t *testing.T) {
    e, fraudMock, repMock := newTestEngine(t)

    fraudMock.ExpectQuery("SELECT ip_subnet, reason, expires_at, created_at FROM honeypot_ips").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))
    repMock.ExpectQuery("SELECT ip_subnet, total, verified, failed, banned, ban_reason, updated_at FROM ip_reputation").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))
    repMock.ExpectQuery("SELECT `key`, state, failures, successes, opened_at, half_open_at, window_started_at, updated_at FROM circuit_breaker").
        WithArgs("channel:sms").WillReturnRows(sqlmock.NewRows(nil))

    hit, _, err := e.checkHardBlockers(context.Background(), "203.0.113.0/24", nil, models.ChannelSMS, 1500)
    require.NoError(t, err)
    assert.False(t, hit)
}

func TestCheckHardBlockers_EmptyChannelSkipsBreakerCheck(t *testing.T) {
    e, fraudMock, repMock := newTestEngine(t)

    fraudMock.ExpectQuery("SELECT ip_subnet, reason, expires_at, created_at FROM honeypot_ips").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))
    repMock.ExpectQuery("SELECT ip_subnet, total, verified, failed, banned, ban_reason, updated_at FROM ip_reputation").
        WithArgs("203.0.113.0/24").WillReturnRows(sqlmock.NewRows(nil))

    hit, _, err := e.checkHardBlockers(context.Background(), "203.0.113.0/24", nil, "", 1500)
    require.NoError(t, err)
    assert.False(t, hit)
    require.NoError(t, repMock.ExpectationsWereMet())
}
