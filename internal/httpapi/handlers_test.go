package httpapi

import (
    "net/http"
    "testing"

    "github.com/go-playground/validator/v10"
    "github.com/stretchr/testify/assert"
)

func TestPrefixOf_StripsLeadingPlusAndTruncatesToFourDigits(t *testing.T) {
    assert.Equal(t, "1555", prefixOf("+15550001111"))
    assert.Equal(t, "44", prefixOf("44"))
}

func TestClientIPFromRequest_PrefersForwardedForHeader(t *testing.T) {
    r, err := http.NewRequest(http.MethodPost, "/send-otp", nil)
    assert.NoError(t, err)
    r.Header.Set("X-Forwarded-For", "203.0.113.9")
    r.RemoteAddr = "10.0.0.1:54321"
    assert.Equal(t, "203.0.113.9", clientIPFromRequest(r))
}

func TestClientIPFromRequest_FallsBackToRemoteAddrWithoutPort(t *testing.T) {
    r, err := http.NewRequest(http.MethodPost, "/send-otp", nil)
    assert.NoError(t, err)
    r.RemoteAddr = "198.51.100.7:443"
    assert.Equal(t, "198.51.100.7", clientIPFromRequest(r))
}

func TestSendOTPRequest_ValidationRejectsEmptyChannelsAndBadPhone(t *testing.T) {
    v := validator.New()

    bad := sendOTPRequest{Phone: "not-a-phone", Code: "123456", Channels: nil}
    assert.Error(t, v.Struct(&bad))

    badChannel := sendOTPRequest{Phone: "+15550001111", Code: "123456", Channels: []string{"carrier_pigeon"}}
    assert.Error(t, v.Struct(&badChannel))

    good := sendOTPRequest{Phone: "+15550001111", Code: "123456", Channels: []string{"sms", "voice"}}
    assert.NoError(t, v.Struct(&good))
}

func TestDLRWebhookRequest_ValidationRequiresChannelAndEventType(t *testing.T) {
    v := validator.New()

    missing := dlrWebhookRequest{RequestID: "req-1"}
    assert.Error(t, v.Struct(&missing))

    ok := dlrWebhookRequest{RequestID: "req-1", Channel: "sms", EventType: "sms:delivered"}
    assert.NoError(t, v.Struct(&ok))
}
