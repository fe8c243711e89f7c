package webhook

import (
    "net"
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestValidateWebhookURL_RejectsNonHTTPScheme(t *testing.T) {
    err := validateWebhookURL("ftp://example.com/hook")
    assert.Error(t, err)
}

func TestValidateWebhookURL_RejectsLocalhost(t *testing.T) {
    err := validateWebhookURL("http://localhost:8080/hook")
    assert.Error(t, err)
}

func TestValidateWebhookURL_RejectsLoopbackIPLiteral(t *testing.T) {
    err := validateWebhookURL("http://127.0.0.1/hook")
    assert.Error(t, err)
}

func TestValidateWebhookURL_RejectsPrivateIPLiteral(t *testing.T) {
    err := validateWebhookURL("http://10.0.0.5/hook")
    assert.Error(t, err)
}

func TestValidateWebhookURL_AcceptsPublicHTTPSURL(t *testing.T) {
    err := validateWebhookURL("https://93.184.216.34/hook")
    assert.NoError(t, err)
}

func TestIsTerminalEventType_MatchesOnlyDocumentedTerminalEvents(t *testing.T) {
    assert.True(t, isTerminalEventType("sms:delivered"))
    assert.True(t, isTerminalEventType("voice:completed"))
    assert.False(t, isTerminalEventType("sms:sending"))
    assert.False(t, isTerminalEventType("voice:ringing"))
}

func TestIsDisallowedIP_FlagsLoopbackPrivateAndLinkLocal(t *testing.T) {
    cases := []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "169.254.0.1", "::1"}
    for _, ip := range cases {
        parsed := net.ParseIP(ip)
        assert.NotNil(t, parsed)
        assert.True(t, isDisallowedIP(parsed), "expected %s to be disallowed", ip)
    }
}

func TestIsDisallowedIP_AllowsPublicAddress(t *testing.T) {
    assert.False(t, isDisallowedIP(net.ParseIP("93.184.216.34")))
}
