package httpapi

import (
    "bytes"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/stretchr/testify/assert"

    "github.com/sendotp/otp-gateway/internal/config"
)

func newTestServer(secret string) *Server {
    return &Server{cfg: config.HTTPConfig{APISecret: secret}}
}

func noopHandler(w http.ResponseWriter, r *http.Request) {
    w.WriteHeader(http.StatusOK)
}

func TestAuthenticated_HeaderSecretAllowsRequest(t *testing.T) {
    s := newTestServer("shh")
    r := httptest.NewRequest(http.MethodPost, "/send-otp", nil)
    r.Header.Set("X-Api-Secret", "shh")
    w := httptest.NewRecorder()

    s.authenticated(noopHandler)(w, r)

    assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticated_BodySecretAllowsRequestAndBodyStaysReadable(t *testing.T) {
    s := newTestServer("shh")
    body := `{"secret":"shh","phone":"+15550001111"}`
    r := httptest.NewRequest(http.MethodPost, "/send-otp", bytes.NewBufferString(body))
    w := httptest.NewRecorder()

    var sawBody string
    s.authenticated(func(w http.ResponseWriter, r *http.Request) {
        buf := new(bytes.Buffer)
        buf.ReadFrom(r.Body)
        sawBody = buf.String()
        w.WriteHeader(http.StatusOK)
    })(w, r)

    assert.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, body, sawBody, "downstream handler must still see the full body after the secret peek")
}

func TestAuthenticated_MissingOrWrongSecretReturnsForbidden(t *testing.T) {
    s := newTestServer("shh")

    missing := httptest.NewRequest(http.MethodGet, "/admin/live-feed", nil)
    w1 := httptest.NewRecorder()
    s.authenticated(noopHandler)(w1, missing)
    assert.Equal(t, http.StatusForbidden, w1.Code)

    wrong := httptest.NewRequest(http.MethodPost, "/send-otp", bytes.NewBufferString(`{"secret":"nope"}`))
    w2 := httptest.NewRecorder()
    s.authenticated(noopHandler)(w2, wrong)
    assert.Equal(t, http.StatusForbidden, w2.Code)
}
