package callerid

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

func newTestRouter(routes []*models.CallerIdRoute) *Router {
    sortByPrefixLengthDesc(routes)
    r := &Router{tables: map[models.Channel][]*models.CallerIdRoute{
        models.ChannelVoice: routes,
    }}
    return r
}

func TestResolve_PicksLongestPrefix(t *testing.T) {
    r := newTestRouter([]*models.CallerIdRoute{
        {Prefix: "1", CallerID: "generic-us"},
        {Prefix: "1415", CallerID: "sf-bay-area"},
    })

    rt, err := r.Resolve(models.ChannelVoice, "+14155551234")
    assert.NoError(t, err)
    assert.Equal(t, "sf-bay-area", rt.CallerID)
}

func TestResolve_FallsBackToWildcard(t *testing.T) {
    r := newTestRouter([]*models.CallerIdRoute{
        {Prefix: "44", CallerID: "uk"},
        {Prefix: "*", CallerID: "default"},
    })

    rt, err := r.Resolve(models.ChannelVoice, "+861012345678")
    assert.NoError(t, err)
    assert.Equal(t, "default", rt.CallerID)
}

func TestResolve_NoRouteReturnsNoCallerIDRouteError(t *testing.T) {
    r := newTestRouter(nil)

    _, err := r.Resolve(models.ChannelVoice, "+861012345678")
    assert.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrNoCallerIDRoute))
}
