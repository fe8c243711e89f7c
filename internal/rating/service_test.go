package rating

import (
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestRatePerMinute_ConvertsPricePerBillingSecondToPerMinute(t *testing.T) {
    // price is 100 units over a 30-second billed call -> 200 units/min
    assert.Equal(t, int64(200), ratePerMinute(100, 30))
}

func TestRatePerMinute_RoundsToNearestInteger(t *testing.T) {
    // 1 unit over 7 seconds -> 60/7 = 8.571... -> rounds to 9
    assert.Equal(t, int64(9), ratePerMinute(1, 7))
}
