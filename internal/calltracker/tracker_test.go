package calltracker

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestEndCall_WithoutAnswer_ReturnsOnlyRingDuration(t *testing.T) {
    tr := NewTracker()
    tr.RegisterCall("req-1", "+15550001111")

    time.Sleep(5 * time.Millisecond)
    ring, talk, systemHangup, ok := tr.EndCall("req-1")

    assert.True(t, ok)
    assert.Greater(t, ring, time.Duration(0))
    assert.Equal(t, time.Duration(0), talk)
    assert.False(t, systemHangup)
}

func TestEndCall_AfterAnswer_ReturnsRingAndTalkDurations(t *testing.T) {
    tr := NewTracker()
    tr.RegisterCall("req-2", "+15550001111")
    time.Sleep(5 * time.Millisecond)

    ring, ok := tr.MarkAnswered("req-2")
    assert.True(t, ok)
    assert.Greater(t, ring, time.Duration(0))

    tr.MarkSystemHangup("req-2")
    time.Sleep(5 * time.Millisecond)

    _, talk, systemHangup, ok := tr.EndCall("req-2")
    assert.True(t, ok)
    assert.Greater(t, talk, time.Duration(0))
    assert.True(t, systemHangup)
}

func TestEndCall_UnknownRequest_ReturnsFalse(t *testing.T) {
    tr := NewTracker()
    _, _, _, ok := tr.EndCall("missing")
    assert.False(t, ok)
}
