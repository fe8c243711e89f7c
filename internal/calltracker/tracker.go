// Package calltracker holds in-memory per-call state for the voice
// channel (C7): ring/talk durations and hangup attribution, which the
// voice AMI event handlers need but which the request record itself
// does not store. Grounded on the teacher's activeCalls map pattern in
// router/router.go, generalized from "ongoing call routing state" to
// "OTP voice delivery timing state".
package calltracker

import (
    "sync"
    "time"
)

// CallState is one in-flight voice delivery attempt.
type CallState struct {
    RequestID    string
    ChannelID    string
    CallerID     string
    RegisteredAt time.Time
    AnsweredAt   time.Time
    OtpPlayed    bool
    SystemHangup bool
}

// Tracker is a concurrency-safe map keyed by request id.
type Tracker struct {
    mu    sync.RWMutex
    calls map[string]*CallState
}

func NewTracker() *Tracker {
    return &Tracker{calls: make(map[string]*CallState)}
}

func (t *Tracker) RegisterCall(requestID, callerID string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.calls[requestID] = &CallState{
        RequestID:    requestID,
        CallerID:     callerID,
        RegisteredAt: time.Now(),
    }
}

func (t *Tracker) SetChannelID(requestID, channelID string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if c, ok := t.calls[requestID]; ok {
        c.ChannelID = channelID
    }
}

// MarkAnswered records the answer time and returns the ring duration
// (time from registration to answer).
func (t *Tracker) MarkAnswered(requestID string) (time.Duration, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    c, ok := t.calls[requestID]
    if !ok {
        return 0, false
    }
    c.AnsweredAt = time.Now()
    return c.AnsweredAt.Sub(c.RegisteredAt), true
}

func (t *Tracker) MarkOtpPlayed(requestID string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if c, ok := t.calls[requestID]; ok {
        c.OtpPlayed = true
    }
}

func (t *Tracker) MarkSystemHangup(requestID string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if c, ok := t.calls[requestID]; ok {
        c.SystemHangup = true
    }
}

// EndCall removes the entry and returns the ring and talk durations, plus
// whether the hangup was initiated by the system (vs. the called party).
func (t *Tracker) EndCall(requestID string) (ringDuration, talkDuration time.Duration, systemHangup bool, ok bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    c, exists := t.calls[requestID]
    if !exists {
        return 0, 0, false, false
    }
    delete(t.calls, requestID)

    now := time.Now()
    if !c.AnsweredAt.IsZero() {
        ringDuration = c.AnsweredAt.Sub(c.RegisteredAt)
        talkDuration = now.Sub(c.AnsweredAt)
    } else {
        ringDuration = now.Sub(c.RegisteredAt)
    }
    return ringDuration, talkDuration, c.SystemHangup, true
}

func (t *Tracker) Get(requestID string) (*CallState, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    c, ok := t.calls[requestID]
    return c, ok
}
