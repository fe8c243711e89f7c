package bus

import (
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/sendotp/otp-gateway/internal/models"
)

func TestBus_PreservesPerRequestOrder(t *testing.T) {
    b := New(4, 16)
    b.Start()
    defer b.Stop()

    var mu sync.Mutex
    var seen []string

    done := make(chan struct{})
    count := 0
    b.Subscribe(func(e models.OtpEvent) {
        mu.Lock()
        seen = append(seen, e.EventType)
        count++
        if count == 5 {
            close(done)
        }
        mu.Unlock()
    })

    types := []string{"created", "sending", "sent", "delivered", "verified"}
    for _, typ := range types {
        b.Publish(models.OtpEvent{RequestID: "req-1", EventType: typ})
    }

    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("timed out waiting for handler to process events")
    }

    mu.Lock()
    defer mu.Unlock()
    assert.Equal(t, types, seen)
}

func TestBus_BestEffortDropsOldestOnOverflow(t *testing.T) {
    b := New(1, 16)
    ch := b.SubscribeBestEffort("live-feed", 1)
    b.Start()
    defer b.Stop()

    b.Publish(models.OtpEvent{RequestID: "req-1", EventType: "created"})
    b.Publish(models.OtpEvent{RequestID: "req-1", EventType: "sending"})
    b.Publish(models.OtpEvent{RequestID: "req-1", EventType: "sent"})

    time.Sleep(50 * time.Millisecond)

    select {
    case got := <-ch:
        assert.Equal(t, "sent", got.EventType)
    default:
        t.Fatal("expected the most recent event to remain in the bounded queue")
    }
}

func TestWorkerIndex_IsDeterministicForSameRequestID(t *testing.T) {
    a := workerIndex("req-abc", 8)
    b := workerIndex("req-abc", 8)
    assert.Equal(t, a, b)
}
