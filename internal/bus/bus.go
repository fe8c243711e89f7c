// Package bus is the in-process event distribution layer that carries
// OtpEvents from the dispatch orchestrator, providers, and webhook
// inbound handlers to every interested subscriber: the state machine,
// the live admin feed, and the webhook delivery queue.
package bus

import (
    "sync"
    "sync/atomic"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// Handler processes one event. The state-machine handler is called
// synchronously and must not block for long; best-effort subscribers run
// on their own bounded queue and cannot stall the bus.
type Handler func(event models.OtpEvent)

// Bus hashes every event's RequestID onto one of a fixed pool of
// single-consumer worker queues, so all events for a given request are
// processed in emission order without a single global mutex serializing
// unrelated requests.
type Bus struct {
    workers    []chan models.OtpEvent
    numWorkers int

    mu       sync.RWMutex
    syncSubs []Handler // called inline on the worker goroutine, e.g. the state machine

    bestEffort []*boundedSub

    wg       sync.WaitGroup
    shutdown chan struct{}

    droppedEvents uint64
}

// boundedSub is a best-effort subscriber (live feed, webhook dispatch)
// whose queue drops the oldest pending event rather than block the bus
// when the subscriber falls behind.
type boundedSub struct {
    name    string
    ch      chan models.OtpEvent
    dropped uint64
}

// New creates a bus with numWorkers single-consumer worker queues, each
// buffered to queueSize. Call Start to begin processing and Stop to drain
// and shut down.
func New(numWorkers, queueSize int) *Bus {
    if numWorkers <= 0 {
        numWorkers = 8
    }
    if queueSize <= 0 {
        queueSize = 256
    }
    b := &Bus{
        numWorkers: numWorkers,
        workers:    make([]chan models.OtpEvent, numWorkers),
        shutdown:   make(chan struct{}),
    }
    for i := range b.workers {
        b.workers[i] = make(chan models.OtpEvent, queueSize)
    }
    return b
}

// Subscribe registers a synchronous handler invoked inline on the worker
// goroutine that owns the event's request id. Intended for the state
// machine, which must observe every event in order before anything else
// sees it.
func (b *Bus) Subscribe(h Handler) {
    b.mu.Lock()
    defer b.mu.Unlock()
    b.syncSubs = append(b.syncSubs, h)
}

// SubscribeBestEffort registers a named subscriber with its own bounded
// queue. If the subscriber falls behind, the oldest queued event for it is
// dropped and a warning is logged; the bus and other subscribers are
// unaffected.
func (b *Bus) SubscribeBestEffort(name string, queueSize int) <-chan models.OtpEvent {
    if queueSize <= 0 {
        queueSize = 256
    }
    sub := &boundedSub{name: name, ch: make(chan models.OtpEvent, queueSize)}
    b.mu.Lock()
    b.bestEffort = append(b.bestEffort, sub)
    b.mu.Unlock()
    return sub.ch
}

// Start launches one goroutine per worker queue.
func (b *Bus) Start() {
    for i := 0; i < b.numWorkers; i++ {
        b.wg.Add(1)
        go b.runWorker(b.workers[i])
    }
}

// Stop closes the shutdown signal and waits for workers to drain their
// queues and exit.
func (b *Bus) Stop() {
    close(b.shutdown)
    for _, w := range b.workers {
        close(w)
    }
    b.wg.Wait()
}

// Publish hashes event.RequestID onto a worker queue. Publish never
// blocks the caller beyond the target queue's capacity; if that queue is
// saturated, Publish blocks until space frees up or the bus is stopped,
// since event ordering for a request must never be skipped outright —
// only best-effort subscribers are allowed to drop.
func (b *Bus) Publish(event models.OtpEvent) {
    idx := workerIndex(event.RequestID, b.numWorkers)
    select {
    case b.workers[idx] <- event:
    case <-b.shutdown:
    }
}

func (b *Bus) runWorker(queue chan models.OtpEvent) {
    defer b.wg.Done()
    for event := range queue {
        b.mu.RLock()
        handlers := append([]Handler(nil), b.syncSubs...)
        subs := append([]*boundedSub(nil), b.bestEffort...)
        b.mu.RUnlock()

        for _, h := range handlers {
            h(event)
        }

        for _, sub := range subs {
            select {
            case sub.ch <- event:
            default:
                select {
                case <-sub.ch:
                    atomic.AddUint64(&sub.dropped, 1)
                    atomic.AddUint64(&b.droppedEvents, 1)
                    logger.WithField("subscriber", sub.name).
                        WithField("request_id", event.RequestID).
                        Warn("bus subscriber queue full, dropped oldest event")
                    sub.ch <- event
                default:
                }
            }
        }
    }
}

// fnv1aHash implements FNV-1a so requestIDs hash deterministically onto
// the same worker across publishes, without pulling in hash/fnv for a
// single-purpose 32-bit fold.
func fnv1aHash(s string) uint32 {
    var h uint32 = 2166136261
    for i := 0; i < len(s); i++ {
        h ^= uint32(s[i])
        h *= 16777619
    }
    return h
}

func workerIndex(requestID string, numWorkers int) int {
    if numWorkers <= 1 {
        return 0
    }
    return int(fnv1aHash(requestID) % uint32(numWorkers))
}

// DroppedEvents returns the cumulative count of events dropped from
// best-effort subscriber queues, exposed as a Prometheus counter by the
// metrics package.
func (b *Bus) DroppedEvents() uint64 {
    return atomic.LoadUint64(&b.droppedEvents)
}
