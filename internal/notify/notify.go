// Package notify delivers best-effort real-time events to riders and drivers.
// Publishing never blocks the caller: events are queued and drained by a small
// worker pool, and a full queue drops the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Event string

const (
	EventRideRequest          Event = "ride_request"
	EventRideMatched          Event = "ride_matched"
	EventRideCancelled        Event = "ride_cancelled"
	EventTripUpdate           Event = "trip_update"
	EventDriverLocationUpdate Event = "driver_location_update"
	EventDriverStatsUpdated   Event = "driver_stats_updated"
)

func DriverChannel(driverID string) string { return "driver:" + driverID }
func RiderChannel(riderID string) string   { return "rider:" + riderID }

// Message is the frame written to clients and carried across instances.
type Message struct {
	Channel string          `json:"channel"`
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event, payload any)
}

// Sink is where queued messages end up: the local hub or a broker bridge.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

type Fanout struct {
	sink    Sink
	logger  *slog.Logger
	queue   chan Message
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewFanout(sink Sink, queueSize, workers int, logger *slog.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{sink: sink, logger: logger, queue: make(chan Message, queueSize), timeout: 5 * time.Second}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Publish enqueues the event and returns immediately.
func (f *Fanout) Publish(_ context.Context, channel string, event Event, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("notify payload encode failed", "channel", channel, "event", event, "error", err)
		return
	}
	msg := Message{Channel: channel, Event: event, Payload: body, At: time.Now()}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.drop(msg, "closed")
		return
	}
	select {
	case f.queue <- msg:
		observability.NotifyQueueDepth.Set(float64(len(f.queue)))
	default:
		f.drop(msg, "queue_full")
	}
}

func (f *Fanout) drop(msg Message, reason string) {
	f.dropped.Add(1)
	observability.NotifyDroppedTotal.WithLabelValues(reason).Inc()
	f.logger.Warn("notify event dropped", "channel", msg.Channel, "event", msg.Event, "reason", reason)
}

// Dropped is the number of events discarded since start.
func (f *Fanout) Dropped() int64 { return f.dropped.Load() }

func (f *Fanout) worker() {
	defer f.wg.Done()
	for msg := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.sink.Deliver(ctx, msg)
		cancel()
		if err != nil {
			observability.NotifyDeliveredTotal.WithLabelValues(string(msg.Event), "error").Inc()
			f.logger.Debug("notify delivery failed", "channel", msg.Channel, "event", msg.Event, "error", err)
			continue
		}
		observability.NotifyDeliveredTotal.WithLabelValues(string(msg.Event), "ok").Inc()
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	f.wg.Wait()
}
