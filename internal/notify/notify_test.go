package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newRecordingSink() *recordingSink { return &recordingSink{got: make(chan struct{}, 100)} }

func (r *recordingSink) Deliver(ctx context.Context, m Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestFanoutDeliversToSink(t *testing.T) {
	sink := newRecordingSink()
	f := NewFanout(sink, 10, 2, nil)
	f.Publish(context.Background(), RiderChannel("u1"), EventRideMatched, map[string]string{"ride_id": "r1"})
	f.Close()

	if len(sink.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sink.msgs))
	}
	m := sink.msgs[0]
	if m.Channel != "rider:u1" || m.Event != EventRideMatched {
		t.Fatalf("unexpected message %+v", m)
	}
	var payload map[string]string
	_ = json.Unmarshal(m.Payload, &payload)
	if payload["ride_id"] != "r1" {
		t.Fatalf("payload not carried: %s", m.Payload)
	}
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSink) Deliver(ctx context.Context, m Message) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestFanoutDropsWhenFullAndNeverBlocks(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}, 10), release: make(chan struct{})}
	f := NewFanout(sink, 1, 1, nil)
	ctx := context.Background()

	f.Publish(ctx, "driver:a", EventRideRequest, nil)
	<-sink.started // worker is now stuck in Deliver

	done := make(chan struct{})
	go func() {
		f.Publish(ctx, "driver:b", EventRideRequest, nil) // fills the queue
		f.Publish(ctx, "driver:c", EventRideRequest, nil) // dropped
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full queue")
	}
	if f.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", f.Dropped())
	}
	close(sink.release)
	f.Close()

	f.Publish(ctx, "driver:d", EventRideRequest, nil)
	if f.Dropped() != 2 {
		t.Fatalf("publish after close should drop, dropped=%d", f.Dropped())
	}
}

type fakeConn struct {
	mu     sync.Mutex
	frames []any
	closed bool
	fail   bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestHubDeliverAndReplace(t *testing.T) {
	h := NewHub(nil)
	ctx := context.Background()

	if err := h.Deliver(ctx, Message{Channel: "driver:x"}); err != nil {
		t.Fatalf("delivery to absent channel should be silent: %v", err)
	}

	first := &fakeConn{}
	h.Add("driver:d1", first)
	second := &fakeConn{}
	h.Add("driver:d1", second)
	if !first.closed {
		t.Fatalf("replaced connection should be closed")
	}
	_ = h.Deliver(ctx, Message{Channel: "driver:d1", Event: EventRideRequest})
	if len(second.frames) != 1 || len(first.frames) != 0 {
		t.Fatalf("frame went to the wrong connection")
	}

	if h.Remove("driver:d1", first) {
		t.Fatalf("stale connection must not remove its replacement")
	}
	if !h.Remove("driver:d1", second) || h.Connected("driver:d1") {
		t.Fatalf("expected session removed")
	}
}

func TestHubReportsWriteErrors(t *testing.T) {
	h := NewHub(nil)
	h.Add("rider:u1", &fakeConn{fail: true})
	if err := h.Deliver(context.Background(), Message{Channel: "rider:u1"}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestBridgeHandleDeliversLocally(t *testing.T) {
	sink := newRecordingSink()
	b := &AMQPBridge{local: sink}
	body, _ := json.Marshal(Message{Channel: "rider:u9", Event: EventTripUpdate, Payload: json.RawMessage(`{"status":"ongoing"}`)})
	if err := b.handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Channel != "rider:u9" || string(sink.msgs[0].Payload) != `{"status":"ongoing"}` {
		t.Fatalf("unexpected local delivery %+v", sink.msgs)
	}
	if err := b.handle(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := b.handle(context.Background(), []byte(`{"event":"trip_update"}`)); err == nil {
		t.Fatalf("expected error for message without channel")
	}
}
