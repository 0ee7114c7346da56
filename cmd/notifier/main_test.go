package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
)

type fakeSink struct {
	events []order.StatusEvent
	err    error
}

func (f *fakeSink) SetStatus(ctx context.Context, ev order.StatusEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

func TestHandleFeedEventStatusUpdate(t *testing.T) {
	sink := &fakeSink{}
	frame, err := protocol.Encode(protocol.EventStatusUpdate, order.StatusEvent{
		OrderID:   "A1",
		Status:    order.StatusConfirmed,
		Seq:       1,
		Timestamp: time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	handleFeedEvent(context.Background(), sink, frame)

	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.OrderID != "A1" || ev.Status != order.StatusConfirmed || ev.Seq != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHandleFeedEventLocationSkipsSink(t *testing.T) {
	sink := &fakeSink{}
	frame, err := protocol.Encode(protocol.EventLocationUpdate, map[string]any{
		"riderId": "r9", "lat": 23.78, "lng": 90.4,
	})
	if err != nil {
		t.Fatal(err)
	}

	handleFeedEvent(context.Background(), sink, frame)

	if len(sink.events) != 0 {
		t.Fatalf("location update reached the status sink: %+v", sink.events)
	}
}

func TestHandleFeedEventMalformed(t *testing.T) {
	sink := &fakeSink{}
	for _, raw := range [][]byte{
		[]byte("not json"),
		[]byte(`{"data":{}}`),
		[]byte(`{"event":"unknown:event","data":{}}`),
	} {
		handleFeedEvent(context.Background(), sink, raw)
	}
	if len(sink.events) != 0 {
		t.Fatalf("malformed input reached the sink: %+v", sink.events)
	}
}

func TestHandleFeedEventSinkErrorDoesNotPanic(t *testing.T) {
	sink := &fakeSink{err: errors.New("redis down")}
	frame, err := protocol.Encode(protocol.EventStatusUpdate, order.StatusEvent{
		OrderID: "A1", Status: order.StatusConfirmed, Seq: 1, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	handleFeedEvent(context.Background(), sink, frame)
}
