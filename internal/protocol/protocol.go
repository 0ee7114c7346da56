// Package protocol defines the JSON envelopes exchanged over the
// persistent websocket between clients and the broker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/delivery-tracking/internal/order"
)

// Event names. Client→server events are requests; server→client events
// are broadcasts or handshake/transport signals.
const (
	EventJoinOrder  = "join:order"
	EventLeaveOrder = "leave:order"
	EventJoinRider  = "join:rider"
	EventLeaveRider = "leave:rider"
	EventLocation   = "location"

	EventStatusUpdate   = "order:status_update"
	EventLocationUpdate = "rider:location_update"

	EventConnected    = "connected"
	EventConnectError = "connect_error"
	EventError        = "error"
)

// ErrMalformedPayload marks frames that fail to decode as the declared
// event's payload shape.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope frames every message: an event name and its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OrderRef addresses a single order room.
type OrderRef struct {
	OrderID string `json:"orderId"`
}

// RiderRef addresses a single rider room.
type RiderRef struct {
	RiderID string `json:"riderId"`
}

// StatusPublish is a client's request for a status transition. The seq
// is assigned server-side; clients never propose one.
type StatusPublish struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Note    string `json:"note,omitempty"`
}

// StatusUpdate is the broadcast form of an accepted transition.
type StatusUpdate struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Note      string       `json:"note,omitempty"`
}

// Connected acknowledges a successful handshake.
type Connected struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Reason carries the error cause on connect_error and error frames.
type Reason struct {
	Reason string `json:"reason"`
}

// Encode marshals an envelope for the given event and payload.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a raw frame into its envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Event, err)
	}
	return nil
}
