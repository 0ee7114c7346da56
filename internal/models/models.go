package models

import "time"

// LocationUpdate is a single ephemeral rider position report. Only the
// most recent value per rider is retained anywhere in the system; these
// never enter an order's timeline.
type LocationUpdate struct {
	RiderID   string    `json:"riderId"`
	OrderID   string    `json:"orderId,omitempty"` // empty for heartbeat pings without an active order
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the update carries a rider ID and coordinates
// inside representable lat/lng ranges. Anything else is a GPS glitch or
// a malformed payload and is dropped at the broker.
func (l LocationUpdate) Valid() bool {
	if l.RiderID == "" {
		return false
	}
	if l.Lat < -90 || l.Lat > 90 {
		return false
	}
	if l.Lng < -180 || l.Lng > 180 {
		return false
	}
	return true
}
