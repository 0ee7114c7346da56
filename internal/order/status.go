package order

import "fmt"

// Status is the lifecycle state of a delivery order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusPickedUp  Status = "picked_up"
	StatusOnTheWay  Status = "on_the_way"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// next maps each status to the single forward step of the happy path.
var next = map[Status]Status{
	StatusPending:   StatusConfirmed,
	StatusConfirmed: StatusPreparing,
	StatusPreparing: StatusReady,
	StatusReady:     StatusPickedUp,
	StatusPickedUp:  StatusOnTheWay,
	StatusOnTheWay:  StatusDelivered,
}

// ParseStatus validates a raw wire value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
		StatusPickedUp, StatusOnTheWay, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Terminal reports whether no further transition is valid out of s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransit reports whether from→to is a legal transition. The happy
// path advances one step at a time; cancellation is reachable from any
// non-terminal state except on_the_way, where cancellation becomes an
// out-of-band support flow rather than a status event.
func CanTransit(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return from != StatusOnTheWay
	}
	return next[from] == to
}
