package order

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidTransition rejects a status change that is not legal
	// from the order's currently recorded status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownOrder is returned for transitions against an order the
	// registry has never seen.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrOrderExists is returned when creating an order ID twice.
	ErrOrderExists = errors.New("order already exists")
)

// TimelineEntry is one appended step of an order's status history.
type TimelineEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Snapshot is a point-in-time copy of an order, safe to hand out across
// goroutine boundaries. Clients rebuild their cached projection from it
// after a connectivity gap.
type Snapshot struct {
	OrderID  string          `json:"orderId"`
	Status   Status          `json:"status"`
	Seq      int64           `json:"seq"`
	Timeline []TimelineEntry `json:"timeline"`
}

// StatusEvent is an accepted transition, carrying the sequence number
// subscribers use to order and de-duplicate deliveries.
type StatusEvent struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// tracked is the registry-internal mutable order. Its mutex is the
// single mutation point per order ID: validate, append and assign the
// sequence number under one lock so concurrent publishers can never
// interleave and produce gaps.
type tracked struct {
	mu       sync.Mutex
	id       string
	status   Status
	seq      int64
	timeline []TimelineEntry
}

// Registry owns the authoritative state of every live order. It holds a
// plain map guarded by a read-write mutex; per-order work happens under
// the order's own lock so unrelated orders never contend.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*tracked
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]*tracked), now: time.Now}
}

// Create registers a new order in the pending state with seq 0.
func (r *Registry) Create(id string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, fmt.Errorf("create: empty order id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; ok {
		return Snapshot{}, ErrOrderExists
	}
	o := &tracked{
		id:       id,
		status:   StatusPending,
		timeline: []TimelineEntry{{Status: StatusPending, Timestamp: r.now()}},
	}
	r.orders[id] = o
	return o.snapshot(), nil
}

// Restore seeds the registry with a previously persisted snapshot,
// used when the broker restarts with a durable order store behind it.
func (r *Registry) Restore(s Snapshot) error {
	if s.OrderID == "" {
		return fmt.Errorf("restore: empty order id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[s.OrderID]; ok {
		return ErrOrderExists
	}
	r.orders[s.OrderID] = &tracked{
		id:       s.OrderID,
		status:   s.Status,
		seq:      s.Seq,
		timeline: append([]TimelineEntry(nil), s.Timeline...),
	}
	return nil
}

// Snapshot returns a copy of the order's current state.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.RLock()
	o, ok := r.orders[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrUnknownOrder
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot(), nil
}

// Transition validates the requested status against the currently
// recorded one, appends to the timeline and increments the sequence
// number. The recorded status is the arbiter; what the requester
// believed the status to be plays no part, which protects against
// stale-client races. Rejected transitions leave the order untouched.
//
// A non-nil emit runs while the order lock is still held, so the
// transition-and-broadcast sequence is serialized per order and
// subscribers can never observe sequence numbers out of order.
func (r *Registry) Transition(id string, to Status, actor, note string, emit func(StatusEvent)) (StatusEvent, error) {
	r.mu.RLock()
	o, ok := r.orders[id]
	r.mu.RUnlock()
	if !ok {
		return StatusEvent{}, ErrUnknownOrder
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !CanTransit(o.status, to) {
		return StatusEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.status, to)
	}
	ts := r.now()
	o.status = to
	o.seq++
	o.timeline = append(o.timeline, TimelineEntry{Status: to, Timestamp: ts, Actor: actor, Note: note})
	ev := StatusEvent{
		OrderID:   o.id,
		Status:    to,
		Seq:       o.seq,
		Timestamp: ts,
		Actor:     actor,
		Note:      note,
	}
	if emit != nil {
		emit(ev)
	}
	return ev, nil
}

// Evict drops a terminal order from the registry. No-op for live ones.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		o.mu.Lock()
		terminal := o.status.Terminal()
		o.mu.Unlock()
		if terminal {
			delete(r.orders, id)
		}
	}
}

func (o *tracked) snapshot() Snapshot {
	return Snapshot{
		OrderID:  o.id,
		Status:   o.status,
		Seq:      o.seq,
		Timeline: append([]TimelineEntry(nil), o.timeline...),
	}
}
