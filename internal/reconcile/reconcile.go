// Package reconcile merges live broker events with a locally cached
// projection. Delivery is at-least-once, so applying any event must be
// idempotent: the per-order sequence number decides.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
)

// Projection is the client's read-only mirror of one order: last
// applied sequence number, status/timeline copy and the most recent
// rider position.
type Projection struct {
	OrderID  string
	Seq      int64
	Status   order.Status
	Timeline []order.TimelineEntry
	Rider    *models.LocationUpdate
}

// SnapshotFetcher is the REST collaborator used to fill gaps after a
// disconnect; the broker keeps no event history to backfill from.
type SnapshotFetcher interface {
	FetchOrder(ctx context.Context, orderID string) (order.Snapshot, error)
}

// Reconciler owns the projections for every tracked order.
type Reconciler struct {
	mu      sync.Mutex
	orders  map[string]*Projection
	fetcher SnapshotFetcher
}

func New(fetcher SnapshotFetcher) *Reconciler {
	return &Reconciler{orders: make(map[string]*Projection), fetcher: fetcher}
}

// Track registers an order with an empty projection so live events have
// somewhere to land before the first snapshot arrives.
func (r *Reconciler) Track(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		r.orders[orderID] = &Projection{OrderID: orderID}
	}
}

// Apply folds a status event into the projection. Returns true when the
// event advanced the projection; a duplicate or stale replay (seq not
// strictly greater than the last applied one) is discarded and reports
// false. Applying the same event twice changes nothing.
func (r *Reconciler) Apply(ev protocol.StatusUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.orders[ev.OrderID]
	if !ok {
		p = &Projection{OrderID: ev.OrderID}
		r.orders[ev.OrderID] = p
	}
	if ev.Seq <= p.Seq {
		return false
	}
	p.Seq = ev.Seq
	p.Status = ev.Status
	p.Timeline = append(p.Timeline, order.TimelineEntry{
		Status:    ev.Status,
		Timestamp: ev.Timestamp,
		Note:      ev.Note,
	})
	return true
}

// ApplyLocation folds a rider position in; locations carry no sequence
// number, so the newer timestamp wins.
func (r *Reconciler) ApplyLocation(orderID string, u models.LocationUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.orders[orderID]
	if !ok {
		p = &Projection{OrderID: orderID}
		r.orders[orderID] = p
	}
	if p.Rider != nil && !u.Timestamp.After(p.Rider.Timestamp) {
		return false
	}
	copyU := u
	p.Rider = &copyU
	return true
}

// Resync rebases the projection on a fresh snapshot. Call it after a
// reconnect: live broadcasts missed during the gap are gone, and
// anything older than the fetched baseline will be discarded as stale
// by Apply afterwards.
func (r *Reconciler) Resync(ctx context.Context, orderID string) error {
	if r.fetcher == nil {
		return fmt.Errorf("reconcile: no snapshot fetcher configured")
	}
	snap, err := r.fetcher.FetchOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", orderID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.orders[orderID]
	if !ok {
		p = &Projection{OrderID: orderID}
		r.orders[orderID] = p
	}
	if snap.Seq < p.Seq {
		// local state is already ahead; the snapshot raced a live event
		return nil
	}
	p.Seq = snap.Seq
	p.Status = snap.Status
	p.Timeline = append([]order.TimelineEntry(nil), snap.Timeline...)
	return nil
}

// Projection returns a copy of the order's current projection.
func (r *Reconciler) Projection(orderID string) (Projection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.orders[orderID]
	if !ok {
		return Projection{}, false
	}
	out := *p
	out.Timeline = append([]order.TimelineEntry(nil), p.Timeline...)
	if p.Rider != nil {
		rc := *p.Rider
		out.Rider = &rc
	}
	return out, true
}

// Evict drops a projection, typically once the order reached a terminal
// status and the app no longer shows it.
func (r *Reconciler) Evict(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, orderID)
}
