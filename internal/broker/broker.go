// Package broker is the server side of the real-time subsystem: it
// accepts websocket connections, authenticates them, routes
// subscribe/publish frames and fans accepted events out through the
// room registry.
package broker

import (
	"errors"
	"log/slog"

	"github.com/example/delivery-tracking/internal/auth"
	"github.com/example/delivery-tracking/internal/config"
	"github.com/example/delivery-tracking/internal/ingest"
	"github.com/example/delivery-tracking/internal/locations"
	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/observability"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
	"github.com/example/delivery-tracking/internal/rooms"
	"github.com/example/delivery-tracking/internal/storage"
)

// Broker owns the authoritative order registry and the room registry.
// Store and Feed are optional write-through sinks; a nil value simply
// disables that sink.
type Broker struct {
	cfg       config.BrokerConfig
	log       *slog.Logger
	rooms     *rooms.Registry
	orders    *order.Registry
	locations locations.Store
	store     storage.OrderStore
	feed      *ingest.Producer
	verifier  *auth.Verifier
}

func New(cfg config.BrokerConfig, log *slog.Logger, loc locations.Store, store storage.OrderStore, feed *ingest.Producer) *Broker {
	b := &Broker{
		cfg:       cfg,
		log:       log,
		orders:    order.NewRegistry(),
		locations: loc,
		store:     store,
		feed:      feed,
		verifier:  auth.NewVerifier(cfg.JWTSecret),
	}
	b.rooms = rooms.NewRegistry(func(m rooms.Member) {
		if s, ok := m.(*session); ok {
			b.log.Warn("evicting slow subscriber", "session", s.id)
			s.close()
		}
	})
	return b
}

// Orders exposes the registry for the HTTP handlers.
func (b *Broker) Orders() *order.Registry { return b.orders }

// Rooms exposes the room registry, mainly for tests.
func (b *Broker) Rooms() *rooms.Registry { return b.rooms }

// handleFrame routes one inbound frame from a session's read pump.
// Malformed frames are dropped with a logged anomaly; only explicit
// rejections (authorization, invalid transition) produce error frames.
func (b *Broker) handleFrame(s *session, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		observability.MalformedPayloads.Inc()
		b.log.Warn("dropping malformed frame", "session", s.id, "error", err)
		return
	}

	switch env.Event {
	case protocol.EventJoinOrder, protocol.EventLeaveOrder:
		var ref protocol.OrderRef
		if err := env.Decode(&ref); err != nil || ref.OrderID == "" {
			b.dropMalformed(s, env.Event)
			return
		}
		b.handleMembership(s, env.Event == protocol.EventJoinOrder, rooms.OrderTopic(ref.OrderID))
	case protocol.EventJoinRider, protocol.EventLeaveRider:
		var ref protocol.RiderRef
		if err := env.Decode(&ref); err != nil || ref.RiderID == "" {
			b.dropMalformed(s, env.Event)
			return
		}
		b.handleMembership(s, env.Event == protocol.EventJoinRider, rooms.RiderTopic(ref.RiderID))
	case protocol.EventLocation:
		b.handleLocation(s, env)
	case protocol.EventStatusUpdate:
		b.handleStatusPublish(s, env)
	default:
		b.log.Warn("unknown event", "session", s.id, "event", env.Event)
	}
}

func (b *Broker) handleMembership(s *session, join bool, topic string) {
	if b.cfg.RequireAuthForSubscribe && s.principal == nil {
		b.sendError(s, "authentication required")
		return
	}
	if join {
		b.rooms.Join(topic, s)
		b.log.Debug("joined", "session", s.id, "topic", topic)
	} else {
		b.rooms.Leave(topic, s)
		b.log.Debug("left", "session", s.id, "topic", topic)
	}
}

// handleLocation relays a rider position. The broker validates shape
// only; out-of-range coordinates are dropped silently because a
// transient GPS glitch must not disrupt a delivery in progress.
func (b *Broker) handleLocation(s *session, env protocol.Envelope) {
	if s.principal == nil || (s.principal.Role != auth.RoleRider && s.principal.Role != auth.RoleAdmin) {
		b.sendError(s, "not authorized to publish locations")
		return
	}
	var u models.LocationUpdate
	if err := env.Decode(&u); err != nil {
		b.dropMalformed(s, env.Event)
		return
	}
	if !u.Valid() {
		observability.MalformedPayloads.Inc()
		b.log.Warn("dropping location with invalid shape", "session", s.id, "rider", u.RiderID, "lat", u.Lat, "lng", u.Lng)
		return
	}

	b.locations.Upsert(u)

	frame, err := protocol.Encode(protocol.EventLocationUpdate, u)
	if err != nil {
		b.log.Error("encode location broadcast", "error", err)
		return
	}
	// Both rooms: customers track by order without knowing the rider ID,
	// dashboards track by rider without an active order.
	b.rooms.Broadcast(rooms.RiderTopic(u.RiderID), frame)
	if u.OrderID != "" {
		b.rooms.Broadcast(rooms.OrderTopic(u.OrderID), frame)
	}
	observability.EventsBroadcast.WithLabelValues(protocol.EventLocationUpdate).Inc()

	if b.feed != nil {
		go func() {
			if err := b.feed.PublishLocation(u); err != nil {
				b.log.Warn("feed publish failed", "rider", u.RiderID, "error", err)
			}
		}()
	}
}

// handleStatusPublish arbitrates an order status transition. The
// recorded status is validated, appended and broadcast under the
// per-order lock; rejected requests go back to the publisher only.
func (b *Broker) handleStatusPublish(s *session, env protocol.Envelope) {
	if s.principal == nil {
		b.sendError(s, "authentication required to publish status")
		return
	}
	switch s.principal.Role {
	case auth.RoleRestaurant, auth.RoleRider, auth.RoleAdmin:
	default:
		b.sendError(s, "not authorized to publish status")
		return
	}

	var pub protocol.StatusPublish
	if err := env.Decode(&pub); err != nil || pub.OrderID == "" {
		b.dropMalformed(s, env.Event)
		return
	}
	status, err := order.ParseStatus(pub.Status)
	if err != nil {
		b.dropMalformed(s, env.Event)
		return
	}

	_, err = b.orders.Transition(pub.OrderID, status, s.principal.UserID, pub.Note, func(ev order.StatusEvent) {
		b.publishStatusEvent(ev)
	})
	switch {
	case err == nil:
	case errors.Is(err, order.ErrInvalidTransition):
		observability.InvalidTransitions.Inc()
		b.log.Info("rejected transition", "session", s.id, "order", pub.OrderID, "status", pub.Status)
		b.sendError(s, err.Error())
	case errors.Is(err, order.ErrUnknownOrder):
		b.sendError(s, "unknown order "+pub.OrderID)
	default:
		b.sendError(s, "status update failed")
	}
}

// publishStatusEvent broadcasts an accepted transition and mirrors it
// to the durable store and the downstream feed. Runs under the order's
// lock, so subscribers observe sequence numbers strictly in order.
func (b *Broker) publishStatusEvent(ev order.StatusEvent) {
	frame, err := protocol.Encode(protocol.EventStatusUpdate, protocol.StatusUpdate{
		OrderID:   ev.OrderID,
		Status:    ev.Status,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Note:      ev.Note,
	})
	if err != nil {
		b.log.Error("encode status broadcast", "error", err)
		return
	}
	b.rooms.Broadcast(rooms.OrderTopic(ev.OrderID), frame)
	observability.EventsBroadcast.WithLabelValues(protocol.EventStatusUpdate).Inc()

	if b.store != nil {
		if err := b.store.AppendEvent(ev); err != nil {
			b.log.Error("persist status event", "order", ev.OrderID, "error", err)
		}
	}
	if b.feed != nil {
		go func() {
			if err := b.feed.PublishStatus(ev); err != nil {
				b.log.Warn("feed publish failed", "order", ev.OrderID, "error", err)
			}
		}()
	}
}

func (b *Broker) dropMalformed(s *session, event string) {
	observability.MalformedPayloads.Inc()
	b.log.Warn("dropping malformed payload", "session", s.id, "event", event)
}

func (b *Broker) sendError(s *session, reason string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.Reason{Reason: reason})
	if err != nil {
		return
	}
	_ = s.Send(frame)
}
