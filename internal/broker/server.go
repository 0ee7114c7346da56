package broker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-tracking/internal/auth"
	"github.com/example/delivery-tracking/internal/config"
	"github.com/example/delivery-tracking/internal/ingest"
	"github.com/example/delivery-tracking/internal/locations"
	"github.com/example/delivery-tracking/internal/logging"
	"github.com/example/delivery-tracking/internal/observability"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
	"github.com/example/delivery-tracking/internal/storage"
)

// Server wires the broker into an HTTP surface: the websocket endpoint,
// the snapshot fetch reconcilers use after a gap, and the internal
// order-registration endpoint called by the CRUD backend.
type Server struct {
	b        *Broker
	mux      *mux.Router
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.BrokerConfig, b *Broker) *Server {
	s := &Server{
		b:      b,
		mux:    mux.NewRouter(),
		logger: b.log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv builds a fully wired server with env-driven
// dependencies and memory fallbacks, so the binary runs locally without
// Redis, Kafka or Postgres.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadBrokerConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	var loc locations.Store
	if cfg.RedisAddr != "" {
		loc = locations.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		loc = locations.NewMemory()
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			log.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var feed *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		feed = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	b := New(cfg, logging.Component(log, "broker"), loc, store, feed)
	return NewServer(cfg, b), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/location", s.handleGetRiderLocation).Methods("GET")
	s.mux.HandleFunc("/internal/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Broker returns the underlying broker, mainly for tests and tooling.
func (s *Server) Broker() *Broker { return s.b }

// handleWS performs the connection handshake. The socket is upgraded
// first so auth rejections arrive as an in-band connect_error frame the
// client can distinguish from a transport failure.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var principal *auth.Principal
	token := auth.TokenFromRequest(r)
	if token != "" {
		p, err := s.b.verifier.Verify(token)
		if err != nil {
			s.rejectHandshake(conn, "authentication failed: "+err.Error())
			return
		}
		principal = &p
	} else if s.b.cfg.RequireAuthForSubscribe {
		s.rejectHandshake(conn, "authentication required")
		return
	}

	sess := &session{
		id:        newID(),
		principal: principal,
		conn:      conn,
		send:      make(chan []byte, s.b.cfg.SendBuffer),
		stop:      make(chan struct{}),
		b:         s.b,
	}
	observability.ConnectionsActive.Inc()

	ack := protocol.Connected{}
	if principal != nil {
		ack.UserID = principal.UserID
		ack.Role = principal.Role
	}
	frame, err := protocol.Encode(protocol.EventConnected, ack)
	if err == nil {
		// Queued before the pumps start, so connected is always the
		// first frame the client sees.
		sess.send <- frame
	}

	go sess.writePump()
	go sess.readPump()
}

func (s *Server) rejectHandshake(conn *websocket.Conn, reason string) {
	observability.AuthFailures.Inc()
	if frame, err := protocol.Encode(protocol.EventConnectError, protocol.Reason{Reason: reason}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.Close()
}

type createOrderRequest struct {
	OrderID string `json:"orderId"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, "orderId required", http.StatusBadRequest)
		return
	}
	snap, err := s.b.orders.Create(req.OrderID)
	if errors.Is(err, order.ErrOrderExists) {
		http.Error(w, "order already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.b.store != nil {
		if err := s.b.store.SaveOrder(snap); err != nil {
			s.logger.Error("persist new order", "order", snap.OrderID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snap)
}

// handleGetOrder serves the point-in-time snapshot clients fetch after
// a connectivity gap. If the registry no longer knows the order (broker
// restart), the durable store is consulted and the registry reseeded.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["order_id"]
	snap, err := s.b.orders.Snapshot(id)
	if errors.Is(err, order.ErrUnknownOrder) && s.b.store != nil {
		if loaded, lerr := s.b.store.LoadOrder(id); lerr == nil {
			_ = s.b.orders.Restore(loaded)
			snap, err = loaded, nil
		}
	}
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleGetRiderLocation serves the last known rider position, for
// dashboards and for clients that open tracking after the rider already
// went quiet.
func (s *Server) handleGetRiderLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	u, ok := s.b.locations.Latest(id)
	if !ok {
		http.Error(w, "no known location", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
