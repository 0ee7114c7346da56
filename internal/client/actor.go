// Package client implements the Connection Actor shared by every app
// role: one logical connection to the broker with a reconnect state
// machine, client-owned replayable subscriptions and a single ordered
// event stream toward the application layer.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/delivery-tracking/internal/config"
	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/protocol"
	"github.com/example/delivery-tracking/internal/rooms"
)

// State is the actor's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	// ErrNotConnected fails a publish or wire-level subscribe attempted
	// while the actor is not connected; callers decide to queue or drop.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthenticationFailed marks a handshake rejection. Fatal for the
	// session: the actor does not retry with the same credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrRetriesExhausted is surfaced after the bounded reconnect policy
	// gives up.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// EventKind discriminates entries on the actor's event stream.
type EventKind int

const (
	KindStateChange EventKind = iota
	KindStatusUpdate
	KindLocationUpdate
	KindServerError
)

// Event is one entry of the ordered stream toward the application.
type Event struct {
	Kind     EventKind
	State    State                  // KindStateChange
	Err      error                  // KindStateChange (terminal) and KindServerError
	Status   *protocol.StatusUpdate // KindStatusUpdate
	Location *models.LocationUpdate // KindLocationUpdate
}

// Config parameterizes an actor. One actor per logical session;
// construct it where the session lives and tear it down on logout.
type Config struct {
	ServerURL string
	AuthToken string
	Reconnect config.ReconnectConfig
	Transport Transport
	Logger    *slog.Logger

	// EventBuffer sizes the event stream; 0 means a sensible default.
	EventBuffer int
}

// Actor owns one logical connection. All state mutations happen under
// mu; the run goroutine is the only writer of the connection lifecycle.
type Actor struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	desired  map[string]struct{}
	cancel   context.CancelFunc
	running  bool
	stopping bool
	restart  bool
	lastErr  error

	events chan Event
}

func New(cfg Config) (*Actor, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: server url required")
	}
	if cfg.Transport == nil {
		cfg.Transport = &WebsocketTransport{}
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = config.DefaultReconnectConfig()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Actor{
		cfg:     cfg,
		log:     log,
		state:   StateDisconnected,
		desired: make(map[string]struct{}),
		events:  make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the actor's single ordered event stream. Deliveries
// never race each other: one goroutine feeds the channel.
func (a *Actor) Events() <-chan Event { return a.events }

// State returns the current lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the terminal error after the actor settles in Error.
func (a *Actor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Connect starts the connection loop. No-op when already connecting or
// connected. When called while a previous Disconnect is still tearing
// down, the request is queued and honored as soon as the old loop
// exits, so a quick logout/login sequence never loses the login. The
// desired-membership list survives disconnects, so a later Connect
// resumes the same logical subscriptions.
func (a *Actor) Connect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		if a.stopping {
			a.restart = true
		}
		return
	}
	a.startLocked()
}

// startLocked must be called under mu.
func (a *Actor) startLocked() {
	a.running = true
	a.stopping = false
	a.restart = false
	a.lastErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.run(ctx)
}

// Disconnect tears down the transport and cancels any in-flight backoff
// timer or pending handshake. The actor settles in Disconnected, also
// when it had already stopped with a terminal error, and stays there
// until Connect is called again.
func (a *Actor) Disconnect() {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	a.restart = false
	if a.running {
		a.stopping = true
	}
	settled := !a.running && a.state != StateDisconnected
	if settled {
		a.state = StateDisconnected
	}
	a.mu.Unlock()

	if settled {
		select {
		case a.events <- Event{Kind: KindStateChange, State: StateDisconnected}:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe records the topic in the desired-membership list and, when
// connected, issues the join on the wire immediately. Topics use the
// room grammar: order:<id> or rider:<id>.
func (a *Actor) Subscribe(topic string) error {
	frame, err := membershipFrame(topic, true)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.desired[topic] = struct{}{}
	conn := a.connectedConn()
	a.mu.Unlock()
	if conn != nil {
		if err := conn.WriteMessage(frame); err != nil {
			// The membership list stays authoritative; the join will be
			// replayed after the reconnect this failure triggers.
			a.log.Warn("subscribe write failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes the topic from the desired-membership list.
func (a *Actor) Unsubscribe(topic string) error {
	frame, err := membershipFrame(topic, false)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.desired, topic)
	conn := a.connectedConn()
	a.mu.Unlock()
	if conn != nil {
		if err := conn.WriteMessage(frame); err != nil {
			a.log.Warn("unsubscribe write failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Subscriptions returns the desired-membership list.
func (a *Actor) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.desired))
	for t := range a.desired {
		out = append(out, t)
	}
	return out
}

// PublishStatus requests an order status transition. Fails fast with
// ErrNotConnected instead of silently dropping.
func (a *Actor) PublishStatus(orderID, status, note string) error {
	frame, err := protocol.Encode(protocol.EventStatusUpdate, protocol.StatusPublish{
		OrderID: orderID, Status: status, Note: note,
	})
	if err != nil {
		return err
	}
	return a.write(frame)
}

// PublishLocation emits a rider position on the caller's cadence.
func (a *Actor) PublishLocation(u models.LocationUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	frame, err := protocol.Encode(protocol.EventLocation, u)
	if err != nil {
		return err
	}
	return a.write(frame)
}

func (a *Actor) write(frame []byte) error {
	a.mu.Lock()
	conn := a.connectedConn()
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(frame)
}

// connectedConn must be called under mu.
func (a *Actor) connectedConn() Conn {
	if a.state != StateConnected {
		return nil
	}
	return a.conn
}

// run is the reconnect loop: Connecting → Connected → (read until the
// transport drops) → Error → backoff → Connecting, giving up after the
// bounded attempt budget. Auth rejections are fatal immediately.
func (a *Actor) run(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.conn = nil
		if a.restart {
			// a Connect arrived while this loop was winding down
			a.startLocked()
			a.mu.Unlock()
			return
		}
		a.running = false
		settled := a.stopping && a.state != StateDisconnected
		a.stopping = false
		if settled {
			a.state = StateDisconnected
		}
		a.mu.Unlock()
		if settled {
			select {
			case a.events <- Event{Kind: KindStateChange, State: StateDisconnected}:
			default:
			}
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			a.setState(ctx, StateDisconnected, nil)
			return
		}
		a.setState(ctx, StateConnecting, nil)

		conn, err := a.dialAndHandshake(ctx)
		if err == nil {
			failures = 0
			a.mu.Lock()
			a.conn = conn
			a.mu.Unlock()
			a.setState(ctx, StateConnected, nil)
			a.replayMemberships(conn)
			err = a.readLoop(ctx, conn)
			a.mu.Lock()
			a.conn = nil
			a.mu.Unlock()
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			a.setState(ctx, StateDisconnected, nil)
			return
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			a.setState(ctx, StateError, err)
			return
		}

		failures++
		if failures > a.cfg.Reconnect.MaxAttempts {
			a.setState(ctx, StateError, fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, err))
			return
		}
		a.setState(ctx, StateError, err)
		select {
		case <-ctx.Done():
			a.setState(ctx, StateDisconnected, nil)
			return
		case <-time.After(backoffDelay(a.cfg.Reconnect, failures)):
		}
	}
}

// dialAndHandshake opens the transport and waits for the broker's
// verdict frame, both bounded by the handshake timeout.
func (a *Actor) dialAndHandshake(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Reconnect.HandshakeTimeout)
	defer cancel()

	conn, err := a.cfg.Transport.Dial(dialCtx, a.cfg.ServerURL, a.cfg.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	type read struct {
		raw []byte
		err error
	}
	ch := make(chan read, 1)
	go func() {
		raw, err := conn.ReadMessage()
		ch <- read{raw, err}
	}()

	select {
	case <-dialCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", dialCtx.Err())
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake read: %w", r.err)
		}
		env, err := protocol.DecodeEnvelope(r.raw)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
		switch env.Event {
		case protocol.EventConnected:
			return conn, nil
		case protocol.EventConnectError:
			var reason protocol.Reason
			_ = env.Decode(&reason)
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason.Reason)
		default:
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: unexpected event %q", env.Event)
		}
	}
}

// replayMemberships re-issues every desired subscription. The list is
// client-owned precisely so the broker can stay stateless about
// long-term membership across reconnects and restarts.
func (a *Actor) replayMemberships(conn Conn) {
	a.mu.Lock()
	topics := make([]string, 0, len(a.desired))
	for t := range a.desired {
		topics = append(topics, t)
	}
	a.mu.Unlock()

	for _, topic := range topics {
		frame, err := membershipFrame(topic, true)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(frame); err != nil {
			a.log.Warn("membership replay failed", "topic", topic, "error", err)
			return
		}
	}
}

// readLoop turns wire frames into stream events until the connection
// drops. Returns the read error that ended it.
func (a *Actor) readLoop(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			a.log.Warn("dropping malformed server frame", "error", err)
			continue
		}
		switch env.Event {
		case protocol.EventStatusUpdate:
			var u protocol.StatusUpdate
			if err := env.Decode(&u); err != nil {
				a.log.Warn("dropping malformed status update", "error", err)
				continue
			}
			a.emit(ctx, Event{Kind: KindStatusUpdate, Status: &u})
		case protocol.EventLocationUpdate:
			var u models.LocationUpdate
			if err := env.Decode(&u); err != nil {
				a.log.Warn("dropping malformed location update", "error", err)
				continue
			}
			a.emit(ctx, Event{Kind: KindLocationUpdate, Location: &u})
		case protocol.EventError:
			var reason protocol.Reason
			_ = env.Decode(&reason)
			a.emit(ctx, Event{Kind: KindServerError, Err: errors.New(reason.Reason)})
		default:
			a.log.Debug("ignoring event", "event", env.Event)
		}
	}
}

func (a *Actor) setState(ctx context.Context, s State, err error) {
	a.mu.Lock()
	changed := a.state != s || err != nil
	a.state = s
	if err != nil {
		a.lastErr = err
	}
	a.mu.Unlock()
	if changed {
		a.emit(ctx, Event{Kind: KindStateChange, State: s, Err: err})
	}
}

// emit delivers onto the single ordered stream. Blocks when the buffer
// is full so order is never sacrificed, but gives up on cancellation.
func (a *Actor) emit(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	default:
		select {
		case a.events <- ev:
		case <-ctx.Done():
		}
	}
}

func backoffDelay(rc config.ReconnectConfig, failures int) time.Duration {
	d := rc.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	if d > rc.MaxDelay {
		return rc.MaxDelay
	}
	return d
}

func membershipFrame(topic string, join bool) ([]byte, error) {
	if id, ok := strings.CutPrefix(topic, rooms.OrderPrefix); ok && id != "" {
		event := protocol.EventJoinOrder
		if !join {
			event = protocol.EventLeaveOrder
		}
		return protocol.Encode(event, protocol.OrderRef{OrderID: id})
	}
	if id, ok := strings.CutPrefix(topic, rooms.RiderPrefix); ok && id != "" {
		event := protocol.EventJoinRider
		if !join {
			event = protocol.EventLeaveRider
		}
		return protocol.Encode(event, protocol.RiderRef{RiderID: id})
	}
	return nil, fmt.Errorf("client: unknown topic %q", topic)
}
