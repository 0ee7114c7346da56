package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-tracking/internal/auth"
	"github.com/example/delivery-tracking/internal/observability"
)

var errSendBufferFull = errors.New("send buffer full")

// session is one connected client. The broker holds it only as a
// lightweight broadcast handle; all websocket I/O goes through the two
// pumps so there is exactly one reader and one writer per connection.
type session struct {
	id        string
	principal *auth.Principal // nil for anonymous connections

	conn *websocket.Conn
	send chan []byte
	stop chan struct{}

	b    *Broker
	once sync.Once
}

func (s *session) ID() string { return s.id }

// Send queues a frame without blocking. A full buffer means the client
// is too slow to keep up; the caller treats the error as fatal for this
// session so the other subscribers are never delayed.
func (s *session) Send(data []byte) error {
	select {
	case s.send <- data:
		return nil
	case <-s.stop:
		return errors.New("session closed")
	default:
		observability.SlowSubscriberDrops.Inc()
		return errSendBufferFull
	}
}

// close tears the session down exactly once: membership cleanup first,
// then the transport. Safe to call from any goroutine.
func (s *session) close() {
	s.once.Do(func() {
		s.b.rooms.LeaveAll(s)
		close(s.stop)
		_ = s.conn.Close()
		observability.ConnectionsActive.Dec()
		s.b.log.Debug("session closed", "session", s.id)
	})
}

// readPump owns all reads. Inbound frames are routed synchronously so a
// single client's messages are handled in the order it sent them.
func (s *session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.b.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.b.cfg.PongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.b.log.Debug("read error", "session", s.id, "error", err)
			}
			return
		}
		s.b.handleFrame(s, raw)
	}
}

// writePump owns all writes: queued frames plus keepalive pings.
func (s *session) writePump() {
	ticker := time.NewTicker(s.b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.stop:
			_ = s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.b.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.b.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

const maxFrameBytes = 16 << 10
