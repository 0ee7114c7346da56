package broker

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-tracking/internal/auth"
	"github.com/example/delivery-tracking/internal/config"
	"github.com/example/delivery-tracking/internal/locations"
	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
	"github.com/example/delivery-tracking/internal/storage"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, mutate func(*config.BrokerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.BrokerConfig{
		SendBuffer:   64,
		WriteWait:    time.Second,
		PongWait:     10 * time.Second,
		PingInterval: 5 * time.Second,
		JWTSecret:    testSecret,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, log, locations.NewMemory(), storage.NewMemoryStore(), nil)
	srv := NewServer(cfg, b)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func testToken(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Sign(userID, role, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// dialWS connects and consumes the handshake verdict, failing the test
// unless it is the expected event.
func dialWS(t *testing.T, ts *httptest.Server, token, wantVerdict string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })

	env := readEnvelope(t, c, 2*time.Second)
	if env.Event != wantVerdict {
		t.Fatalf("handshake verdict %q, want %q", env.Event, wantVerdict)
	}
	return c
}

type wsFrame struct {
	data []byte
	err  error
}

// pendingReads tracks a background read started by expectSilence so the
// next readEnvelope on the same conn consumes it. Gorilla read errors
// are permanent, so letting a read deadline expire on the connection
// (the obvious way to probe for silence) would poison every later read.
var pendingReads = map[*websocket.Conn]chan wsFrame{}

func bgRead(c *websocket.Conn) chan wsFrame {
	if ch, ok := pendingReads[c]; ok {
		return ch
	}
	ch := make(chan wsFrame, 1)
	pendingReads[c] = ch
	go func() {
		_ = c.SetReadDeadline(time.Time{})
		_, raw, err := c.ReadMessage()
		ch <- wsFrame{raw, err}
	}()
	return ch
}

func readEnvelope(t *testing.T, c *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()
	var raw []byte
	if ch, ok := pendingReads[c]; ok {
		select {
		case fr := <-ch:
			delete(pendingReads, c)
			if fr.err != nil {
				t.Fatalf("read: %v", fr.err)
			}
			raw = fr.data
		case <-time.After(timeout):
			t.Fatalf("read: timeout after %v", timeout)
		}
	} else {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		var err error
		_, raw, err = c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	ch := bgRead(c)
	select {
	case fr := <-ch:
		if fr.err == nil {
			delete(pendingReads, c)
			t.Fatalf("expected no frame, got %s", fr.data)
		}
		ch <- fr // keep the error for a later read, as a deadline-based probe would
	case <-time.After(d):
	}
}

func sendEnvelope(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
}

func createOrder(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"orderId": id})
	resp, err := http.Post(ts.URL+"/internal/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order: status %d", resp.StatusCode)
	}
}

func TestStatusPublishReachesSubscribers(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createOrder(t, ts, "A1")

	customer := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, customer, protocol.EventJoinOrder, protocol.OrderRef{OrderID: "A1"})
	time.Sleep(50 * time.Millisecond) // let the join land before publishing

	restaurant := dialWS(t, ts, testToken(t, "r1", auth.RoleRestaurant), protocol.EventConnected)
	sendEnvelope(t, restaurant, protocol.EventStatusUpdate, protocol.StatusPublish{OrderID: "A1", Status: "confirmed"})

	env := readEnvelope(t, customer, 2*time.Second)
	if env.Event != protocol.EventStatusUpdate {
		t.Fatalf("expected status update, got %s", env.Event)
	}
	var u protocol.StatusUpdate
	if err := env.Decode(&u); err != nil {
		t.Fatal(err)
	}
	if u.OrderID != "A1" || u.Status != order.StatusConfirmed || u.Seq != 1 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestInvalidTransitionRejectedAndNotBroadcast(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createOrder(t, ts, "A1")

	customer := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, customer, protocol.EventJoinOrder, protocol.OrderRef{OrderID: "A1"})
	time.Sleep(50 * time.Millisecond)

	restaurant := dialWS(t, ts, testToken(t, "r1", auth.RoleRestaurant), protocol.EventConnected)
	// pending → ready skips two steps
	sendEnvelope(t, restaurant, protocol.EventStatusUpdate, protocol.StatusPublish{OrderID: "A1", Status: "ready"})

	env := readEnvelope(t, restaurant, 2*time.Second)
	if env.Event != protocol.EventError {
		t.Fatalf("publisher should get an error frame, got %s", env.Event)
	}
	expectSilence(t, customer, 300*time.Millisecond)

	// order state unchanged
	resp, err := http.Get(ts.URL + "/api/v1/orders/A1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap order.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != order.StatusPending || snap.Seq != 0 {
		t.Fatalf("state changed by rejected transition: %+v", snap)
	}
}

func TestAnonymousCannotPublishStatus(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createOrder(t, ts, "A1")

	anon := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, anon, protocol.EventStatusUpdate, protocol.StatusPublish{OrderID: "A1", Status: "confirmed"})
	env := readEnvelope(t, anon, 2*time.Second)
	if env.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s", env.Event)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dialWS(t, ts, "garbage", protocol.EventConnectError)
	// server closes after the rejection
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after connect_error")
	}
}

func TestRequireAuthForSubscribeRejectsAnonymous(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.BrokerConfig) { cfg.RequireAuthForSubscribe = true })
	dialWS(t, ts, "", protocol.EventConnectError)
}

func TestOutOfRangeLocationDropped(t *testing.T) {
	_, ts := newTestServer(t, nil)

	watcher := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, watcher, protocol.EventJoinRider, protocol.RiderRef{RiderID: "rider9"})
	time.Sleep(50 * time.Millisecond)

	rider := dialWS(t, ts, testToken(t, "rider9", auth.RoleRider), protocol.EventConnected)
	sendEnvelope(t, rider, protocol.EventLocation, models.LocationUpdate{
		RiderID: "rider9", Lat: 999, Lng: 90.4, Timestamp: time.Now(),
	})
	expectSilence(t, watcher, 300*time.Millisecond)
	// the publisher gets no error either; a GPS glitch is not a fault
	expectSilence(t, rider, 100*time.Millisecond)

	sendEnvelope(t, rider, protocol.EventLocation, models.LocationUpdate{
		RiderID: "rider9", Lat: 23.78, Lng: 90.4, Timestamp: time.Now(),
	})
	env := readEnvelope(t, watcher, 2*time.Second)
	if env.Event != protocol.EventLocationUpdate {
		t.Fatalf("expected location update, got %s", env.Event)
	}
}

func TestLocationReachesOrderAndRiderRooms(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createOrder(t, ts, "A1")

	byOrder := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, byOrder, protocol.EventJoinOrder, protocol.OrderRef{OrderID: "A1"})
	byRider := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, byRider, protocol.EventJoinRider, protocol.RiderRef{RiderID: "rider9"})
	time.Sleep(50 * time.Millisecond)

	rider := dialWS(t, ts, testToken(t, "rider9", auth.RoleRider), protocol.EventConnected)
	sendEnvelope(t, rider, protocol.EventLocation, models.LocationUpdate{
		RiderID: "rider9", OrderID: "A1", Lat: 23.78, Lng: 90.4, Timestamp: time.Now(),
	})

	for name, c := range map[string]*websocket.Conn{"order room": byOrder, "rider room": byRider} {
		env := readEnvelope(t, c, 2*time.Second)
		if env.Event != protocol.EventLocationUpdate {
			t.Fatalf("%s: expected location update, got %s", name, env.Event)
		}
	}
}

// A subscriber that stops reading must not delay delivery to the other
// members of the same room: queueing toward it never blocks, so the
// healthy member keeps receiving promptly.
func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.BrokerConfig) { cfg.SendBuffer = 2 })

	slow := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, slow, protocol.EventJoinRider, protocol.RiderRef{RiderID: "rider9"})
	fast := dialWS(t, ts, "", protocol.EventConnected)
	sendEnvelope(t, fast, protocol.EventJoinRider, protocol.RiderRef{RiderID: "rider9"})
	time.Sleep(50 * time.Millisecond)
	// slow never reads again

	rider := dialWS(t, ts, testToken(t, "rider9", auth.RoleRider), protocol.EventConnected)

	const n = 20
	start := time.Now()
	for i := 0; i < n; i++ {
		sendEnvelope(t, rider, protocol.EventLocation, models.LocationUpdate{
			RiderID: "rider9", Lat: 23.78, Lng: 90.4, Timestamp: time.Now(),
		})
	}
	for i := 0; i < n; i++ {
		env := readEnvelope(t, fast, 2*time.Second)
		if env.Event != protocol.EventLocationUpdate {
			t.Fatalf("expected location update, got %s", env.Event)
		}
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("healthy subscriber delayed %v by a stalled one", d)
	}
}

func TestGetRiderLocation(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/riders/rider9/location")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rider without a location: status %d, want 404", resp.StatusCode)
	}

	rider := dialWS(t, ts, testToken(t, "rider9", auth.RoleRider), protocol.EventConnected)
	sent := models.LocationUpdate{RiderID: "rider9", Lat: 23.78, Lng: 90.4, Timestamp: time.Now().UTC()}
	sendEnvelope(t, rider, protocol.EventLocation, sent)
	time.Sleep(100 * time.Millisecond) // let the relay land

	resp, err = http.Get(ts.URL + "/api/v1/riders/rider9/location")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got models.LocationUpdate
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.RiderID != "rider9" || got.Lat != sent.Lat || got.Lng != sent.Lng {
		t.Fatalf("unexpected location %+v", got)
	}
}

func TestSnapshotSurvivesRegistryLossViaStore(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	createOrder(t, ts, "A1")

	restaurant := dialWS(t, ts, testToken(t, "r1", auth.RoleRestaurant), protocol.EventConnected)
	sendEnvelope(t, restaurant, protocol.EventStatusUpdate, protocol.StatusPublish{OrderID: "A1", Status: "confirmed"})
	time.Sleep(100 * time.Millisecond)

	// simulate a restart: registry forgets, store remembers
	srv.b.orders = order.NewRegistry()

	resp, err := http.Get(ts.URL + "/api/v1/orders/A1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var snap order.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != order.StatusConfirmed || snap.Seq != 1 {
		t.Fatalf("unexpected restored snapshot %+v", snap)
	}
}
