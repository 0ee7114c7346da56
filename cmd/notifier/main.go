package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
)

// The notifier is the downstream sink for the broker's event feed: it
// consumes the same events subscribers receive over websocket and turns
// order transitions into push notifications (logged here; the actual
// provider call is deployment-specific), keeping the latest status per
// order in redis for quick lookups.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_consumed_total",
		Help: "Total feed events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_invalid_total",
		Help: "Total invalid feed events received",
	})
	notificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_total",
		Help: "Total push notifications dispatched",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, notificationsSent, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "order-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "delivery-tracking-notifier"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	statuses := &redisStatusSink{c: rc}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("notifier listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down notifier")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		handleFeedEvent(ctx, statuses, m.Value)
	}
}

// StatusSink records the latest known status per order.
type StatusSink interface {
	SetStatus(ctx context.Context, ev order.StatusEvent) error
}

type redisStatusSink struct{ c *redis.Client }

func (r *redisStatusSink) SetStatus(ctx context.Context, ev order.StatusEvent) error {
	return r.c.HSet(ctx, "order:status:"+ev.OrderID, map[string]interface{}{
		"status": string(ev.Status),
		"seq":    ev.Seq,
		"at":     ev.Timestamp.Format(time.RFC3339),
	}).Err()
}

// handleFeedEvent unpacks one feed record and dispatches it. Location
// updates are consumed only for freshness logging; pushing every GPS
// tick as a notification would be noise.
func handleFeedEvent(ctx context.Context, statuses StatusSink, value []byte) {
	env, err := protocol.DecodeEnvelope(value)
	if err != nil {
		msgsInvalid.Inc()
		log.Printf("invalid feed event: %v", err)
		return
	}
	switch env.Event {
	case protocol.EventStatusUpdate:
		var ev order.StatusEvent
		if err := env.Decode(&ev); err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid status event: %v", err)
			return
		}
		if err := statuses.SetStatus(ctx, ev); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for order=%s: %v", ev.OrderID, err)
		}
		notificationsSent.Inc()
		log.Printf("[push] order=%s status=%s seq=%d", ev.OrderID, ev.Status, ev.Seq)
	case protocol.EventLocationUpdate:
		var u models.LocationUpdate
		if err := env.Decode(&u); err != nil {
			msgsInvalid.Inc()
			return
		}
		log.Printf("[feed] rider=%s at %.5f,%.5f", u.RiderID, u.Lat, u.Lng)
	default:
		msgsInvalid.Inc()
		log.Printf("unknown feed event %q", env.Event)
	}
}
