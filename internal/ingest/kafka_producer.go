package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-tracking/internal/models"
	"github.com/example/delivery-tracking/internal/order"
	"github.com/example/delivery-tracking/internal/protocol"
)

// Producer mirrors every event the broker broadcasts onto a Kafka topic
// for downstream sinks (push notifications, analytics). The feed is
// best-effort: a publish failure never blocks or fails the websocket
// broadcast.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

// PublishStatus forwards an accepted order transition, keyed by order
// ID so per-order ordering survives partitioning.
func (p *Producer) PublishStatus(ev order.StatusEvent) error {
	b, err := protocol.Encode(protocol.EventStatusUpdate, ev)
	if err != nil {
		return err
	}
	return p.write([]byte(ev.OrderID), b)
}

// PublishLocation forwards a relayed rider location, keyed by rider ID.
func (p *Producer) PublishLocation(u models.LocationUpdate) error {
	b, err := protocol.Encode(protocol.EventLocationUpdate, u)
	if err != nil {
		return err
	}
	return p.write([]byte(u.RiderID), b)
}

func (p *Producer) write(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
