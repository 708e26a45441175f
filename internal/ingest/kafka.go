// Package ingest moves driver location pings through Kafka so HTTP ingest and
// presence updates can scale separately.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

var errMissingDriver = errors.New("ingest: location ping without driver_id")

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys by driver so one driver's pings stay ordered on a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Handler applies one decoded ping. Returning an error does not stop the consumer.
type Handler func(ctx context.Context, p models.LocationPing) error

type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewKafkaConsumer(brokers []string, topic, group string, logger *slog.Logger) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return &KafkaConsumer{reader: r, logger: logger}
}

// Run reads until ctx is cancelled, backing off on broker errors.
// Undecodable messages are reported through onInvalid and skipped.
func (c *KafkaConsumer) Run(ctx context.Context, handle Handler, onInvalid func(error)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		p, err := Decode(m.Value)
		if err != nil {
			if onInvalid != nil {
				onInvalid(err)
			}
			continue
		}
		if err := handle(ctx, p); err != nil {
			c.logger.Warn("location ping not applied", "driver_id", p.DriverID, "error", err)
		}
	}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// Decode parses a ping; a missing driver id is an error.
func Decode(b []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.DriverID == "" {
		return p, errMissingDriver
	}
	return p, nil
}
