package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBridge fans messages out to every instance through a fanout exchange.
// Each instance consumes into its own exclusive queue and hands what it
// receives to its local sink, usually the Hub.
type AMQPBridge struct {
	conn     *amqp.Connection
	pubChan  *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	local    Sink
	logger   *slog.Logger
}

func DialAMQP(url, exchange string, local Sink, logger *slog.Logger) (*AMQPBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return &AMQPBridge{conn: conn, pubChan: ch, exchange: exchange, local: local, logger: logger}, nil
}

// Deliver implements Sink by publishing to the exchange.
func (b *AMQPBridge) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubChan.IsClosed() {
		return errors.New("amqp: publish channel is not open")
	}
	return b.pubChan.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   msg.At,
		Body:        body,
	})
}

// Run consumes this instance's queue until ctx is done or the channel closes.
func (b *AMQPBridge) Run(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp bind %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", q.Name, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	b.logger.Info("amqp bridge consuming", "exchange", b.exchange, "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closed:
			if cerr != nil {
				return fmt.Errorf("amqp channel closed: %w", cerr)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := b.handle(ctx, d.Body); err != nil {
				b.logger.Debug("amqp bridge delivery failed", "error", err)
			}
		}
	}
}

func (b *AMQPBridge) handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if msg.Channel == "" {
		return errors.New("message without channel")
	}
	return b.local.Deliver(ctx, msg)
}

func (b *AMQPBridge) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	_ = b.pubChan.Close()
	return b.conn.Close()
}
