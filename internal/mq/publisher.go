package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher публикует сообщения в exchange/очередь соединения.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение по топологии соединения.
// Ошибки оборачивают ErrPublish.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("%w: marshal message: %w", ErrPublish, err)
	}

	exchange, key := p.conn.Topology().PublishTarget()
	return p.publish(ctx, exchange, key, body, msg.Source)
}

// PublishRaw публикует произвольное тело. Пустой key — ключ из топологии.
func (p *Publisher) PublishRaw(ctx context.Context, key string, body []byte) error {
	exchange, defaultKey := p.conn.Topology().PublishTarget()
	if key == "" {
		key = defaultKey
	}
	return p.publish(ctx, exchange, key, body, "")
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte, appID string) error {
	messageID := uuid.NewString()

	err := p.conn.WithChannel(ctx, func(ch Channel) error {
		return ch.PublishWithContext(
			ctx,
			exchange, // exchange
			key,      // routing key
			false,    // mandatory
			false,    // immediate
			amqp.Publishing{
				ContentType:  ContentTypeJSON,
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт брокера
				MessageId:    messageID,
				AppId:        appID,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrPublish, exchange, key, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", key,
		"message_id", messageID,
	)

	return nil
}
