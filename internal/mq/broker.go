package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel — подмножество методов *amqp.Channel, которым пользуется пакет.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

// Broker — открытое AMQP соединение.
type Broker interface {
	Channel() (Channel, error)
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer открывает соединение с брокером.
type Dialer func(url string, cfg amqp.Config) (Broker, error)

// DialAMQP — Dialer поверх amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Broker, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpBroker{conn: conn}, nil
}

// amqpBroker адаптирует *amqp.Connection к Broker.
type amqpBroker struct {
	conn *amqp.Connection
}

func (b *amqpBroker) Channel() (Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (b *amqpBroker) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return b.conn.NotifyBlocked(receiver)
}

func (b *amqpBroker) IsClosed() bool { return b.conn.IsClosed() }
func (b *amqpBroker) Close() error   { return b.conn.Close() }
