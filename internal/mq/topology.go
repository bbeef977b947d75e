package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Типы обменников.
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// Типы очередей.
const (
	QueueClassic = "classic"
	QueueQuorum  = "quorum"
)

// Topology — описание очереди и (опционально) обменника.
type Topology struct {
	// Queue — имя очереди (обязательно).
	Queue string `json:"queue"`

	// Exchange — имя обменника. Пусто — default exchange, binding не создаётся.
	Exchange string `json:"exchange,omitempty"`

	// ExchangeType — тип обменника (default: direct).
	ExchangeType string `json:"exchange_type,omitempty"`

	// RoutingKey — ключ маршрутизации для binding и публикации (default: имя очереди).
	RoutingKey string `json:"routing_key,omitempty"`

	// QueueType — classic или quorum (пусто — решает брокер).
	QueueType string `json:"queue_type,omitempty"`

	// DeadLetterExchange — куда брокер отправляет отклонённые без requeue сообщения.
	DeadLetterExchange string `json:"dead_letter_exchange,omitempty"`
}

// Validate проверяет топологию до обращения к брокеру.
func (t Topology) Validate() error {
	if t.Queue == "" {
		return fmt.Errorf("topology: queue name is required")
	}
	switch t.kind() {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
	default:
		return fmt.Errorf("topology: unknown exchange type %q", t.ExchangeType)
	}
	switch t.QueueType {
	case "", QueueClassic, QueueQuorum:
	default:
		return fmt.Errorf("topology: unknown queue type %q", t.QueueType)
	}
	return nil
}

// BindingKey возвращает routing key; по умолчанию — имя очереди.
func (t Topology) BindingKey() string {
	if t.RoutingKey != "" {
		return t.RoutingKey
	}
	return t.Queue
}

// PublishTarget возвращает exchange и routing key для публикации.
// Без exchange сообщение уходит в default exchange с именем очереди в качестве ключа.
func (t Topology) PublishTarget() (exchange, key string) {
	if t.Exchange == "" {
		return "", t.Queue
	}
	return t.Exchange, t.BindingKey()
}

func (t Topology) kind() string {
	if t.ExchangeType == "" {
		return ExchangeDirect
	}
	return t.ExchangeType
}

func (t Topology) queueArgs() amqp.Table {
	args := amqp.Table{}
	if t.QueueType != "" {
		args["x-queue-type"] = t.QueueType
	}
	if t.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = t.DeadLetterExchange
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Declare объявляет очередь, exchange и binding.
// Повторное объявление с теми же параметрами ничего не меняет.
func (t Topology) Declare(ch Channel) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := ch.QueueDeclare(
		t.Queue,       // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		t.queueArgs(), // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	if t.Exchange == "" {
		return nil
	}

	err = ch.ExchangeDeclare(
		t.Exchange, // name
		t.kind(),   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	err = ch.QueueBind(
		t.Queue,        // queue name
		t.BindingKey(), // routing key
		t.Exchange,     // exchange
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.Queue, t.Exchange, err)
	}

	return nil
}

// Describe возвращает описание топологии для логирования и CLI.
func (t Topology) Describe() string {
	var b strings.Builder
	if t.Exchange == "" {
		fmt.Fprintf(&b, "(default exchange)\n")
		fmt.Fprintf(&b, "└── %s [routing: %s]\n", t.Queue, t.Queue)
	} else {
		fmt.Fprintf(&b, "%s (%s)\n", t.Exchange, t.kind())
		fmt.Fprintf(&b, "└── %s [routing: %s]\n", t.Queue, t.BindingKey())
	}
	if t.QueueType != "" {
		fmt.Fprintf(&b, "        type: %s\n", t.QueueType)
	}
	if t.DeadLetterExchange != "" {
		fmt.Fprintf(&b, "        DLX: %s\n", t.DeadLetterExchange)
	}
	return b.String()
}
