package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/courier/internal/telemetry"
)

const (
	defaultPrefetch     = 1
	defaultDrainTimeout = 10 * time.Second

	// bodyLogLimit — сколько байт тела попадает в лог при ошибке.
	bodyLogLimit = 256

	headerDeliveryCount = "x-delivery-count"
)

// Outcome — чем закончилась обработка доставки.
type Outcome int

// Исходы доставки.
const (
	OutcomeAcknowledged Outcome = iota
	OutcomeRejectedDiscard
	OutcomeRejectedRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeRejectedDiscard:
		return "rejected_discard"
	case OutcomeRejectedRequeue:
		return "rejected_requeue"
	default:
		return "unknown(" + strconv.Itoa(int(o)) + ")"
	}
}

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет возвращено в очередь).
// Ошибка, оборачивающая ErrPermanent, отклоняет сообщение без возврата.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — доставленное и разобранное сообщение.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// MessageID возвращает AMQP message-id или source:sequence, если его нет.
func (d *Delivery) MessageID() string {
	if d.Raw.MessageId != "" {
		return d.Raw.MessageId
	}
	return d.Message.Source + ":" + strconv.FormatInt(d.Message.SequenceNumber, 10)
}

// DeliveryCount возвращает число предыдущих доставок (заголовок x-delivery-count
// quorum-очередей). Для classic-очередей — 0.
func (d *Delivery) DeliveryCount() int64 {
	switch v := d.Raw.Headers[headerDeliveryCount].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	default:
		return 0
	}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — сколько неподтверждённых доставок может быть в полёте (default: 1).
	Prefetch int

	// MaxRedeliveries — после стольких повторных доставок сообщение отклоняется
	// без возврата в очередь. 0 — возвращать бесконечно.
	MaxRedeliveries int

	// DrainTimeout — сколько ждать завершения доставок после отмены подписки.
	DrainTimeout time.Duration

	// Tag — consumer tag (default: courier-<uuid>).
	Tag string
}

// Consumer потребляет сообщения из очереди соединения.
//
// Цикл pull-based: доставки читаются из канала amqp091, prefetch ограничивает
// число сообщений в полёте. При отмене контекста подписка отменяется по тегу,
// уже полученные доставки обрабатываются до конца.
type Consumer struct {
	conn            *Connection
	logger          *slog.Logger
	queue           string
	handler         Handler
	prefetch        int
	maxRedeliveries int
	drainTimeout    time.Duration
	tag             string
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	tag := cfg.Tag
	if tag == "" {
		tag = "courier-" + uuid.NewString()
	}

	queue := conn.Topology().Queue

	return &Consumer{
		conn:            conn,
		logger:          logger.With("queue", queue),
		queue:           queue,
		handler:         cfg.Handler,
		prefetch:        prefetch,
		maxRedeliveries: cfg.MaxRedeliveries,
		drainTimeout:    drain,
		tag:             tag,
	}
}

// Tag возвращает consumer tag.
func (c *Consumer) Tag() string {
	return c.tag
}

// Run подписывается на очередь и обрабатывает доставки до отмены ctx.
//
// Возвращает nil после штатной остановки, ErrDeliveriesClosed — если брокер
// закрыл канал доставки сам (разрыв соединения).
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, ch, err := c.subscribe()
	if err != nil {
		return err
	}

	c.logger.Info("consumer started", "tag", c.tag, "prefetch", c.prefetch)

	for {
		if ctx.Err() != nil {
			return c.shutdown(ctx, ch, deliveries)
		}

		select {
		case <-ctx.Done():
			return c.shutdown(ctx, ch, deliveries)

		case raw, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("deliveries channel closed by broker")
				return ErrDeliveriesClosed
			}
			// Начатая обработка доводится до ack/nack даже при остановке.
			c.Handle(context.WithoutCancel(ctx), raw)
		}
	}
}

// subscribe настраивает prefetch и начинает потребление.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, Channel, error) {
	ch := c.conn.Channel()
	if ch == nil || !c.conn.IsOpen() {
		return nil, nil, ErrConnectionClosed
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		c.tag,   // consumer tag
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}

	return deliveries, ch, nil
}

// shutdown отменяет подписку и дорабатывает уже полученные доставки.
func (c *Consumer) shutdown(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery) error {
	c.logger.Info("stopping consumer", "tag", c.tag)

	if err := ch.Cancel(c.tag, false); err != nil {
		c.logger.Warn("cancel consumer", "tag", c.tag, "error", err)
	}

	drainCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(c.drainTimeout)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Info("consumer stopped", "tag", c.tag)
				return nil
			}
			c.Handle(drainCtx, raw)

		case <-timer.C:
			// Неподтверждённые доставки брокер вернёт в очередь при закрытии канала.
			c.logger.Warn("drain timeout reached", "tag", c.tag, "timeout", c.drainTimeout)
			return nil
		}
	}
}

// Handle обрабатывает одну доставку и подтверждает/отклоняет её.
func (c *Consumer) Handle(ctx context.Context, raw amqp.Delivery) Outcome {
	outcome := c.classify(ctx, raw)

	var err error
	switch outcome {
	case OutcomeAcknowledged:
		err = raw.Ack(false)
	case OutcomeRejectedDiscard:
		err = raw.Nack(false, false)
	case OutcomeRejectedRequeue:
		err = raw.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery",
			"stage", "settle",
			"outcome", outcome.String(),
			"delivery_tag", raw.DeliveryTag,
			"error", err,
		)
	}

	telemetry.DeliveriesTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

// classify разбирает тело, вызывает обработчик и определяет исход.
func (c *Consumer) classify(ctx context.Context, raw amqp.Delivery) Outcome {
	msg, err := DecodeMessage(raw.Body)
	if err != nil {
		// Некорректное сообщение никогда не возвращается в очередь.
		c.logger.Error("failed to parse message",
			"stage", "decode",
			"error", err,
			"body", telemetry.Truncate(raw.Body, bodyLogLimit),
		)
		return OutcomeRejectedDiscard
	}

	delivery := &Delivery{
		Message: msg,
		Raw:     raw,
	}

	c.logger.Debug("received message",
		"message_id", delivery.MessageID(),
		"sequence_number", msg.SequenceNumber,
		"redelivered", raw.Redelivered,
	)

	// Логгер доставки доступен обработчику через telemetry.FromContext.
	ctx = telemetry.WithLogger(ctx, c.logger.With("message_id", delivery.MessageID()))

	start := time.Now()
	err = c.call(ctx, delivery)
	telemetry.HandlerDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		return OutcomeAcknowledged
	}

	attrs := []any{
		"stage", "handle",
		"message_id", delivery.MessageID(),
		"sequence_number", msg.SequenceNumber,
		"error", err,
		"body", telemetry.Truncate(raw.Body, bodyLogLimit),
	}

	if errors.Is(err, ErrPermanent) {
		c.logger.Error("handler failed permanently, discarding", attrs...)
		return OutcomeRejectedDiscard
	}

	if c.maxRedeliveries > 0 && delivery.DeliveryCount() >= int64(c.maxRedeliveries) {
		c.logger.Error("redelivery limit reached, discarding",
			append(attrs, "deliveries", delivery.DeliveryCount(), "limit", c.maxRedeliveries)...)
		return OutcomeRejectedDiscard
	}

	c.logger.Error("handler failed, requeueing", attrs...)
	return OutcomeRejectedRequeue
}

// call вызывает обработчик, превращая panic в ошибку.
func (c *Consumer) call(ctx context.Context, d *Delivery) (err error) {
	if c.handler == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			c.logger.Error("handler panic recovered", "panic", r, "stack", string(buf[:n]))
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()

	if err := c.handler(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}
