package mqtest

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/courier/internal/mq"
)

type pending struct {
	queue    string
	consumer string
	msg      *message
}

type consumer struct {
	tag     string
	queue   string
	autoAck bool
	out     chan amqp.Delivery
	done    chan struct{}
}

// Channel — канал соединения, реализует mq.Channel и amqp.Acknowledger.
type Channel struct {
	s    *Server
	conn *Conn

	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
}

var (
	_ mq.Channel        = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func notFound(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...)}
}

func preconditionFailed(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...)}
}

// fail закрывает канал, как это делает брокер при channel-level ошибке.
func (ch *Channel) fail(err *amqp.Error) error {
	ch.closeLocked()
	return err
}

// Qos запоминает prefetch count.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare объявляет очередь; расхождение параметров закрывает канал.
func (ch *Channel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		return amqp.Queue{}, ch.fail(preconditionFailed("server-named queues are not supported"))
	}

	q, ok := ch.s.queues[name]
	if ok {
		if !tablesEqual(q.args, args) {
			return amqp.Queue{}, ch.fail(preconditionFailed("inequivalent arg for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, args: maps.Clone(args), seen: make(map[string]int)}
		ch.s.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: ch.s.consumersLocked(name)}, nil
}

// QueueDeclarePassive проверяет существование очереди.
func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.s.queues[name]
	if !ok {
		return amqp.Queue{}, ch.fail(notFound("no queue '%s'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: ch.s.consumersLocked(name)}, nil
}

// ExchangeDeclare объявляет обменник; другой тип — ошибка.
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if name == "" {
		return ch.fail(&amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - default exchange"})
	}
	switch kind {
	case mq.ExchangeDirect, mq.ExchangeFanout, mq.ExchangeTopic, mq.ExchangeHeaders:
	default:
		return ch.fail(&amqp.Error{Code: amqp.CommandInvalid, Reason: "COMMAND_INVALID - unknown exchange type '" + kind + "'"})
	}

	if ex, ok := ch.s.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.fail(preconditionFailed("inequivalent arg 'type' for exchange '%s'", name))
		}
		return nil
	}
	ch.s.exchanges[name] = &exchange{kind: kind}
	return nil
}

// QueueBind привязывает очередь к обменнику.
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := ch.s.exchanges[exchangeName]
	if !ok {
		return ch.fail(notFound("no exchange '%s'", exchangeName))
	}
	if _, ok := ch.s.queues[name]; !ok {
		return ch.fail(notFound("no queue '%s'", name))
	}
	for _, b := range ex.bindings {
		if b.queue == name && b.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueuePurge удаляет готовые к доставке сообщения.
func (ch *Channel) QueuePurge(name string, _ bool) (int, error) {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := ch.s.queues[name]
	if !ok {
		return 0, ch.fail(notFound("no queue '%s'", name))
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

// PublishWithContext маршрутизирует сообщение.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.s.failPublishes > 0 {
		ch.s.failPublishes--
		return fmt.Errorf("publish: %w", ErrInjected)
	}

	if err := ch.s.routeLocked(exchangeName, key, msg); err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			return ch.fail(amqpErr)
		}
		return err
	}

	ch.s.published = append(ch.s.published, Publication{Exchange: exchangeName, RoutingKey: key, Publishing: msg})
	return nil
}

// Consume регистрирует consumer и запускает доставку.
func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := ch.s.queues[queueName]; !ok {
		return nil, ch.fail(notFound("no queue '%s'", queueName))
	}
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}
	if _, ok := ch.consumers[tag]; ok {
		return nil, ch.fail(&amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'"})
	}

	c := &consumer{
		tag:     tag,
		queue:   queueName,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		done:    make(chan struct{}),
	}
	ch.consumers[tag] = c
	go ch.dispatch(c)

	return c.out, nil
}

// Cancel останавливает доставку consumer; его канал доставки закрывается.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return fmt.Errorf("mqtest: unknown consumer tag %q", tag)
	}
	delete(ch.consumers, tag)
	close(c.done)
	return nil
}

// IsClosed сообщает, закрыт ли канал.
func (ch *Channel) IsClosed() bool {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	return ch.closed
}

// Close закрывает канал; неподтверждённые сообщения возвращаются в очереди.
func (ch *Channel) Close() error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		close(c.done)
	}
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		if q, ok := ch.s.queues[p.queue]; ok {
			ch.s.requeueLocked(q, p.msg)
		}
	}
	ch.s.notifyLocked()
}

// Ack — amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

// Nack — amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

// Reject — amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, ack, requeue bool) error {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	for _, t := range tags {
		p, ok := ch.unacked[t]
		if !ok {
			return ch.fail(preconditionFailed("unknown delivery tag %d", t))
		}
		delete(ch.unacked, t)
		ch.s.settleLocked(p, ack, requeue)
	}
	return nil
}

// takeLocked снимает следующее сообщение для consumer, если позволяет prefetch.
func (ch *Channel) takeLocked(c *consumer) (amqp.Delivery, *message, bool) {
	if ch.closed {
		return amqp.Delivery{}, nil, false
	}
	q, ok := ch.s.queues[c.queue]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, nil, false
	}

	if !c.autoAck && ch.prefetch > 0 {
		inFlight := 0
		for _, p := range ch.unacked {
			if p.consumer == c.tag {
				inFlight++
			}
		}
		if inFlight >= ch.prefetch {
			return amqp.Delivery{}, nil, false
		}
	}

	m := q.ready[0]
	q.ready = q.ready[1:]

	ch.nextTag++
	tag := ch.nextTag
	if c.autoAck {
		q.stats.Acked++
	} else {
		ch.unacked[tag] = &pending{queue: c.queue, consumer: c.tag, msg: m}
	}
	q.stats.Delivered++
	q.seen[string(m.pub.Body)]++

	headers := amqp.Table{}
	maps.Copy(headers, m.pub.Headers)
	if m.deliveryCount > 0 {
		headers["x-delivery-count"] = m.deliveryCount
	}

	return amqp.Delivery{
		Acknowledger: ch,
		Headers:      headers,
		ContentType:  m.pub.ContentType,
		DeliveryMode: m.pub.DeliveryMode,
		MessageId:    m.pub.MessageId,
		Timestamp:    m.pub.Timestamp,
		AppId:        m.pub.AppId,
		ConsumerTag:  c.tag,
		DeliveryTag:  tag,
		Redelivered:  m.redelivered,
		Exchange:     m.exchange,
		RoutingKey:   m.key,
		Body:         m.pub.Body,
	}, m, true
}

// dispatch отправляет сообщения consumer, пока тот не отменён.
func (ch *Channel) dispatch(c *consumer) {
	defer close(c.out)

	for {
		ch.s.mu.Lock()
		d, m, ok := ch.takeLocked(c)
		wait := ch.s.changed
		ch.s.mu.Unlock()

		if ok {
			select {
			case c.out <- d:
				continue
			case <-c.done:
				ch.s.mu.Lock()
				ch.untakeLocked(c, d, m)
				ch.s.mu.Unlock()
				return
			}
		}

		select {
		case <-wait:
		case <-c.done:
			return
		}
	}
}

// untakeLocked возвращает сообщение, которое так и не было отдано consumer.
func (ch *Channel) untakeLocked(c *consumer, d amqp.Delivery, m *message) {
	q, ok := ch.s.queues[c.queue]
	if !ok {
		return
	}
	if !c.autoAck {
		if _, found := ch.unacked[d.DeliveryTag]; !found {
			// канал закрыт, closeLocked уже вернул сообщение в очередь
			return
		}
		delete(ch.unacked, d.DeliveryTag)
	} else {
		q.stats.Acked--
	}
	q.stats.Delivered--
	q.seen[string(m.pub.Body)]--
	q.ready = append([]*message{m}, q.ready...)
	ch.s.notifyLocked()
}

func tablesEqual(a, b amqp.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
