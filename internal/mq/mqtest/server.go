// Package mqtest — брокер в памяти, реализующий mq.Broker и mq.Channel для тестов.
//
// Поддерживает: durable-очереди и их аргументы (x-queue-type, x-dead-letter-exchange),
// обменники direct/fanout/topic, bindings, prefetch, ручной ack/nack/requeue,
// dead-lettering, x-delivery-count для quorum-очередей, уведомления
// connection.blocked и обрыв соединений.
package mqtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/courier/internal/mq"
)

// ErrInjected — ошибка, которую возвращают FailDials/FailPublishes.
var ErrInjected = errors.New("mqtest: injected failure")

// Publication — запись об опубликованном сообщении.
type Publication struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// QueueStats — счётчики очереди.
type QueueStats struct {
	Ready     int
	Unacked   int
	Consumers int
	Delivered int
	Acked     int
	Discarded int
	Requeued  int
}

type exchange struct {
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	pub           amqp.Publishing
	exchange      string
	key           string
	redelivered   bool
	deliveryCount int64
}

type queue struct {
	name  string
	args  amqp.Table
	ready []*message
	stats QueueStats
	seen  map[string]int
}

// Server — брокер в памяти. Всё состояние защищено одним mutex.
type Server struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Conn
	published []Publication
	changed   chan struct{}

	dials         int
	failDials     int
	failPublishes int
}

// NewServer создаёт пустой брокер.
func NewServer() *Server {
	return &Server{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		changed:   make(chan struct{}),
	}
}

// Dial — mq.Dialer.
func (s *Server) Dial(_ string, _ amqp.Config) (mq.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, fmt.Errorf("dial: %w", ErrInjected)
	}

	c := &Conn{s: s}
	s.conns = append(s.conns, c)
	return c, nil
}

// FailDials заставляет следующие n вызовов Dial вернуть ошибку.
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
}

// FailPublishes заставляет следующие n публикаций вернуть ошибку.
func (s *Server) FailPublishes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPublishes = n
}

// Dials возвращает число вызовов Dial.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// OpenConnections возвращает число незакрытых соединений.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Published возвращает все успешно принятые публикации.
func (s *Server) Published() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Publication, len(s.published))
	copy(out, s.published)
	return out
}

// HasQueue сообщает, объявлена ли очередь.
func (s *Server) HasQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok
}

// QueueArgs возвращает аргументы объявленной очереди.
func (s *Server) QueueArgs(name string) amqp.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		return q.args
	}
	return nil
}

// ExchangeKind возвращает тип объявленного обменника.
func (s *Server) ExchangeKind(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bound сообщает, привязана ли очередь к обменнику с ключом.
func (s *Server) Bound(exchangeName, queueName, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return false
	}
	for _, b := range ex.bindings {
		if b.queue == queueName && b.key == key {
			return true
		}
	}
	return false
}

// Stats возвращает счётчики очереди.
func (s *Server) Stats(name string) QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return QueueStats{}
	}
	st := q.stats
	st.Ready = len(q.ready)
	st.Unacked = s.unackedLocked(name)
	st.Consumers = s.consumersLocked(name)
	return st
}

// TimesDelivered возвращает, сколько раз тело было доставлено из очереди.
func (s *Server) TimesDelivered(queueName, body string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queueName]; ok {
		return q.seen[body]
	}
	return 0
}

// Inject кладёт сообщение в брокер в обход канала (как внешний publisher).
func (s *Server) Inject(exchangeName, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeLocked(exchangeName, key, amqp.Publishing{
		ContentType:  mq.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Block рассылает connection.blocked всем открытым соединениям.
func (s *Server) Block(reason string) {
	s.sendBlocking(amqp.Blocking{Active: true, Reason: reason})
}

// Unblock рассылает connection.unblocked.
func (s *Server) Unblock() {
	s.sendBlocking(amqp.Blocking{Active: false})
}

func (s *Server) sendBlocking(b amqp.Blocking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		for _, l := range c.blocked {
			// слушатель, не успевший прочитать прошлое уведомление, его пропустит
			select {
			case l <- b:
			default:
			}
		}
	}
}

// DropConnections обрывает все соединения, как при падении брокера.
// Неподтверждённые сообщения возвращаются в очереди.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.closeLocked()
	}
}

// notifyLocked будит диспетчеры доставки.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) unackedLocked(queueName string) int {
	n := 0
	for _, c := range s.conns {
		for _, ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue == queueName {
					n++
				}
			}
		}
	}
	return n
}

func (s *Server) consumersLocked(queueName string) int {
	n := 0
	for _, c := range s.conns {
		for _, ch := range c.channels {
			for _, cons := range ch.consumers {
				if cons.queue == queueName {
					n++
				}
			}
		}
	}
	return n
}

// routeLocked раскладывает сообщение по очередям. Немаршрутизируемое — отбрасывается.
func (s *Server) routeLocked(exchangeName, key string, pub amqp.Publishing) error {
	var targets []string

	if exchangeName == "" {
		if _, ok := s.queues[key]; ok {
			targets = append(targets, key)
		}
	} else {
		ex, ok := s.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
		}
		seen := map[string]bool{}
		for _, b := range ex.bindings {
			if seen[b.queue] || !routes(ex.kind, b.key, key) {
				continue
			}
			seen[b.queue] = true
			targets = append(targets, b.queue)
		}
	}

	for _, name := range targets {
		q := s.queues[name]
		q.ready = append(q.ready, &message{pub: pub, exchange: exchangeName, key: key})
	}
	if len(targets) > 0 {
		s.notifyLocked()
	}
	return nil
}

func routes(kind, bindingKey, key string) bool {
	switch kind {
	case mq.ExchangeDirect:
		return bindingKey == key
	case mq.ExchangeFanout:
		return true
	case mq.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(key, "."))
	default:
		return false
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// settleLocked снимает сообщение с учёта и возвращает/отбрасывает/подтверждает его.
func (s *Server) settleLocked(p *pending, ack, requeue bool) {
	q, ok := s.queues[p.queue]
	if !ok {
		return
	}

	switch {
	case ack:
		q.stats.Acked++
	case requeue:
		q.stats.Requeued++
		s.requeueLocked(q, p.msg)
	default:
		q.stats.Discarded++
		if dlx, ok := q.args["x-dead-letter-exchange"].(string); ok && dlx != "" {
			key := p.msg.key
			if rk, ok := q.args["x-dead-letter-routing-key"].(string); ok && rk != "" {
				key = rk
			}
			_ = s.routeLocked(dlx, key, p.msg.pub)
		}
	}
	s.notifyLocked()
}

func (s *Server) requeueLocked(q *queue, m *message) {
	m.redelivered = true
	if q.args["x-queue-type"] == mq.QueueQuorum {
		m.deliveryCount++
	}
	q.ready = append([]*message{m}, q.ready...)
}

// Eventually ждёт, пока cond не станет true.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s: "+format, append([]any{timeout}, args...)...)
	}
}

// Conn — соединение с Server, реализует mq.Broker.
type Conn struct {
	s        *Server
	closed   bool
	channels []*Channel
	blocked  []chan amqp.Blocking
}

// Channel открывает канал.
func (c *Conn) Channel() (mq.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		s:         c.s,
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyBlocked регистрирует слушателя connection.blocked.
func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocked = append(c.blocked, receiver)
	return receiver
}

// IsClosed сообщает, закрыто ли соединение.
func (c *Conn) IsClosed() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.closed
}

// Close закрывает соединение и все его каналы.
func (c *Conn) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for _, l := range c.blocked {
		close(l)
	}
	c.blocked = nil
}

var _ mq.Broker = (*Conn)(nil)
