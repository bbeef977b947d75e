package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/courier/internal/telemetry"
)

// Значения по умолчанию для соединения.
const (
	DefaultPort           = 5672
	DefaultVHost          = "/"
	DefaultHeartbeat      = 600 * time.Second
	DefaultBlockedTimeout = 300 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// ConnConfig — параметры подключения к брокеру.
type ConnConfig struct {
	Host     string
	Port     int
	VHost    string
	User     string
	Password string

	// Heartbeat — интервал heartbeat (default: 600s).
	Heartbeat time.Duration

	// BlockedTimeout — сколько соединение может оставаться в состоянии
	// connection.blocked, прежде чем мы его закроем (default: 300s, <0 — не следить).
	BlockedTimeout time.Duration

	// ConnectTimeout — таймаут TCP-подключения и handshake (default: 30s).
	ConnectTimeout time.Duration

	// Name — имя соединения, видимое в management UI.
	Name string

	// Dial — способ открыть соединение (default: DialAMQP).
	Dial Dialer
}

// Address возвращает host:port.
func (c ConnConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// URL возвращает AMQP URL без учётных данных (они передаются через SASL).
func (c ConnConfig) URL() string {
	return "amqp://" + c.Address() + "/"
}

func (c ConnConfig) amqpConfig() amqp.Config {
	vhost := c.VHost
	if vhost == "" {
		vhost = DefaultVHost
	}
	heartbeat := c.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	props := amqp.NewConnectionProperties()
	if c.Name != "" {
		props.SetClientConnectionName(c.Name)
	}

	return amqp.Config{
		SASL:       []amqp.Authentication{&amqp.PlainAuth{Username: c.User, Password: c.Password}},
		Vhost:      vhost,
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	}
}

func (c ConnConfig) blockedTimeout() time.Duration {
	if c.BlockedTimeout == 0 {
		return DefaultBlockedTimeout
	}
	return c.BlockedTimeout
}

// Connection — открытая сессия с брокером: соединение и один канал.
//
// Особенности:
//   - Топология объявляется при подключении
//   - Close идемпотентен и безопасен при конкурентном вызове
//   - Долгая блокировка соединения брокером приводит к закрытию
type Connection struct {
	cfg    ConnConfig
	topo   Topology
	logger *slog.Logger

	mu      sync.RWMutex
	broker  Broker
	channel Channel

	closed   bool
	closedCh chan struct{}
}

// Connect открывает соединение, канал и объявляет топологию.
// Любая ошибка оборачивает ErrConnection; повторов внутри нет.
func Connect(ctx context.Context, cfg ConnConfig, topo Topology, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	dial := cfg.Dial
	if dial == nil {
		dial = DialAMQP
	}

	broker, err := dial(cfg.URL(), cfg.amqpConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, cfg.Address(), err)
	}

	ch, err := broker.Channel()
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if err := topo.Declare(ch); err != nil {
		if !ch.IsClosed() {
			ch.Close()
		}
		broker.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	c := &Connection{
		cfg:      cfg,
		topo:     topo,
		logger:   logger,
		broker:   broker,
		channel:  ch,
		closedCh: make(chan struct{}),
	}

	if timeout := cfg.blockedTimeout(); timeout > 0 {
		blocked := broker.NotifyBlocked(make(chan amqp.Blocking, 1))
		go c.watchBlocked(blocked, timeout)
	}

	telemetry.ConnectionOpen.Inc()
	logger.Info("connected to RabbitMQ",
		"addr", cfg.Address(),
		"vhost", cfg.amqpConfig().Vhost,
		"queue", topo.Queue,
		"exchange", topo.Exchange,
	)

	return c, nil
}

// watchBlocked закрывает соединение, если брокер держит его заблокированным дольше timeout.
func (c *Connection) watchBlocked(blocked <-chan amqp.Blocking, timeout time.Duration) {
	var timer *time.Timer
	var expired <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-c.closedCh:
			return

		case b, ok := <-blocked:
			if !ok {
				return
			}
			if b.Active {
				c.logger.Warn("connection blocked by broker", "reason", b.Reason, "timeout", timeout)
				if timer == nil {
					timer = time.NewTimer(timeout)
					expired = timer.C
				}
				continue
			}
			c.logger.Info("connection unblocked")
			if timer != nil {
				timer.Stop()
				timer, expired = nil, nil
			}

		case <-expired:
			c.logger.Error("connection blocked for too long, closing", "timeout", timeout)
			if err := c.Close(); err != nil {
				c.logger.Warn("close blocked connection", "error", err)
			}
			return
		}
	}
}

// Topology возвращает топологию, объявленную при подключении.
func (c *Connection) Topology() Topology {
	return c.topo
}

// Channel возвращает текущий канал или nil, если соединение закрыто.
func (c *Connection) Channel() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.channel
}

// Done закрывается после Close.
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}

// IsOpen проверяет, что соединение и канал открыты.
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.broker == nil || c.channel == nil {
		return false
	}
	return !c.broker.IsClosed() && !c.channel.IsClosed()
}

// WithChannel выполняет функцию с текущим каналом.
// На закрытом соединении возвращает ErrConnectionClosed, не вызывая fn.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	return fn(ch)
}

// Close закрывает канал, затем соединение. Повторный вызов — no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.closedCh)
	telemetry.ConnectionOpen.Dec()

	var errs []error

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if c.broker != nil && !c.broker.IsClosed() {
		if err := c.broker.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("connection closed")
	return nil
}
