package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/telemetry"
)

const defaultPublishTimeout = 10 * time.Second

// Config — конфигурация Producer.
type Config struct {
	Conn     mq.ConnConfig
	Topology mq.Topology
	Retry    mq.RetryPolicy

	// Pacer — когда публиковать следующее сообщение (default: каждые 5s).
	Pacer Pacer

	Payload string
	Source  string

	// PublishTimeout ограничивает одну публикацию (default: 10s).
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// Producer публикует сообщения до остановки.
type Producer struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *mq.Connection
	seq  int64
}

// New создаёт новый Producer.
func New(cfg Config) *Producer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pacer == nil {
		cfg.Pacer = IntervalPacer{Interval: 5 * time.Second}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	return &Producer{
		cfg:    cfg,
		logger: cfg.Logger.With("queue", cfg.Topology.Queue),
	}
}

// Run подключается и публикует, пока ctx не отменён.
//
// Ошибка начального подключения возвращается (оборачивает mq.ErrConnection).
// После остановки, в том числе во время начального подключения, возвращает nil.
func (p *Producer) Run(ctx context.Context) error {
	conn, err := mq.ConnectWithRetry(ctx, p.cfg.Conn, p.cfg.Topology, p.logger, p.cfg.Retry)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info("producer stopped before connecting")
			return nil
		}
		return err
	}
	p.setConn(conn)
	defer p.close()

	p.logger.Info("producer started", "pacer", fmt.Sprint(p.cfg.Pacer))

	for {
		// checkpoint: перед публикацией
		if ctx.Err() != nil {
			break
		}

		p.ensureConnected(ctx)
		p.Publish(ctx)

		// checkpoint: ожидание следующего тика
		if !p.wait(ctx) {
			break
		}
	}

	p.logger.Info("producer stopping", "last_sequence", p.Sequence())
	return nil
}

// Publish выполняет одну итерацию: следующий номер и публикация.
// Ошибка публикации логируется и не прерывает цикл.
func (p *Producer) Publish(ctx context.Context) error {
	seq := p.nextSeq()
	msg := mq.NewMessage(seq, p.cfg.Payload, p.cfg.Source, time.Now())

	conn := p.connection()
	if conn == nil {
		err := fmt.Errorf("%w: %w", mq.ErrPublish, mq.ErrConnectionClosed)
		p.logPublishFailure(msg, err)
		return err
	}

	// Начатая публикация доводится до конца даже при остановке.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()

	if err := mq.NewPublisher(conn, p.logger).Publish(pubCtx, msg); err != nil {
		p.logPublishFailure(msg, err)
		return err
	}

	telemetry.MessagesPublished.Inc()
	p.logger.Info("published message", "sequence_number", seq)
	return nil
}

func (p *Producer) logPublishFailure(msg mq.Message, err error) {
	telemetry.PublishFailures.Inc()

	body, _ := msg.Encode()
	p.logger.Error("failed to publish message",
		"stage", "publish",
		"sequence_number", msg.SequenceNumber,
		"error", err,
		"body", telemetry.Truncate(body, 256),
	)
}

// ensureConnected переоткрывает закрытое соединение; одна попытка на тик.
func (p *Producer) ensureConnected(ctx context.Context) {
	conn := p.connection()
	if conn != nil && conn.IsOpen() {
		return
	}

	p.logger.Warn("connection is not open, reconnecting")

	// Старый handle закрывается до нового подключения.
	p.close()

	fresh, err := mq.Connect(ctx, p.cfg.Conn, p.cfg.Topology, p.logger)
	if err != nil {
		p.logger.Error("reconnect failed", "stage", "connect", "error", err)
		return
	}

	telemetry.Reconnects.WithLabelValues("producer").Inc()
	p.setConn(fresh)
}

// wait ждёт следующего тика. false — остановка.
func (p *Producer) wait(ctx context.Context) bool {
	now := time.Now()
	delay := p.cfg.Pacer.Next(now).Sub(now)
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Producer) nextSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// Sequence возвращает номер последней попытки публикации.
func (p *Producer) Sequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Producer) setConn(conn *mq.Connection) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Producer) connection() *mq.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Healthy сообщает, открыто ли соединение (для /healthz).
func (p *Producer) Healthy() bool {
	conn := p.connection()
	return conn != nil && conn.IsOpen()
}

func (p *Producer) close() {
	conn := p.connection()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, mq.ErrConnectionClosed) {
		p.logger.Warn("close connection", "error", err)
	}
}
