package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/telemetry"
)

// Config — конфигурация Service.
type Config struct {
	Conn     mq.ConnConfig
	Topology mq.Topology

	// Retry — политика начального подключения.
	Retry mq.RetryPolicy

	// Reconnect — политика переподключения после разрыва (default: без ограничения попыток).
	Reconnect *mq.RetryPolicy

	Handler         mq.Handler
	MaxRedeliveries int
	DrainTimeout    time.Duration

	Logger *slog.Logger
}

// Service потребляет очередь до остановки, переподключаясь при разрывах.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *mq.Connection
}

// New создаёт новый Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reconnect == nil {
		policy := mq.DefaultRetryPolicy()
		policy.MaxRetries = -1
		cfg.Reconnect = &policy
	}

	return &Service{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Run подключается и потребляет, пока ctx не отменён.
//
// Ошибка начального подключения возвращается (оборачивает mq.ErrConnection).
// После штатной остановки, в том числе во время начального подключения, возвращает nil.
func (s *Service) Run(ctx context.Context) error {
	conn, err := mq.ConnectWithRetry(ctx, s.cfg.Conn, s.cfg.Topology, s.logger, s.cfg.Retry)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("consumer stopped before connecting")
			return nil
		}
		return err
	}

	for {
		s.setConn(conn)

		consumer := mq.NewConsumer(conn, s.logger, mq.ConsumerConfig{
			Handler:         s.cfg.Handler,
			MaxRedeliveries: s.cfg.MaxRedeliveries,
			DrainTimeout:    s.cfg.DrainTimeout,
		})
		err := consumer.Run(ctx)
		lost := !conn.IsOpen()

		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("close connection", "error", cerr)
		}

		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !lost && !errors.Is(err, mq.ErrDeliveriesClosed) && !errors.Is(err, mq.ErrConnectionClosed) {
			return err
		}

		s.logger.Warn("lost broker connection, reconnecting", "error", err)
		telemetry.Reconnects.WithLabelValues("consumer").Inc()

		conn, err = mq.ConnectWithRetry(ctx, s.cfg.Conn, s.cfg.Topology, s.logger, *s.cfg.Reconnect)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Service) setConn(conn *mq.Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Healthy сообщает, открыто ли текущее соединение (для /healthz).
func (s *Service) Healthy() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.IsOpen()
}
