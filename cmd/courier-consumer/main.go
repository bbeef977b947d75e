// Courier Consumer — потребляет сообщения из RabbitMQ.
//
// Consumer:
//   - Подписывается на очередь с prefetch=1 и ручным ack
//   - Некорректный JSON отклоняется без возврата в очередь
//   - Ошибка обработчика возвращает сообщение в очередь
//   - При заданном DB_URL записывает сообщения в журнал Postgres
//   - Переподключается, если брокер оборвал соединение
//
// Коды выхода: 0 — штатная остановка, 1 — нет соединения, 2 — ошибка конфигурации.
package main

import (
	"context"
	"os"

	"github.com/shaiso/courier/internal/config"
	"github.com/shaiso/courier/internal/consumer"
	"github.com/shaiso/courier/internal/repo"
	"github.com/shaiso/courier/internal/shutdown"
	"github.com/shaiso/courier/internal/telemetry"
)

const (
	exitOK         = 0
	exitConnection = 1
	exitConfig     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("courier-consumer")
	logger.Info("starting courier-consumer")

	cfg, err := config.Load(config.RoleConsumer)
	if err != nil {
		logger.Error("invalid configuration", "stage", "config", "error", err)
		return exitConfig
	}

	// graceful shutdown
	coord := shutdown.New(context.Background(), logger, nil)
	defer coord.Close()
	ctx := coord.Context()

	// Журнал (опционально)
	var journal consumer.Journal
	if cfg.DBURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			logger.Error("failed to connect to database", "stage", "journal", "error", err)
			return exitConnection
		}
		defer pool.Close()

		messageRepo := repo.NewMessageRepo(pool)
		if err := messageRepo.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare journal", "stage", "journal", "error", err)
			return exitConnection
		}
		journal = messageRepo
		logger.Info("journal enabled")
	}

	svc := consumer.New(consumer.Config{
		Conn:            cfg.ConnConfig("courier-consumer"),
		Topology:        cfg.Topology(),
		Retry:           cfg.RetryPolicy(),
		Handler:         consumer.NewHandler(journal, logger),
		MaxRedeliveries: cfg.MaxRedeliveries,
		DrainTimeout:    cfg.DrainTimeout,
		Logger:          logger,
	})

	// HTTP: /healthz + /metrics
	telemetry.Serve(ctx, cfg.MetricsAddr, svc.Healthy, logger)

	if err := svc.Run(ctx); err != nil {
		logger.Error("consumer failed", "stage", "connect", "error", err)
		return exitConnection
	}

	logger.Info("courier-consumer stopped", "reason", coord.Reason())
	return exitOK
}
