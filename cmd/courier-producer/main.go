// Courier Producer — публикует сообщения в RabbitMQ.
//
// Producer:
//   - Читает настройки из окружения / .env
//   - Подключается к брокеру и объявляет топологию
//   - Публикует JSON-сообщения с растущим sequence number
//   - По SIGINT/SIGTERM дожидается текущей публикации и закрывает соединение
//
// Коды выхода: 0 — штатная остановка, 1 — нет соединения, 2 — ошибка конфигурации.
package main

import (
	"context"
	"os"

	"github.com/shaiso/courier/internal/config"
	"github.com/shaiso/courier/internal/producer"
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
	logger := telemetry.SetupLogger("courier-producer")
	logger.Info("starting courier-producer")

	cfg, err := config.Load(config.RoleProducer)
	if err != nil {
		logger.Error("invalid configuration", "stage", "config", "error", err)
		return exitConfig
	}

	pacer, err := producer.NewPacer(cfg.MessageInterval, cfg.Schedule)
	if err != nil {
		logger.Error("invalid configuration", "stage", "config", "error", err)
		return exitConfig
	}

	// graceful shutdown
	coord := shutdown.New(context.Background(), logger, nil)
	defer coord.Close()
	ctx := coord.Context()

	p := producer.New(producer.Config{
		Conn:     cfg.ConnConfig("courier-producer"),
		Topology: cfg.Topology(),
		Retry:    cfg.RetryPolicy(),
		Pacer:    pacer,
		Payload:  cfg.Payload,
		Source:   cfg.Source,
		Logger:   logger,
	})

	// HTTP: /healthz + /metrics
	telemetry.Serve(ctx, cfg.MetricsAddr, p.Healthy, logger)

	if err := p.Run(ctx); err != nil {
		logger.Error("producer failed", "stage", "connect", "error", err)
		return exitConnection
	}

	logger.Info("courier-producer stopped", "reason", coord.Reason())
	return exitOK
}
