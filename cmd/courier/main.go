// Courier CLI — операторская утилита для очереди courier.
//
// Использование:
//
//	courier [--json] <command> [subcommand] [flags]
//
// Команды:
//
//	publish   Опубликовать сообщения
//	queue     stats, purge
//	topology  Объявить и показать топологию
//	journal   Журнал обработанных сообщений
//
// Настройки берутся из тех же переменных окружения, что и у сервисов.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/courier/internal/cli"
	"github.com/shaiso/courier/internal/config"
	"github.com/shaiso/courier/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Courier CLI — inspect and feed the courier queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	// Логи CLI идут в stderr, по умолчанию только предупреждения.
	level := slog.LevelWarn
	if os.Getenv("LOG_LEVEL") != "" {
		level = telemetry.LogLevel()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	clientFn := func() (*cli.Client, error) {
		cfg, err := config.Load(config.RoleCLI)
		if err != nil {
			return nil, err
		}
		return cli.NewClient(cfg, logger), nil
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewPublishCmd(clientFn, outputFn),
		cli.NewQueueCmd(clientFn, outputFn),
		cli.NewTopologyCmd(clientFn, outputFn),
		cli.NewJournalCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, config.ErrMissing) || errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
