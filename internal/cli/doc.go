// Package cli реализует операторскую утилиту courier.
//
// # Обзор
//
// CLI работает напрямую с брокером и журналом, используя те же
// настройки окружения, что и producer/consumer (internal/config).
//
// # Ключевые компоненты
//
// ## Client
//
// Открывает соединение через mq.Connect (топология объявляется так же,
// как в сервисах), выполняет одну операцию и закрывает соединение.
//
//	client := cli.NewClient(cfg, logger)
//	info, err := client.QueueStats(ctx)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr,
// поэтому работает pipe: courier journal list --json | jq .
//
// ## Commands
//
//   - publish: разовая публикация сообщений
//   - queue: stats, purge
//   - topology: объявить и показать топологию
//   - journal: list
//
// Фабрики команд принимают clientFn и outputFn — замыкания, которые
// создают Client и Output после разбора флагов.
package cli
