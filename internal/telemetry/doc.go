// Package telemetry обеспечивает наблюдаемость сервисов.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики publish/delivery/соединения
//   - server.go  — HTTP endpoint /healthz и /metrics
//
// Producer и consumer используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
