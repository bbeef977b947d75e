// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - broker.go     — интерфейсы Broker/Channel поверх amqp091-go (подменяются в тестах)
//   - connection.go — Connection: соединение + канал, идемпотентный Close, IsOpen
//   - topology.go   — объявление очереди, exchange и binding из конфигурации
//   - message.go    — JSON-конверт сообщения (sequence_number, timestamp, payload, source)
//   - publisher.go  — публикация сообщений (persistent, application/json)
//   - consumer.go   — потребление с prefetch=1 и ручным ack/nack
//   - retry.go      — политика повторного подключения (exponential backoff)
//
// Исходы доставки:
//   - acknowledged     — обработчик успешно обработал сообщение
//   - rejected_discard — тело не JSON-объект, ErrPermanent или исчерпан лимит повторов
//   - rejected_requeue — обработчик вернул ошибку, сообщение вернётся в очередь
//
// Пакет не повторяет подключение сам: Connect возвращает одну классифицированную
// ошибку (ErrConnection), политика повторов — на стороне вызывающего (ConnectWithRetry).
package mq
