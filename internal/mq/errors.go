package mq

import "errors"

// Ошибки соединения.
var (
	// ErrConnection — не удалось установить соединение или объявить топологию.
	ErrConnection = errors.New("broker connection failed")

	// ErrConnectionClosed — операция над закрытым соединением.
	ErrConnectionClosed = errors.New("broker connection is closed")
)

// Ошибки публикации и потребления.
var (
	// ErrPublish — публикация не удалась (временная ошибка, цикл продолжается).
	ErrPublish = errors.New("publish failed")

	// ErrMalformedMessage — тело сообщения не является JSON-объектом.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrHandler — обработчик сообщения вернул ошибку.
	ErrHandler = errors.New("handler failed")

	// ErrPermanent — обработчик сообщает, что повтор бессмысленен.
	// Сообщение отклоняется без возврата в очередь.
	ErrPermanent = errors.New("permanent failure")

	// ErrDeliveriesClosed — брокер закрыл канал доставки (не по нашей инициативе).
	ErrDeliveriesClosed = errors.New("deliveries channel closed")
)
