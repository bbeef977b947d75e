package mq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ContentTypeJSON — content-type публикуемых сообщений.
const ContentTypeJSON = "application/json"

// TimestampLayout — ISO-8601 с микросекундами и зоной.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Message — JSON-конверт, который публикует producer и разбирает consumer.
type Message struct {
	// SequenceNumber — номер попытки публикации, растёт на 1.
	SequenceNumber int64 `json:"sequence_number"`

	// Timestamp — время создания в ISO-8601.
	Timestamp string `json:"timestamp"`

	// Payload — полезная нагрузка.
	Payload string `json:"payload"`

	// Source — идентификатор отправителя.
	Source string `json:"source"`
}

// NewMessage создаёт сообщение с отметкой времени at (в UTC).
func NewMessage(seq int64, payload, source string, at time.Time) Message {
	return Message{
		SequenceNumber: seq,
		Timestamp:      at.UTC().Format(TimestampLayout),
		Payload:        payload,
		Source:         source,
	}
}

// Encode сериализует сообщение в JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage разбирает тело доставки.
// Всё, что не является JSON-объектом (включая null, строки, массивы), — ErrMalformedMessage.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, fmt.Errorf("%w: body is not a JSON object", ErrMalformedMessage)
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return msg, nil
}
