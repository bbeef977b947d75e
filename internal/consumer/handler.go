package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/repo"
	"github.com/shaiso/courier/internal/telemetry"
)

const journalTimeout = 5 * time.Second

// Journal сохраняет обработанные сообщения.
type Journal interface {
	Record(ctx context.Context, m repo.ConsumedMessage) (inserted bool, err error)
}

// NewHandler возвращает обработчик, который логирует сообщение и,
// если journal != nil, записывает его. Ошибка журнала возвращает сообщение в очередь.
func NewHandler(journal Journal, logger *slog.Logger) mq.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, d *mq.Delivery) error {
		msg := d.Message

		logger.Info("received message",
			"message_id", d.MessageID(),
			"sequence_number", msg.SequenceNumber,
			"source", msg.Source,
			"payload", msg.Payload,
			"redelivered", d.Raw.Redelivered,
		)

		if journal == nil {
			return nil
		}

		recCtx, cancel := context.WithTimeout(ctx, journalTimeout)
		defer cancel()

		inserted, err := journal.Record(recCtx, journalEntry(d))
		if err != nil {
			return fmt.Errorf("record message: %w", err)
		}
		if !inserted {
			telemetry.FromContext(ctx).Info("message already recorded, skipping")
		}
		return nil
	}
}

func journalEntry(d *mq.Delivery) repo.ConsumedMessage {
	entry := repo.ConsumedMessage{
		MessageID:      d.MessageID(),
		SequenceNumber: d.Message.SequenceNumber,
		Source:         d.Message.Source,
		Payload:        d.Message.Payload,
		Redelivered:    d.Raw.Redelivered,
	}
	if t, err := time.Parse(time.RFC3339Nano, d.Message.Timestamp); err == nil {
		entry.ProducedAt = &t
	}
	return entry
}
