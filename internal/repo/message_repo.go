package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS consumed_messages (
		message_id      TEXT PRIMARY KEY,
		sequence_number BIGINT NOT NULL,
		source          TEXT NOT NULL,
		payload         TEXT NOT NULL,
		produced_at     TIMESTAMPTZ,
		redelivered     BOOLEAN NOT NULL DEFAULT false,
		consumed_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// ConsumedMessage — запись журнала обработанных сообщений.
type ConsumedMessage struct {
	MessageID      string     `db:"message_id" json:"message_id"`
	SequenceNumber int64      `db:"sequence_number" json:"sequence_number"`
	Source         string     `db:"source" json:"source"`
	Payload        string     `db:"payload" json:"payload"`
	ProducedAt     *time.Time `db:"produced_at" json:"produced_at,omitempty"`
	Redelivered    bool       `db:"redelivered" json:"redelivered"`
	ConsumedAt     time.Time  `db:"consumed_at" json:"consumed_at"`
}

// MessageRepo — журнал обработанных сообщений в Postgres.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo создаёт новый MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// EnsureSchema создаёт таблицу, если её нет.
func (r *MessageRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create consumed_messages: %w", err)
	}
	return nil
}

// Record сохраняет сообщение. Повторная запись того же message id ничего не меняет;
// inserted=false означает дубликат (повторная доставка).
func (r *MessageRepo) Record(ctx context.Context, m ConsumedMessage) (inserted bool, err error) {
	if m.MessageID == "" {
		return false, fmt.Errorf("%w: empty message id", ErrInvalidMessage)
	}

	query := `
		INSERT INTO consumed_messages (message_id, sequence_number, source, payload, produced_at, redelivered)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		m.MessageID,
		m.SequenceNumber,
		m.Source,
		m.Payload,
		m.ProducedAt,
		m.Redelivered,
	)
	if err != nil {
		return false, fmt.Errorf("insert consumed message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Recent возвращает последние limit записей, новые первыми.
func (r *MessageRepo) Recent(ctx context.Context, limit int) ([]ConsumedMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT message_id, sequence_number, source, payload, produced_at, redelivered, consumed_at
		FROM consumed_messages
		ORDER BY consumed_at DESC, sequence_number DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query consumed messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, pgx.RowToStructByName[ConsumedMessage])
	if err != nil {
		return nil, fmt.Errorf("scan consumed messages: %w", err)
	}
	return messages, nil
}
