package repo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewPool_NotConfigured(t *testing.T) {
	if _, err := NewPool(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewPool_BadDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Error("malformed dsn should fail")
	}
}

// Требует Postgres: COURIER_TEST_DB_URL=postgres://... go test ./internal/repo/
func TestMessageRepo_RecordIsIdempotent(t *testing.T) {
	dsn := os.Getenv("COURIER_TEST_DB_URL")
	if dsn == "" {
		t.Skip("COURIER_TEST_DB_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	r := NewMessageRepo(pool)
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	produced := time.Now().UTC().Truncate(time.Microsecond)
	msg := ConsumedMessage{
		MessageID:      uuid.NewString(),
		SequenceNumber: 42,
		Source:         "repo-test",
		Payload:        "hello",
		ProducedAt:     &produced,
	}

	inserted, err := r.Record(ctx, msg)
	if err != nil || !inserted {
		t.Fatalf("first Record: inserted=%v err=%v", inserted, err)
	}

	inserted, err = r.Record(ctx, msg)
	if err != nil || inserted {
		t.Fatalf("duplicate Record: inserted=%v err=%v", inserted, err)
	}

	recent, err := r.Recent(ctx, 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	found := false
	for _, m := range recent {
		if m.MessageID == msg.MessageID {
			found = true
			if m.SequenceNumber != 42 || m.ProducedAt == nil || !m.ProducedAt.Equal(produced) {
				t.Errorf("unexpected row %+v", m)
			}
		}
	}
	if !found {
		t.Error("recorded message not returned by Recent")
	}

	pool.Exec(ctx, "DELETE FROM consumed_messages WHERE message_id = $1", msg.MessageID)
}

func TestMessageRepo_RecordRequiresID(t *testing.T) {
	r := NewMessageRepo(nil)
	if _, err := r.Record(context.Background(), ConsumedMessage{}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}
