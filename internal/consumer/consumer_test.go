package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/mq/mqtest"
	"github.com/shaiso/courier/internal/repo"
)

// fakeJournal — журнал в памяти.
type fakeJournal struct {
	mu      sync.Mutex
	entries map[string]repo.ConsumedMessage
	fail    int
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{entries: make(map[string]repo.ConsumedMessage)}
}

func (j *fakeJournal) Record(_ context.Context, m repo.ConsumedMessage) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail > 0 {
		j.fail--
		return false, errors.New("connection refused")
	}
	if _, ok := j.entries[m.MessageID]; ok {
		return false, nil
	}
	j.entries[m.MessageID] = m
	return true, nil
}

func (j *fakeJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func body(t *testing.T, seq int64) []byte {
	t.Helper()
	b, err := mq.NewMessage(seq, "hello", "producer-1", time.Now()).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newService(srv *mqtest.Server, journal Journal) *Service {
	policy := mq.RetryPolicy{MaxRetries: -1, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return New(Config{
		Conn:      mq.ConnConfig{Host: "broker.local", User: "guest", Password: "guest", Dial: srv.Dial},
		Topology:  mq.Topology{Queue: "orders"},
		Retry:     mq.DefaultRetryPolicy(),
		Reconnect: &policy,
		Handler:   NewHandler(journal, testLogger()),
		Logger:    testLogger(),
	})
}

func start(t *testing.T, s *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	stopped := false
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("service did not stop in time")
			result = context.DeadlineExceeded
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestService_ConsumesAndRecords(t *testing.T) {
	srv := mqtest.NewServer()
	journal := newFakeJournal()
	s := newService(srv, journal)
	stop := start(t, s)

	mqtest.Eventually(t, time.Second, s.Healthy, "service should connect")
	srv.Inject("", "orders", body(t, 1))
	srv.Inject("", "orders", body(t, 2))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Acked == 2 }, "messages should be acked")
	if journal.len() != 2 {
		t.Errorf("journal has %d entries, want 2", journal.len())
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if srv.OpenConnections() != 0 {
		t.Errorf("connection should be closed, open=%d", srv.OpenConnections())
	}
}

func TestService_JournalErrorRequeues(t *testing.T) {
	srv := mqtest.NewServer()
	journal := newFakeJournal()
	journal.fail = 1
	s := newService(srv, journal)
	start(t, s)

	mqtest.Eventually(t, time.Second, s.Healthy, "service should connect")
	srv.Inject("", "orders", body(t, 1))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Acked == 1 }, "message should be acked on redelivery")
	if st := srv.Stats("orders"); st.Requeued != 1 {
		t.Errorf("journal failure should requeue once, got %+v", st)
	}
	if journal.len() != 1 {
		t.Errorf("journal has %d entries, want 1", journal.len())
	}
}

func TestService_MalformedMessageNotRecorded(t *testing.T) {
	srv := mqtest.NewServer()
	journal := newFakeJournal()
	s := newService(srv, journal)
	start(t, s)

	mqtest.Eventually(t, time.Second, s.Healthy, "service should connect")
	srv.Inject("", "orders", []byte("{broken"))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Discarded == 1 }, "malformed message should be discarded")
	if journal.len() != 0 {
		t.Error("malformed message must not reach the journal")
	}
}

func TestService_ReconnectsAfterDrop(t *testing.T) {
	srv := mqtest.NewServer()
	journal := newFakeJournal()
	s := newService(srv, journal)
	stop := start(t, s)

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Consumers == 1 }, "service should subscribe")
	srv.DropConnections()

	mqtest.Eventually(t, time.Second, func() bool { return srv.Dials() >= 2 && s.Healthy() }, "service should reconnect")
	srv.Inject("", "orders", body(t, 1))
	mqtest.Eventually(t, time.Second, func() bool { return journal.len() == 1 }, "message should be consumed after reconnect")

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestService_InitialConnectFailure(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1)

	err := newService(srv, nil).Run(context.Background())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestService_StopDuringInitialConnect(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1 << 20)

	s := newService(srv, nil)
	s.cfg.Retry = mq.RetryPolicy{MaxRetries: -1, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("stop during connect should be graceful, got %v", err)
	}
	if srv.Dials() < 2 {
		t.Errorf("expected connect retries before stop, dials=%d", srv.Dials())
	}
}

func TestHandler_DuplicateIsAccepted(t *testing.T) {
	journal := newFakeJournal()
	handler := NewHandler(journal, testLogger())

	msg, err := mq.DecodeMessage(body(t, 9))
	if err != nil {
		t.Fatal(err)
	}
	d := &mq.Delivery{Message: msg, Raw: amqp.Delivery{MessageId: "m-9"}}

	if err := handler(context.Background(), d); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	d.Raw.Redelivered = true
	if err := handler(context.Background(), d); err != nil {
		t.Fatalf("redelivery of a recorded message should succeed: %v", err)
	}

	entry := journal.entries["m-9"]
	if entry.SequenceNumber != 9 || entry.Source != "producer-1" || entry.ProducedAt == nil {
		t.Errorf("unexpected journal entry %+v", entry)
	}
	if entry.Redelivered {
		t.Error("first record should win")
	}
}

func TestHandler_WithoutJournal(t *testing.T) {
	handler := NewHandler(nil, testLogger())
	if err := handler(context.Background(), &mq.Delivery{}); err != nil {
		t.Errorf("handler without journal should succeed: %v", err)
	}
}
