package producer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/mq/mqtest"
	"github.com/shaiso/courier/internal/producer"
	"github.com/shaiso/courier/internal/telemetry"
)

func newProducer(srv *mqtest.Server, topo mq.Topology, interval time.Duration) *producer.Producer {
	return producer.New(producer.Config{
		Conn:     mq.ConnConfig{Host: "broker.local", User: "guest", Password: "guest", Dial: srv.Dial},
		Topology: topo,
		Retry:    mq.DefaultRetryPolicy(),
		Pacer:    producer.IntervalPacer{Interval: interval},
		Payload:  "Hello",
		Source:   "test-host",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// start запускает Run и возвращает функцию, которая останавливает его и отдаёт результат.
func start(t *testing.T, p *producer.Producer) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Error("producer did not stop in time")
			return context.DeadlineExceeded
		}
	}
}

func sequences(t *testing.T, srv *mqtest.Server) []int64 {
	t.Helper()
	var seqs []int64
	for _, p := range srv.Published() {
		msg, err := mq.DecodeMessage(p.Publishing.Body)
		if err != nil {
			t.Fatalf("decode published body: %v", err)
		}
		seqs = append(seqs, msg.SequenceNumber)
	}
	return seqs
}

func TestProducer_PublishesInSequence(t *testing.T) {
	srv := mqtest.NewServer()
	p := newProducer(srv, mq.Topology{Queue: "orders"}, 5*time.Millisecond)
	stop := start(t, p)

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready >= 3 }, "producer should publish")
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seqs := sequences(t, srv)
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence numbers should be 1,2,3...; got %v", seqs)
		}
	}

	msg, _ := mq.DecodeMessage(srv.Published()[0].Publishing.Body)
	if msg.Payload != "Hello" || msg.Source != "test-host" {
		t.Errorf("unexpected message %+v", msg)
	}
	if srv.OpenConnections() != 0 {
		t.Errorf("connection should be closed after stop, open=%d", srv.OpenConnections())
	}
	if p.Healthy() {
		t.Error("producer should not report healthy after stop")
	}
}

func TestProducer_RoutesThroughExchange(t *testing.T) {
	srv := mqtest.NewServer()
	topo := mq.Topology{Queue: "orders", Exchange: "orders-exchange", RoutingKey: "orders-key"}
	stop := start(t, newProducer(srv, topo, 5*time.Millisecond))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready >= 1 }, "message should reach orders")
	stop()

	pub := srv.Published()[0]
	if pub.Exchange != "orders-exchange" || pub.RoutingKey != "orders-key" {
		t.Errorf("published to %q/%q", pub.Exchange, pub.RoutingKey)
	}
}

func TestProducer_InitialConnectFailure(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1)

	err := newProducer(srv, mq.Topology{Queue: "orders"}, time.Millisecond).Run(context.Background())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if len(srv.Published()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestProducer_FailedPublishKeepsSequence(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailPublishes(2)
	p := newProducer(srv, mq.Topology{Queue: "orders"}, 5*time.Millisecond)
	stop := start(t, p)

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready >= 2 }, "producer should recover")
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seqs := sequences(t, srv)
	if seqs[0] != 3 || seqs[1] != 4 {
		t.Errorf("failed attempts should consume sequence numbers, got %v", seqs)
	}
	if p.Sequence() < 4 {
		t.Errorf("Sequence() = %d", p.Sequence())
	}
}

func TestProducer_ReopensDroppedConnection(t *testing.T) {
	srv := mqtest.NewServer()
	stop := start(t, newProducer(srv, mq.Topology{Queue: "orders"}, 5*time.Millisecond))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready >= 1 }, "first publish")
	srv.DropConnections()

	mqtest.Eventually(t, time.Second, func() bool { return srv.Dials() >= 2 }, "producer should reconnect")
	before := srv.Stats("orders").Ready
	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready > before }, "publishing should resume")

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if srv.OpenConnections() != 0 {
		t.Errorf("all connections should be closed, open=%d", srv.OpenConnections())
	}
}

func TestProducer_StopInterruptsWait(t *testing.T) {
	srv := mqtest.NewServer()
	stop := start(t, newProducer(srv, mq.Topology{Queue: "orders"}, time.Hour))

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready == 1 }, "first publish")

	begin := time.Now()
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Error("stop should not wait for the full interval")
	}
	if len(srv.Published()) != 1 {
		t.Errorf("expected exactly one publish, got %d", len(srv.Published()))
	}
}

func TestProducer_ConnectionGaugeAfterReconnect(t *testing.T) {
	base := testutil.ToFloat64(telemetry.ConnectionOpen)

	srv := mqtest.NewServer()
	p := newProducer(srv, mq.Topology{Queue: "orders"}, 5*time.Millisecond)
	stop := start(t, p)

	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready >= 1 }, "first publish")
	if got := testutil.ToFloat64(telemetry.ConnectionOpen); got != base+1 {
		t.Errorf("connection gauge = %v, want %v", got, base+1)
	}

	srv.DropConnections()
	mqtest.Eventually(t, time.Second, func() bool { return srv.Dials() >= 2 && p.Healthy() }, "producer should reconnect")
	before := srv.Stats("orders").Ready
	mqtest.Eventually(t, time.Second, func() bool { return srv.Stats("orders").Ready > before }, "publishing should resume")

	if got := testutil.ToFloat64(telemetry.ConnectionOpen); got != base+1 {
		t.Errorf("connection gauge after reconnect = %v, want %v", got, base+1)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(telemetry.ConnectionOpen); got != base {
		t.Errorf("connection gauge after stop = %v, want %v", got, base)
	}
}

func TestProducer_StopDuringInitialConnect(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1 << 20)

	p := producer.New(producer.Config{
		Conn:     mq.ConnConfig{Host: "broker.local", User: "guest", Password: "guest", Dial: srv.Dial},
		Topology: mq.Topology{Queue: "orders"},
		Retry:    mq.RetryPolicy{MaxRetries: -1, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Pacer:    producer.IntervalPacer{Interval: time.Millisecond},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("stop during connect should be graceful, got %v", err)
	}
	if srv.Dials() < 2 {
		t.Errorf("expected connect retries before stop, dials=%d", srv.Dials())
	}
	if len(srv.Published()) != 0 {
		t.Error("nothing should be published")
	}
}
