package mq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/mq/mqtest"
)

func TestConnect_DeclaresDurableQueue(t *testing.T) {
	srv := mqtest.NewServer()
	conn := mustConnect(t, srv, mq.Topology{Queue: "orders"})

	if !conn.IsOpen() {
		t.Fatal("connection should be open after connect")
	}
	if !srv.HasQueue("orders") {
		t.Error("queue orders should be declared")
	}
	if _, ok := srv.ExchangeKind("orders"); ok {
		t.Error("no exchange should be declared without EXCHANGE_NAME")
	}
}

func TestConnect_DeclaresExchangeAndBinding(t *testing.T) {
	srv := mqtest.NewServer()
	mustConnect(t, srv, mq.Topology{
		Queue:        "orders",
		Exchange:     "orders-exchange",
		ExchangeType: "direct",
		RoutingKey:   "orders-key",
	})

	kind, ok := srv.ExchangeKind("orders-exchange")
	if !ok || kind != "direct" {
		t.Fatalf("expected direct exchange, got %q (declared=%v)", kind, ok)
	}
	if !srv.Bound("orders-exchange", "orders", "orders-key") {
		t.Error("queue should be bound with orders-key")
	}
}

func TestConnect_BindingKeyDefaultsToQueueName(t *testing.T) {
	srv := mqtest.NewServer()
	mustConnect(t, srv, mq.Topology{Queue: "orders", Exchange: "orders-exchange"})

	if !srv.Bound("orders-exchange", "orders", "orders") {
		t.Error("binding key should default to the queue name")
	}
	if kind, _ := srv.ExchangeKind("orders-exchange"); kind != mq.ExchangeDirect {
		t.Errorf("exchange type should default to direct, got %q", kind)
	}
}

func TestConnect_RepeatedDeclarationIsIdempotent(t *testing.T) {
	srv := mqtest.NewServer()
	topo := mq.Topology{Queue: "orders", Exchange: "orders-exchange", RoutingKey: "orders-key"}

	mustConnect(t, srv, topo)
	mustConnect(t, srv, topo)

	if srv.OpenConnections() != 2 {
		t.Errorf("expected 2 open connections, got %d", srv.OpenConnections())
	}
}

func TestConnect_DialFailureIsConnectionError(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1)

	_, err := mq.Connect(context.Background(), connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestConnect_InequivalentDeclarationReleasesConnection(t *testing.T) {
	srv := mqtest.NewServer()
	mustConnect(t, srv, mq.Topology{Queue: "orders"})

	_, err := mq.Connect(context.Background(), connConfig(srv),
		mq.Topology{Queue: "orders", QueueType: mq.QueueQuorum}, discardLogger())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if srv.OpenConnections() != 1 {
		t.Errorf("failed connect must close its connection, open=%d", srv.OpenConnections())
	}
}

func TestConnect_InvalidTopology(t *testing.T) {
	srv := mqtest.NewServer()

	_, err := mq.Connect(context.Background(), connConfig(srv), mq.Topology{}, discardLogger())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if srv.Dials() != 0 {
		t.Error("invalid topology should fail before dialing")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	srv := mqtest.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mq.Connect(ctx, connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger())
	if !errors.Is(err, mq.ErrConnection) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrConnection wrapping context.Canceled, got %v", err)
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	srv := mqtest.NewServer()
	conn := mustConnect(t, srv, mq.Topology{Queue: "orders"})

	if err := conn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if conn.IsOpen() {
		t.Error("IsOpen should be false after close")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if srv.OpenConnections() != 0 {
		t.Errorf("expected no open connections, got %d", srv.OpenConnections())
	}
	if conn.Channel() != nil {
		t.Error("Channel should be nil after close")
	}
}

func TestConnection_ConcurrentClose(t *testing.T) {
	srv := mqtest.NewServer()
	conn := mustConnect(t, srv, mq.Topology{Queue: "orders"})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.Close()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent close returned %v", err)
		}
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestConnection_BrokerSideCloseIsNotOpen(t *testing.T) {
	srv := mqtest.NewServer()
	conn := mustConnect(t, srv, mq.Topology{Queue: "orders"})

	srv.DropConnections()

	if conn.IsOpen() {
		t.Error("IsOpen should be false after the broker dropped the connection")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("close after broker drop should succeed, got %v", err)
	}
}

func TestConnection_WithChannelOnClosedHandle(t *testing.T) {
	srv := mqtest.NewServer()
	conn := mustConnect(t, srv, mq.Topology{Queue: "orders"})
	conn.Close()

	called := false
	err := conn.WithChannel(context.Background(), func(mq.Channel) error {
		called = true
		return nil
	})
	if !errors.Is(err, mq.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if called {
		t.Error("fn must not run on a closed handle")
	}
}

func TestConnection_BlockedTooLongCloses(t *testing.T) {
	srv := mqtest.NewServer()
	cfg := connConfig(srv)
	cfg.BlockedTimeout = 20 * time.Millisecond

	conn, err := mq.Connect(context.Background(), cfg, mq.Topology{Queue: "orders"}, discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	srv.Block("low on memory")

	mqtest.Eventually(t, time.Second, func() bool { return !conn.IsOpen() }, "connection should close after blocked timeout")
}

func TestConnection_UnblockedInTimeStaysOpen(t *testing.T) {
	srv := mqtest.NewServer()
	cfg := connConfig(srv)
	cfg.BlockedTimeout = 100 * time.Millisecond

	conn, err := mq.Connect(context.Background(), cfg, mq.Topology{Queue: "orders"}, discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	srv.Block("low on memory")
	time.Sleep(20 * time.Millisecond)
	srv.Unblock()

	time.Sleep(200 * time.Millisecond)
	if !conn.IsOpen() {
		t.Error("connection should stay open when unblocked before the timeout")
	}
}

func TestConnConfig_URLHasNoCredentials(t *testing.T) {
	cfg := mq.ConnConfig{Host: "rabbit", Port: 5673, User: "u", Password: "secret"}

	if got := cfg.URL(); got != "amqp://rabbit:5673/" {
		t.Errorf("unexpected URL %q", got)
	}
	if got := (mq.ConnConfig{Host: "rabbit"}).Address(); got != "rabbit:5672" {
		t.Errorf("default port should be 5672, got %q", got)
	}
}
