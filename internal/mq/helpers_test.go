package mq_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/mq/mqtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connConfig(srv *mqtest.Server) mq.ConnConfig {
	return mq.ConnConfig{
		Host:     "broker.local",
		User:     "guest",
		Password: "guest",
		Dial:     srv.Dial,
	}
}

func mustConnect(t *testing.T, srv *mqtest.Server, topo mq.Topology) *mq.Connection {
	t.Helper()
	conn, err := mq.Connect(context.Background(), connConfig(srv), topo, discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// runConsumer запускает consumer в горутине и возвращает функцию остановки.
func runConsumer(t *testing.T, conn *mq.Connection, cfg mq.ConsumerConfig) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	consumer := mq.NewConsumer(conn, discardLogger(), cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	var stopped bool
	var result error
	stop = func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop in time")
			result = context.DeadlineExceeded
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}
