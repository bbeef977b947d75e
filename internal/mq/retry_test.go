package mq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/courier/internal/mq"
	"github.com/shaiso/courier/internal/mq/mqtest"
)

func fastPolicy(retries int) mq.RetryPolicy {
	return mq.RetryPolicy{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestConnectWithRetry_RecoversAfterFailures(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(2)

	conn, err := mq.ConnectWithRetry(context.Background(), connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger(), fastPolicy(3))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if srv.Dials() != 3 {
		t.Errorf("expected 3 dials, got %d", srv.Dials())
	}
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(10)

	_, err := mq.ConnectWithRetry(context.Background(), connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger(), fastPolicy(1))
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if srv.Dials() != 2 {
		t.Errorf("expected first attempt plus one retry, got %d dials", srv.Dials())
	}
}

func TestConnectWithRetry_DefaultIsSingleAttempt(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1)

	_, err := mq.ConnectWithRetry(context.Background(), connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger(), mq.DefaultRetryPolicy())
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if srv.Dials() != 1 {
		t.Errorf("expected a single dial, got %d", srv.Dials())
	}
}

func TestConnectWithRetry_StopsOnCancel(t *testing.T) {
	srv := mqtest.NewServer()
	srv.FailDials(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := mq.ConnectWithRetry(ctx, connConfig(srv), mq.Topology{Queue: "orders"}, discardLogger(), fastPolicy(-1))
	if !errors.Is(err, mq.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("unlimited retry should stop when the context is done")
	}
}
