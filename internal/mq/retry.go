package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy — политика повторного подключения на стороне вызывающего.
type RetryPolicy struct {
	// MaxRetries — число повторов после первой попытки. 0 — одна попытка, <0 — без ограничения.
	MaxRetries int

	// InitialInterval — первая задержка (default: 1s).
	InitialInterval time.Duration

	// MaxInterval — потолок задержки (default: 30s).
	MaxInterval time.Duration
}

// DefaultRetryPolicy — одна попытка, как в минимальном варианте.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      0,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// backOff строит экспоненциальную задержку, ограниченную по числу попыток и ctx.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// ConnectWithRetry вызывает Connect, пока не получится или не кончатся попытки.
// Ошибка всегда оборачивает ErrConnection.
func ConnectWithRetry(ctx context.Context, cfg ConnConfig, topo Topology, logger *slog.Logger, policy RetryPolicy) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var conn *Connection
	attempt := 0

	op := func() error {
		attempt++
		c, err := Connect(ctx, cfg, topo, logger)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("connect failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, policy.backOff(ctx), notify); err != nil {
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return nil, err
	}

	return conn, nil
}
