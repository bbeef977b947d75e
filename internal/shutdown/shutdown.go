// Package shutdown координирует graceful shutdown процесса.
//
// Coordinator заменяет глобальный флаг остановки: им владеет main,
// циклы получают его контекст и проверяют Stopping() в контрольных точках.
// Первый сигнал запускает остановку, второй завершает процесс с кодом 1.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ForcedExitCode — код выхода при повторном сигнале.
const ForcedExitCode = 1

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithExit подменяет os.Exit (для тестов).
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) {
		c.exit = exit
	}
}

// Coordinator — владелец сигнала остановки.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	exit   func(code int)

	signals  chan os.Signal
	stopping atomic.Bool
	reason   atomic.Value

	closeOnce sync.Once
	done      chan struct{}
}

// New создаёт Coordinator и подписывается на сигналы (по умолчанию SIGINT, SIGTERM).
func New(parent context.Context, logger *slog.Logger, sigs []os.Signal, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)

	c := &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		exit:    os.Exit,
		signals: make(chan os.Signal, 2),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	signal.Notify(c.signals, sigs...)
	go c.watch()

	return c
}

func (c *Coordinator) watch() {
	for {
		select {
		case sig := <-c.signals:
			if c.Stopping() {
				c.logger.Error("received second signal, forcing exit", "signal", sig.String())
				c.exit(ForcedExitCode)
				return
			}
			c.Stop(sig.String())

		case <-c.done:
			return
		}
	}
}

// Context отменяется при остановке.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Stopping сообщает, запрошена ли остановка. Сброса нет.
func (c *Coordinator) Stopping() bool {
	return c.stopping.Load() || c.ctx.Err() != nil
}

// Reason возвращает причину остановки ("" — не запрошена).
func (c *Coordinator) Reason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Stop запрашивает остановку. Повторные вызовы ничего не делают.
func (c *Coordinator) Stop(reason string) {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}
	c.reason.Store(reason)
	c.logger.Info("shutdown requested", "reason", reason)
	c.cancel()
}

// Close отписывается от сигналов и освобождает контекст.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		signal.Stop(c.signals)
		close(c.done)
		c.cancel()
	})
}
