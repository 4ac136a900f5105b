package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when registered hooks outlive the shutdown window.
var ErrShutdownTimeout = errors.New("shutdown timeout")

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedHook
	timeout    time.Duration
	logger     *zap.Logger
}

type namedHook struct {
	name string
	fn   func(context.Context) error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.Named("shutdown"),
	}
}

// Register registers a shutdown function. Hooks run in reverse registration order.
func (g *GracefulShutdown) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedHook{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions sequentially (LIFO), bounded by the
// configured timeout.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := make([]namedHook, len(g.shutdownFn))
	copy(hooks, g.shutdownFn)
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", zap.Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(shutdownCtx); err != nil {
				g.logger.Error("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
				errs = append(errs, err)
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		g.logger.Info("graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return ErrShutdownTimeout
	}
}
