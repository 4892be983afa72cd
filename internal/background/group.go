package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Group runs best-effort side effects outside the request lifecycle. Tasks get
// a fresh context bounded by Timeout, so a client disconnect does not cancel
// them, and Wait lets shutdown drain what is still in flight.
type Group struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewGroup(logger *zap.Logger, timeout time.Duration) *Group {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Group{logger: logger, timeout: timeout}
}

// Go schedules fn. Errors and panics are logged, never propagated.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.String("panic", fmt.Sprint(r)),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			g.logger.Warn("Background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled task finished or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
