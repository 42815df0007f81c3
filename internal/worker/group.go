package worker

import (
	"context"
	"sync"

	"reengage-service/internal/util"

	"go.uber.org/zap"
)

// Group runs background workers and lets shutdown wait for them to return.
type Group struct {
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewGroup() *Group {
	return &Group{logger: util.GetLogger()}
}

// Go runs start in its own goroutine. A returned error is logged.
func (g *Group) Go(ctx context.Context, name string, start func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := start(ctx); err != nil {
			g.logger.Error("Worker stopped with error", zap.String("worker", name), zap.Error(err))
			return
		}
		g.logger.Info("Worker stopped", zap.String("worker", name))
	}()
}

// Wait blocks until every worker has returned or ctx is done.
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
