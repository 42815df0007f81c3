package worker

import (
	"context"
	"errors"
	"time"

	"reengage-service/internal/broker"
	"reengage-service/internal/scheduler"
	"reengage-service/internal/util"

	"go.uber.org/zap"
)

// ReminderWorker drives the periodic reminder sweep
type ReminderWorker struct {
	scheduler *scheduler.Scheduler
	interval  time.Duration
	logger    *zap.Logger
}

// NewReminderWorker creates a new reminder worker
func NewReminderWorker(sched *scheduler.Scheduler, interval time.Duration) *ReminderWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReminderWorker{
		scheduler: sched,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start sweeps until ctx is cancelled
func (w *ReminderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reminder worker", zap.Duration("interval", w.interval))
	err := w.scheduler.Run(ctx, w.interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// MessageSource is a consumer loop that feeds messages to a handler
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SignalWorker applies catalog and checkout signals
type SignalWorker struct {
	source  MessageSource
	handler *broker.SignalHandler
	logger  *zap.Logger
}

// NewSignalWorker creates a new signal worker
func NewSignalWorker(source MessageSource, handler *broker.SignalHandler) *SignalWorker {
	return &SignalWorker{
		source:  source,
		handler: handler,
		logger:  util.GetLogger(),
	}
}

// Start starts the worker
func (w *SignalWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting signal worker")
	err := w.source.StartConsuming(ctx, w.handler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *SignalWorker) Stop() error {
	w.logger.Info("Stopping signal worker")
	return w.source.Close()
}
