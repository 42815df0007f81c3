package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reengage-service/config"
	"reengage-service/internal/api"
	"reengage-service/internal/app"
	"reengage-service/internal/broker"
	"reengage-service/internal/util"
	"reengage-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting re-engagement service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	application, err := app.New(startCtx, cfg)
	startCancel()
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	logger.Info("Reminder stages configured", zap.Durations("offsets", application.Scheduler.Offsets()))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workers := worker.NewGroup()

	if cfg.Reminder.SweepInterval > 0 {
		reminderWorker := worker.NewReminderWorker(application.Scheduler, cfg.Reminder.SweepInterval)
		workers.Go(workerCtx, "reminders", reminderWorker.Start)
	} else {
		logger.Info("Reminder sweep loop disabled, run remindctl sweep externally")
	}

	signalConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSignals, cfg.Kafka.ConsumerGroup)
	signalWorker := worker.NewSignalWorker(signalConsumer, application.SignalHandler())
	workers.Go(workerCtx, "signals", signalWorker.Start)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(application.Engagement)
	for name, check := range application.ReadinessChecks() {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := signalWorker.Stop(); err != nil {
		logger.Warn("Error stopping signal worker", zap.Error(err))
	}
	// a sweep may be mid-delivery; producers must stay open until it returns
	if err := workers.Wait(shutdownCtx); err != nil {
		logger.Warn("Workers did not stop in time", zap.Error(err))
	}

	if err := application.Close(); err != nil {
		logger.Warn("Error closing application", zap.Error(err))
	}

	logger.Info("Server exited")
}
