package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yoto-remote/common/logger"
	"yoto-remote/internal/config"
	"yoto-remote/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "yoto-remote")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting yoto-remote service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("schedule_store", cfg.Schedule.Store),
		zap.Int("devices", len(cfg.DeviceIDs)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote, err := service.NewRemoteService(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create remote service", zap.Error(err))
	}

	if err := remote.Start(ctx); err != nil {
		zlog.Fatal("Failed to start remote service", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := remote.Stop(stopCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}

	zlog.Info("Service stopped")
}
