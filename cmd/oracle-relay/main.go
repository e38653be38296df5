package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/oracle-relay/internal/app"
	"github.com/R3E-Network/oracle-relay/internal/app/metrics"
	"github.com/R3E-Network/oracle-relay/internal/config"
	"github.com/R3E-Network/oracle-relay/pkg/logger"
)

func main() {
	_ = godotenv.Load() // allow .env for local runs

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("oracle-relay").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}).WithField("component", "oracle-relay")

	chains, err := config.LoadChainsFromPath(cfg.ChainsFile)
	if err != nil {
		log.WithError(err).Error("load chains configuration")
		os.Exit(1)
	}

	application, err := app.New(cfg, chains, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		if err := application.Attach(metrics.NewServer(cfg.MetricsAddr)); err != nil {
			log.WithError(err).Error("attach metrics server")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}
	log.Info("oracle relay started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s; shutting down", sig)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
		os.Exit(1)
	}
	log.Info("oracle relay stopped")
}
